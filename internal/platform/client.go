package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Client talks to the platform's public REST API with one bearer token.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	projectID  string
}

// NewClient creates a platform client. timeout bounds every request.
func NewClient(baseURL, token, projectID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		projectID:  projectID,
	}
}

// ExportProject fetches the declarative YAML export of the project.
func (c *Client) ExportProject(ctx context.Context) (*ProjectExport, error) {
	body, err := c.get(ctx, "/project/"+url.PathEscape(c.projectID)+"/export", nil)
	if err != nil {
		return nil, err
	}
	var export ProjectExport
	if err := yaml.Unmarshal(body, &export); err != nil {
		return nil, fmt.Errorf("failed to parse project export: %w", err)
	}
	return &export, nil
}

// ExportVariables fetches the bulk dotenv export and indexes it by hostname.
// Values other than serviceId and zeropsSubdomain are dropped here.
func (c *Client) ExportVariables(ctx context.Context) (*VariableIndex, error) {
	body, err := c.get(ctx, "/project/"+url.PathEscape(c.projectID)+"/env-export", nil)
	if err != nil {
		return nil, err
	}
	return ParseVariableExport(string(body)), nil
}

// ServiceStatus returns the current state of a service stack.
func (c *Client) ServiceStatus(ctx context.Context, serviceID string) (*ServiceStack, error) {
	body, err := c.get(ctx, "/service-stack/"+url.PathEscape(serviceID), nil)
	if err != nil {
		return nil, err
	}
	var stack ServiceStack
	if err := json.Unmarshal(body, &stack); err != nil {
		return nil, fmt.Errorf("failed to parse service stack %s: %w", serviceID, err)
	}
	return &stack, nil
}

// ServiceLogs returns up to limit recent log messages, oldest first.
func (c *Client) ServiceLogs(ctx context.Context, serviceID string, limit int) ([]string, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.get(ctx, "/service-stack/"+url.PathEscape(serviceID)+"/log", q)
	if err != nil {
		return nil, err
	}
	var resp logResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse logs of %s: %w", serviceID, err)
	}
	out := make([]string, 0, len(resp.Items))
	for _, it := range resp.Items {
		out = append(out, it.Message)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("platform request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response of %s: %w", path, err)
	}
	log.Debug().Str("path", path).Int("status", resp.StatusCode).Dur("took", time.Since(start)).Msg("platform request")
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Path: path, StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}
	return body, nil
}

// ParseVariableExport indexes `<hostname>_<NAME>=value` lines. Keys without
// a hostname prefix are ignored. When the export does not parse as a whole,
// it is parsed line by line and the lines that fail land in Rejected.
func ParseVariableExport(text string) *VariableIndex {
	idx := &VariableIndex{Services: make(map[string]*ServiceVariables)}
	env, err := godotenv.Unmarshal(text)
	if err != nil {
		env = make(map[string]string)
		for n, line := range strings.Split(text, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "#") {
				continue
			}
			kv, err := godotenv.Unmarshal(trimmed)
			if err != nil {
				idx.Rejected = append(idx.Rejected, RejectedLine{Line: n + 1, Hostname: lineHostname(trimmed), Reason: err.Error()})
				continue
			}
			for k, v := range kv {
				env[k] = v
			}
		}
	}
	for key, value := range env {
		hostname, name, ok := strings.Cut(key, "_")
		if !ok || hostname == "" || name == "" {
			continue
		}
		sv := idx.Services[hostname]
		if sv == nil {
			sv = &ServiceVariables{}
			idx.Services[hostname] = sv
		}
		switch name {
		case KeyServiceID:
			sv.ServiceID = value
		case KeySubdomain:
			sv.Subdomain = value
		default:
			sv.Names = append(sv.Names, name)
		}
	}
	for _, sv := range idx.Services {
		sort.Strings(sv.Names)
	}
	return idx
}

// lineHostname guesses the hostname prefix of a raw export line.
func lineHostname(line string) string {
	key, _, _ := strings.Cut(strings.TrimPrefix(line, "export "), "=")
	hostname, _, ok := strings.Cut(strings.TrimSpace(key), "_")
	if !ok {
		return ""
	}
	return hostname
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

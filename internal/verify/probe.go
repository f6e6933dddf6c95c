package verify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/qiniu/zcp/internal/remote"
	"github.com/qiniu/zcp/internal/topology/model"
)

// runtimeErrorMarkers are substrings that mark a crashing or erroring app.
var runtimeErrorMarkers = []string{
	"panic:",
	"fatal error:",
	"Traceback (most recent call last)",
	"Uncaught",
	"Unhandled",
	"Exception",
	"Error:",
	"ERROR",
	"FATAL",
	"Segmentation fault",
	"EADDRINUSE",
	"ECONNREFUSED",
}

// LogAPI returns recent platform log lines of a service.
type LogAPI interface {
	ServiceLogs(ctx context.Context, serviceID string, limit int) ([]string, error)
}

// RemoteProbe checks a service through the remote command channel, the
// platform log endpoint and its public URL.
type RemoteProbe struct {
	Runner   remote.Runner
	Logs     LogAPI
	LogLines int
	HTTP     *http.Client
}

func (p *RemoteProbe) RuntimeErrors(ctx context.Context, svc model.Service) ([]string, error) {
	if p.Logs == nil {
		return nil, errors.New("no log source configured")
	}
	if svc.ServiceID == "" || svc.ServiceID == model.PendingServiceID {
		return nil, errors.New("service id unresolved, logs unavailable")
	}
	limit := p.LogLines
	if limit <= 0 {
		limit = 200
	}
	lines, err := p.Logs.ServiceLogs(ctx, svc.ServiceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read logs: %w", err)
	}
	return FindRuntimeErrors(lines), nil
}

// FindRuntimeErrors returns the log lines carrying an error marker.
func FindRuntimeErrors(lines []string) []string {
	var out []string
	for _, l := range lines {
		for _, m := range runtimeErrorMarkers {
			if strings.Contains(l, m) {
				out = append(out, strings.TrimSpace(l))
				break
			}
		}
	}
	return out
}

func (p *RemoteProbe) ProcessRunning(ctx context.Context, svc model.Service) (bool, error) {
	if strings.TrimSpace(svc.Runtime.StartCommand) == "" {
		return false, errors.New("start command unknown")
	}
	out, err := p.Runner.Run(ctx, svc.Hostname, "ps -eo args")
	if err != nil {
		return false, err
	}
	return MatchProcess(out, svc.Runtime.StartCommand), nil
}

// MatchProcess reports whether a `ps -eo args` listing contains the start
// command, or a process whose args end with its last word.
func MatchProcess(psOutput, startCommand string) bool {
	start := strings.Join(strings.Fields(startCommand), " ")
	words := strings.Fields(start)
	if len(words) == 0 {
		return false
	}
	last := words[len(words)-1]
	for _, line := range strings.Split(psOutput, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" || line == "COMMAND" || strings.HasPrefix(line, "ps -eo") {
			continue
		}
		if strings.Contains(line, start) {
			return true
		}
		if len(words) > 1 && (strings.HasSuffix(line, " "+last) || strings.HasSuffix(line, "/"+last)) {
			return true
		}
	}
	return false
}

func (p *RemoteProbe) PortBinding(ctx context.Context, svc model.Service) (Binding, error) {
	if svc.Runtime.Port == 0 {
		return "", errors.New("port unknown")
	}
	out, err := p.Runner.Run(ctx, svc.Hostname, "ss -tlnH 2>/dev/null || netstat -tln")
	if err != nil {
		return "", err
	}
	return ParseBinding(out, svc.Runtime.Port), nil
}

// ParseBinding reads `ss -tlnH` or `netstat -tln` output; both carry the
// local address in the fourth column.
func ParseBinding(output string, port int) Binding {
	want := strconv.Itoa(port)
	loopback, all := false, false
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		host, p, err := net.SplitHostPort(fields[3])
		if err != nil {
			i := strings.LastIndex(fields[3], ":")
			if i < 0 {
				continue
			}
			host, p = fields[3][:i], fields[3][i+1:]
		}
		if p != want {
			continue
		}
		host = strings.Trim(host, "[]")
		if i := strings.Index(host, "%"); i >= 0 {
			host = host[:i]
		}
		switch {
		case host == "localhost":
			loopback = true
		case host == "*" || host == "":
			all = true
		default:
			ip := net.ParseIP(host)
			if ip != nil && ip.IsLoopback() {
				loopback = true
			} else {
				all = true
			}
		}
	}
	switch {
	case all:
		return BindingAll
	case loopback:
		return BindingLoopback
	}
	return BindingNotBound
}

func (p *RemoteProbe) LocalHTTP(ctx context.Context, svc model.Service) (bool, string, error) {
	if svc.Runtime.Port == 0 {
		return false, "", errors.New("port unknown")
	}
	cmd := fmt.Sprintf("curl -s -o /dev/null -w '%%{http_code}' --max-time 5 http://localhost:%d/", svc.Runtime.Port)
	out, err := p.Runner.Run(ctx, svc.Hostname, cmd)
	if err != nil {
		var ce *remote.CommandError
		if !errors.As(err, &ce) {
			return false, "", err
		}
		out = ce.Output
	}
	code, perr := strconv.Atoi(strings.TrimSpace(out))
	if perr != nil {
		return false, "", fmt.Errorf("unexpected curl output %q", strings.TrimSpace(out))
	}
	if code == 0 {
		return false, fmt.Sprintf("no HTTP answer on localhost:%d", svc.Runtime.Port), nil
	}
	if code >= 500 {
		return false, fmt.Sprintf("localhost:%d answered %d", svc.Runtime.Port, code), nil
	}
	return true, fmt.Sprintf("localhost:%d answered %d", svc.Runtime.Port, code), nil
}

func (p *RemoteProbe) PublicHTTP(ctx context.Context, svc model.Service) (bool, string, error) {
	u := svc.Subdomain
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "https://" + u
	}
	client := p.HTTP
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, "", fmt.Errorf("bad public url %q: %w", u, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Sprintf("GET %s: %v", u, err), nil
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return false, fmt.Sprintf("GET %s answered %d", u, resp.StatusCode), nil
	}
	return true, fmt.Sprintf("GET %s answered %d", u, resp.StatusCode), nil
}

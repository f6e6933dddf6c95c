package platform

import (
	"errors"
	"fmt"
	"net/http"
)

// Special keys of the bulk variable export.
const (
	KeyServiceID = "serviceId"
	KeySubdomain = "zeropsSubdomain"
)

// ProjectExport is the project-wide declarative export.
type ProjectExport struct {
	Project  ExportProject   `yaml:"project" json:"project"`
	Services []ExportService `yaml:"services" json:"services"`
}

type ExportProject struct {
	Name string `yaml:"name" json:"name"`
}

type ExportService struct {
	Hostname string `yaml:"hostname" json:"hostname"`
	Type     string `yaml:"type" json:"type"`
	Mode     string `yaml:"mode,omitempty" json:"mode,omitempty"`
}

// VariableIndex is the bulk export keyed by hostname.
type VariableIndex struct {
	Services map[string]*ServiceVariables
	Rejected []RejectedLine
}

// RejectedLine is an export line that could not be parsed.
type RejectedLine struct {
	Line     int
	Hostname string
	Reason   string
}

// ServiceVariables holds identity, endpoint and variable names of one hostname.
type ServiceVariables struct {
	ServiceID string
	Subdomain string
	Names     []string
}

// Lookup returns the entry of hostname or nil.
func (v *VariableIndex) Lookup(hostname string) *ServiceVariables {
	if v == nil {
		return nil
	}
	return v.Services[hostname]
}

// ServiceStack is the status view of one service.
type ServiceStack struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	Status           string      `json:"status"`
	ActiveAppVersion *AppVersion `json:"activeAppVersion"`
}

type AppVersion struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// ActiveVersionName returns the active app version name, empty when none.
func (s *ServiceStack) ActiveVersionName() string {
	if s == nil || s.ActiveAppVersion == nil {
		return ""
	}
	return s.ActiveAppVersion.Name
}

type logResponse struct {
	Items []struct {
		Message string `json:"message"`
	} `json:"items"`
}

// APIError is a non-2xx answer of the platform API.
type APIError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform API %s returned %d: %s", e.Path, e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the platform.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/qiniu/zcp/internal/zeropsyml"
)

// PendingServiceID marks a service whose remote identity is not yet known.
const PendingServiceID = "pending"

// DocumentVersion is the topology document schema version.
const DocumentVersion = 1

var ErrInvalidTopology = errors.New("invalid topology")

// Topology is the persisted aggregate: project, services keyed by hostname,
// dev/stage pairs and the issues of the reconciliation that produced it.
type Topology struct {
	Version  int                       `json:"version"`
	Project  Project                   `json:"project"`
	Services map[string]*Service       `json:"services"`
	Pairs    map[string]DeploymentPair `json:"pairs"`
	Issues   []Issue                   `json:"issues"`
}

type Project struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ReconciledAt time.Time `json:"reconciledAt"`
}

type Service struct {
	Hostname      string            `json:"hostname"`
	Type          string            `json:"type"`
	Role          Role              `json:"role"`
	Mode          string            `json:"mode,omitempty"`
	ServiceID     string            `json:"serviceId"`
	Subdomain     string            `json:"subdomain,omitempty"`
	ZeropsYml     *zeropsyml.Block  `json:"zeropsYml"`
	PeerVariables []string          `json:"peerVariables"`
	SelfVariables map[string]string `json:"selfVariables"`
	Runtime       RuntimeFacts      `json:"runtime"`
	Deploy        *DeployStatus     `json:"deploy,omitempty"`
	Health        *HealthStatus     `json:"health,omitempty"`
}

// RuntimeFacts are inferred from the service's final zeropsYml block.
type RuntimeFacts struct {
	StartCommand string `json:"startCommand,omitempty"`
	Port         int    `json:"port,omitempty"`
	BuildCommand string `json:"buildCommand,omitempty"`
}

// DeployStatus is the terminal outcome of the last deployment to the service.
type DeployStatus struct {
	Status     string    `json:"status"`
	Version    string    `json:"version"`
	FinishedAt time.Time `json:"finishedAt"`
	Message    string    `json:"message,omitempty"`
}

// HealthStatus is the last diagnosis kind for the service.
type HealthStatus struct {
	Kind      string    `json:"kind"`
	CheckedAt time.Time `json:"checkedAt"`
	Detail    string    `json:"detail,omitempty"`
}

// DeploymentPair maps a development hostname to its stage hostname.
type DeploymentPair struct {
	Dev   string `json:"dev"`
	Stage string `json:"stage"`
}

// New returns an empty topology for the project.
func New(projectID, projectName string, at time.Time) *Topology {
	return &Topology{
		Version: DocumentVersion,
		Project: Project{
			ID:           projectID,
			Name:         projectName,
			ReconciledAt: at.UTC(),
		},
		Services: make(map[string]*Service),
		Pairs:    make(map[string]DeploymentPair),
		Issues:   []Issue{},
	}
}

// Service returns the service for hostname, or nil.
func (t *Topology) Service(hostname string) *Service {
	if t == nil || t.Services == nil {
		return nil
	}
	return t.Services[hostname]
}

// Hostnames returns all service hostnames, sorted.
func (t *Topology) Hostnames() []string {
	out := make([]string, 0, len(t.Services))
	for h := range t.Services {
		out = append(out, h)
	}
	sortStrings(out)
	return out
}

// ServiceByID finds a service by its remote identity.
func (t *Topology) ServiceByID(serviceID string) *Service {
	if serviceID == "" || serviceID == PendingServiceID {
		return nil
	}
	for _, s := range t.Services {
		if s.ServiceID == serviceID {
			return s
		}
	}
	return nil
}

// Validate checks the structural invariants of the document.
func (t *Topology) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: document is empty", ErrInvalidTopology)
	}
	if t.Project.ID == "" {
		return fmt.Errorf("%w: project id is empty", ErrInvalidTopology)
	}
	if len(t.Services) == 0 {
		return fmt.Errorf("%w: no services", ErrInvalidTopology)
	}
	for key, svc := range t.Services {
		if svc == nil {
			return fmt.Errorf("%w: service %q is null", ErrInvalidTopology, key)
		}
		if svc.Hostname != key {
			return fmt.Errorf("%w: service key %q does not match hostname %q", ErrInvalidTopology, key, svc.Hostname)
		}
		if err := ValidateHostname(key); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTopology, err)
		}
		if !svc.Role.Valid() {
			return fmt.Errorf("%w: service %q has unknown role %q", ErrInvalidTopology, key, svc.Role)
		}
	}
	for dev, p := range t.Pairs {
		if p.Dev != dev {
			return fmt.Errorf("%w: pair key %q does not match dev %q", ErrInvalidTopology, dev, p.Dev)
		}
		if _, ok := t.Services[p.Dev]; !ok {
			return fmt.Errorf("%w: pair references unknown service %q", ErrInvalidTopology, p.Dev)
		}
		if _, ok := t.Services[p.Stage]; !ok {
			return fmt.Errorf("%w: pair references unknown service %q", ErrInvalidTopology, p.Stage)
		}
	}
	return nil
}

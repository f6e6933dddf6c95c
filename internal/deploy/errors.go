package deploy

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDeployFailed  = errors.New("deploy failed")
	ErrDeployTimeout = errors.New("deploy timed out")
)

// DeployFailedError is a terminal failure: the push was rejected or the
// platform reported a failure status.
type DeployFailedError struct {
	Version         string       `json:"version"`
	TargetServiceID string       `json:"targetServiceId"`
	Stage           string       `json:"stage"` // "push" or "poll"
	Last            *Observation `json:"last,omitempty"`
	Logs            []string     `json:"logs,omitempty"`
	Cause           error        `json:"-"`
}

func (e *DeployFailedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "deploy %s to %s failed during %s", e.Version, e.TargetServiceID, e.Stage)
	if e.Last != nil {
		fmt.Fprintf(&b, " (status %s, active version %q)", e.Last.Status, e.Last.ActiveVersion)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *DeployFailedError) Is(target error) bool { return target == ErrDeployFailed }
func (e *DeployFailedError) Unwrap() error        { return e.Cause }

// DeployTimeoutError means the budget elapsed before our version became active.
type DeployTimeoutError struct {
	Version         string       `json:"version"`
	TargetServiceID string       `json:"targetServiceId"`
	Budget          string       `json:"budget"`
	Polls           int          `json:"polls"`
	Last            *Observation `json:"last,omitempty"` // nil when no tick was observed
}

func (e *DeployTimeoutError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("deploy %s to %s timed out after %s with no observation", e.Version, e.TargetServiceID, e.Budget)
	}
	return fmt.Sprintf("deploy %s to %s timed out after %s (%d polls, last status %s, active version %q)",
		e.Version, e.TargetServiceID, e.Budget, e.Polls, e.Last.Status, e.Last.ActiveVersion)
}

func (e *DeployTimeoutError) Is(target error) bool { return target == ErrDeployTimeout }

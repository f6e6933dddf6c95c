// Package deploy drives one deployment attempt to a terminal state.
//
// Every attempt pushes under a freshly generated version name and then polls
// the target until the platform reports that exact version as active, reports
// a failure status, or the budget runs out. The platform only exposes the
// currently active version, so the unique name is what tells our rollout
// apart from a stale or concurrent one.
package deploy

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// State of an attempt: ISSUED -> POLLING -> {ACTIVE, FAILED, TIMED_OUT}.
type State string

const (
	StateIssued   State = "ISSUED"
	StatePolling  State = "POLLING"
	StateActive   State = "ACTIVE"
	StateFailed   State = "FAILED"
	StateTimedOut State = "TIMED_OUT"
)

var (
	successStatuses = map[string]bool{"ACTIVE": true, "RUNNING": true, "READY": true}
	failureStatuses = map[string]bool{"FAILED": true, "BUILD_FAILED": true, "DEPLOY_FAILED": true, "ERROR": true, "CANCELLED": true}
)

// IsSuccessStatus reports ready/running statuses.
func IsSuccessStatus(s string) bool { return successStatuses[strings.ToUpper(s)] }

// IsFailureStatus reports terminal failure statuses.
func IsFailureStatus(s string) bool { return failureStatuses[strings.ToUpper(s)] }

// Observation is one status reading of the target.
type Observation struct {
	Status        string    `json:"status"`
	ActiveVersion string    `json:"activeVersion"`
	At            time.Time `json:"at"`
}

// Pusher starts a build+deploy of source into the target under version.
type Pusher interface {
	Push(ctx context.Context, source, targetServiceID, version string) error
}

// StatusSource reads the current status and active version of a target.
type StatusSource interface {
	Status(ctx context.Context, serviceID string) (Observation, error)
}

// LogSource returns recent log lines of a target.
type LogSource interface {
	Logs(ctx context.Context, serviceID string, limit int) ([]string, error)
}

// Attempt is the record of one deployment, handed to recorders when it ends.
type Attempt struct {
	Version         string        `json:"version"`
	Source          string        `json:"source"`
	TargetServiceID string        `json:"targetServiceId"`
	State           State         `json:"state"`
	Observations    []Observation `json:"observations"`
	Unobserved      int           `json:"unobserved"`
	StartedAt       time.Time     `json:"startedAt"`
	FinishedAt      time.Time     `json:"finishedAt"`
	Message         string        `json:"message,omitempty"`
}

// Last returns the last observation, nil when none.
func (a *Attempt) Last() *Observation {
	if len(a.Observations) == 0 {
		return nil
	}
	o := a.Observations[len(a.Observations)-1]
	return &o
}

// Outcome names the terminal result for status write-back and metrics.
func (a *Attempt) Outcome() string {
	switch a.State {
	case StateActive:
		return "active"
	case StateTimedOut:
		return "timeout"
	case StateFailed:
		if len(a.Observations) == 0 && a.Unobserved == 0 {
			return "push-failed"
		}
		return "failed"
	}
	return strings.ToLower(string(a.State))
}

func (a *Attempt) Duration() time.Duration { return a.FinishedAt.Sub(a.StartedAt) }

// Recorder receives every finished attempt. Errors are logged, not returned.
type Recorder interface {
	RecordAttempt(ctx context.Context, a *Attempt) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, a *Attempt) error

func (f RecorderFunc) RecordAttempt(ctx context.Context, a *Attempt) error { return f(ctx, a) }

// ActiveVersion is the successful result of Deploy.
type ActiveVersion struct {
	Version         string        `json:"version"`
	Source          string        `json:"source"`
	TargetServiceID string        `json:"targetServiceId"`
	Status          string        `json:"status"`
	Polls           int           `json:"polls"`
	Elapsed         time.Duration `json:"elapsed"`
}

type Options struct {
	Interval  time.Duration
	Budget    time.Duration
	Clock     Clock
	Logs      LogSource
	LogLines  int
	Recorders []Recorder
}

type Orchestrator struct {
	pusher Pusher
	status StatusSource
	opts   Options
}

func New(pusher Pusher, status StatusSource, opts Options) *Orchestrator {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Budget <= 0 {
		opts.Budget = 10 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = RealClock
	}
	if opts.LogLines <= 0 {
		opts.LogLines = 50
	}
	return &Orchestrator{pusher: pusher, status: status, opts: opts}
}

// AddRecorder appends a recorder notified after every attempt.
func (o *Orchestrator) AddRecorder(r Recorder) {
	o.opts.Recorders = append(o.opts.Recorders, r)
}

// Deploy pushes source into targetServiceID and waits for the result. Once
// polling starts only the budget ends it; cancelling ctx does not.
func (o *Orchestrator) Deploy(ctx context.Context, source, targetServiceID string) (*ActiveVersion, error) {
	clock := o.opts.Clock
	attempt := &Attempt{
		Version:         NewVersionID(clock.Now()),
		Source:          source,
		TargetServiceID: targetServiceID,
		State:           StateIssued,
		StartedAt:       clock.Now().UTC(),
	}
	logger := log.With().Str("version", attempt.Version).Str("source", source).Str("target", targetServiceID).Logger()
	logger.Info().Msg("deploy issued")

	// polling is bounded by the budget only
	pollCtx := context.WithoutCancel(ctx)

	if err := o.pusher.Push(ctx, source, targetServiceID, attempt.Version); err != nil {
		attempt.State = StateFailed
		attempt.Message = err.Error()
		o.finish(pollCtx, attempt)
		logger.Error().Err(err).Msg("push failed")
		return nil, &DeployFailedError{Version: attempt.Version, TargetServiceID: targetServiceID, Stage: "push", Cause: err}
	}

	attempt.State = StatePolling
	deadline := attempt.StartedAt.Add(o.opts.Budget)
	seenOther := make(map[string]bool)

	for {
		obs, err := o.status.Status(pollCtx, targetServiceID)
		if err != nil {
			attempt.Unobserved++
			logger.Warn().Err(err).Int("unobserved", attempt.Unobserved).Msg("status query failed")
		} else {
			if obs.At.IsZero() {
				obs.At = clock.Now().UTC()
			}
			obs.Status = strings.ToUpper(obs.Status)
			attempt.Observations = append(attempt.Observations, obs)
			logger.Debug().Str("status", obs.Status).Str("active", obs.ActiveVersion).Msg("deploy poll")

			if obs.ActiveVersion != attempt.Version && obs.ActiveVersion != "" && !seenOther[obs.ActiveVersion] {
				seenOther[obs.ActiveVersion] = true
				logger.Info().Str("active", obs.ActiveVersion).Msg("another version is active, still waiting for ours")
			}

			switch {
			case obs.ActiveVersion == attempt.Version && IsSuccessStatus(obs.Status):
				attempt.State = StateActive
				attempt.Message = obs.Status
				o.finish(pollCtx, attempt)
				logger.Info().Int("polls", len(attempt.Observations)).Dur("elapsed", attempt.Duration()).Msg("deploy active")
				return &ActiveVersion{
					Version:         attempt.Version,
					Source:          source,
					TargetServiceID: targetServiceID,
					Status:          obs.Status,
					Polls:           len(attempt.Observations) + attempt.Unobserved,
					Elapsed:         attempt.Duration(),
				}, nil
			case IsFailureStatus(obs.Status):
				attempt.State = StateFailed
				attempt.Message = obs.Status
				logs := o.recentLogs(pollCtx, targetServiceID)
				o.finish(pollCtx, attempt)
				logger.Error().Str("status", obs.Status).Msg("deploy failed")
				return nil, &DeployFailedError{
					Version:         attempt.Version,
					TargetServiceID: targetServiceID,
					Stage:           "poll",
					Last:            attempt.Last(),
					Logs:            logs,
				}
			}
		}

		now := clock.Now().UTC()
		if !now.Before(deadline) {
			break
		}
		wait := o.opts.Interval
		if remaining := deadline.Sub(now); remaining < wait {
			wait = remaining
		}
		<-clock.After(wait)
	}

	attempt.State = StateTimedOut
	last := attempt.Last()
	if last != nil {
		attempt.Message = "last status " + last.Status
	}
	o.finish(pollCtx, attempt)
	logger.Warn().Dur("budget", o.opts.Budget).Msg("deploy timed out")
	return nil, &DeployTimeoutError{
		Version:         attempt.Version,
		TargetServiceID: targetServiceID,
		Budget:          o.opts.Budget.String(),
		Polls:           len(attempt.Observations) + attempt.Unobserved,
		Last:            last,
	}
}

func (o *Orchestrator) recentLogs(ctx context.Context, serviceID string) []string {
	if o.opts.Logs == nil {
		return nil
	}
	lines, err := o.opts.Logs.Logs(ctx, serviceID, o.opts.LogLines)
	if err != nil {
		log.Warn().Err(err).Str("target", serviceID).Msg("failed to fetch deploy logs")
		return nil
	}
	return lines
}

func (o *Orchestrator) finish(ctx context.Context, a *Attempt) {
	a.FinishedAt = o.opts.Clock.Now().UTC()
	for _, r := range o.opts.Recorders {
		if err := r.RecordAttempt(ctx, a); err != nil {
			log.Warn().Err(err).Str("version", a.Version).Msg("failed to record deploy attempt")
		}
	}
}

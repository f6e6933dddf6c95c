// Package verify diagnoses why a deployed service is not serving. Signals are
// checked in a fixed order and the first positive finding is the diagnosis.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qiniu/zcp/internal/remote"
	"github.com/qiniu/zcp/internal/topology/model"
	"github.com/rs/zerolog/log"
)

// Kind is the diagnosis of one verification.
type Kind string

const (
	KindRuntimeError            Kind = "runtime-error"
	KindProcessNotRunning       Kind = "process-not-running"
	KindBindingMisconfiguration Kind = "binding-misconfiguration"
	KindApplicationUnresponsive Kind = "application-unresponsive"
	KindRouting                 Kind = "routing"
	KindHealthy                 Kind = "healthy"
	KindUnverifiable            Kind = "unverifiable"
)

// Outcome of a single signal.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomePositive     Outcome = "positive"
	OutcomeInconclusive Outcome = "inconclusive"
	OutcomeSkipped      Outcome = "skipped"
)

type Signal struct {
	Name    string  `json:"name"`
	Outcome Outcome `json:"outcome"`
	Detail  string  `json:"detail,omitempty"`
}

type Diagnosis struct {
	Hostname  string    `json:"hostname"`
	Kind      Kind      `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	Signals   []Signal  `json:"signals"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Binding is the listening state of the expected port.
type Binding string

const (
	BindingAll      Binding = "all"
	BindingLoopback Binding = "loopback"
	BindingNotBound Binding = "not-bound"
)

// Probe gathers the raw signals. A returned error makes that signal
// inconclusive; an error wrapping remote.ErrUnreachable ends the run as
// unverifiable.
type Probe interface {
	RuntimeErrors(ctx context.Context, svc model.Service) ([]string, error)
	ProcessRunning(ctx context.Context, svc model.Service) (bool, error)
	PortBinding(ctx context.Context, svc model.Service) (Binding, error)
	LocalHTTP(ctx context.Context, svc model.Service) (ok bool, detail string, err error)
	PublicHTTP(ctx context.Context, svc model.Service) (ok bool, detail string, err error)
}

// Recorder receives every diagnosis.
type Recorder interface {
	RecordDiagnosis(ctx context.Context, d *Diagnosis) error
}

type Engine struct {
	probe     Probe
	now       func() time.Time
	recorders []Recorder
}

func NewEngine(probe Probe, recorders ...Recorder) *Engine {
	return &Engine{probe: probe, now: time.Now, recorders: recorders}
}

// AddRecorder appends a recorder notified after every diagnosis.
func (e *Engine) AddRecorder(r Recorder) { e.recorders = append(e.recorders, r) }

type check struct {
	name string
	kind Kind
	run  func(ctx context.Context, svc model.Service) (Outcome, string, error)
}

// Verify runs the checks for svc and never returns a nil diagnosis.
func (e *Engine) Verify(ctx context.Context, svc model.Service) *Diagnosis {
	d := e.diagnose(ctx, svc)
	d.CheckedAt = e.now().UTC()
	log.Info().Str("hostname", svc.Hostname).Str("kind", string(d.Kind)).Str("detail", d.Detail).Msg("verification finished")
	for _, r := range e.recorders {
		if err := r.RecordDiagnosis(ctx, d); err != nil {
			log.Warn().Err(err).Str("hostname", svc.Hostname).Msg("failed to record diagnosis")
		}
	}
	return d
}

func (e *Engine) diagnose(ctx context.Context, svc model.Service) *Diagnosis {
	d := &Diagnosis{Hostname: svc.Hostname, Signals: []Signal{}}
	if svc.Role.Managed() {
		d.Kind = KindUnverifiable
		d.Detail = fmt.Sprintf("%s services have no remote command channel", svc.Role)
		return d
	}

	inconclusive := false
	for _, c := range e.checks() {
		outcome, detail, err := c.run(ctx, svc)
		if err != nil {
			if errors.Is(err, remote.ErrUnreachable) {
				d.Signals = append(d.Signals, Signal{Name: c.name, Outcome: OutcomeInconclusive, Detail: err.Error()})
				d.Kind = KindUnverifiable
				d.Detail = "remote channel unreachable: " + err.Error()
				return d
			}
			outcome, detail = OutcomeInconclusive, err.Error()
		}
		d.Signals = append(d.Signals, Signal{Name: c.name, Outcome: outcome, Detail: detail})
		switch outcome {
		case OutcomePositive:
			d.Kind = c.kind
			d.Detail = detail
			return d
		case OutcomeInconclusive:
			inconclusive = true
		}
	}
	if inconclusive {
		d.Kind = KindUnverifiable
		d.Detail = "one or more signals could not be checked"
		return d
	}
	d.Kind = KindHealthy
	return d
}

func (e *Engine) checks() []check {
	return []check{
		{name: "logs", kind: KindRuntimeError, run: func(ctx context.Context, svc model.Service) (Outcome, string, error) {
			markers, err := e.probe.RuntimeErrors(ctx, svc)
			if err != nil {
				return "", "", err
			}
			if len(markers) > 0 {
				return OutcomePositive, markers[0], nil
			}
			return OutcomeOK, "", nil
		}},
		{name: "process", kind: KindProcessNotRunning, run: func(ctx context.Context, svc model.Service) (Outcome, string, error) {
			running, err := e.probe.ProcessRunning(ctx, svc)
			if err != nil {
				return "", "", err
			}
			if !running {
				return OutcomePositive, fmt.Sprintf("no process matching %q", svc.Runtime.StartCommand), nil
			}
			return OutcomeOK, "", nil
		}},
		{name: "binding", kind: KindBindingMisconfiguration, run: func(ctx context.Context, svc model.Service) (Outcome, string, error) {
			b, err := e.probe.PortBinding(ctx, svc)
			if err != nil {
				return "", "", err
			}
			switch b {
			case BindingLoopback:
				return OutcomePositive, fmt.Sprintf("port %d bound to loopback only", svc.Runtime.Port), nil
			case BindingNotBound:
				return OutcomePositive, fmt.Sprintf("port %d not bound", svc.Runtime.Port), nil
			}
			return OutcomeOK, "", nil
		}},
		{name: "local-http", kind: KindApplicationUnresponsive, run: func(ctx context.Context, svc model.Service) (Outcome, string, error) {
			ok, detail, err := e.probe.LocalHTTP(ctx, svc)
			if err != nil {
				return "", "", err
			}
			if !ok {
				return OutcomePositive, detail, nil
			}
			return OutcomeOK, detail, nil
		}},
		{name: "public-http", kind: KindRouting, run: func(ctx context.Context, svc model.Service) (Outcome, string, error) {
			if svc.Subdomain == "" {
				return OutcomeSkipped, "no public endpoint", nil
			}
			ok, detail, err := e.probe.PublicHTTP(ctx, svc)
			if err != nil {
				return "", "", err
			}
			if !ok {
				return OutcomePositive, detail, nil
			}
			return OutcomeOK, detail, nil
		}},
	}
}

// Health converts a diagnosis into the topology write-back value.
func (d *Diagnosis) Health() model.HealthStatus {
	return model.HealthStatus{Kind: string(d.Kind), CheckedAt: d.CheckedAt, Detail: d.Detail}
}

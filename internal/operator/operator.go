// Package operator wires the reconciler, the rollout orchestrator and the
// verification engine to one topology store, and serializes their writes.
package operator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/qiniu/zcp/internal/cache"
	"github.com/qiniu/zcp/internal/config"
	"github.com/qiniu/zcp/internal/deploy"
	"github.com/qiniu/zcp/internal/fetcher"
	"github.com/qiniu/zcp/internal/history"
	"github.com/qiniu/zcp/internal/metrics"
	"github.com/qiniu/zcp/internal/platform"
	"github.com/qiniu/zcp/internal/reconcile"
	"github.com/qiniu/zcp/internal/remote"
	"github.com/qiniu/zcp/internal/topology/model"
	"github.com/qiniu/zcp/internal/topology/store"
	"github.com/qiniu/zcp/internal/verify"
	"github.com/rs/zerolog/log"
)

var (
	ErrServiceNotFound = errors.New("service not found")
	ErrPendingService  = errors.New("service id not assigned yet")
	ErrNoTopology      = errors.New("no topology, run reconcile first")
)

// HealthCache keeps the last diagnosis per hostname. *cache.HealthCache
// implements it.
type HealthCache interface {
	verify.Recorder
	Get(ctx context.Context, hostname string) (*verify.Diagnosis, error)
	Forget(ctx context.Context, hostname string) error
	Close() error
}

// Deps are the collaborators of an Operator.
type Deps struct {
	Store           *store.FileStore
	Source          reconcile.Source
	ProjectID       string
	ControlHostname string
	Pusher          deploy.Pusher
	Status          deploy.StatusSource
	DeployOptions   deploy.Options
	Probe           verify.Probe
	History         history.Store
	Health          HealthCache
}

type Operator struct {
	mu sync.Mutex

	store        *store.FileStore
	reconciler   *reconcile.Reconciler
	orchestrator *deploy.Orchestrator
	engine       *verify.Engine
	history      history.Store
	health       HealthCache
}

func New(deps Deps) *Operator {
	if deps.History == nil {
		deps.History = history.NoopStore{}
	}
	if deps.Health == nil {
		deps.Health = cache.NewHealthCache(nil, 0)
	}

	orch := deploy.New(deps.Pusher, deps.Status, deps.DeployOptions)
	orch.AddRecorder(&deploy.TopologyRecorder{Store: deps.Store})
	orch.AddRecorder(metrics.DeployRecorder)
	orch.AddRecorder(deps.History)

	engine := verify.NewEngine(deps.Probe,
		&verify.TopologyRecorder{Store: deps.Store},
		metrics.VerifyRecorder{},
		deps.Health,
	)

	return &Operator{
		store:        deps.Store,
		reconciler:   reconcile.New(deps.Source, deps.ProjectID, deps.ControlHostname),
		orchestrator: orch,
		engine:       engine,
		history:      deps.History,
		health:       deps.Health,
	}
}

// NewFromConfig builds the production wiring: platform REST client, SSH
// runner, optional Postgres history and optional Redis health cache.
func NewFromConfig(ctx context.Context, cfg *config.Config) (*Operator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := platform.NewClient(cfg.Platform.APIURL, cfg.Platform.Token, cfg.Platform.ProjectID,
		config.ParseDuration(cfg.Platform.Timeout, 30*time.Second))
	runner := &remote.SSHRunner{
		User:           cfg.Remote.User,
		Port:           cfg.Remote.Port,
		KeyFile:        cfg.Remote.KeyFile,
		KnownHostsFile: cfg.Remote.KnownHostsFile,
		ConnectTimeout: config.ParseDuration(cfg.Remote.ConnectTimeout, 5*time.Second),
		CommandTimeout: config.ParseDuration(cfg.Remote.CommandTimeout, 30*time.Second),
	}

	hist, err := history.Open(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}

	health := cache.NewHealthCache(cache.NewRedisClientFromConfig(&cfg.Redis), cache.DefaultHealthTTL)
	status := &deploy.PlatformStatus{API: client}
	op := New(Deps{
		Store:           store.NewFileStore(cfg.Topology.Path),
		Source:          fetcher.New(client, runner, cfg.Remote.ConfigPaths),
		ProjectID:       cfg.Platform.ProjectID,
		ControlHostname: cfg.Topology.ControlHostname,
		Pusher:          &deploy.RemotePusher{Runner: runner, WorkDir: cfg.Remote.WorkDir, ZcliPath: cfg.Remote.ZcliPath},
		Status:          status,
		DeployOptions: deploy.Options{
			Interval: config.ParseDuration(cfg.Deploy.PollInterval, 10*time.Second),
			Budget:   config.ParseDuration(cfg.Deploy.Budget, 10*time.Minute),
			Logs:     status,
			LogLines: cfg.Deploy.LogLines,
		},
		Probe: &verify.RemoteProbe{
			Runner:   runner,
			Logs:     client,
			LogLines: cfg.Verify.LogLines,
			HTTP:     &http.Client{Timeout: config.ParseDuration(cfg.Verify.PublicTimeout, 10*time.Second)},
		},
		History: hist,
		Health:  health,
	})
	log.Info().
		Str("project", cfg.Platform.ProjectID).
		Str("topology", cfg.Topology.Path).
		Bool("health_cache", health.Enabled()).
		Msg("operator initialized")
	return op, nil
}

// Reconcile rebuilds the topology from the platform and replaces the stored
// document. Deploy and health state of surviving services is carried over.
func (o *Operator) Reconcile(ctx context.Context) (*model.Topology, *reconcile.Report, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	previous, err := o.store.Load()
	switch {
	case errors.Is(err, store.ErrNotFound):
		previous = nil
	case err != nil:
		log.Warn().Err(err).Str("path", o.store.Path()).Msg("stored topology unreadable, rebuilding from scratch")
		previous = nil
	}

	topo, report, err := o.reconciler.Run(ctx, previous)
	metrics.ObserveReconcile(report, err)
	if err != nil {
		return nil, nil, err
	}
	if err := o.store.Replace(topo); err != nil {
		return nil, report, fmt.Errorf("failed to store topology: %w", err)
	}
	if err := o.history.RecordReconcile(ctx, report); err != nil {
		log.Warn().Err(err).Msg("failed to record reconcile run")
	}
	if previous != nil {
		for _, h := range previous.Hostnames() {
			if topo.Service(h) != nil {
				continue
			}
			if err := o.health.Forget(ctx, h); err != nil {
				log.Warn().Err(err).Str("hostname", h).Msg("failed to drop cached health of removed service")
			}
		}
	}
	return topo, report, nil
}

// Topology returns the stored document.
func (o *Operator) Topology() (*model.Topology, error) {
	topo, err := o.store.Load()
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoTopology
	}
	return topo, err
}

// Service returns one stored service.
func (o *Operator) Service(hostname string) (*model.Service, error) {
	topo, err := o.Topology()
	if err != nil {
		return nil, err
	}
	svc := topo.Service(hostname)
	if svc == nil {
		return nil, fmt.Errorf("%s: %w", hostname, ErrServiceNotFound)
	}
	return svc, nil
}

// ResolveTarget maps a hostname to its service id. Anything that is not a
// known hostname is taken as a service id.
func ResolveTarget(topo *model.Topology, target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", fmt.Errorf("empty deploy target: %w", ErrServiceNotFound)
	}
	if target == model.PendingServiceID {
		return "", fmt.Errorf("%q is not a service id: %w", target, ErrPendingService)
	}
	if svc := topo.Service(target); svc != nil {
		if svc.ServiceID == "" || svc.ServiceID == model.PendingServiceID {
			return "", fmt.Errorf("%s: %w", target, ErrPendingService)
		}
		return svc.ServiceID, nil
	}
	return target, nil
}

// Deploy pushes source into target (hostname or service id) and waits for
// the new version to become active.
func (o *Operator) Deploy(ctx context.Context, source, target string) (*deploy.ActiveVersion, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("empty deploy source: %w", ErrServiceNotFound)
	}
	topo, err := o.store.Load()
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn().Err(err).Msg("stored topology unreadable, deploying by raw service id")
	}
	if topo != nil && topo.Service(source) == nil {
		log.Warn().Str("source", source).Msg("deploy source not in topology")
	}
	serviceID, err := ResolveTarget(topo, target)
	if err != nil {
		return nil, err
	}
	return o.orchestrator.Deploy(ctx, source, serviceID)
}

// Verify diagnoses one stored service.
func (o *Operator) Verify(ctx context.Context, hostname string) (*verify.Diagnosis, error) {
	svc, err := o.Service(hostname)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.engine.Verify(ctx, *svc), nil
}

// CachedHealth returns the last diagnosis from the health cache, falling
// back to the one written onto the topology. Nil when none exists.
func (o *Operator) CachedHealth(ctx context.Context, hostname string) (*verify.Diagnosis, error) {
	d, err := o.health.Get(ctx, hostname)
	if err != nil {
		log.Warn().Err(err).Str("hostname", hostname).Msg("health cache read failed")
	}
	if d != nil {
		return d, nil
	}
	svc, err := o.Service(hostname)
	if err != nil {
		return nil, err
	}
	if svc.Health == nil {
		return nil, nil
	}
	return &verify.Diagnosis{
		Hostname:  hostname,
		Kind:      verify.Kind(svc.Health.Kind),
		Detail:    svc.Health.Detail,
		Signals:   []verify.Signal{},
		CheckedAt: svc.Health.CheckedAt,
	}, nil
}

func (o *Operator) RecentAttempts(ctx context.Context, limit int) ([]history.AttemptRecord, error) {
	return o.history.RecentAttempts(ctx, limit)
}

func (o *Operator) RecentReconciles(ctx context.Context, limit int) ([]history.ReconcileRecord, error) {
	return o.history.RecentReconciles(ctx, limit)
}

func (o *Operator) Close() error {
	return errors.Join(o.history.Close(), o.health.Close())
}

package deploy

import (
	"context"
	"fmt"

	"github.com/qiniu/zcp/internal/platform"
	"github.com/qiniu/zcp/internal/remote"
	"github.com/qiniu/zcp/internal/topology/model"
	"github.com/rs/zerolog/log"
)

// RemotePusher runs `zcli push` on the source service over the remote channel.
type RemotePusher struct {
	Runner   remote.Runner
	WorkDir  string
	ZcliPath string
}

func (p *RemotePusher) Push(ctx context.Context, source, targetServiceID, version string) error {
	zcli := p.ZcliPath
	if zcli == "" {
		zcli = "zcli"
	}
	cmd := remote.Join(zcli, "push", "--serviceId", targetServiceID, "--versionName", version)
	if p.WorkDir != "" {
		cmd = "cd " + remote.Quote(p.WorkDir) + " && " + cmd
	}
	out, err := p.Runner.Run(ctx, source, cmd)
	if err != nil {
		return fmt.Errorf("zcli push from %s: %w", source, err)
	}
	log.Debug().Str("source", source).Str("version", version).Str("output", out).Msg("zcli push finished")
	return nil
}

// StatusAPI is the platform status/log surface.
type StatusAPI interface {
	ServiceStatus(ctx context.Context, serviceID string) (*platform.ServiceStack, error)
	ServiceLogs(ctx context.Context, serviceID string, limit int) ([]string, error)
}

// PlatformStatus reads status and logs from the platform API.
type PlatformStatus struct {
	API StatusAPI
}

func (p *PlatformStatus) Status(ctx context.Context, serviceID string) (Observation, error) {
	stack, err := p.API.ServiceStatus(ctx, serviceID)
	if err != nil {
		return Observation{}, err
	}
	return Observation{Status: observedStatus(stack), ActiveVersion: stack.ActiveVersionName()}, nil
}

// observedStatus prefers the active app version's own status. A failure
// reported on the service stack wins over it.
func observedStatus(stack *platform.ServiceStack) string {
	if av := stack.ActiveAppVersion; av != nil && av.Status != "" && !IsFailureStatus(stack.Status) {
		return av.Status
	}
	return stack.Status
}

func (p *PlatformStatus) Logs(ctx context.Context, serviceID string, limit int) ([]string, error) {
	return p.API.ServiceLogs(ctx, serviceID, limit)
}

// DeployWriter is the topology surface the deploy write-back needs.
type DeployWriter interface {
	Load() (*model.Topology, error)
	RecordDeploy(hostname string, status model.DeployStatus) error
}

// TopologyRecorder writes the terminal outcome onto the target service.
type TopologyRecorder struct {
	Store DeployWriter
}

func (r *TopologyRecorder) RecordAttempt(_ context.Context, a *Attempt) error {
	topo, err := r.Store.Load()
	if err != nil {
		return fmt.Errorf("failed to load topology for %s: %w", a.Version, err)
	}
	svc := topo.ServiceByID(a.TargetServiceID)
	if svc == nil {
		log.Warn().Str("target", a.TargetServiceID).Msg("deploy target not in topology, status not written back")
		return nil
	}
	return r.Store.RecordDeploy(svc.Hostname, model.DeployStatus{
		Status:     a.Outcome(),
		Version:    a.Version,
		FinishedAt: a.FinishedAt,
		Message:    a.Message,
	})
}

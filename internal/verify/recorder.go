package verify

import (
	"context"

	"github.com/qiniu/zcp/internal/topology/model"
)

// HealthWriter persists the last diagnosis of a hostname.
type HealthWriter interface {
	RecordHealth(hostname string, health model.HealthStatus) error
}

// TopologyRecorder writes every diagnosis back onto the topology.
type TopologyRecorder struct {
	Store HealthWriter
}

func (r *TopologyRecorder) RecordDiagnosis(_ context.Context, d *Diagnosis) error {
	return r.Store.RecordHealth(d.Hostname, d.Health())
}

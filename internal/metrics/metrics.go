// Package metrics exposes Prometheus counters for reconciliation, rollouts and
// verification.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/qiniu/zcp/internal/deploy"
	"github.com/qiniu/zcp/internal/reconcile"
	"github.com/qiniu/zcp/internal/topology/model"
	"github.com/qiniu/zcp/internal/verify"
)

const namespace = "zcp"

var (
	reconcileRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Reconciliation runs by result.",
		},
		[]string{"result"},
	)
	reconcileIssues = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_issues_total",
			Help:      "Issues reported by reconciliation runs, by kind.",
		},
		[]string{"kind"},
	)
	deployAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deploy_attempts_total",
			Help:      "Finished deployment attempts by outcome.",
		},
		[]string{"outcome"},
	)
	deployDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "deploy_duration_seconds",
			Help:      "Time from push to terminal state.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"outcome"},
	)
	verifyDiagnoses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verify_diagnoses_total",
			Help:      "Verification results by diagnosis kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	// zcp_build_info
	prometheus.MustRegister(versioncollector.NewCollector(namespace))
}

// ObserveReconcile counts one reconciliation run and its issues.
func ObserveReconcile(report *reconcile.Report, err error) {
	if err != nil {
		reconcileRuns.WithLabelValues("error").Inc()
		return
	}
	reconcileRuns.WithLabelValues("ok").Inc()
	if report == nil {
		return
	}
	for kind, n := range model.CountByKind(report.Issues) {
		reconcileIssues.WithLabelValues(string(kind)).Add(float64(n))
	}
}

// DeployRecorder counts finished attempts.
var DeployRecorder = deploy.RecorderFunc(func(_ context.Context, a *deploy.Attempt) error {
	outcome := a.Outcome()
	deployAttempts.WithLabelValues(outcome).Inc()
	deployDuration.WithLabelValues(outcome).Observe(a.Duration().Seconds())
	return nil
})

// VerifyRecorder counts diagnoses by kind.
type VerifyRecorder struct{}

func (VerifyRecorder) RecordDiagnosis(_ context.Context, d *verify.Diagnosis) error {
	verifyDiagnoses.WithLabelValues(string(d.Kind)).Inc()
	return nil
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }

package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/qiniu/zcp/internal/deploy"
	"github.com/qiniu/zcp/internal/reconcile"
	"github.com/qiniu/zcp/internal/topology/model"
	"github.com/qiniu/zcp/internal/verify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveReconcile(t *testing.T) {
	ok := testutil.ToFloat64(reconcileRuns.WithLabelValues("ok"))
	failed := testutil.ToFloat64(reconcileRuns.WithLabelValues("error"))
	ambiguous := testutil.ToFloat64(reconcileIssues.WithLabelValues(string(model.IssueMergeAmbiguity)))

	ObserveReconcile(&reconcile.Report{Issues: []model.Issue{
		{Kind: model.IssueMergeAmbiguity, Hostname: "api"},
		{Kind: model.IssueMergeAmbiguity, Hostname: "web"},
	}}, nil)
	ObserveReconcile(nil, errors.New("export failed"))

	assert.Equal(t, ok+1, testutil.ToFloat64(reconcileRuns.WithLabelValues("ok")))
	assert.Equal(t, failed+1, testutil.ToFloat64(reconcileRuns.WithLabelValues("error")))
	assert.Equal(t, ambiguous+2, testutil.ToFloat64(reconcileIssues.WithLabelValues(string(model.IssueMergeAmbiguity))))
}

func TestDeployRecorder(t *testing.T) {
	before := testutil.ToFloat64(deployAttempts.WithLabelValues("timeout"))
	start := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)
	a := &deploy.Attempt{Version: "zcp-1", State: deploy.StateTimedOut, StartedAt: start, FinishedAt: start.Add(time.Minute)}
	require.NoError(t, DeployRecorder.RecordAttempt(context.Background(), a))
	assert.Equal(t, before+1, testutil.ToFloat64(deployAttempts.WithLabelValues("timeout")))
}

func TestVerifyRecorder(t *testing.T) {
	before := testutil.ToFloat64(verifyDiagnoses.WithLabelValues(string(verify.KindRouting)))
	require.NoError(t, VerifyRecorder{}.RecordDiagnosis(context.Background(), &verify.Diagnosis{Kind: verify.KindRouting}))
	assert.Equal(t, before+1, testutil.ToFloat64(verifyDiagnoses.WithLabelValues(string(verify.KindRouting))))
}

func TestHandlerExposesBuildInfo(t *testing.T) {
	deployAttempts.WithLabelValues("active")
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "zcp_build_info")
	assert.Contains(t, string(body), "zcp_deploy_attempts_total")
}

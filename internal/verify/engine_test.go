package verify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/qiniu/zcp/internal/remote"
	"github.com/qiniu/zcp/internal/topology/model"
	"github.com/qiniu/zcp/internal/topology/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProbe struct {
	markers  []string
	running  bool
	binding  Binding
	localOK  bool
	publicOK bool
	errs     map[string]error
	called   []string
}

func healthyProbe() *fakeProbe {
	return &fakeProbe{running: true, binding: BindingAll, localOK: true, publicOK: true, errs: map[string]error{}}
}

func (f *fakeProbe) RuntimeErrors(context.Context, model.Service) ([]string, error) {
	f.called = append(f.called, "logs")
	return f.markers, f.errs["logs"]
}

func (f *fakeProbe) ProcessRunning(context.Context, model.Service) (bool, error) {
	f.called = append(f.called, "process")
	return f.running, f.errs["process"]
}

func (f *fakeProbe) PortBinding(context.Context, model.Service) (Binding, error) {
	f.called = append(f.called, "binding")
	return f.binding, f.errs["binding"]
}

func (f *fakeProbe) LocalHTTP(context.Context, model.Service) (bool, string, error) {
	f.called = append(f.called, "local-http")
	return f.localOK, "", f.errs["local-http"]
}

func (f *fakeProbe) PublicHTTP(context.Context, model.Service) (bool, string, error) {
	f.called = append(f.called, "public-http")
	return f.publicOK, "", f.errs["public-http"]
}

func apiService() model.Service {
	return model.Service{
		Hostname:  "api",
		Type:      "nodejs@22",
		Role:      model.RoleStage,
		ServiceID: "s-api",
		Subdomain: "api-1.prg1.zerops.app",
		Runtime:   model.RuntimeFacts{StartCommand: "node dist/index.js", Port: 8080},
	}
}

func TestEngine_Precedence(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*fakeProbe)
		want   Kind
	}{
		{"healthy", func(*fakeProbe) {}, KindHealthy},
		{"runtime error beats missing process", func(p *fakeProbe) {
			p.markers = []string{"Error: Cannot find module 'express'"}
			p.running = false
		}, KindRuntimeError},
		{"process not running", func(p *fakeProbe) { p.running = false; p.binding = BindingNotBound }, KindProcessNotRunning},
		{"loopback binding", func(p *fakeProbe) { p.binding = BindingLoopback; p.localOK = false }, KindBindingMisconfiguration},
		{"unbound port", func(p *fakeProbe) { p.binding = BindingNotBound }, KindBindingMisconfiguration},
		{"unresponsive", func(p *fakeProbe) { p.localOK = false; p.publicOK = false }, KindApplicationUnresponsive},
		{"routing", func(p *fakeProbe) { p.publicOK = false }, KindRouting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := healthyProbe()
			tt.mutate(p)
			d := NewEngine(p).Verify(context.Background(), apiService())
			assert.Equal(t, tt.want, d.Kind)
			assert.Equal(t, "api", d.Hostname)
			assert.False(t, d.CheckedAt.IsZero())
		})
	}
}

func TestEngine_StopsAtFirstPositive(t *testing.T) {
	p := healthyProbe()
	p.running = false
	d := NewEngine(p).Verify(context.Background(), apiService())
	assert.Equal(t, KindProcessNotRunning, d.Kind)
	assert.Equal(t, []string{"logs", "process"}, p.called)
	require.Len(t, d.Signals, 2)
	assert.Equal(t, OutcomePositive, d.Signals[1].Outcome)
}

func TestEngine_ManagedIsUnverifiable(t *testing.T) {
	p := healthyProbe()
	svc := model.Service{Hostname: "db", Type: "postgresql@16", Role: model.RoleDatabase}
	d := NewEngine(p).Verify(context.Background(), svc)
	assert.Equal(t, KindUnverifiable, d.Kind)
	assert.Empty(t, p.called)
}

func TestEngine_UnreachableIsUnverifiable(t *testing.T) {
	p := healthyProbe()
	p.errs["process"] = fmt.Errorf("%w: api: connection refused", remote.ErrUnreachable)
	d := NewEngine(p).Verify(context.Background(), apiService())
	assert.Equal(t, KindUnverifiable, d.Kind)
	assert.Equal(t, []string{"logs", "process"}, p.called)
}

func TestEngine_InconclusiveNeverPasses(t *testing.T) {
	p := healthyProbe()
	p.errs["logs"] = errors.New("service id unresolved")
	d := NewEngine(p).Verify(context.Background(), apiService())
	assert.Equal(t, KindUnverifiable, d.Kind)
	assert.Equal(t, OutcomeInconclusive, d.Signals[0].Outcome)

	p = healthyProbe()
	p.errs["logs"] = errors.New("service id unresolved")
	p.publicOK = false
	d = NewEngine(p).Verify(context.Background(), apiService())
	assert.Equal(t, KindRouting, d.Kind, "a later positive signal still wins")
}

func TestEngine_NoSubdomainSkipsPublic(t *testing.T) {
	p := healthyProbe()
	p.publicOK = false
	svc := apiService()
	svc.Subdomain = ""
	d := NewEngine(p).Verify(context.Background(), svc)
	assert.Equal(t, KindHealthy, d.Kind)
	assert.Equal(t, OutcomeSkipped, d.Signals[4].Outcome)
}

func TestEngine_RecordsHealth(t *testing.T) {
	st := store.NewFileStore(filepath.Join(t.TempDir(), "topology.json"))
	topo := model.New("proj", "demo", time.Now())
	svc := apiService()
	topo.Services["api"] = &svc
	require.NoError(t, st.Replace(topo))

	p := healthyProbe()
	p.publicOK = false
	NewEngine(p, &TopologyRecorder{Store: st}).Verify(context.Background(), svc)

	got, err := st.Load()
	require.NoError(t, err)
	require.NotNil(t, got.Services["api"].Health)
	assert.Equal(t, string(KindRouting), got.Services["api"].Health.Kind)
}

func TestFindRuntimeErrors(t *testing.T) {
	lines := []string{
		"server listening on :8080",
		"TypeError: Cannot read properties of undefined",
		"GET / 200",
		"panic: runtime error: index out of range",
	}
	assert.Equal(t, []string{lines[1], lines[3]}, FindRuntimeErrors(lines))
	assert.Empty(t, FindRuntimeErrors([]string{"ok", "started"}))
}

func TestMatchProcess(t *testing.T) {
	ps := "COMMAND\n/sbin/init\nnode /var/www/node_modules/.bin/nodemon index.js\nsshd: zerops\nps -eo args\n"
	assert.True(t, MatchProcess(ps, "npx nodemon index.js"))
	assert.True(t, MatchProcess("COMMAND\nnode  dist/index.js\n", "node dist/index.js"))
	assert.False(t, MatchProcess(ps, "node dist/server.js"))
	assert.False(t, MatchProcess(ps, ""))
}

func TestParseBinding(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   Binding
	}{
		{"ss all", "LISTEN 0 511 0.0.0.0:8080 0.0.0.0:*\nLISTEN 0 128 0.0.0.0:22 0.0.0.0:*\n", BindingAll},
		{"ss ipv6 any", "LISTEN 0 511 [::]:8080 [::]:*\n", BindingAll},
		{"ss star", "LISTEN 0 4096 *:8080 *:*\n", BindingAll},
		{"ss loopback", "LISTEN 0 511 127.0.0.1:8080 0.0.0.0:*\n", BindingLoopback},
		{"ss ipv6 loopback", "LISTEN 0 511 [::1]:8080 [::]:*\n", BindingLoopback},
		{"netstat all", "Active Internet connections (only servers)\nProto Recv-Q Send-Q Local Address Foreign Address State\ntcp 0 0 0.0.0.0:8080 0.0.0.0:* LISTEN\n", BindingAll},
		{"netstat ipv6", "tcp6 0 0 :::8080 :::* LISTEN\n", BindingAll},
		{"other port only", "LISTEN 0 511 0.0.0.0:3000 0.0.0.0:*\n", BindingNotBound},
		{"empty", "", BindingNotBound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseBinding(tt.output, 8080))
		})
	}
}

type scriptRunner struct {
	outputs map[string]string
	errs    map[string]error
}

func (s *scriptRunner) Run(_ context.Context, _ string, command string) (string, error) {
	for prefix, err := range s.errs {
		if len(command) >= len(prefix) && command[:len(prefix)] == prefix {
			return "", err
		}
	}
	for prefix, out := range s.outputs {
		if len(command) >= len(prefix) && command[:len(prefix)] == prefix {
			return out, nil
		}
	}
	return "", errors.New("unexpected command " + command)
}

type fakeLogAPI struct{ lines []string }

func (f *fakeLogAPI) ServiceLogs(context.Context, string, int) ([]string, error) { return f.lines, nil }

func TestRemoteProbe(t *testing.T) {
	public := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer public.Close()

	runner := &scriptRunner{
		outputs: map[string]string{
			"ps -eo args": "COMMAND\nnode dist/index.js\n",
			"ss -tlnH":    "LISTEN 0 511 0.0.0.0:8080 0.0.0.0:*\n",
			"curl":        "200",
		},
	}
	probe := &RemoteProbe{Runner: runner, Logs: &fakeLogAPI{lines: []string{"listening"}}, HTTP: public.Client()}
	svc := apiService()
	svc.Subdomain = public.URL

	d := NewEngine(probe).Verify(context.Background(), svc)
	assert.Equal(t, KindRouting, d.Kind)

	runner.outputs["curl"] = "000"
	d = NewEngine(probe).Verify(context.Background(), svc)
	assert.Equal(t, KindApplicationUnresponsive, d.Kind)

	runner.errs = map[string]error{"curl": &remote.CommandError{Host: "api", ExitStatus: 7, Output: "000"}}
	d = NewEngine(probe).Verify(context.Background(), svc)
	assert.Equal(t, KindApplicationUnresponsive, d.Kind)

	svc.ServiceID = model.PendingServiceID
	runner.errs = nil
	runner.outputs["curl"] = "200"
	svc.Subdomain = ""
	d = NewEngine(probe).Verify(context.Background(), svc)
	assert.Equal(t, KindUnverifiable, d.Kind, "logs could not be read")
}

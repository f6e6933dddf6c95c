package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveRole(t *testing.T) {
	tests := []struct {
		name     string
		hostname string
		typ      string
		want     Role
	}{
		{"postgres", "db", "postgresql@16", RoleDatabase},
		{"dev runtime", "xyzdev", "nodejs@22", RoleDevelopment},
		{"dev suffix wins over family", "cachedev", "valkey@7.2", RoleDevelopment},
		{"bare dev is not development", "dev", "nodejs@22", RoleStage},
		{"valkey", "cache", "valkey@7.2", RoleCache},
		{"object storage", "files", "object-storage", RoleStorage},
		{"shared storage", "disk", "shared-storage", RoleStorage},
		{"uppercase type", "db", "MariaDB@10.6", RoleDatabase},
		{"runtime", "api", "nodejs@22", RoleStage},
		{"static", "web", "static", RoleStage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveRole(tt.hostname, tt.typ))
		})
	}
}

func TestFamily(t *testing.T) {
	assert.Equal(t, "postgresql", Family("postgresql@16"))
	assert.Equal(t, "static", Family("static"))
	assert.True(t, IsManagedFamily("redis@7"))
	assert.False(t, IsManagedFamily("go@1"))
}

func TestValidateHostname(t *testing.T) {
	assert.NoError(t, ValidateHostname("apidev"))
	assert.NoError(t, ValidateHostname("a1234567890123456789012z4"))
	assert.Error(t, ValidateHostname(""))
	assert.Error(t, ValidateHostname("Api"))
	assert.Error(t, ValidateHostname("api-dev"))
	assert.Error(t, ValidateHostname("a12345678901234567890123z4"))
}

func validTopology() *Topology {
	topo := New("proj", "demo", time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC))
	topo.Services["apidev"] = &Service{Hostname: "apidev", Role: RoleDevelopment, ServiceID: "s1"}
	topo.Services["api"] = &Service{Hostname: "api", Role: RoleStage, ServiceID: PendingServiceID}
	topo.Pairs["apidev"] = DeploymentPair{Dev: "apidev", Stage: "api"}
	return topo
}

func TestTopology_Validate(t *testing.T) {
	require.NoError(t, validTopology().Validate())

	tests := []struct {
		name   string
		mutate func(*Topology)
	}{
		{"empty project id", func(tp *Topology) { tp.Project.ID = "" }},
		{"no services", func(tp *Topology) { tp.Services = map[string]*Service{}; tp.Pairs = nil }},
		{"key mismatch", func(tp *Topology) { tp.Services["api"].Hostname = "web" }},
		{"bad hostname", func(tp *Topology) {
			tp.Services["Bad"] = &Service{Hostname: "Bad", Role: RoleStage}
		}},
		{"unknown role", func(tp *Topology) { tp.Services["api"].Role = "worker" }},
		{"dangling pair", func(tp *Topology) {
			tp.Pairs["webdev"] = DeploymentPair{Dev: "webdev", Stage: "web"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topo := validTopology()
			tt.mutate(topo)
			assert.ErrorIs(t, topo.Validate(), ErrInvalidTopology)
		})
	}
}

func TestTopology_Lookups(t *testing.T) {
	topo := validTopology()
	assert.Equal(t, []string{"api", "apidev"}, topo.Hostnames())
	assert.Equal(t, "apidev", topo.ServiceByID("s1").Hostname)
	assert.Nil(t, topo.ServiceByID(PendingServiceID))
	assert.Nil(t, topo.Service("web"))
}

func TestSortIssues(t *testing.T) {
	issues := []Issue{
		{Kind: IssuePartialFetch, Hostname: "web", Source: "zerops.yml"},
		{Kind: IssueMergeAmbiguity, Hostname: "api"},
		{Kind: IssuePartialFetch, Hostname: "api", Source: "zerops.yml"},
	}
	SortIssues(issues)
	assert.Equal(t, IssueMergeAmbiguity, issues[0].Kind)
	assert.Equal(t, "api", issues[1].Hostname)
	assert.Equal(t, "web", issues[2].Hostname)
	assert.Equal(t, map[IssueKind]int{IssuePartialFetch: 2, IssueMergeAmbiguity: 1}, CountByKind(issues))
}

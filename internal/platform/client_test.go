package platform_test

import (
	"context"
	"testing"
	"time"

	"github.com/qiniu/zcp/internal/platform"
	"github.com/qiniu/zcp/internal/platform/platformtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exportYAML = `
project:
  name: demo
services:
  - hostname: apidev
    type: nodejs@22
  - hostname: db
    type: postgresql@16
    mode: NON_HA
`

func TestClient_ExportProject(t *testing.T) {
	srv := platformtest.NewServer(t, "p1", "tok")
	srv.SetExport(exportYAML)

	export, err := srv.PlatformClient().ExportProject(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "demo", export.Project.Name)
	require.Len(t, export.Services, 2)
	assert.Equal(t, platform.ExportService{Hostname: "db", Type: "postgresql@16", Mode: "NON_HA"}, export.Services[1])
}

func TestClient_Unauthorized(t *testing.T) {
	srv := platformtest.NewServer(t, "p1", "tok")
	srv.SetExport(exportYAML)

	c := platform.NewClient(srv.URL, "wrong", "p1", time.Second)
	_, err := c.ExportProject(context.Background())
	var apiErr *platform.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 401, apiErr.StatusCode)
}

func TestClient_ExportVariables(t *testing.T) {
	srv := platformtest.NewServer(t, "p1", "tok")
	srv.SetEnvExport("apidev_serviceId=s-1\napidev_zeropsSubdomain=https://apidev.zerops.app\napidev_PORT=3000\ndb_password=secret\ndb_hostname=db\nPROJECT=x\n")

	idx, err := srv.PlatformClient().ExportVariables(context.Background())
	require.NoError(t, err)

	dev := idx.Lookup("apidev")
	require.NotNil(t, dev)
	assert.Equal(t, "s-1", dev.ServiceID)
	assert.Equal(t, "https://apidev.zerops.app", dev.Subdomain)
	assert.Equal(t, []string{"PORT"}, dev.Names)

	db := idx.Lookup("db")
	require.NotNil(t, db)
	assert.Equal(t, []string{"hostname", "password"}, db.Names)
	assert.Empty(t, db.ServiceID)
	assert.Nil(t, idx.Lookup("PROJECT"))
}

func TestParseVariableExport_MalformedLine(t *testing.T) {
	idx := platform.ParseVariableExport("api_serviceId=s-api\napi_X=\"unterminated\ndb_serviceId=s-db\n\n# comment\n")

	require.Len(t, idx.Rejected, 1)
	assert.Equal(t, 2, idx.Rejected[0].Line)
	assert.Equal(t, "api", idx.Rejected[0].Hostname)
	assert.NotEmpty(t, idx.Rejected[0].Reason)
	assert.Equal(t, "s-api", idx.Lookup("api").ServiceID, "good lines survive a bad one")
	assert.Equal(t, "s-db", idx.Lookup("db").ServiceID)

	idx = platform.ParseVariableExport("api_KEY=\"line1\nline2\"\napi_serviceId=s-api\n")
	assert.Empty(t, idx.Rejected, "multi-line values parse when the export is well formed")
	assert.Equal(t, []string{"KEY"}, idx.Lookup("api").Names)
}

func TestClient_ServiceStatusAndLogs(t *testing.T) {
	srv := platformtest.NewServer(t, "p1", "tok")
	srv.SetStatusSequence("s-1",
		platform.ServiceStack{ID: "s-1", Status: "BUILDING", ActiveAppVersion: &platform.AppVersion{Name: "old"}},
		platform.ServiceStack{ID: "s-1", Status: "ACTIVE", ActiveAppVersion: &platform.AppVersion{Name: "new"}},
	)
	srv.SetLogs("s-1", "one", "two", "three")
	c := srv.PlatformClient()
	ctx := context.Background()

	st, err := c.ServiceStatus(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "BUILDING", st.Status)
	assert.Equal(t, "old", st.ActiveVersionName())

	st, err = c.ServiceStatus(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "new", st.ActiveVersionName())

	_, err = c.ServiceStatus(ctx, "missing")
	assert.True(t, platform.IsNotFound(err))

	logs, err := c.ServiceLogs(ctx, "s-1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"two", "three"}, logs)
}

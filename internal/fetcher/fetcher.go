// Package fetcher reads the three configuration sources of a project. Only
// the project export is fatal; the other two report a typed Absence.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/qiniu/zcp/internal/platform"
	"github.com/qiniu/zcp/internal/remote"
	"github.com/qiniu/zcp/internal/topology/model"
	"github.com/qiniu/zcp/internal/zeropsyml"
	"github.com/rs/zerolog/log"
)

var ErrFatalFetch = errors.New("fatal fetch")

// Source names used in Absence and issues.
const (
	SourceExport    = "export"
	SourceZeropsYml = "zerops.yml"
	SourceVariables = "variables"
)

// Absence is a source that could not be read. It is data, not an error.
type Absence struct {
	Source   string
	Hostname string
	Reason   string
}

func (a *Absence) String() string {
	if a.Hostname == "" {
		return fmt.Sprintf("%s unavailable: %s", a.Source, a.Reason)
	}
	return fmt.Sprintf("%s of %s unavailable: %s", a.Source, a.Hostname, a.Reason)
}

// Issue converts the absence into a PartialFetch report entry.
func (a *Absence) Issue() model.Issue {
	return model.Issue{Kind: model.IssuePartialFetch, Hostname: a.Hostname, Source: a.Source, Message: a.Reason}
}

// PlatformAPI is the part of the platform client the fetcher needs.
type PlatformAPI interface {
	ExportProject(ctx context.Context) (*platform.ProjectExport, error)
	ExportVariables(ctx context.Context) (*platform.VariableIndex, error)
}

type Fetcher struct {
	platform    PlatformAPI
	runner      remote.Runner
	configPaths []string
}

func New(api PlatformAPI, runner remote.Runner, configPaths []string) *Fetcher {
	if len(configPaths) == 0 {
		configPaths = []string{"/var/www/zerops.yml", "/var/www/zerops.yaml"}
	}
	return &Fetcher{platform: api, runner: runner, configPaths: configPaths}
}

// Export fetches the project-wide export. Any failure wraps ErrFatalFetch.
func (f *Fetcher) Export(ctx context.Context) (*platform.ProjectExport, error) {
	export, err := f.platform.ExportProject(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: project export: %v", ErrFatalFetch, err)
	}
	if len(export.Services) == 0 {
		return nil, fmt.Errorf("%w: project export lists no services", ErrFatalFetch)
	}
	return export, nil
}

// ServiceConfig reads zerops.yml from the service's filesystem. Managed
// families have no remote channel and yield (nil, nil).
func (f *Fetcher) ServiceConfig(ctx context.Context, hostname, serviceType string) (doc *zeropsyml.Document, absence *Absence) {
	if model.IsManagedFamily(serviceType) {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			doc, absence = nil, &Absence{Source: SourceZeropsYml, Hostname: hostname, Reason: fmt.Sprintf("panic: %v", r)}
		}
	}()
	if f.runner == nil {
		return nil, &Absence{Source: SourceZeropsYml, Hostname: hostname, Reason: "no remote channel configured"}
	}

	out, err := f.runner.Run(ctx, hostname, catCommand(f.configPaths))
	if err != nil {
		log.Debug().Err(err).Str("hostname", hostname).Msg("zerops.yml fetch failed")
		return nil, &Absence{Source: SourceZeropsYml, Hostname: hostname, Reason: err.Error()}
	}
	if strings.TrimSpace(out) == "" {
		return nil, &Absence{Source: SourceZeropsYml, Hostname: hostname, Reason: "empty zerops.yml"}
	}
	doc, err = zeropsyml.Parse([]byte(out))
	if err != nil {
		return nil, &Absence{Source: SourceZeropsYml, Hostname: hostname, Reason: err.Error()}
	}
	return doc, nil
}

// Variables fetches the bulk variable export.
func (f *Fetcher) Variables(ctx context.Context) (*platform.VariableIndex, *Absence) {
	idx, err := f.platform.ExportVariables(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("variable export failed")
		return nil, &Absence{Source: SourceVariables, Reason: err.Error()}
	}
	if len(idx.Rejected) > 0 {
		log.Warn().Int("lines", len(idx.Rejected)).Msg("variable export has malformed lines, skipped")
	}
	return idx, nil
}

func catCommand(paths []string) string {
	parts := make([]string, len(paths))
	for i, p := range paths {
		parts[i] = "cat " + remote.Quote(p) + " 2>/dev/null"
	}
	return strings.Join(parts, " || ")
}

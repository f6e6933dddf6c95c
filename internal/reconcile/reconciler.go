// Package reconcile derives the canonical topology from the platform export,
// per-service zerops.yml documents and the bulk variable export.
//
// Pass 1 builds every service from its own sources. Pass 2 overwrites the
// zeropsYml of each stage service with the block its dev counterpart's
// document addresses to it. A finalize step recomputes derived fields.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/qiniu/zcp/internal/fetcher"
	"github.com/qiniu/zcp/internal/platform"
	"github.com/qiniu/zcp/internal/topology/model"
	"github.com/qiniu/zcp/internal/zeropsyml"
	"github.com/rs/zerolog/log"
)

// Source is the set of fetch operations a run consumes.
type Source interface {
	Export(ctx context.Context) (*platform.ProjectExport, error)
	ServiceConfig(ctx context.Context, hostname, serviceType string) (*zeropsyml.Document, *fetcher.Absence)
	Variables(ctx context.Context) (*platform.VariableIndex, *fetcher.Absence)
}

// Report summarizes one run.
type Report struct {
	ProjectID  string        `json:"projectId"`
	Services   int           `json:"services"`
	Pairs      int           `json:"pairs"`
	Unpaired   []string      `json:"unpaired"`
	Issues     []model.Issue `json:"issues"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
}

// Count returns the number of issues of kind.
func (r *Report) Count(kind model.IssueKind) int {
	n := 0
	for _, is := range r.Issues {
		if is.Kind == kind {
			n++
		}
	}
	return n
}

type Reconciler struct {
	source          Source
	projectID       string
	controlHostname string
	now             func() time.Time
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the time source used for reconciledAt.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func New(source Source, projectID, controlHostname string, opts ...Option) *Reconciler {
	r := &Reconciler{
		source:          source,
		projectID:       projectID,
		controlHostname: controlHostname,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run performs a full reconciliation. previous may be nil; when set, the
// deploy and health write-backs of surviving hostnames are carried over.
// Only a fatal export failure or cancellation returns an error.
func (r *Reconciler) Run(ctx context.Context, previous *model.Topology) (*model.Topology, *Report, error) {
	started := r.now().UTC()
	export, err := r.source.Export(ctx)
	if err != nil {
		return nil, nil, err
	}

	topo := model.New(r.projectID, export.Project.Name, started)
	var issues []model.Issue

	vars, absence := r.source.Variables(ctx)
	if absence != nil {
		issues = append(issues, absence.Issue())
	}
	if vars != nil {
		for _, rl := range vars.Rejected {
			issues = append(issues, model.Issue{
				Kind: model.IssuePartialFetch, Hostname: rl.Hostname, Source: fetcher.SourceVariables,
				Message: fmt.Sprintf("variable export line %d skipped: %s", rl.Line, rl.Reason),
			})
		}
	}

	// Pass 1
	devDocs := make(map[string]*zeropsyml.Document)
	for _, es := range sortedExport(export.Services) {
		if err := ctx.Err(); err != nil {
			return nil, nil, fmt.Errorf("reconcile cancelled: %w", err)
		}
		if es.Hostname == r.controlHostname {
			continue
		}
		if err := model.ValidateHostname(es.Hostname); err != nil {
			issues = append(issues, model.Issue{Kind: model.IssueInvalidHostname, Hostname: es.Hostname, Source: fetcher.SourceExport, Message: err.Error()})
			continue
		}
		if _, dup := topo.Services[es.Hostname]; dup {
			log.Warn().Str("hostname", es.Hostname).Msg("duplicate hostname in export, keeping first")
			continue
		}

		svc := &model.Service{
			Hostname:      es.Hostname,
			Type:          es.Type,
			Role:          model.DeriveRole(es.Hostname, es.Type),
			Mode:          es.Mode,
			ServiceID:     model.PendingServiceID,
			PeerVariables: []string{},
			SelfVariables: map[string]string{},
		}
		if sv := vars.Lookup(es.Hostname); sv != nil {
			if sv.ServiceID != "" {
				svc.ServiceID = sv.ServiceID
			}
			svc.Subdomain = sv.Subdomain
			svc.PeerVariables = append(svc.PeerVariables, sv.Names...)
		}

		if !svc.Role.Managed() {
			doc, absence := r.source.ServiceConfig(ctx, es.Hostname, es.Type)
			if absence != nil {
				issues = append(issues, absence.Issue())
			}
			if doc != nil {
				svc.ZeropsYml = doc.Block(es.Hostname).Clone()
				if svc.Role == model.RoleDevelopment {
					devDocs[es.Hostname] = doc
				}
			}
		}
		topo.Services[es.Hostname] = svc
	}

	// Pass 2
	pairs, unpaired := MapPairs(topo.Hostnames())
	for _, dev := range unpaired {
		log.Warn().Str("hostname", dev).Msg("development service has no stage counterpart")
		issues = append(issues, model.Issue{Kind: model.IssueUnpairedDevelopment, Hostname: dev, Message: "no stage service " + dev[:len(dev)-len(model.DevSuffix)]})
	}
	for _, p := range pairs {
		topo.Pairs[p.Dev] = p
		doc := devDocs[p.Dev]
		if doc == nil {
			issues = append(issues, model.Issue{
				Kind: model.IssueMergeAmbiguity, Hostname: p.Stage, Source: p.Dev,
				Message: "no zerops.yml retained for " + p.Dev + ", stage keeps its own configuration",
			})
			continue
		}
		block := doc.Block(p.Stage)
		if block == nil {
			issues = append(issues, model.Issue{
				Kind: model.IssueMergeAmbiguity, Hostname: p.Stage, Source: p.Dev,
				Message: fmt.Sprintf("zerops.yml of %s has no setup block for %s (setups: %s)", p.Dev, p.Stage, strings.Join(doc.Setups(), ",")),
			})
			continue
		}
		topo.Services[p.Stage].ZeropsYml = block.Clone()
	}

	// Finalize
	for _, svc := range topo.Services {
		finalize(svc)
		if prev := previous.Service(svc.Hostname); prev != nil {
			svc.Deploy = prev.Deploy
			svc.Health = prev.Health
		}
	}
	if issues == nil {
		issues = []model.Issue{}
	}
	model.SortIssues(issues)
	topo.Issues = issues

	if unpaired == nil {
		unpaired = []string{}
	}
	report := &Report{
		ProjectID:  r.projectID,
		Services:   len(topo.Services),
		Pairs:      len(topo.Pairs),
		Unpaired:   unpaired,
		Issues:     issues,
		StartedAt:  started,
		FinishedAt: r.now().UTC(),
	}
	log.Info().
		Str("project", r.projectID).
		Int("services", report.Services).
		Int("pairs", report.Pairs).
		Int("issues", len(issues)).
		Msg("reconciliation finished")
	return topo, report, nil
}

// finalize recomputes the fields derived from the final zeropsYml block.
func finalize(svc *model.Service) {
	sort.Strings(svc.PeerVariables)
	svc.SelfVariables = svc.ZeropsYml.EnvVariables()
	if svc.SelfVariables == nil {
		svc.SelfVariables = map[string]string{}
	}
	svc.Runtime = model.RuntimeFacts{
		StartCommand: svc.ZeropsYml.StartCommand(),
		Port:         svc.ZeropsYml.Port(),
		BuildCommand: svc.ZeropsYml.BuildCommand(),
	}
}

func sortedExport(in []platform.ExportService) []platform.ExportService {
	out := append([]platform.ExportService(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}

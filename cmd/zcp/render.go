package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/qiniu/zcp/internal/deploy"
	"github.com/qiniu/zcp/internal/history"
	"github.com/qiniu/zcp/internal/reconcile"
	"github.com/qiniu/zcp/internal/topology/model"
	"github.com/qiniu/zcp/internal/verify"
)

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	return tw
}

func renderTopology(topo *model.Topology) string {
	tw := newTable()
	tw.SetTitle(fmt.Sprintf("%s (%s) reconciled %s", topo.Project.Name, topo.Project.ID, topo.Project.ReconciledAt.Format(time.RFC3339)))
	tw.AppendHeader(table.Row{"Hostname", "Type", "Role", "Service ID", "Start", "Port", "Deploy", "Health"})
	for _, h := range topo.Hostnames() {
		svc := topo.Services[h]
		deployed, health := "-", "-"
		if svc.Deploy != nil {
			deployed = svc.Deploy.Status + " " + svc.Deploy.Version
		}
		if svc.Health != nil {
			health = svc.Health.Kind
		}
		tw.AppendRow(table.Row{svc.Hostname, svc.Type, svc.Role, dash(svc.ServiceID), dash(svc.Runtime.StartCommand), orNone(svc.Runtime.Port), deployed, health})
	}
	return tw.Render()
}

func renderIssues(issues []model.Issue) string {
	if len(issues) == 0 {
		return "no issues"
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Kind", "Hostname", "Source", "Message"})
	for _, is := range issues {
		tw.AppendRow(table.Row{is.Kind, dash(is.Hostname), dash(is.Source), is.Message})
	}
	return tw.Render()
}

func renderReport(r *reconcile.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "services: %d  pairs: %d  unpaired: %s  took: %s\n",
		r.Services, r.Pairs, dash(strings.Join(r.Unpaired, ",")), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	b.WriteString(renderIssues(r.Issues))
	return b.String()
}

func renderPairs(topo *model.Topology) string {
	tw := newTable()
	tw.AppendHeader(table.Row{"Dev", "Stage", "Stage Service ID"})
	for _, h := range topo.Hostnames() {
		p, ok := topo.Pairs[h]
		if !ok {
			continue
		}
		id := "-"
		if stage := topo.Service(p.Stage); stage != nil {
			id = stage.ServiceID
		}
		tw.AppendRow(table.Row{p.Dev, p.Stage, id})
	}
	return tw.Render()
}

func renderActiveVersion(av *deploy.ActiveVersion) string {
	tw := newTable()
	tw.AppendRows([]table.Row{
		{"Version", av.Version},
		{"Source", av.Source},
		{"Target", av.TargetServiceID},
		{"Status", av.Status},
		{"Polls", av.Polls},
		{"Elapsed", av.Elapsed.Round(time.Second)},
	})
	return tw.Render()
}

func renderDiagnosis(d *verify.Diagnosis) string {
	tw := newTable()
	tw.SetTitle(fmt.Sprintf("%s: %s", d.Hostname, d.Kind))
	tw.AppendHeader(table.Row{"Signal", "Outcome", "Detail"})
	for _, s := range d.Signals {
		tw.AppendRow(table.Row{s.Name, s.Outcome, dash(s.Detail)})
	}
	if d.Detail != "" {
		tw.SetCaption(d.Detail)
	}
	return tw.Render()
}

func renderAttempts(items []history.AttemptRecord) string {
	tw := newTable()
	tw.AppendHeader(table.Row{"Version", "Source", "Target", "Outcome", "Polls", "Finished", "Message"})
	for _, a := range items {
		tw.AppendRow(table.Row{a.Version, a.Source, a.TargetServiceID, a.Outcome, a.Polls, a.FinishedAt.Format(time.RFC3339), dash(a.Message)})
	}
	return tw.Render()
}

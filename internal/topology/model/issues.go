package model

import "sort"

type IssueKind string

const (
	IssuePartialFetch        IssueKind = "partial-fetch"        // one source could not be read for one service
	IssueMergeAmbiguity      IssueKind = "merge-ambiguity"      // the dev document has no block for its stage
	IssueUnpairedDevelopment IssueKind = "unpaired-development" // dev service without a stage counterpart
	IssueInvalidHostname     IssueKind = "invalid-hostname"
)

// Issue is a non-fatal finding of a reconciliation run.
type Issue struct {
	Kind     IssueKind `json:"kind"`
	Hostname string    `json:"hostname,omitempty"`
	Source   string    `json:"source,omitempty"`
	Message  string    `json:"message"`
}

// SortIssues orders issues by kind, hostname, source and message.
func SortIssues(issues []Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Hostname != b.Hostname {
			return a.Hostname < b.Hostname
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.Message < b.Message
	})
}

// CountByKind tallies issues per kind.
func CountByKind(issues []Issue) map[IssueKind]int {
	out := make(map[IssueKind]int)
	for _, is := range issues {
		out[is.Kind]++
	}
	return out
}

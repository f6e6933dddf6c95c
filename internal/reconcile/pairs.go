package reconcile

import (
	"sort"
	"strings"

	"github.com/qiniu/zcp/internal/topology/model"
)

// MapPairs pairs every `<x>dev` hostname with `<x>` when `<x>` exists.
// Development hostnames without a stage counterpart are returned as unpaired.
// Both results are sorted by dev hostname.
func MapPairs(hostnames []string) (pairs []model.DeploymentPair, unpaired []string) {
	known := make(map[string]bool, len(hostnames))
	for _, h := range hostnames {
		known[h] = true
	}
	devs := make([]string, 0, len(known))
	for h := range known {
		if isDevHostname(h) {
			devs = append(devs, h)
		}
	}
	sort.Strings(devs)

	for _, dev := range devs {
		stage := strings.TrimSuffix(dev, model.DevSuffix)
		if known[stage] {
			pairs = append(pairs, model.DeploymentPair{Dev: dev, Stage: stage})
		} else {
			unpaired = append(unpaired, dev)
		}
	}
	return pairs, unpaired
}

func isDevHostname(h string) bool {
	return len(h) > len(model.DevSuffix) && strings.HasSuffix(h, model.DevSuffix)
}

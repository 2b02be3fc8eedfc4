// Package matcher computes which clusters a bundle applies to. Matching is
// a pure function over label selectors: same inputs always yield the same
// matched set.
package matcher

import (
	"github.com/samber/lo"

	"github.com/gitfleet/gitfleet/internal/fleet"
)

// Matches reports whether the cluster's label set satisfies every term of
// the selector. An empty selector matches everything.
func Matches(sel fleet.Selector, labels map[string]string) bool {
	for k, v := range sel.MatchLabels {
		if labels[k] != v {
			return false
		}
	}
	for _, req := range sel.MatchExpressions {
		if !matchesRequirement(req, labels) {
			return false
		}
	}
	return true
}

func matchesRequirement(req fleet.SelectorRequirement, labels map[string]string) bool {
	value, exists := labels[req.Key]
	switch req.Operator {
	case fleet.SelectorOpIn:
		return exists && lo.Contains(req.Values, value)
	case fleet.SelectorOpNotIn:
		return !exists || !lo.Contains(req.Values, value)
	case fleet.SelectorOpExists:
		return exists
	case fleet.SelectorOpDoesNotExist:
		return !exists
	default:
		return false
	}
}

// Match returns the clusters targeted by the bundle: the union of clusters
// matched by any of its target specs, in input order, without duplicates.
func Match(bundle *fleet.Bundle, clusters []*fleet.Cluster) []*fleet.Cluster {
	var out []*fleet.Cluster
	seen := map[string]bool{}
	for _, c := range clusters {
		for _, target := range bundle.Targets {
			if Matches(target.Selector, c.Labels) {
				if !seen[c.ID.String()] {
					seen[c.ID.String()] = true
					out = append(out, c)
				}
				break
			}
		}
	}
	return out
}

// MatchedTargets returns the names of the target specs the cluster
// satisfies, for status detail.
func MatchedTargets(bundle *fleet.Bundle, cluster *fleet.Cluster) []string {
	matched := lo.Filter(bundle.Targets, func(t fleet.TargetSpec, _ int) bool {
		return Matches(t.Selector, cluster.Labels)
	})
	return lo.Map(matched, func(t fleet.TargetSpec, _ int) string { return t.Name })
}

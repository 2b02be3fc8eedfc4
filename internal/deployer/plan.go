package deployer

import (
	"sort"

	"dario.cat/mergo"
	"github.com/samber/lo"

	"github.com/gitfleet/gitfleet/internal/fleet"
)

// Plan is the outcome of the three-way diff between the last applied
// inventory, the desired manifest set and the live cluster state.
type Plan struct {
	// Creates are desired resources with no live object.
	Creates []fleet.Manifest
	// Updates are desired resources whose live object drifted from the
	// desired fields.
	Updates []fleet.Manifest
	// Prunes are previously applied resources no longer in the desired
	// set. They are removed only after all creates and updates succeed.
	Prunes []fleet.ResourceKey
}

// Empty reports whether the plan has no work.
func (p Plan) Empty() bool {
	return len(p.Creates) == 0 && len(p.Updates) == 0 && len(p.Prunes) == 0
}

// BuildPlan computes the actions needed to converge the cluster on the
// desired set. Resources whose live object already carries the desired
// fields produce no action, so a converged deployment yields an empty plan.
func BuildPlan(desired []fleet.Manifest, inventory []fleet.ResourceKey, live map[fleet.ResourceKey]fleet.Manifest, prune bool) Plan {
	var plan Plan

	desiredKeys := make(map[fleet.ResourceKey]bool, len(desired))
	for _, m := range desired {
		desiredKeys[m.Key] = true
		liveObj, ok := live[m.Key]
		if !ok {
			plan.Creates = append(plan.Creates, m)
			continue
		}
		if Drifted(liveObj, m) {
			plan.Updates = append(plan.Updates, m)
		}
	}

	if prune {
		for _, key := range inventory {
			if desiredKeys[key] {
				continue
			}
			if _, ok := live[key]; ok {
				plan.Prunes = append(plan.Prunes, key)
			}
		}
	}

	sortByWeight(plan.Creates)
	sortByWeight(plan.Updates)
	// Prune in reverse dependency order: contents before their namespaces.
	sort.SliceStable(plan.Prunes, func(i, j int) bool {
		return plan.Prunes[i].ApplyWeight() > plan.Prunes[j].ApplyWeight()
	})
	return plan
}

// Drifted reports whether the live object diverges from the desired fields.
// Merging desired over live must be a no-op on a converged object; fields
// the bundle does not manage never count as drift.
func Drifted(live, desired fleet.Manifest) bool {
	merged := live.Clone().Object
	if err := mergo.Merge(&merged, desired.Clone().Object, mergo.WithOverride); err != nil {
		return true
	}
	next, err := fleet.NewManifest(merged)
	if err != nil {
		return true
	}
	return next.ContentChecksum() != live.ContentChecksum()
}

// weightGroups splits manifests into apply stages. Stages run in order;
// manifests inside one stage are independent and apply concurrently.
func weightGroups(set []fleet.Manifest) [][]fleet.Manifest {
	grouped := lo.GroupBy(set, func(m fleet.Manifest) int { return m.Key.ApplyWeight() })
	weights := lo.Keys(grouped)
	sort.Ints(weights)
	return lo.Map(weights, func(w int, _ int) []fleet.Manifest { return grouped[w] })
}

func sortByWeight(set []fleet.Manifest) {
	sort.SliceStable(set, func(i, j int) bool {
		wi, wj := set[i].Key.ApplyWeight(), set[j].Key.ApplyWeight()
		if wi != wj {
			return wi < wj
		}
		return set[i].Key.String() < set[j].Key.String()
	})
}

// Package bundle builds immutable, content-addressed units from resolved
// manifest sets. The checksum is computed over the canonicalized set, so
// semantically identical input always yields the same checksum; that
// equality is the basis for change detection and the no-op-if-unchanged
// optimization.
package bundle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/gitfleet/gitfleet/internal/fleet"
	"github.com/gitfleet/gitfleet/internal/store"
)

// BuildInput carries everything the builder needs for one bundle.
type BuildInput struct {
	RepositoryID uuid.UUID
	Commit       string
	Manifests    []fleet.Manifest
	Targets      []fleet.TargetSpec
	Options      fleet.DeployOptions
	// DeclaredTargets restricts which target names the bundle may use.
	// Empty means any.
	DeclaredTargets []string
}

// Build validates the input and produces an immutable bundle. The manifest
// set is sorted and checksummed; a malformed manifest or a target spec
// outside DeclaredTargets fails with a ValidationError.
func Build(in BuildInput) (*fleet.Bundle, error) {
	if len(in.Manifests) == 0 {
		return nil, &fleet.ValidationError{Msg: "bundle has no manifests"}
	}
	if len(in.Targets) == 0 {
		return nil, &fleet.ValidationError{Msg: "bundle has no targets"}
	}

	for _, m := range in.Manifests {
		if m.Key.APIVersion == "" || m.Key.Kind == "" || m.Key.Name == "" {
			return nil, &fleet.ValidationError{Key: m.Key, Msg: "incomplete resource identity"}
		}
		if len(m.Canonical) == 0 {
			return nil, &fleet.ValidationError{Key: m.Key, Msg: "manifest has no canonical form"}
		}
	}

	if len(in.DeclaredTargets) > 0 {
		declared := lo.SliceToMap(in.DeclaredTargets, func(n string) (string, bool) { return n, true })
		for _, t := range in.Targets {
			if !declared[t.Name] {
				return nil, &fleet.ValidationError{Msg: fmt.Sprintf("target %q is not declared", t.Name)}
			}
		}
	}

	set := make([]fleet.Manifest, len(in.Manifests))
	copy(set, in.Manifests)
	fleet.SortManifests(set)

	// Zero numeric fields fall back to the defaults; the booleans are taken
	// as given so a partial options struct keeps its explicit choices.
	opts := in.Options
	defaults := fleet.DefaultDeployOptions()
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = defaults.MaxAttempts
	}
	if opts.ApplyTimeout == 0 {
		opts.ApplyTimeout = defaults.ApplyTimeout
	}

	b := &fleet.Bundle{
		ID:           fleet.NewID(),
		RepositoryID: in.RepositoryID,
		Commit:       in.Commit,
		Checksum:     fleet.SetChecksum(set),
		Manifests:    set,
		Targets:      in.Targets,
		Options:      opts,
	}
	b.Conditions = fleet.SetCondition(b.Conditions, fleet.Condition{
		Type:   fleet.ConditionProcessed,
		Status: fleet.ConditionTrue,
		Reason: "Built",
	})
	return b, nil
}

// GC deletes bundles that are superseded and no longer referenced by any
// deployment record. Reference counting follows the checksum, not the
// bundle id: two bundles with equal checksum are interchangeable, so only
// the newest per checksum is kept.
// grace protects just-created bundles that have no deployment record yet.
func GC(ctx context.Context, bundles store.BundleStore, deployments store.DeploymentStore, repositoryID uuid.UUID, liveChecksum string, grace time.Duration) (int, error) {
	all, err := bundles.ListByRepository(ctx, repositoryID)
	if err != nil {
		return 0, fmt.Errorf("list bundles: %w", err)
	}

	records, err := deployments.ListByRepository(ctx, repositoryID)
	if err != nil {
		return 0, fmt.Errorf("list deployments: %w", err)
	}
	referenced := lo.SliceToMap(records, func(d *fleet.DeploymentRecord) (string, bool) {
		return d.Checksum, true
	})
	for _, d := range records {
		if d.AppliedChecksum != "" {
			referenced[d.AppliedChecksum] = true
		}
	}

	collected := 0
	cutoff := time.Now().Add(-grace)
	for _, b := range all {
		if b.Checksum == liveChecksum || referenced[b.Checksum] {
			continue
		}
		if b.CreatedAt.After(cutoff) {
			continue
		}
		if err := bundles.Delete(ctx, b.ID); err != nil {
			return collected, fmt.Errorf("delete bundle %s: %w", b.ID, err)
		}
		collected++
	}
	return collected, nil
}

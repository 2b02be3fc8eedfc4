// Package runtime abstracts the target cluster a deployer writes to.
package runtime

import (
	"context"

	"github.com/gitfleet/gitfleet/internal/fleet"
)

// Cluster is the write surface of one target cluster. Apply carries full
// desired manifests; the runtime is responsible for merging them into any
// existing live object so fields the bundle does not manage survive.
type Cluster interface {
	// Live returns the current live objects for the given keys. Keys with
	// no live object are absent from the result.
	Live(ctx context.Context, keys []fleet.ResourceKey) (map[fleet.ResourceKey]fleet.Manifest, error)
	// Apply creates or merges one manifest into the cluster.
	Apply(ctx context.Context, m fleet.Manifest) error
	// Delete removes one resource. Deleting an absent resource is not an
	// error.
	Delete(ctx context.Context, key fleet.ResourceKey) error
}

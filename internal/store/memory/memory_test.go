package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gitfleet/gitfleet/internal/fleet"
	"github.com/gitfleet/gitfleet/internal/store"
)

func TestRepositoryStore_OptimisticVersioning(t *testing.T) {
	ctx := context.Background()
	stores := New()

	ref := &fleet.RepositoryRef{ID: fleet.NewID(), Name: "demo", URL: "https://git.example.com/demo.git", Branch: "main", PollInterval: time.Minute}
	if err := stores.Repositories.Create(ctx, ref); err != nil {
		t.Fatalf("create: %v", err)
	}

	a, _ := stores.Repositories.Get(ctx, ref.ID)
	b, _ := stores.Repositories.Get(ctx, ref.ID)

	a.LastSeenCommit = "abc"
	if err := stores.Repositories.Update(ctx, a); err != nil {
		t.Fatalf("first update: %v", err)
	}

	// The second writer holds a stale version and must lose.
	b.LastSeenCommit = "def"
	err := stores.Repositories.Update(ctx, b)
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, _ := stores.Repositories.Get(ctx, ref.ID)
	if got.LastSeenCommit != "abc" {
		t.Fatalf("lost update: %q", got.LastSeenCommit)
	}
}

func TestStores_ReturnCopies(t *testing.T) {
	ctx := context.Background()
	stores := New()

	c := &fleet.Cluster{ID: fleet.NewID(), Name: "c1", Labels: map[string]string{"env": "prod"}}
	if err := stores.Clusters.Create(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, _ := stores.Clusters.Get(ctx, c.ID)
	got.Labels["env"] = "tampered"

	again, _ := stores.Clusters.Get(ctx, c.ID)
	if again.Labels["env"] != "prod" {
		t.Fatalf("store shares memory with callers")
	}
}

func TestDeploymentStore_GetLiveSkipsSuperseded(t *testing.T) {
	ctx := context.Background()
	stores := New()

	repoID, clusterID := fleet.NewID(), fleet.NewID()
	old := &fleet.DeploymentRecord{ID: fleet.NewID(), RepositoryID: repoID, ClusterID: clusterID, Checksum: "aaa", State: fleet.DeploymentReady}
	if err := stores.Deployments.Create(ctx, old); err != nil {
		t.Fatalf("create old: %v", err)
	}

	old.Superseded = true
	if err := stores.Deployments.Update(ctx, old); err != nil {
		t.Fatalf("supersede: %v", err)
	}

	fresh := &fleet.DeploymentRecord{ID: fleet.NewID(), RepositoryID: repoID, ClusterID: clusterID, Checksum: "bbb", State: fleet.DeploymentPending}
	if err := stores.Deployments.Create(ctx, fresh); err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	live, err := stores.Deployments.GetLive(ctx, repoID, clusterID)
	if err != nil {
		t.Fatalf("get live: %v", err)
	}
	if live.Checksum != "bbb" {
		t.Fatalf("expected live record bbb, got %s", live.Checksum)
	}
}

func TestBundleStore_GetByChecksum(t *testing.T) {
	ctx := context.Background()
	stores := New()

	repoID := fleet.NewID()
	b := &fleet.Bundle{ID: fleet.NewID(), RepositoryID: repoID, Checksum: "cafe"}
	if err := stores.Bundles.Create(ctx, b); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := stores.Bundles.GetByChecksum(ctx, repoID, "cafe")
	if err != nil || got.ID != b.ID {
		t.Fatalf("GetByChecksum: %v", err)
	}

	_, err = stores.Bundles.GetByChecksum(ctx, repoID, "beef")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

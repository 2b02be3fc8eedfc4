package bundle

import (
	"context"
	"errors"
	"testing"

	"github.com/gitfleet/gitfleet/internal/fleet"
	"github.com/gitfleet/gitfleet/internal/store"
	"github.com/gitfleet/gitfleet/internal/store/memory"
)

func manifests(t *testing.T, data string) []fleet.Manifest {
	t.Helper()
	set, err := fleet.ParseManifests([]byte(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return set
}

func targets() []fleet.TargetSpec {
	return []fleet.TargetSpec{{Name: "all", Selector: fleet.Selector{}}}
}

func TestBuild_ChecksumIdempotent(t *testing.T) {
	repoID := fleet.NewID()

	a := manifests(t, `
apiVersion: v1
kind: ConfigMap
metadata:
  name: one
data:
  x: "1"
---
apiVersion: v1
kind: Secret
metadata:
  name: two
`)
	// Same content, different document order and formatting.
	b := manifests(t, `
apiVersion: v1
kind: Secret
metadata:
  name: two
---
apiVersion: v1
kind: ConfigMap
data:
  x:  "1"
metadata:
  name: one
`)

	bundleA, err := Build(BuildInput{RepositoryID: repoID, Commit: "c1", Manifests: a, Targets: targets()})
	if err != nil {
		t.Fatalf("build a: %v", err)
	}
	bundleB, err := Build(BuildInput{RepositoryID: repoID, Commit: "c2", Manifests: b, Targets: targets()})
	if err != nil {
		t.Fatalf("build b: %v", err)
	}
	if bundleA.Checksum != bundleB.Checksum {
		t.Fatalf("equal content must yield equal checksums: %s != %s", bundleA.Checksum, bundleB.Checksum)
	}
}

func TestBuild_UndeclaredTarget(t *testing.T) {
	_, err := Build(BuildInput{
		RepositoryID:    fleet.NewID(),
		Manifests:       manifests(t, "apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: a\n"),
		Targets:         []fleet.TargetSpec{{Name: "prod"}},
		DeclaredTargets: []string{"staging"},
	})
	var verr *fleet.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestBuild_PartialOptionsKeepExplicitFields(t *testing.T) {
	b, err := Build(BuildInput{
		RepositoryID: fleet.NewID(),
		Manifests:    manifests(t, "apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: a\n"),
		Targets:      targets(),
		Options:      fleet.DeployOptions{SelfHeal: true},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defaults := fleet.DefaultDeployOptions()
	if !b.Options.SelfHeal {
		t.Fatal("SelfHeal was discarded by defaulting")
	}
	if b.Options.Prune {
		t.Fatal("Prune was not taken as given")
	}
	if b.Options.MaxAttempts != defaults.MaxAttempts {
		t.Fatalf("MaxAttempts = %d", b.Options.MaxAttempts)
	}
	if b.Options.ApplyTimeout != defaults.ApplyTimeout {
		t.Fatalf("ApplyTimeout = %s", b.Options.ApplyTimeout)
	}
}

func TestBuild_EmptySetRejected(t *testing.T) {
	_, err := Build(BuildInput{RepositoryID: fleet.NewID(), Targets: targets()})
	var verr *fleet.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestGC_KeepsReferencedBundles(t *testing.T) {
	ctx := context.Background()
	stores := memory.New()
	repoID := fleet.NewID()

	old := &fleet.Bundle{ID: fleet.NewID(), RepositoryID: repoID, Checksum: "old"}
	live := &fleet.Bundle{ID: fleet.NewID(), RepositoryID: repoID, Checksum: "live"}
	referenced := &fleet.Bundle{ID: fleet.NewID(), RepositoryID: repoID, Checksum: "refd"}
	for _, b := range []*fleet.Bundle{old, live, referenced} {
		if err := stores.Bundles.Create(ctx, b); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	rec := &fleet.DeploymentRecord{
		ID: fleet.NewID(), RepositoryID: repoID, BundleID: referenced.ID,
		Checksum: "refd", ClusterID: fleet.NewID(), State: fleet.DeploymentReady,
	}
	if err := stores.Deployments.Create(ctx, rec); err != nil {
		t.Fatalf("create record: %v", err)
	}

	collected, err := GC(ctx, stores.Bundles, stores.Deployments, repoID, "live", 0)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if collected != 1 {
		t.Fatalf("expected 1 collected bundle, got %d", collected)
	}
	if _, err := stores.Bundles.Get(ctx, live.ID); err != nil {
		t.Fatalf("live bundle collected: %v", err)
	}
	if _, err := stores.Bundles.Get(ctx, referenced.ID); err != nil {
		t.Fatalf("referenced bundle collected: %v", err)
	}
	if _, err := stores.Bundles.Get(ctx, old.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("old bundle should be gone, got %v", err)
	}
}

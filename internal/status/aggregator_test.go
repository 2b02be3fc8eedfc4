package status

import (
	"strings"
	"testing"

	"github.com/gitfleet/gitfleet/internal/fleet"
)

func record(b *fleet.Bundle, state fleet.DeploymentState) *fleet.DeploymentRecord {
	return &fleet.DeploymentRecord{
		ID:           fleet.NewID(),
		RepositoryID: b.RepositoryID,
		BundleID:     b.ID,
		Checksum:     b.Checksum,
		ClusterID:    fleet.NewID(),
		State:        state,
	}
}

func TestSummarizeBundle_CountsAndSkipsSuperseded(t *testing.T) {
	b := &fleet.Bundle{ID: fleet.NewID(), RepositoryID: fleet.NewID(), Checksum: "abc"}
	ready := record(b, fleet.DeploymentReady)
	pending := record(b, fleet.DeploymentPending)
	old := record(b, fleet.DeploymentReady)
	old.Superseded = true

	s := SummarizeBundle(b, []*fleet.DeploymentRecord{ready, pending, old})
	if s.TotalCount != 2 || s.ReadyCount != 1 {
		t.Fatalf("counts = %d/%d", s.ReadyCount, s.TotalCount)
	}
	if s.Ready() {
		t.Fatal("bundle with pending cluster must not be ready")
	}
}

func TestSummarizeRepository_BubblesDeepestFailure(t *testing.T) {
	repoID := fleet.NewID()
	b := &fleet.Bundle{ID: fleet.NewID(), RepositoryID: repoID, Checksum: "abc"}

	failing := record(b, fleet.DeploymentError)
	failing.ResourceStatuses = []fleet.ResourceStatus{
		{
			Key:   fleet.ResourceKey{APIVersion: "apps/v1", Kind: "Deployment", Namespace: "web", Name: "frontend"},
			State: fleet.ResourceReady,
		},
		{
			Key:     fleet.ResourceKey{APIVersion: "v1", Kind: "Service", Namespace: "web", Name: "frontend"},
			State:   fleet.ResourceFailed,
			Message: "port 99999 out of range",
		},
	}
	healthy := record(b, fleet.DeploymentReady)

	s := SummarizeRepository(repoID, []*fleet.Bundle{b}, []*fleet.DeploymentRecord{failing, healthy})
	if s.Ready {
		t.Fatal("repository with a failing record must not be ready")
	}
	if !strings.Contains(s.Reason, "Service") || !strings.Contains(s.Reason, "port 99999 out of range") {
		t.Fatalf("reason does not name the failing resource: %q", s.Reason)
	}
}

func TestSummarizeRepository_AllReady(t *testing.T) {
	repoID := fleet.NewID()
	b := &fleet.Bundle{ID: fleet.NewID(), RepositoryID: repoID, Checksum: "abc"}
	records := []*fleet.DeploymentRecord{
		record(b, fleet.DeploymentReady),
		record(b, fleet.DeploymentReady),
	}

	s := SummarizeRepository(repoID, []*fleet.Bundle{b}, records)
	if !s.Ready {
		t.Fatalf("expected ready, reason=%q", s.Reason)
	}
	if len(s.Bundles) != 1 || !s.Bundles[0].Ready() {
		t.Fatalf("unexpected bundle summaries %+v", s.Bundles)
	}
}

func TestSummarizeRepository_NoRecords(t *testing.T) {
	s := SummarizeRepository(fleet.NewID(), nil, nil)
	if s.Ready {
		t.Fatal("repository with no deployments must not report ready")
	}
}

func TestSummarizeRepository_DriftReason(t *testing.T) {
	repoID := fleet.NewID()
	b := &fleet.Bundle{ID: fleet.NewID(), RepositoryID: repoID, Checksum: "abc"}
	drifted := record(b, fleet.DeploymentModified)
	drifted.ResourceStatuses = []fleet.ResourceStatus{
		{
			Key:   fleet.ResourceKey{APIVersion: "v1", Kind: "ConfigMap", Namespace: "web", Name: "settings"},
			State: fleet.ResourceModified,
		},
	}

	s := SummarizeRepository(repoID, []*fleet.Bundle{b}, []*fleet.DeploymentRecord{drifted})
	if s.Ready {
		t.Fatal("drifted repository must not be ready")
	}
	if !strings.Contains(s.Reason, "ConfigMap") {
		t.Fatalf("reason does not name the drifted resource: %q", s.Reason)
	}
}

// Package status computes read-side rollups over deployment records. The
// aggregator is pure: it takes a snapshot of bundles and records and never
// writes anything back.
package status

import (
	"sort"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/gitfleet/gitfleet/internal/fleet"
)

// ClusterStatus is the per-cluster detail inside a bundle summary.
type ClusterStatus struct {
	ClusterID uuid.UUID             `json:"cluster_id"`
	State     fleet.DeploymentState `json:"state"`
	// Reason carries the failure reason for non-ready states, taken from
	// the deepest failing resource.
	Reason string `json:"reason,omitempty"`
}

// BundleSummary rolls one bundle's deployment records up across clusters.
type BundleSummary struct {
	BundleID   uuid.UUID       `json:"bundle_id"`
	Checksum   string          `json:"checksum"`
	ReadyCount int             `json:"ready_count"`
	TotalCount int             `json:"total_count"`
	PerCluster []ClusterStatus `json:"per_cluster"`
}

// Ready reports whether every matched cluster converged.
func (b BundleSummary) Ready() bool {
	return b.TotalCount > 0 && b.ReadyCount == b.TotalCount
}

// RepoSummary rolls a repository's live bundles up into a single status.
type RepoSummary struct {
	RepositoryID uuid.UUID       `json:"repository_id"`
	Ready        bool            `json:"ready"`
	Bundles      []BundleSummary `json:"bundles"`
	// Reason names the deepest failure when not ready: a specific resource
	// message when one exists, otherwise the first non-ready cluster state.
	Reason string `json:"reason,omitempty"`
}

// SummarizeBundle aggregates the live records of one bundle. Superseded
// records are ignored; they describe history, not desired state.
func SummarizeBundle(b *fleet.Bundle, records []*fleet.DeploymentRecord) BundleSummary {
	summary := BundleSummary{BundleID: b.ID, Checksum: b.Checksum}
	for _, rec := range records {
		if rec.BundleID != b.ID || rec.Superseded {
			continue
		}
		cs := ClusterStatus{ClusterID: rec.ClusterID, State: rec.State}
		if rec.State != fleet.DeploymentReady {
			cs.Reason = failureReason(rec)
		}
		summary.PerCluster = append(summary.PerCluster, cs)
		summary.TotalCount++
		if rec.State == fleet.DeploymentReady {
			summary.ReadyCount++
		}
	}
	sort.Slice(summary.PerCluster, func(i, j int) bool {
		return summary.PerCluster[i].ClusterID.String() < summary.PerCluster[j].ClusterID.String()
	})
	return summary
}

// SummarizeRepository aggregates all live bundles of a repository. Ready is
// true only when every bundle is ready on every matched cluster.
func SummarizeRepository(repositoryID uuid.UUID, bundles []*fleet.Bundle, records []*fleet.DeploymentRecord) RepoSummary {
	summary := RepoSummary{RepositoryID: repositoryID, Ready: true}

	live := lo.Filter(bundles, func(b *fleet.Bundle, _ int) bool {
		return b.RepositoryID == repositoryID && hasLiveRecord(b, records)
	})
	sort.Slice(live, func(i, j int) bool { return live[i].CreatedAt.Before(live[j].CreatedAt) })

	for _, b := range live {
		bs := SummarizeBundle(b, records)
		summary.Bundles = append(summary.Bundles, bs)
		if bs.Ready() {
			continue
		}
		summary.Ready = false
		if summary.Reason == "" {
			summary.Reason = bundleReason(bs)
		}
	}
	if len(summary.Bundles) == 0 {
		summary.Ready = false
		summary.Reason = "no deployments"
	}
	return summary
}

func hasLiveRecord(b *fleet.Bundle, records []*fleet.DeploymentRecord) bool {
	return lo.SomeBy(records, func(r *fleet.DeploymentRecord) bool {
		return r.BundleID == b.ID && !r.Superseded
	})
}

// failureReason digs out the most specific explanation for a record's
// state: a failed resource's message first, then a modified resource, then
// the record's Error condition.
func failureReason(rec *fleet.DeploymentRecord) string {
	for _, rs := range rec.ResourceStatuses {
		if rs.State == fleet.ResourceFailed && rs.Message != "" {
			return rs.Key.String() + ": " + rs.Message
		}
	}
	for _, rs := range rec.ResourceStatuses {
		if rs.State == fleet.ResourceModified {
			return rs.Key.String() + ": drifted from applied state"
		}
	}
	if cond, ok := fleet.GetCondition(rec.Conditions, fleet.ConditionError); ok && cond.Status == fleet.ConditionTrue {
		if cond.Message != "" {
			return cond.Message
		}
		return cond.Reason
	}
	return string(rec.State)
}

func bundleReason(bs BundleSummary) string {
	for _, cs := range bs.PerCluster {
		if cs.State != fleet.DeploymentReady && cs.Reason != "" {
			return cs.Reason
		}
	}
	return "not ready"
}

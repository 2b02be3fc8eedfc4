// Package events defines the NATS subjects and payloads exchanged between
// the gitfleet services. Payloads are small JSON structs; handlers
// unmarshal them directly.
package events

import (
	"github.com/google/uuid"

	"github.com/gitfleet/gitfleet/internal/fleet"
)

const (
	// SubjectCommitDetected is published by the source watcher when a
	// repository resolves to a new (or force-refreshed) commit.
	SubjectCommitDetected = "source.commit.detected"
	// SubjectBundleCreated is published by the controller after a bundle
	// has been built and matched to clusters.
	SubjectBundleCreated = "bundle.created"
	// SubjectDeploymentStatus is published by the deployer on every
	// deployment state transition.
	SubjectDeploymentStatus = "deployment.status"
	// SubjectDeploymentPrune asks deployers to prune and discard a
	// deployment record (cleanup cascade).
	SubjectDeploymentPrune = "deployment.prune"
	// SubjectClusterHeartbeat carries agent liveness.
	SubjectClusterHeartbeat = "cluster.heartbeat"
	// SubjectClusterRegister carries agent registration.
	SubjectClusterRegister = "cluster.register"

	// SubjectStatusRequest serves status summaries to operator tooling.
	SubjectStatusRequest = "fleet.status"
	// SubjectForceRefresh invalidates a repository's last-seen commit.
	SubjectForceRefresh = "fleet.forceRefresh"
	// SubjectCleanup deletes a bundle or repository and cascades.
	SubjectCleanup = "fleet.cleanup"
)

// CommitDetected announces a resolved commit and its checked-out tree.
type CommitDetected struct {
	RepositoryID uuid.UUID `json:"repository_id"`
	Commit       string    `json:"commit"`
	// TreePath is the local checkout handed to the resolver.
	TreePath string `json:"tree_path"`
	Forced   bool   `json:"forced"`
}

// BundleCreated announces a new bundle and the clusters it matched.
type BundleCreated struct {
	BundleID     uuid.UUID   `json:"bundle_id"`
	RepositoryID uuid.UUID   `json:"repository_id"`
	Checksum     string      `json:"checksum"`
	ClusterIDs   []uuid.UUID `json:"cluster_ids"`
}

// DeploymentStatus announces a deployment record state transition.
type DeploymentStatus struct {
	DeploymentID uuid.UUID `json:"deployment_id"`
	BundleID     uuid.UUID `json:"bundle_id"`
	ClusterID    uuid.UUID `json:"cluster_id"`
	State        string    `json:"state"`
	Reason       string    `json:"reason,omitempty"`
}

// DeploymentPrune asks the owning deployer to prune a record's inventory
// from its cluster and delete the record.
type DeploymentPrune struct {
	DeploymentID uuid.UUID `json:"deployment_id"`
}

// ClusterHeartbeat is sent periodically by each cluster agent.
type ClusterHeartbeat struct {
	ClusterID uuid.UUID `json:"cluster_id"`
}

// ClusterRegister is sent by an agent on startup.
type ClusterRegister struct {
	ClusterID    uuid.UUID         `json:"cluster_id"`
	Name         string            `json:"name"`
	Labels       map[string]string `json:"labels"`
	AgentSubject string            `json:"agent_subject"`
}

// ForceRefresh is the payload of SubjectForceRefresh requests.
type ForceRefresh struct {
	RepositoryID uuid.UUID `json:"repository_id"`
}

// Cleanup is the payload of SubjectCleanup requests. Exactly one of the
// ids is set.
type Cleanup struct {
	RepositoryID uuid.UUID `json:"repository_id,omitempty"`
	BundleID     uuid.UUID `json:"bundle_id,omitempty"`
}

// StatusRequest is the payload of SubjectStatusRequest requests.
type StatusRequest struct {
	RepositoryID uuid.UUID `json:"repository_id"`
}

// Reply is the generic acknowledgement for request subjects.
type Reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Agent RPC. Each cluster agent serves request/reply on
// "<AgentSubject>.live", "<AgentSubject>.apply" and "<AgentSubject>.delete".

// AgentLiveRequest asks an agent for the live state of a set of resources.
type AgentLiveRequest struct {
	Keys []fleet.ResourceKey `json:"keys"`
}

// AgentLiveResponse returns the live objects the agent found. Keys with no
// live object are simply absent.
type AgentLiveResponse struct {
	Objects []fleet.Manifest `json:"objects"`
	Error   string          `json:"error,omitempty"`
}

// AgentApplyRequest asks an agent to apply one manifest.
type AgentApplyRequest struct {
	Manifest fleet.Manifest `json:"manifest"`
}

// AgentDeleteRequest asks an agent to delete one resource.
type AgentDeleteRequest struct {
	Key fleet.ResourceKey `json:"key"`
}

package fleet

import (
	"time"

	"github.com/google/uuid"
)

// PathKind selects how a configured path is turned into manifests.
type PathKind string

const (
	// PathRaw consumes plain manifest files from the path.
	PathRaw PathKind = "raw"
	// PathOverlay delegates the path to the external overlay tool.
	PathOverlay PathKind = "overlay"
	// PathChart delegates the path to the external package deployment tool.
	PathChart PathKind = "chart"
)

// PathConfig describes one path inside a repository tree and how to render it.
type PathConfig struct {
	Path string   `json:"path"`
	Kind PathKind `json:"kind"`
	// OverlayDir is the overlay directory passed to the overlay tool.
	OverlayDir string `json:"overlay_dir,omitempty"`
	// Chart is the chart reference passed to the package tool.
	Chart string `json:"chart,omitempty"`
	// Values are value overrides passed to the package tool.
	Values map[string]string `json:"values,omitempty"`
}

// TargetSpec names a group of clusters a repository deploys to.
type TargetSpec struct {
	Name     string   `json:"name"`
	Selector Selector `json:"selector"`
}

// Selector matches clusters by labels. A cluster matches when every
// equality term and every expression is satisfied by its label set.
type Selector struct {
	MatchLabels      map[string]string     `json:"match_labels,omitempty"`
	MatchExpressions []SelectorRequirement `json:"match_expressions,omitempty"`
}

// SelectorOperator is the operator of a set-based selector requirement.
type SelectorOperator string

const (
	SelectorOpIn           SelectorOperator = "In"
	SelectorOpNotIn        SelectorOperator = "NotIn"
	SelectorOpExists       SelectorOperator = "Exists"
	SelectorOpDoesNotExist SelectorOperator = "DoesNotExist"
)

// SelectorRequirement is a single set-based term of a selector.
type SelectorRequirement struct {
	Key      string           `json:"key"`
	Operator SelectorOperator `json:"operator"`
	Values   []string         `json:"values,omitempty"`
}

// DeployOptions control how a bundle is rolled out to a cluster.
type DeployOptions struct {
	// SelfHeal re-applies the bundle when drift is detected. When false,
	// drift is only surfaced as a Modified condition.
	SelfHeal bool `json:"self_heal"`
	// Prune deletes resources that were applied by a previous bundle
	// version but are no longer in the manifest set.
	Prune bool `json:"prune"`
	// ApplyTimeout bounds a single apply cycle against one cluster.
	ApplyTimeout time.Duration `json:"apply_timeout"`
	// MaxAttempts bounds apply retries before the record stays in Error.
	MaxAttempts int `json:"max_attempts"`
}

// DefaultDeployOptions returns the options used when a repository does not
// configure any.
func DefaultDeployOptions() DeployOptions {
	return DeployOptions{
		SelfHeal:     false,
		Prune:        true,
		ApplyTimeout: 2 * time.Minute,
		MaxAttempts:  5,
	}
}

// RepositoryRef is the operator-supplied description of a watched
// repository plus the watcher-owned polling state.
type RepositoryRef struct {
	ID            uuid.UUID
	Name          string
	URL           string
	Branch        string
	Paths         []PathConfig
	Targets       []TargetSpec
	Options       DeployOptions
	CredentialRef string
	PollInterval  time.Duration

	// LastSeenCommit is the last commit the source watcher resolved for
	// this reference. Written only by the owning watcher; read by others
	// as a snapshot.
	LastSeenCommit string
	// ForceCounter is bumped by a forced refresh. The watcher treats a
	// bump like a new commit even when the hash is unchanged.
	ForceCounter int64

	Conditions []Condition

	// Version implements optimistic concurrency in the stores.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy.
func (r *RepositoryRef) Clone() *RepositoryRef {
	out := *r
	out.Paths = append([]PathConfig(nil), r.Paths...)
	out.Targets = make([]TargetSpec, len(r.Targets))
	for i, t := range r.Targets {
		out.Targets[i] = TargetSpec{Name: t.Name, Selector: t.Selector.Clone()}
	}
	out.Options = r.Options
	out.Conditions = append([]Condition(nil), r.Conditions...)
	return &out
}

// Clone returns a deep copy of the selector.
func (s Selector) Clone() Selector {
	out := Selector{}
	if s.MatchLabels != nil {
		out.MatchLabels = make(map[string]string, len(s.MatchLabels))
		for k, v := range s.MatchLabels {
			out.MatchLabels[k] = v
		}
	}
	for _, e := range s.MatchExpressions {
		e.Values = append([]string(nil), e.Values...)
		out.MatchExpressions = append(out.MatchExpressions, e)
	}
	return out
}

// Bundle is an immutable, content-addressed unit of rendered manifests plus
// targeting and rollout options. Two bundles with equal checksum are
// interchangeable.
type Bundle struct {
	ID           uuid.UUID
	RepositoryID uuid.UUID
	Commit       string
	Checksum     string
	Manifests    []Manifest
	Targets      []TargetSpec
	Options      DeployOptions

	Conditions []Condition
	CreatedAt  time.Time
}

// Clone returns a deep copy.
func (b *Bundle) Clone() *Bundle {
	out := *b
	out.Manifests = make([]Manifest, len(b.Manifests))
	for i, m := range b.Manifests {
		out.Manifests[i] = m.Clone()
	}
	out.Targets = make([]TargetSpec, len(b.Targets))
	for i, t := range b.Targets {
		out.Targets[i] = TargetSpec{Name: t.Name, Selector: t.Selector.Clone()}
	}
	out.Conditions = append([]Condition(nil), b.Conditions...)
	return &out
}

// ClusterHealth is the coarse health of a registered cluster.
type ClusterHealth string

const (
	ClusterHealthy     ClusterHealth = "healthy"
	ClusterDegraded    ClusterHealth = "degraded"
	ClusterUnreachable ClusterHealth = "unreachable"
)

// Cluster is a registered target cluster. Labels are the only input to
// target matching; there is no implicit membership.
type Cluster struct {
	ID     uuid.UUID
	Name   string
	Labels map[string]string
	// AgentSubject is the NATS subject prefix the cluster's agent serves.
	AgentSubject string

	Health        ClusterHealth
	LastHeartbeat time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy.
func (c *Cluster) Clone() *Cluster {
	out := *c
	if c.Labels != nil {
		out.Labels = make(map[string]string, len(c.Labels))
		for k, v := range c.Labels {
			out.Labels[k] = v
		}
	}
	return &out
}

// DeploymentState is the reconciliation state of one (bundle, cluster) pair.
type DeploymentState string

const (
	DeploymentPending  DeploymentState = "pending"
	DeploymentApplying DeploymentState = "applying"
	DeploymentReady    DeploymentState = "ready"
	DeploymentModified DeploymentState = "modified"
	DeploymentError    DeploymentState = "error"
)

// ResourceState is the per-resource outcome within a deployment.
type ResourceState string

const (
	ResourceReady    ResourceState = "ready"
	ResourcePending  ResourceState = "pending"
	ResourceModified ResourceState = "modified"
	ResourceFailed   ResourceState = "failed"
	ResourceOrphaned ResourceState = "orphaned"
)

// ResourceStatus records the last outcome for one resource of a deployment.
type ResourceStatus struct {
	Key     ResourceKey   `json:"key"`
	State   ResourceState `json:"state"`
	Message string        `json:"message,omitempty"`
}

// DeploymentRecord tracks the reconciliation of one bundle checksum against
// one cluster. It is owned exclusively by that pair's reconcile worker; a
// superseding checksum creates a new record instead of mutating this one.
type DeploymentRecord struct {
	ID           uuid.UUID
	RepositoryID uuid.UUID
	BundleID     uuid.UUID
	Checksum     string
	ClusterID    uuid.UUID

	State    DeploymentState
	Attempts int
	// Deferrals counts consecutive cycles deferred because the cluster was
	// unreachable. Unlike Attempts it resets as soon as contact succeeds.
	Deferrals int
	// NextRetry gates the next cycle after an ApplyError or a deferral.
	NextRetry time.Time
	// LastDriftCheck is when drift detection last ran for this record.
	LastDriftCheck time.Time

	// AppliedChecksum is the checksum of the last successfully applied
	// bundle content.
	AppliedChecksum string
	// Inventory is the set of resources last applied to the cluster, the
	// basis for prune computation.
	Inventory []ResourceKey

	ResourceStatuses []ResourceStatus
	Conditions       []Condition

	// Superseded marks a record replaced by a newer checksum. Superseded
	// records are kept until their resources have been handed over.
	Superseded bool

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy.
func (d *DeploymentRecord) Clone() *DeploymentRecord {
	out := *d
	out.Inventory = append([]ResourceKey(nil), d.Inventory...)
	out.ResourceStatuses = append([]ResourceStatus(nil), d.ResourceStatuses...)
	out.Conditions = append([]Condition(nil), d.Conditions...)
	return &out
}

// Live reports whether this record is the active one for its pair.
func (d *DeploymentRecord) Live() bool {
	return !d.Superseded
}

// NewID returns a time-ordered unique id.
func NewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

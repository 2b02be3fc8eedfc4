// Package store defines the persistence contracts for the fleet entities.
// All stores are safe for concurrent readers; writes are serialized per key
// through optimistic versioning: an update whose Version does not match the
// stored record fails with ErrConflict, and a successful write bumps the
// version.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/gitfleet/gitfleet/internal/fleet"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("version conflict")
	ErrExists   = errors.New("already exists")
)

// RepositoryStore persists repository references.
type RepositoryStore interface {
	Create(ctx context.Context, ref *fleet.RepositoryRef) error
	Get(ctx context.Context, id uuid.UUID) (*fleet.RepositoryRef, error)
	List(ctx context.Context) ([]*fleet.RepositoryRef, error)
	Update(ctx context.Context, ref *fleet.RepositoryRef) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// ClusterStore persists registered target clusters.
type ClusterStore interface {
	Create(ctx context.Context, c *fleet.Cluster) error
	Get(ctx context.Context, id uuid.UUID) (*fleet.Cluster, error)
	List(ctx context.Context) ([]*fleet.Cluster, error)
	Update(ctx context.Context, c *fleet.Cluster) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// BundleStore persists immutable bundles. Bundles are never updated, only
// created and garbage-collected.
type BundleStore interface {
	Create(ctx context.Context, b *fleet.Bundle) error
	Get(ctx context.Context, id uuid.UUID) (*fleet.Bundle, error)
	GetByChecksum(ctx context.Context, repositoryID uuid.UUID, checksum string) (*fleet.Bundle, error)
	ListByRepository(ctx context.Context, repositoryID uuid.UUID) ([]*fleet.Bundle, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// DeploymentStore persists deployment records.
type DeploymentStore interface {
	Create(ctx context.Context, d *fleet.DeploymentRecord) error
	Get(ctx context.Context, id uuid.UUID) (*fleet.DeploymentRecord, error)
	List(ctx context.Context) ([]*fleet.DeploymentRecord, error)
	ListByBundle(ctx context.Context, bundleID uuid.UUID) ([]*fleet.DeploymentRecord, error)
	ListByCluster(ctx context.Context, clusterID uuid.UUID) ([]*fleet.DeploymentRecord, error)
	ListByRepository(ctx context.Context, repositoryID uuid.UUID) ([]*fleet.DeploymentRecord, error)
	// GetLive returns the non-superseded record for the repository/cluster
	// pair, or ErrNotFound.
	GetLive(ctx context.Context, repositoryID, clusterID uuid.UUID) (*fleet.DeploymentRecord, error)
	Update(ctx context.Context, d *fleet.DeploymentRecord) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// Stores bundles the per-entity stores a service needs.
type Stores struct {
	Repositories RepositoryStore
	Clusters     ClusterStore
	Bundles      BundleStore
	Deployments  DeploymentStore
}

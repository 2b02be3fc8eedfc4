// Package memory is the in-process store implementation, used by tests and
// single-node runs. Records are deep-copied on the way in and out so
// callers never share memory with the store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gitfleet/gitfleet/internal/fleet"
	"github.com/gitfleet/gitfleet/internal/store"
)

// New returns a Stores backed by in-process maps.
func New() store.Stores {
	return store.Stores{
		Repositories: &repositoryStore{items: map[uuid.UUID]*fleet.RepositoryRef{}},
		Clusters:     &clusterStore{items: map[uuid.UUID]*fleet.Cluster{}},
		Bundles:      &bundleStore{items: map[uuid.UUID]*fleet.Bundle{}},
		Deployments:  &deploymentStore{items: map[uuid.UUID]*fleet.DeploymentRecord{}},
	}
}

type repositoryStore struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*fleet.RepositoryRef
}

func (s *repositoryStore) Create(_ context.Context, ref *fleet.RepositoryRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[ref.ID]; ok {
		return fmt.Errorf("repository %s: %w", ref.ID, store.ErrExists)
	}
	now := time.Now()
	ref.Version = 1
	ref.CreatedAt = now
	ref.UpdatedAt = now
	s.items[ref.ID] = ref.Clone()
	return nil
}

func (s *repositoryStore) Get(_ context.Context, id uuid.UUID) (*fleet.RepositoryRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("repository %s: %w", id, store.ErrNotFound)
	}
	return ref.Clone(), nil
}

func (s *repositoryStore) List(_ context.Context) ([]*fleet.RepositoryRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*fleet.RepositoryRef, 0, len(s.items))
	for _, ref := range s.items {
		out = append(out, ref.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *repositoryStore) Update(_ context.Context, ref *fleet.RepositoryRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.items[ref.ID]
	if !ok {
		return fmt.Errorf("repository %s: %w", ref.ID, store.ErrNotFound)
	}
	if current.Version != ref.Version {
		return fmt.Errorf("repository %s: %w", ref.ID, store.ErrConflict)
	}
	ref.Version++
	ref.UpdatedAt = time.Now()
	s.items[ref.ID] = ref.Clone()
	return nil
}

func (s *repositoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return fmt.Errorf("repository %s: %w", id, store.ErrNotFound)
	}
	delete(s.items, id)
	return nil
}

type clusterStore struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*fleet.Cluster
}

func (s *clusterStore) Create(_ context.Context, c *fleet.Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[c.ID]; ok {
		return fmt.Errorf("cluster %s: %w", c.ID, store.ErrExists)
	}
	now := time.Now()
	c.Version = 1
	c.CreatedAt = now
	c.UpdatedAt = now
	s.items[c.ID] = c.Clone()
	return nil
}

func (s *clusterStore) Get(_ context.Context, id uuid.UUID) (*fleet.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("cluster %s: %w", id, store.ErrNotFound)
	}
	return c.Clone(), nil
}

func (s *clusterStore) List(_ context.Context) ([]*fleet.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*fleet.Cluster, 0, len(s.items))
	for _, c := range s.items {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *clusterStore) Update(_ context.Context, c *fleet.Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.items[c.ID]
	if !ok {
		return fmt.Errorf("cluster %s: %w", c.ID, store.ErrNotFound)
	}
	if current.Version != c.Version {
		return fmt.Errorf("cluster %s: %w", c.ID, store.ErrConflict)
	}
	c.Version++
	c.UpdatedAt = time.Now()
	s.items[c.ID] = c.Clone()
	return nil
}

func (s *clusterStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return fmt.Errorf("cluster %s: %w", id, store.ErrNotFound)
	}
	delete(s.items, id)
	return nil
}

type bundleStore struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*fleet.Bundle
}

func (s *bundleStore) Create(_ context.Context, b *fleet.Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[b.ID]; ok {
		return fmt.Errorf("bundle %s: %w", b.ID, store.ErrExists)
	}
	b.CreatedAt = time.Now()
	s.items[b.ID] = b.Clone()
	return nil
}

func (s *bundleStore) Get(_ context.Context, id uuid.UUID) (*fleet.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("bundle %s: %w", id, store.ErrNotFound)
	}
	return b.Clone(), nil
}

func (s *bundleStore) GetByChecksum(_ context.Context, repositoryID uuid.UUID, checksum string) (*fleet.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.items {
		if b.RepositoryID == repositoryID && b.Checksum == checksum {
			return b.Clone(), nil
		}
	}
	return nil, fmt.Errorf("bundle %s/%s: %w", repositoryID, checksum, store.ErrNotFound)
}

func (s *bundleStore) ListByRepository(_ context.Context, repositoryID uuid.UUID) ([]*fleet.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*fleet.Bundle
	for _, b := range s.items {
		if b.RepositoryID == repositoryID {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *bundleStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return fmt.Errorf("bundle %s: %w", id, store.ErrNotFound)
	}
	delete(s.items, id)
	return nil
}

type deploymentStore struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*fleet.DeploymentRecord
}

func (s *deploymentStore) Create(_ context.Context, d *fleet.DeploymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[d.ID]; ok {
		return fmt.Errorf("deployment %s: %w", d.ID, store.ErrExists)
	}
	now := time.Now()
	d.Version = 1
	d.CreatedAt = now
	d.UpdatedAt = now
	s.items[d.ID] = d.Clone()
	return nil
}

func (s *deploymentStore) Get(_ context.Context, id uuid.UUID) (*fleet.DeploymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("deployment %s: %w", id, store.ErrNotFound)
	}
	return d.Clone(), nil
}

func (s *deploymentStore) List(_ context.Context) ([]*fleet.DeploymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*fleet.DeploymentRecord, 0, len(s.items))
	for _, d := range s.items {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *deploymentStore) ListByBundle(_ context.Context, bundleID uuid.UUID) ([]*fleet.DeploymentRecord, error) {
	return s.listWhere(func(d *fleet.DeploymentRecord) bool { return d.BundleID == bundleID })
}

func (s *deploymentStore) ListByCluster(_ context.Context, clusterID uuid.UUID) ([]*fleet.DeploymentRecord, error) {
	return s.listWhere(func(d *fleet.DeploymentRecord) bool { return d.ClusterID == clusterID })
}

func (s *deploymentStore) ListByRepository(_ context.Context, repositoryID uuid.UUID) ([]*fleet.DeploymentRecord, error) {
	return s.listWhere(func(d *fleet.DeploymentRecord) bool { return d.RepositoryID == repositoryID })
}

func (s *deploymentStore) listWhere(match func(*fleet.DeploymentRecord) bool) ([]*fleet.DeploymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*fleet.DeploymentRecord
	for _, d := range s.items {
		if match(d) {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *deploymentStore) GetLive(_ context.Context, repositoryID, clusterID uuid.UUID) (*fleet.DeploymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.items {
		if d.RepositoryID == repositoryID && d.ClusterID == clusterID && !d.Superseded {
			return d.Clone(), nil
		}
	}
	return nil, fmt.Errorf("live deployment %s/%s: %w", repositoryID, clusterID, store.ErrNotFound)
}

func (s *deploymentStore) Update(_ context.Context, d *fleet.DeploymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.items[d.ID]
	if !ok {
		return fmt.Errorf("deployment %s: %w", d.ID, store.ErrNotFound)
	}
	if current.Version != d.Version {
		return fmt.Errorf("deployment %s: %w", d.ID, store.ErrConflict)
	}
	d.Version++
	d.UpdatedAt = time.Now()
	s.items[d.ID] = d.Clone()
	return nil
}

func (s *deploymentStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return fmt.Errorf("deployment %s: %w", id, store.ErrNotFound)
	}
	delete(s.items, id)
	return nil
}

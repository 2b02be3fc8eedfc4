// Package postgres is the durable store implementation on pgx. Optimistic
// versioning is enforced in SQL: updates carry the expected version in the
// WHERE clause and bump it, so a stale writer affects zero rows and gets
// ErrConflict.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gitfleet/gitfleet/internal/fleet"
	"github.com/gitfleet/gitfleet/internal/store"
)

//go:embed schema.sql
var schema string

// DB wraps the connection pool and exposes the fleet stores.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a connection pool, verifies connectivity and ensures the
// schema exists.
func New(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// Stores returns the store set backed by this database.
func (db *DB) Stores() store.Stores {
	return store.Stores{
		Repositories: &repositoryStore{pool: db.Pool},
		Clusters:     &clusterStore{pool: db.Pool},
		Bundles:      &bundleStore{pool: db.Pool},
		Deployments:  &deploymentStore{pool: db.Pool},
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Only reachable with unserializable values, which the fleet
		// types never contain.
		panic(fmt.Sprintf("marshal store column: %v", err))
	}
	return data
}

func fromJSON[T any](data []byte, out *T) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

type repositoryStore struct {
	pool *pgxpool.Pool
}

const repositoryColumns = `id, name, url, branch, credential_ref, poll_interval_ms, last_seen_commit,
	force_counter, paths, targets, options, conditions, version, created_at, updated_at`

func scanRepository(row pgx.Row) (*fleet.RepositoryRef, error) {
	var (
		ref                                 fleet.RepositoryRef
		pollIntervalMS                      int64
		paths, targets, options, conditions []byte
	)
	err := row.Scan(&ref.ID, &ref.Name, &ref.URL, &ref.Branch, &ref.CredentialRef, &pollIntervalMS,
		&ref.LastSeenCommit, &ref.ForceCounter, &paths, &targets, &options, &conditions,
		&ref.Version, &ref.CreatedAt, &ref.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ref.PollInterval = time.Duration(pollIntervalMS) * time.Millisecond
	if err := fromJSON(paths, &ref.Paths); err != nil {
		return nil, err
	}
	if err := fromJSON(targets, &ref.Targets); err != nil {
		return nil, err
	}
	if err := fromJSON(options, &ref.Options); err != nil {
		return nil, err
	}
	if err := fromJSON(conditions, &ref.Conditions); err != nil {
		return nil, err
	}
	return &ref, nil
}

func (s *repositoryStore) Create(ctx context.Context, ref *fleet.RepositoryRef) error {
	now := time.Now()
	ref.Version = 1
	ref.CreatedAt = now
	ref.UpdatedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO repositories (id, name, url, branch, credential_ref, poll_interval_ms,
			last_seen_commit, force_counter, paths, targets, options, conditions, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		ref.ID, ref.Name, ref.URL, ref.Branch, ref.CredentialRef, ref.PollInterval.Milliseconds(),
		ref.LastSeenCommit, ref.ForceCounter, mustJSON(ref.Paths), mustJSON(ref.Targets),
		mustJSON(ref.Options), mustJSON(ref.Conditions), ref.Version, ref.CreatedAt, ref.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert repository: %w", err)
	}
	return nil
}

func (s *repositoryStore) Get(ctx context.Context, id uuid.UUID) (*fleet.RepositoryRef, error) {
	ref, err := scanRepository(s.pool.QueryRow(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("repository %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get repository: %w", err)
	}
	return ref, nil
}

func (s *repositoryStore) List(ctx context.Context) ([]*fleet.RepositoryRef, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+repositoryColumns+` FROM repositories ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()
	var out []*fleet.RepositoryRef
	for rows.Next() {
		ref, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (s *repositoryStore) Update(ctx context.Context, ref *fleet.RepositoryRef) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE repositories SET name = $2, url = $3, branch = $4, credential_ref = $5,
			poll_interval_ms = $6, last_seen_commit = $7, force_counter = $8, paths = $9,
			targets = $10, options = $11, conditions = $12, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $13`,
		ref.ID, ref.Name, ref.URL, ref.Branch, ref.CredentialRef, ref.PollInterval.Milliseconds(),
		ref.LastSeenCommit, ref.ForceCounter, mustJSON(ref.Paths), mustJSON(ref.Targets),
		mustJSON(ref.Options), mustJSON(ref.Conditions), ref.Version)
	if err != nil {
		return fmt.Errorf("update repository: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("repository %s: %w", ref.ID, store.ErrConflict)
	}
	ref.Version++
	return nil
}

func (s *repositoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM repositories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete repository: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("repository %s: %w", id, store.ErrNotFound)
	}
	return nil
}

type clusterStore struct {
	pool *pgxpool.Pool
}

const clusterColumns = `id, name, labels, agent_subject, health, last_heartbeat, version, created_at, updated_at`

func scanCluster(row pgx.Row) (*fleet.Cluster, error) {
	var (
		c         fleet.Cluster
		labels    []byte
		heartbeat *time.Time
	)
	err := row.Scan(&c.ID, &c.Name, &labels, &c.AgentSubject, &c.Health, &heartbeat,
		&c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if heartbeat != nil {
		c.LastHeartbeat = *heartbeat
	}
	if err := fromJSON(labels, &c.Labels); err != nil {
		return nil, err
	}
	return &c, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *clusterStore) Create(ctx context.Context, c *fleet.Cluster) error {
	now := time.Now()
	c.Version = 1
	c.CreatedAt = now
	c.UpdatedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO clusters (id, name, labels, agent_subject, health, last_heartbeat, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.Name, mustJSON(c.Labels), c.AgentSubject, c.Health, nullableTime(c.LastHeartbeat),
		c.Version, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert cluster: %w", err)
	}
	return nil
}

func (s *clusterStore) Get(ctx context.Context, id uuid.UUID) (*fleet.Cluster, error) {
	c, err := scanCluster(s.pool.QueryRow(ctx,
		`SELECT `+clusterColumns+` FROM clusters WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("cluster %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get cluster: %w", err)
	}
	return c, nil
}

func (s *clusterStore) List(ctx context.Context) ([]*fleet.Cluster, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+clusterColumns+` FROM clusters ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer rows.Close()
	var out []*fleet.Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *clusterStore) Update(ctx context.Context, c *fleet.Cluster) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE clusters SET name = $2, labels = $3, agent_subject = $4, health = $5,
			last_heartbeat = $6, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $7`,
		c.ID, c.Name, mustJSON(c.Labels), c.AgentSubject, c.Health, nullableTime(c.LastHeartbeat), c.Version)
	if err != nil {
		return fmt.Errorf("update cluster: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("cluster %s: %w", c.ID, store.ErrConflict)
	}
	c.Version++
	return nil
}

func (s *clusterStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM clusters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete cluster: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("cluster %s: %w", id, store.ErrNotFound)
	}
	return nil
}

type bundleStore struct {
	pool *pgxpool.Pool
}

const bundleColumns = `id, repository_id, commit_hash, checksum, manifests, targets, options, conditions, created_at`

func scanBundle(row pgx.Row) (*fleet.Bundle, error) {
	var (
		b                                       fleet.Bundle
		manifests, targets, options, conditions []byte
	)
	err := row.Scan(&b.ID, &b.RepositoryID, &b.Commit, &b.Checksum, &manifests, &targets,
		&options, &conditions, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := fromJSON(manifests, &b.Manifests); err != nil {
		return nil, err
	}
	if err := fromJSON(targets, &b.Targets); err != nil {
		return nil, err
	}
	if err := fromJSON(options, &b.Options); err != nil {
		return nil, err
	}
	if err := fromJSON(conditions, &b.Conditions); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *bundleStore) Create(ctx context.Context, b *fleet.Bundle) error {
	b.CreatedAt = time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bundles (id, repository_id, commit_hash, checksum, manifests, targets, options, conditions, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.RepositoryID, b.Commit, b.Checksum, mustJSON(b.Manifests), mustJSON(b.Targets),
		mustJSON(b.Options), mustJSON(b.Conditions), b.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert bundle: %w", err)
	}
	return nil
}

func (s *bundleStore) Get(ctx context.Context, id uuid.UUID) (*fleet.Bundle, error) {
	b, err := scanBundle(s.pool.QueryRow(ctx, `SELECT `+bundleColumns+` FROM bundles WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("bundle %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get bundle: %w", err)
	}
	return b, nil
}

func (s *bundleStore) GetByChecksum(ctx context.Context, repositoryID uuid.UUID, checksum string) (*fleet.Bundle, error) {
	b, err := scanBundle(s.pool.QueryRow(ctx,
		`SELECT `+bundleColumns+` FROM bundles WHERE repository_id = $1 AND checksum = $2`, repositoryID, checksum))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("bundle %s/%s: %w", repositoryID, checksum, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get bundle by checksum: %w", err)
	}
	return b, nil
}

func (s *bundleStore) ListByRepository(ctx context.Context, repositoryID uuid.UUID) ([]*fleet.Bundle, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+bundleColumns+` FROM bundles WHERE repository_id = $1 ORDER BY created_at`, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("list bundles: %w", err)
	}
	defer rows.Close()
	var out []*fleet.Bundle
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bundle: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *bundleStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM bundles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete bundle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bundle %s: %w", id, store.ErrNotFound)
	}
	return nil
}

type deploymentStore struct {
	pool *pgxpool.Pool
}

const deploymentColumns = `id, repository_id, bundle_id, checksum, cluster_id, state, attempts, deferrals,
	next_retry, last_drift_check, applied_checksum, inventory, resource_statuses, conditions,
	superseded, version, created_at, updated_at`

func scanDeployment(row pgx.Row) (*fleet.DeploymentRecord, error) {
	var (
		d                               fleet.DeploymentRecord
		nextRetry, lastDrift            *time.Time
		inventory, statuses, conditions []byte
	)
	err := row.Scan(&d.ID, &d.RepositoryID, &d.BundleID, &d.Checksum, &d.ClusterID, &d.State,
		&d.Attempts, &d.Deferrals, &nextRetry, &lastDrift, &d.AppliedChecksum, &inventory, &statuses,
		&conditions, &d.Superseded, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if nextRetry != nil {
		d.NextRetry = *nextRetry
	}
	if lastDrift != nil {
		d.LastDriftCheck = *lastDrift
	}
	if err := fromJSON(inventory, &d.Inventory); err != nil {
		return nil, err
	}
	if err := fromJSON(statuses, &d.ResourceStatuses); err != nil {
		return nil, err
	}
	if err := fromJSON(conditions, &d.Conditions); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *deploymentStore) Create(ctx context.Context, d *fleet.DeploymentRecord) error {
	now := time.Now()
	d.Version = 1
	d.CreatedAt = now
	d.UpdatedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deployments (id, repository_id, bundle_id, checksum, cluster_id, state, attempts, deferrals,
			next_retry, last_drift_check, applied_checksum, inventory, resource_statuses, conditions,
			superseded, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		d.ID, d.RepositoryID, d.BundleID, d.Checksum, d.ClusterID, d.State, d.Attempts, d.Deferrals,
		nullableTime(d.NextRetry), nullableTime(d.LastDriftCheck), d.AppliedChecksum,
		mustJSON(d.Inventory), mustJSON(d.ResourceStatuses), mustJSON(d.Conditions),
		d.Superseded, d.Version, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert deployment: %w", err)
	}
	return nil
}

func (s *deploymentStore) Get(ctx context.Context, id uuid.UUID) (*fleet.DeploymentRecord, error) {
	d, err := scanDeployment(s.pool.QueryRow(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("deployment %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment: %w", err)
	}
	return d, nil
}

func (s *deploymentStore) List(ctx context.Context) ([]*fleet.DeploymentRecord, error) {
	return s.query(ctx, `SELECT `+deploymentColumns+` FROM deployments ORDER BY created_at`)
}

func (s *deploymentStore) ListByBundle(ctx context.Context, bundleID uuid.UUID) ([]*fleet.DeploymentRecord, error) {
	return s.query(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE bundle_id = $1 ORDER BY created_at`, bundleID)
}

func (s *deploymentStore) ListByCluster(ctx context.Context, clusterID uuid.UUID) ([]*fleet.DeploymentRecord, error) {
	return s.query(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE cluster_id = $1 ORDER BY created_at`, clusterID)
}

func (s *deploymentStore) ListByRepository(ctx context.Context, repositoryID uuid.UUID) ([]*fleet.DeploymentRecord, error) {
	return s.query(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE repository_id = $1 ORDER BY created_at`, repositoryID)
}

func (s *deploymentStore) query(ctx context.Context, sql string, args ...any) ([]*fleet.DeploymentRecord, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()
	var out []*fleet.DeploymentRecord
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *deploymentStore) GetLive(ctx context.Context, repositoryID, clusterID uuid.UUID) (*fleet.DeploymentRecord, error) {
	d, err := scanDeployment(s.pool.QueryRow(ctx,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE repository_id = $1 AND cluster_id = $2 AND NOT superseded`, repositoryID, clusterID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("live deployment %s/%s: %w", repositoryID, clusterID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get live deployment: %w", err)
	}
	return d, nil
}

func (s *deploymentStore) Update(ctx context.Context, d *fleet.DeploymentRecord) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE deployments SET state = $2, attempts = $3, deferrals = $4, next_retry = $5, last_drift_check = $6,
			applied_checksum = $7, inventory = $8, resource_statuses = $9, conditions = $10,
			superseded = $11, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $12`,
		d.ID, d.State, d.Attempts, d.Deferrals, nullableTime(d.NextRetry), nullableTime(d.LastDriftCheck),
		d.AppliedChecksum, mustJSON(d.Inventory), mustJSON(d.ResourceStatuses), mustJSON(d.Conditions),
		d.Superseded, d.Version)
	if err != nil {
		return fmt.Errorf("update deployment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deployment %s: %w", d.ID, store.ErrConflict)
	}
	d.Version++
	return nil
}

func (s *deploymentStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM deployments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete deployment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deployment %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// Package controller glues the pipeline together: it turns detected
// commits into bundles, matches them to clusters, owns the deployment
// records and serves the operator-facing request surface.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"

	"github.com/gitfleet/gitfleet/internal/bundle"
	"github.com/gitfleet/gitfleet/internal/events"
	"github.com/gitfleet/gitfleet/internal/fleet"
	"github.com/gitfleet/gitfleet/internal/matcher"
	"github.com/gitfleet/gitfleet/internal/resolver"
	"github.com/gitfleet/gitfleet/internal/shared/config"
	"github.com/gitfleet/gitfleet/internal/shared/nats"
	"github.com/gitfleet/gitfleet/internal/status"
	"github.com/gitfleet/gitfleet/internal/store"
	"github.com/gitfleet/gitfleet/internal/store/postgres"
)

// bundleGCGrace protects just-built bundles from the collector until their
// deployment records exist.
const bundleGCGrace = 10 * time.Minute

// manifestResolver is the slice of the resolver the controller needs.
type manifestResolver interface {
	Resolve(ctx context.Context, treePath string, paths []fleet.PathConfig) ([]fleet.Manifest, error)
}

// publisher is the slice of the NATS client the controller needs.
type publisher interface {
	Publish(subject string, data []byte) error
}

// Service is the pipeline controller.
type Service struct {
	logger   *slog.Logger
	config   *config.ControllerConfig
	stores   store.Stores
	resolver manifestResolver
	nats     publisher

	natsClient *nats.Client
	db         *postgres.DB
}

// NewService creates a new controller service
func NewService(cfg *config.ControllerConfig, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	natsClient, err := nats.NewClient(cfg.NATS, "controller")
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS client: %w", err)
	}

	db, err := postgres.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		natsClient.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	runner := resolver.NewExecRunner(cfg.OverlayTool, cfg.ChartTool, logger)
	s := newService(cfg, logger, db.Stores(), resolver.New(runner, logger), natsClient)
	s.natsClient = natsClient
	s.db = db
	return s, nil
}

// newService wires a controller from its parts, for tests.
func newService(cfg *config.ControllerConfig, logger *slog.Logger, stores store.Stores, res manifestResolver, pub publisher) *Service {
	return &Service{
		logger:   logger,
		config:   cfg,
		stores:   stores,
		resolver: res,
		nats:     pub,
	}
}

// Start runs the controller until the context is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting controller service")

	nc := s.natsClient.WithContext(ctx)
	if _, err := nc.QueueSubscribe(events.SubjectCommitDetected, "controllers", func(msg *natsgo.Msg) {
		var event events.CommitDetected
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			s.logger.Error("Failed to decode commit event", "error", err)
			return
		}
		if err := s.handleCommit(ctx, event); err != nil {
			s.logger.Error("Failed to process commit",
				"repository_id", event.RepositoryID, "commit", event.Commit, "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to subscribe to commit events: %w", err)
	}

	if _, err := nc.Subscribe(events.SubjectClusterRegister, func(msg *natsgo.Msg) {
		s.handleRegister(ctx, msg.Data)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to register events: %w", err)
	}
	if _, err := nc.Subscribe(events.SubjectClusterHeartbeat, func(msg *natsgo.Msg) {
		s.handleHeartbeat(ctx, msg.Data)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to heartbeat events: %w", err)
	}

	if _, err := nc.QueueSubscribe(events.SubjectStatusRequest, "controllers", func(msg *natsgo.Msg) {
		s.handleStatusRequest(ctx, msg)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to status requests: %w", err)
	}
	if _, err := nc.QueueSubscribe(events.SubjectForceRefresh, "controllers", func(msg *natsgo.Msg) {
		s.handleForceRefresh(ctx, msg)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to refresh requests: %w", err)
	}
	if _, err := nc.QueueSubscribe(events.SubjectCleanup, "controllers", func(msg *natsgo.Msg) {
		s.handleCleanup(ctx, msg)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to cleanup requests: %w", err)
	}

	ticker := time.NewTicker(s.config.ResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.resync(ctx)
		}
	}
}

// Stop releases the service's external connections.
func (s *Service) Stop() {
	if s.natsClient != nil {
		s.natsClient.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
}

// handleCommit runs the resolve, build and match pipeline for one commit
// and creates the deployment records that drive the deployers.
func (s *Service) handleCommit(ctx context.Context, event events.CommitDetected) error {
	repo, err := s.stores.Repositories.Get(ctx, event.RepositoryID)
	if err != nil {
		return fmt.Errorf("failed to load repository: %w", err)
	}

	renderCtx, cancel := context.WithTimeout(ctx, s.config.RenderTimeout)
	defer cancel()

	manifests, err := s.resolver.Resolve(renderCtx, event.TreePath, repo.Paths)
	if err != nil {
		s.setRepoCondition(ctx, repo.ID, fleet.Condition{
			Type: fleet.ConditionReady, Status: fleet.ConditionFalse,
			Reason: "ResolveFailed", Message: err.Error(),
		})
		return fmt.Errorf("failed to resolve manifests: %w", err)
	}

	b, err := bundle.Build(bundle.BuildInput{
		RepositoryID: repo.ID,
		Commit:       event.Commit,
		Manifests:    manifests,
		Targets:      repo.Targets,
		Options:      repo.Options,
	})
	if err != nil {
		s.setRepoCondition(ctx, repo.ID, fleet.Condition{
			Type: fleet.ConditionReady, Status: fleet.ConditionFalse,
			Reason: "BuildFailed", Message: err.Error(),
		})
		return fmt.Errorf("failed to build bundle: %w", err)
	}

	// An unchanged checksum is a no-op unless the refresh was forced.
	existing, err := s.stores.Bundles.GetByChecksum(ctx, repo.ID, b.Checksum)
	switch {
	case err == nil && !event.Forced:
		s.logger.Info("Bundle unchanged", "repository_id", repo.ID, "checksum", b.Checksum)
		return nil
	case err == nil:
		b = existing
	case errors.Is(err, store.ErrNotFound):
		if err := s.stores.Bundles.Create(ctx, b); err != nil {
			return fmt.Errorf("failed to store bundle: %w", err)
		}
	default:
		return fmt.Errorf("failed to look up bundle: %w", err)
	}

	clusterIDs, _, err := s.rollout(ctx, repo, b, event.Forced)
	if err != nil {
		return err
	}

	s.setRepoCondition(ctx, repo.ID, fleet.Condition{
		Type: fleet.ConditionImported, Status: fleet.ConditionTrue,
	})

	if err := s.publishBundleCreated(b, clusterIDs); err != nil {
		return err
	}

	s.logger.Info("Bundle created",
		"repository_id", repo.ID, "bundle_id", b.ID,
		"checksum", b.Checksum, "clusters", len(clusterIDs))
	return nil
}

func (s *Service) publishBundleCreated(b *fleet.Bundle, clusterIDs []uuid.UUID) error {
	data, err := json.Marshal(events.BundleCreated{
		BundleID:     b.ID,
		RepositoryID: b.RepositoryID,
		Checksum:     b.Checksum,
		ClusterIDs:   clusterIDs,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal bundle event: %w", err)
	}
	if err := s.nats.Publish(events.SubjectBundleCreated, data); err != nil {
		return fmt.Errorf("failed to publish bundle event: %w", err)
	}
	return nil
}

// rollout creates pending deployment records on every matched cluster,
// superseding live records whose checksum differs. The old record's
// inventory carries over so the new cycle can prune leftovers. It is
// idempotent: clusters already on the bundle's checksum are skipped, so
// both the commit pipeline and rematch can call it.
func (s *Service) rollout(ctx context.Context, repo *fleet.RepositoryRef, b *fleet.Bundle, forced bool) ([]uuid.UUID, int, error) {
	clusters, err := s.stores.Clusters.List(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list clusters: %w", err)
	}
	matched := matcher.Match(b, clusters)

	var clusterIDs []uuid.UUID
	created := 0
	for _, cluster := range matched {
		live, err := s.stores.Deployments.GetLive(ctx, repo.ID, cluster.ID)
		var inventory []fleet.ResourceKey
		switch {
		case err == nil && live.Checksum == b.Checksum && !forced:
			clusterIDs = append(clusterIDs, cluster.ID)
			continue
		case err == nil:
			live.Superseded = true
			if uerr := s.stores.Deployments.Update(ctx, live); uerr != nil {
				s.logger.Warn("Failed to supersede record",
					"deployment_id", live.ID, "error", uerr)
				continue
			}
			inventory = live.Inventory
		case !errors.Is(err, store.ErrNotFound):
			return nil, created, fmt.Errorf("failed to look up live deployment: %w", err)
		}

		rec := &fleet.DeploymentRecord{
			ID:           fleet.NewID(),
			RepositoryID: repo.ID,
			BundleID:     b.ID,
			Checksum:     b.Checksum,
			ClusterID:    cluster.ID,
			State:        fleet.DeploymentPending,
			Inventory:    inventory,
		}
		if err := s.stores.Deployments.Create(ctx, rec); err != nil {
			return nil, created, fmt.Errorf("failed to create deployment record: %w", err)
		}
		created++
		clusterIDs = append(clusterIDs, cluster.ID)
	}
	return clusterIDs, created, nil
}

// rematch re-runs target matching for every repository's newest bundle.
// Matching depends on the cluster set as much as on the bundle, so a
// cluster that registered or changed labels after the last commit still
// gets its deployment records here instead of waiting for the next commit.
func (s *Service) rematch(ctx context.Context) {
	repos, err := s.stores.Repositories.List(ctx)
	if err != nil {
		s.logger.Error("Failed to list repositories", "error", err)
		return
	}
	for _, repo := range repos {
		b, ok := s.latestBundle(ctx, repo.ID)
		if !ok {
			continue
		}
		clusterIDs, created, err := s.rollout(ctx, repo, b, false)
		if err != nil {
			s.logger.Warn("Failed to rematch repository", "repository_id", repo.ID, "error", err)
			continue
		}
		if created == 0 {
			continue
		}
		if err := s.publishBundleCreated(b, clusterIDs); err != nil {
			s.logger.Warn("Failed to publish rematch event", "repository_id", repo.ID, "error", err)
			continue
		}
		s.logger.Info("Rematched bundle to clusters",
			"repository_id", repo.ID, "bundle_id", b.ID, "new_records", created)
	}
}

// latestBundle returns the newest bundle of a repository, the one rematch
// and the collector treat as live.
func (s *Service) latestBundle(ctx context.Context, repositoryID uuid.UUID) (*fleet.Bundle, bool) {
	bundles, err := s.stores.Bundles.ListByRepository(ctx, repositoryID)
	if err != nil || len(bundles) == 0 {
		return nil, false
	}
	latest := bundles[0]
	for _, b := range bundles[1:] {
		if b.CreatedAt.After(latest.CreatedAt) {
			latest = b
		}
	}
	return latest, true
}

func (s *Service) handleRegister(ctx context.Context, data []byte) {
	var event events.ClusterRegister
	if err := json.Unmarshal(data, &event); err != nil {
		s.logger.Error("Failed to decode register event", "error", err)
		return
	}
	now := time.Now()
	existing, err := s.stores.Clusters.Get(ctx, event.ClusterID)
	if errors.Is(err, store.ErrNotFound) {
		cluster := &fleet.Cluster{
			ID:            event.ClusterID,
			Name:          event.Name,
			Labels:        event.Labels,
			AgentSubject:  event.AgentSubject,
			Health:        fleet.ClusterHealthy,
			LastHeartbeat: now,
		}
		if cerr := s.stores.Clusters.Create(ctx, cluster); cerr != nil {
			s.logger.Error("Failed to register cluster", "cluster_id", event.ClusterID, "error", cerr)
			return
		}
		s.logger.Info("Registered cluster", "cluster_id", event.ClusterID, "name", event.Name)
		// A new cluster may match bundles built before it existed.
		s.rematch(ctx)
		return
	}
	if err != nil {
		s.logger.Error("Failed to look up cluster", "cluster_id", event.ClusterID, "error", err)
		return
	}
	relabeled := !labelsEqual(existing.Labels, event.Labels)
	existing.Name = event.Name
	existing.Labels = event.Labels
	existing.AgentSubject = event.AgentSubject
	existing.Health = fleet.ClusterHealthy
	existing.LastHeartbeat = now
	if err := s.stores.Clusters.Update(ctx, existing); err != nil {
		s.logger.Error("Failed to update cluster", "cluster_id", event.ClusterID, "error", err)
		return
	}
	if relabeled {
		s.rematch(ctx)
	}
}

func labelsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func (s *Service) handleHeartbeat(ctx context.Context, data []byte) {
	var event events.ClusterHeartbeat
	if err := json.Unmarshal(data, &event); err != nil {
		s.logger.Error("Failed to decode heartbeat", "error", err)
		return
	}
	cluster, err := s.stores.Clusters.Get(ctx, event.ClusterID)
	if err != nil {
		return
	}
	cluster.LastHeartbeat = time.Now()
	cluster.Health = fleet.ClusterHealthy
	if err := s.stores.Clusters.Update(ctx, cluster); err != nil {
		s.logger.Warn("Failed to record heartbeat", "cluster_id", event.ClusterID, "error", err)
	}
}

// resync is the periodic pass: cluster liveness, target rematching and
// bundle garbage collection.
func (s *Service) resync(ctx context.Context) {
	s.checkHeartbeats(ctx)
	s.rematch(ctx)
	s.collectBundles(ctx)
}

func (s *Service) checkHeartbeats(ctx context.Context) {
	clusters, err := s.stores.Clusters.List(ctx)
	if err != nil {
		s.logger.Error("Failed to list clusters", "error", err)
		return
	}
	for _, cluster := range clusters {
		silent := time.Since(cluster.LastHeartbeat) > s.config.HeartbeatGrace
		if silent && cluster.Health != fleet.ClusterUnreachable {
			cluster.Health = fleet.ClusterUnreachable
			if err := s.stores.Clusters.Update(ctx, cluster); err != nil {
				s.logger.Warn("Failed to mark cluster unreachable", "cluster_id", cluster.ID, "error", err)
				continue
			}
			s.logger.Warn("Cluster missed heartbeats", "cluster_id", cluster.ID, "name", cluster.Name)
		}
	}
}

func (s *Service) collectBundles(ctx context.Context) {
	repos, err := s.stores.Repositories.List(ctx)
	if err != nil {
		s.logger.Error("Failed to list repositories", "error", err)
		return
	}
	for _, repo := range repos {
		latest, ok := s.latestBundle(ctx, repo.ID)
		if !ok {
			continue
		}
		collected, err := bundle.GC(ctx, s.stores.Bundles, s.stores.Deployments, repo.ID, latest.Checksum, bundleGCGrace)
		if err != nil {
			s.logger.Warn("Bundle GC failed", "repository_id", repo.ID, "error", err)
			continue
		}
		if collected > 0 {
			s.logger.Info("Collected bundles", "repository_id", repo.ID, "count", collected)
		}
	}
}

func (s *Service) handleStatusRequest(ctx context.Context, msg *natsgo.Msg) {
	var req events.StatusRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respondError(msg, err)
		return
	}
	bundles, err := s.stores.Bundles.ListByRepository(ctx, req.RepositoryID)
	if err != nil {
		s.respondError(msg, err)
		return
	}
	records, err := s.stores.Deployments.ListByRepository(ctx, req.RepositoryID)
	if err != nil {
		s.respondError(msg, err)
		return
	}
	summary := status.SummarizeRepository(req.RepositoryID, bundles, records)
	data, err := json.Marshal(summary)
	if err != nil {
		s.respondError(msg, err)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("Failed to respond to status request", "error", err)
	}
}

func (s *Service) handleForceRefresh(ctx context.Context, msg *natsgo.Msg) {
	var req events.ForceRefresh
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respondError(msg, err)
		return
	}
	if err := s.ForceRefresh(ctx, req.RepositoryID); err != nil {
		s.respondError(msg, err)
		return
	}
	s.respondOK(msg)
}

// ForceRefresh invalidates a repository's last seen commit so the watcher
// re-emits the current head on its next poll.
func (s *Service) ForceRefresh(ctx context.Context, repositoryID uuid.UUID) error {
	for attempt := 0; attempt < 3; attempt++ {
		repo, err := s.stores.Repositories.Get(ctx, repositoryID)
		if err != nil {
			return err
		}
		repo.LastSeenCommit = ""
		repo.ForceCounter++
		err = s.stores.Repositories.Update(ctx, repo)
		if err == nil {
			s.logger.Info("Forced refresh", "repository_id", repositoryID)
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("failed to force refresh %s: %w", repositoryID, store.ErrConflict)
}

func (s *Service) handleCleanup(ctx context.Context, msg *natsgo.Msg) {
	var req events.Cleanup
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respondError(msg, err)
		return
	}
	var err error
	switch {
	case req.BundleID != uuid.Nil:
		err = s.CleanupBundle(ctx, req.BundleID)
	case req.RepositoryID != uuid.Nil:
		err = s.CleanupRepository(ctx, req.RepositoryID)
	default:
		err = errors.New("cleanup request names neither a bundle nor a repository")
	}
	if err != nil {
		s.respondError(msg, err)
		return
	}
	s.respondOK(msg)
}

// CleanupBundle deletes a bundle and cascades: every deployment record of
// the bundle gets a prune event so its deployer removes the applied
// resources before discarding the record.
func (s *Service) CleanupBundle(ctx context.Context, bundleID uuid.UUID) error {
	records, err := s.stores.Deployments.ListByBundle(ctx, bundleID)
	if err != nil {
		return fmt.Errorf("failed to list deployments: %w", err)
	}
	for _, rec := range records {
		s.publishPrune(rec.ID)
	}
	if err := s.stores.Bundles.Delete(ctx, bundleID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to delete bundle: %w", err)
	}
	s.logger.Info("Deleted bundle", "bundle_id", bundleID, "pruned_records", len(records))
	return nil
}

// CleanupRepository deletes a repository and everything hanging off it.
func (s *Service) CleanupRepository(ctx context.Context, repositoryID uuid.UUID) error {
	bundles, err := s.stores.Bundles.ListByRepository(ctx, repositoryID)
	if err != nil {
		return fmt.Errorf("failed to list bundles: %w", err)
	}
	for _, b := range bundles {
		if err := s.CleanupBundle(ctx, b.ID); err != nil {
			return err
		}
	}
	if err := s.stores.Repositories.Delete(ctx, repositoryID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to delete repository: %w", err)
	}
	s.logger.Info("Deleted repository", "repository_id", repositoryID)
	return nil
}

func (s *Service) publishPrune(recordID uuid.UUID) {
	data, err := json.Marshal(events.DeploymentPrune{DeploymentID: recordID})
	if err != nil {
		return
	}
	if err := s.nats.Publish(events.SubjectDeploymentPrune, data); err != nil {
		s.logger.Warn("Failed to publish prune event", "deployment_id", recordID, "error", err)
	}
}

func (s *Service) setRepoCondition(ctx context.Context, id uuid.UUID, cond fleet.Condition) {
	for attempt := 0; attempt < 3; attempt++ {
		repo, err := s.stores.Repositories.Get(ctx, id)
		if err != nil {
			return
		}
		repo.Conditions = fleet.SetCondition(repo.Conditions, cond)
		err = s.stores.Repositories.Update(ctx, repo)
		if err == nil || !errors.Is(err, store.ErrConflict) {
			return
		}
	}
}

func (s *Service) respondOK(msg *natsgo.Msg) {
	data, _ := json.Marshal(events.Reply{OK: true})
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("Failed to respond", "subject", msg.Subject, "error", err)
	}
}

func (s *Service) respondError(msg *natsgo.Msg, cause error) {
	data, _ := json.Marshal(events.Reply{Error: cause.Error()})
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("Failed to respond", "subject", msg.Subject, "error", err)
	}
}

package deployer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/google/uuid"

	"github.com/gitfleet/gitfleet/internal/deployer/runtime"
	"github.com/gitfleet/gitfleet/internal/deployer/runtime/natsrpc"
	"github.com/gitfleet/gitfleet/internal/events"
	"github.com/gitfleet/gitfleet/internal/fleet"
	"github.com/gitfleet/gitfleet/internal/shared/config"
	"github.com/gitfleet/gitfleet/internal/shared/nats"
	"github.com/gitfleet/gitfleet/internal/store"
	"github.com/gitfleet/gitfleet/internal/store/postgres"
)

// Service runs the deployment reconciler: it listens for new bundles,
// keeps one worker per target cluster and periodically re-checks converged
// deployments for drift.
type Service struct {
	logger     *slog.Logger
	config     *config.DeployerConfig
	natsClient *nats.Client
	db         *postgres.DB
	stores     store.Stores
	reconciler *Reconciler

	mu      sync.Mutex
	workers map[uuid.UUID]chan uuid.UUID
	wg      sync.WaitGroup
}

// NewService creates a new deployer service
func NewService(cfg *config.DeployerConfig, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	natsClient, err := nats.NewClient(cfg.NATS, "deployer")
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS client: %w", err)
	}

	db, err := postgres.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		natsClient.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Service{
		logger:     logger,
		config:     cfg,
		natsClient: natsClient,
		db:         db,
		stores:     db.Stores(),
		workers:    make(map[uuid.UUID]chan uuid.UUID),
	}
	s.reconciler = NewReconciler(logger, s.stores, s.runtimeFor, cfg.ApplyConcurrency)
	s.reconciler.OnTransition = s.publishTransition
	return s, nil
}

// runtimeFor builds the agent-backed runtime for a cluster.
func (s *Service) runtimeFor(cluster *fleet.Cluster) (runtime.Cluster, error) {
	if cluster.AgentSubject == "" {
		return nil, fmt.Errorf("cluster %s has no agent subject", cluster.Name)
	}
	return natsrpc.NewRuntime(s.natsClient, cluster.Name, cluster.AgentSubject, s.config.NATS.Timeout), nil
}

// Start runs the service until the context is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting deployer service")

	nc := s.natsClient.WithContext(ctx)
	if _, err := nc.QueueSubscribe(events.SubjectBundleCreated, "deployers", func(msg *natsgo.Msg) {
		s.handleBundleCreated(ctx, msg.Data)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to bundle events: %w", err)
	}
	if _, err := nc.QueueSubscribe(events.SubjectDeploymentPrune, "deployers", func(msg *natsgo.Msg) {
		s.handlePrune(ctx, msg.Data)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to prune events: %w", err)
	}

	ticker := time.NewTicker(s.config.DriftInterval)
	defer ticker.Stop()

	for {
		s.resync(ctx)
		select {
		case <-ctx.Done():
			s.stopWorkers()
			s.wg.Wait()
			return nil
		case <-ticker.C:
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

func (s *Service) handleBundleCreated(ctx context.Context, data []byte) {
	var event events.BundleCreated
	if err := json.Unmarshal(data, &event); err != nil {
		s.logger.Error("Failed to decode bundle event", "error", err)
		return
	}
	for _, clusterID := range event.ClusterIDs {
		rec, err := s.stores.Deployments.GetLive(ctx, event.RepositoryID, clusterID)
		if err != nil {
			s.logger.Warn("No live deployment for bundle event",
				"repository_id", event.RepositoryID, "cluster_id", clusterID, "error", err)
			continue
		}
		s.enqueue(ctx, clusterID, rec.ID)
	}
}

func (s *Service) handlePrune(ctx context.Context, data []byte) {
	var event events.DeploymentPrune
	if err := json.Unmarshal(data, &event); err != nil {
		s.logger.Error("Failed to decode prune event", "error", err)
		return
	}
	if err := s.reconciler.Prune(ctx, event.DeploymentID); err != nil {
		s.logger.Error("Failed to prune deployment", "deployment_id", event.DeploymentID, "error", err)
	}
}

// resync walks all records: unconverged ones get a reconcile cycle,
// converged ones a drift check.
func (s *Service) resync(ctx context.Context) {
	records, err := s.stores.Deployments.List(ctx)
	if err != nil {
		s.logger.Error("Failed to list deployments", "error", err)
		return
	}
	now := time.Now()
	for _, rec := range records {
		if rec.Superseded {
			continue
		}
		switch rec.State {
		case fleet.DeploymentPending, fleet.DeploymentApplying, fleet.DeploymentError:
			s.enqueue(ctx, rec.ClusterID, rec.ID)
		case fleet.DeploymentReady, fleet.DeploymentModified:
			if now.Sub(rec.LastDriftCheck) >= s.config.DriftInterval {
				s.enqueue(ctx, rec.ClusterID, rec.ID)
			}
		}
	}
}

// enqueue hands a record to its cluster's worker, starting the worker on
// first use. Per-cluster workers serialize reconciliation per record pair.
func (s *Service) enqueue(ctx context.Context, clusterID, recordID uuid.UUID) {
	s.mu.Lock()
	ch, ok := s.workers[clusterID]
	if !ok {
		ch = make(chan uuid.UUID, 64)
		s.workers[clusterID] = ch
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.clusterWorker(ctx, clusterID, ch)
		}()
	}
	s.mu.Unlock()

	select {
	case ch <- recordID:
	default:
		s.logger.Warn("Cluster worker queue full, dropping", "cluster_id", clusterID, "deployment_id", recordID)
	}
}

func (s *Service) clusterWorker(ctx context.Context, clusterID uuid.UUID, ch <-chan uuid.UUID) {
	for {
		select {
		case <-ctx.Done():
			return
		case recordID := <-ch:
			cycleCtx, cancel := context.WithTimeout(ctx, s.config.CycleTimeout)
			s.runCycle(cycleCtx, recordID)
			cancel()
		}
	}
}

// runCycle picks reconcile or drift check based on the record's state.
func (s *Service) runCycle(ctx context.Context, recordID uuid.UUID) {
	rec, err := s.stores.Deployments.Get(ctx, recordID)
	if err != nil {
		return
	}
	switch rec.State {
	case fleet.DeploymentReady, fleet.DeploymentModified:
		if err := s.reconciler.DriftCheck(ctx, recordID, time.Now()); err != nil {
			s.logger.Warn("Drift check failed", "deployment_id", recordID, "error", err)
		}
	default:
		if err := s.reconciler.Reconcile(ctx, recordID); err != nil {
			s.logger.Warn("Reconcile failed", "deployment_id", recordID, "error", err)
		}
	}
}

func (s *Service) stopWorkers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.workers {
		delete(s.workers, id)
	}
}

func (s *Service) publishTransition(status events.DeploymentStatus) {
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := s.natsClient.Publish(events.SubjectDeploymentStatus, data); err != nil {
		s.logger.Warn("Failed to publish deployment status", "deployment_id", status.DeploymentID, "error", err)
	}
}

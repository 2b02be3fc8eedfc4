package sourcewatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gitfleet/gitfleet/internal/events"
	"github.com/gitfleet/gitfleet/internal/fleet"
	"github.com/gitfleet/gitfleet/internal/shared/config"
	"github.com/gitfleet/gitfleet/internal/shared/nats"
	"github.com/gitfleet/gitfleet/internal/store"
	"github.com/gitfleet/gitfleet/internal/store/postgres"
)

// publisher is the slice of the NATS client the watcher needs.
type publisher interface {
	Publish(subject string, data []byte) error
}

// Service is the source watcher. It runs one polling goroutine per
// repository reference, detects new commits and publishes commit events
// for the controller to pick up.
type Service struct {
	logger *slog.Logger
	config *config.WatcherConfig
	repos  store.RepositoryStore
	nats   publisher
	git    gitClient

	natsClient *nats.Client
	db         *postgres.DB

	mu      sync.Mutex
	workers map[uuid.UUID]context.CancelFunc
	wg      sync.WaitGroup
}

// NewService creates a new source watcher service
func NewService(cfg *config.WatcherConfig, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	natsClient, err := nats.NewClient(cfg.NATS, "watcher")
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS client: %w", err)
	}

	db, err := postgres.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		natsClient.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := newService(cfg, logger, db.Stores().Repositories, natsClient, &goGitClient{})
	s.natsClient = natsClient
	s.db = db
	return s, nil
}

// newService wires a watcher from its parts. Tests construct services here
// with fake git clients and in-memory stores.
func newService(cfg *config.WatcherConfig, logger *slog.Logger, repos store.RepositoryStore, pub publisher, git gitClient) *Service {
	return &Service{
		logger:  logger,
		config:  cfg,
		repos:   repos,
		nats:    pub,
		git:     git,
		workers: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Start runs the watcher until the context is cancelled. It periodically
// re-reads the repository list and keeps one poll worker per repository.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting source watcher", "work_dir", s.config.WorkDir)

	ticker := time.NewTicker(s.config.RepoSyncInterval)
	defer ticker.Stop()

	for {
		if err := s.syncWorkers(ctx); err != nil {
			s.logger.Error("Failed to sync repository workers", "error", err)
		}
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

// syncWorkers reconciles the set of poll workers against the stored
// repository list.
func (s *Service) syncWorkers(ctx context.Context) error {
	refs, err := s.repos.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list repositories: %w", err)
	}

	seen := make(map[uuid.UUID]bool, len(refs))
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ref := range refs {
		seen[ref.ID] = true
		if _, ok := s.workers[ref.ID]; ok {
			continue
		}
		workerCtx, cancel := context.WithCancel(ctx)
		s.workers[ref.ID] = cancel
		s.wg.Add(1)
		go func(id uuid.UUID) {
			defer s.wg.Done()
			s.watchRepository(workerCtx, id)
		}(ref.ID)
		s.logger.Info("Started repository worker", "repository_id", ref.ID, "url", ref.URL)
	}

	for id, cancel := range s.workers {
		if !seen[id] {
			cancel()
			delete(s.workers, id)
			s.logger.Info("Stopped repository worker", "repository_id", id)
		}
	}
	return nil
}

func (s *Service) stopWorkers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.workers {
		cancel()
		delete(s.workers, id)
	}
}

// watchRepository polls one repository until cancelled. Transient fetch
// failures back off exponentially up to MaxBackoff; auth failures park the
// worker until the repository configuration changes.
func (s *Service) watchRepository(ctx context.Context, id uuid.UUID) {
	var (
		backoff     time.Duration
		authFailedV int64 = -1
	)

	for {
		ref, err := s.repos.Get(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return
			}
			s.logger.Error("Failed to load repository", "repository_id", id, "error", err)
		}

		interval := s.config.RepoSyncInterval
		if ref != nil {
			if ref.PollInterval > 0 {
				interval = ref.PollInterval
			}
			if ref.Version != authFailedV {
				err = s.poll(ctx, ref)
				switch {
				case err == nil:
					backoff = 0
				case errors.Is(err, fleet.ErrAuthFailed):
					// Terminal until the repository record changes. The
					// failed poll writes conditions, so re-read to learn
					// the version to park on.
					if cur, gerr := s.repos.Get(ctx, id); gerr == nil {
						authFailedV = cur.Version
					}
					backoff = 0
					s.logger.Error("Repository authentication failed", "repository_id", id, "url", ref.URL)
				case fleet.Retryable(err):
					if backoff == 0 {
						backoff = interval
					} else {
						backoff *= 2
					}
					if backoff > s.config.MaxBackoff {
						backoff = s.config.MaxBackoff
					}
					s.logger.Warn("Repository poll failed, backing off",
						"repository_id", id, "backoff", backoff, "error", err)
				default:
					s.logger.Error("Repository poll failed", "repository_id", id, "error", err)
					backoff = 0
				}
			}
		}

		wait := interval
		if backoff > 0 {
			wait = backoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// poll resolves the remote head and, when it differs from the last seen
// commit, checks the tree out and publishes a commit event.
func (s *Service) poll(ctx context.Context, ref *fleet.RepositoryRef) error {
	if err := s.saveConditions(ctx, ref.ID, fleet.Condition{
		Type: fleet.ConditionGitPolling, Status: fleet.ConditionTrue,
	}); err != nil {
		s.logger.Warn("Failed to record polling condition", "repository_id", ref.ID, "error", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.config.FetchTimeout)
	defer cancel()

	head, err := s.git.Head(fetchCtx, ref.URL, ref.Branch, ref.CredentialRef)
	if err != nil {
		reason := "FetchFailed"
		if errors.Is(err, fleet.ErrAuthFailed) {
			reason = "AuthFailed"
		}
		s.saveConditions(ctx, ref.ID,
			fleet.Condition{Type: fleet.ConditionGitPolling, Status: fleet.ConditionFalse},
			fleet.Condition{Type: fleet.ConditionReady, Status: fleet.ConditionFalse, Reason: reason, Message: err.Error()},
		)
		return err
	}

	if head == ref.LastSeenCommit {
		return s.saveConditions(ctx, ref.ID,
			fleet.Condition{Type: fleet.ConditionGitPolling, Status: fleet.ConditionFalse},
			fleet.Condition{Type: fleet.ConditionReady, Status: fleet.ConditionTrue},
		)
	}

	// A forced refresh clears LastSeenCommit, so an unchanged head still
	// lands here and gets re-emitted.
	forced := ref.LastSeenCommit == "" && ref.ForceCounter > 0

	dir := filepath.Join(s.config.WorkDir, ref.ID.String(), head)
	commit, err := s.git.Checkout(fetchCtx, ref.URL, ref.Branch, dir, ref.CredentialRef)
	if err != nil {
		s.saveConditions(ctx, ref.ID,
			fleet.Condition{Type: fleet.ConditionGitPolling, Status: fleet.ConditionFalse},
			fleet.Condition{Type: fleet.ConditionReady, Status: fleet.ConditionFalse, Reason: "FetchFailed", Message: err.Error()},
		)
		return err
	}

	event := events.CommitDetected{
		RepositoryID: ref.ID,
		Commit:       commit,
		TreePath:     dir,
		Forced:       forced,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal commit event: %w", err)
	}
	if err := s.nats.Publish(events.SubjectCommitDetected, data); err != nil {
		return fmt.Errorf("failed to publish commit event: %w", err)
	}

	s.logger.Info("Detected commit", "repository_id", ref.ID, "commit", commit, "forced", forced)

	return s.updateRef(ctx, ref.ID, func(r *fleet.RepositoryRef) {
		r.LastSeenCommit = commit
		r.Conditions = fleet.SetCondition(r.Conditions, fleet.Condition{
			Type: fleet.ConditionGitPolling, Status: fleet.ConditionFalse,
		})
		r.Conditions = fleet.SetCondition(r.Conditions, fleet.Condition{
			Type: fleet.ConditionReady, Status: fleet.ConditionTrue,
		})
	})
}

func (s *Service) saveConditions(ctx context.Context, id uuid.UUID, conds ...fleet.Condition) error {
	return s.updateRef(ctx, id, func(r *fleet.RepositoryRef) {
		for _, c := range conds {
			r.Conditions = fleet.SetCondition(r.Conditions, c)
		}
	})
}

// updateRef applies mutate under optimistic concurrency, re-reading and
// retrying on version conflicts.
func (s *Service) updateRef(ctx context.Context, id uuid.UUID, mutate func(*fleet.RepositoryRef)) error {
	for attempt := 0; attempt < 3; attempt++ {
		ref, err := s.repos.Get(ctx, id)
		if err != nil {
			return err
		}
		mutate(ref)
		err = s.repos.Update(ctx, ref)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("failed to update repository %s: %w", id, store.ErrConflict)
}

package sourcewatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/gitfleet/gitfleet/internal/events"
	"github.com/gitfleet/gitfleet/internal/fleet"
	"github.com/gitfleet/gitfleet/internal/shared/config"
	"github.com/gitfleet/gitfleet/internal/store"
	"github.com/gitfleet/gitfleet/internal/store/memory"
)

type fakeGit struct {
	head    string
	headErr error
}

func (f *fakeGit) Head(ctx context.Context, url, branch, credentialRef string) (string, error) {
	return f.head, f.headErr
}

func (f *fakeGit) Checkout(ctx context.Context, url, branch, dir, credentialRef string) (string, error) {
	if f.headErr != nil {
		return "", f.headErr
	}
	return f.head, nil
}

type fakePublisher struct {
	published []events.CommitDetected
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	if subject != events.SubjectCommitDetected {
		return fmt.Errorf("unexpected subject %s", subject)
	}
	var e events.CommitDetected
	if err := json.Unmarshal(data, &e); err != nil {
		return err
	}
	f.published = append(f.published, e)
	return nil
}

func newTestService(t *testing.T, git gitClient, pub publisher) (*Service, store.Stores) {
	t.Helper()
	stores := memory.New()
	cfg := &config.WatcherConfig{
		WorkDir:          t.TempDir(),
		RepoSyncInterval: time.Second,
		MaxBackoff:       time.Minute,
		FetchTimeout:     time.Second,
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return newService(cfg, logger, stores.Repositories, pub, git), stores
}

func seedRepo(t *testing.T, stores store.Stores, mutate func(*fleet.RepositoryRef)) *fleet.RepositoryRef {
	t.Helper()
	ref := &fleet.RepositoryRef{
		ID:     fleet.NewID(),
		Name:   "payments",
		URL:    "https://example.com/payments.git",
		Branch: "main",
	}
	if mutate != nil {
		mutate(ref)
	}
	if err := stores.Repositories.Create(context.Background(), ref); err != nil {
		t.Fatalf("create repo: %v", err)
	}
	return ref
}

func TestPoll_NewCommitPublishesEvent(t *testing.T) {
	ctx := context.Background()
	git := &fakeGit{head: "abc123"}
	pub := &fakePublisher{}
	svc, stores := newTestService(t, git, pub)
	ref := seedRepo(t, stores, nil)

	if err := svc.poll(ctx, ref.Clone()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if len(pub.published) != 1 {
		t.Fatalf("expected 1 event, got %d", len(pub.published))
	}
	e := pub.published[0]
	if e.Commit != "abc123" || e.RepositoryID != ref.ID || e.Forced {
		t.Fatalf("unexpected event %+v", e)
	}
	if e.TreePath == "" {
		t.Fatal("event has no tree path")
	}

	got, err := stores.Repositories.Get(ctx, ref.ID)
	if err != nil {
		t.Fatalf("get repo: %v", err)
	}
	if got.LastSeenCommit != "abc123" {
		t.Fatalf("last seen commit = %q", got.LastSeenCommit)
	}
	if !fleet.IsConditionTrue(got.Conditions, fleet.ConditionReady) {
		t.Fatal("expected Ready condition")
	}
}

func TestPoll_UnchangedCommitIsQuiet(t *testing.T) {
	ctx := context.Background()
	git := &fakeGit{head: "abc123"}
	pub := &fakePublisher{}
	svc, stores := newTestService(t, git, pub)
	ref := seedRepo(t, stores, func(r *fleet.RepositoryRef) {
		r.LastSeenCommit = "abc123"
	})

	if err := svc.poll(ctx, ref.Clone()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(pub.published) != 0 {
		t.Fatalf("expected no events, got %d", len(pub.published))
	}
}

func TestPoll_ForcedRefreshRetriggersUnchangedCommit(t *testing.T) {
	ctx := context.Background()
	git := &fakeGit{head: "abc123"}
	pub := &fakePublisher{}
	svc, stores := newTestService(t, git, pub)
	// A forced refresh clears LastSeenCommit and bumps the counter.
	ref := seedRepo(t, stores, func(r *fleet.RepositoryRef) {
		r.LastSeenCommit = ""
		r.ForceCounter = 1
	})

	if err := svc.poll(ctx, ref.Clone()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected 1 event, got %d", len(pub.published))
	}
	if !pub.published[0].Forced {
		t.Fatal("expected forced event")
	}
	if pub.published[0].Commit != "abc123" {
		t.Fatalf("commit = %q", pub.published[0].Commit)
	}
}

func TestPoll_AuthFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	git := &fakeGit{headErr: &fleet.FetchError{
		URL: "https://example.com/payments.git",
		Err: fmt.Errorf("%w: 401", fleet.ErrAuthFailed),
	}}
	pub := &fakePublisher{}
	svc, stores := newTestService(t, git, pub)
	ref := seedRepo(t, stores, nil)

	err := svc.poll(ctx, ref.Clone())
	if !errors.Is(err, fleet.ErrAuthFailed) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if fleet.Retryable(err) {
		t.Fatal("auth failure must not be retryable")
	}

	got, err := stores.Repositories.Get(ctx, ref.ID)
	if err != nil {
		t.Fatalf("get repo: %v", err)
	}
	cond, ok := fleet.GetCondition(got.Conditions, fleet.ConditionReady)
	if !ok || cond.Status != fleet.ConditionFalse || cond.Reason != "AuthFailed" {
		t.Fatalf("unexpected Ready condition %+v", cond)
	}
	if len(pub.published) != 0 {
		t.Fatalf("expected no events, got %d", len(pub.published))
	}
}

func TestPoll_TransientFetchFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	git := &fakeGit{headErr: &fleet.FetchError{
		URL: "https://example.com/payments.git",
		Err: errors.New("connection refused"),
	}}
	svc, stores := newTestService(t, git, &fakePublisher{})
	ref := seedRepo(t, stores, nil)

	err := svc.poll(ctx, ref.Clone())
	if err == nil {
		t.Fatal("expected error")
	}
	if !fleet.Retryable(err) {
		t.Fatal("transient fetch failure must be retryable")
	}
}

package controller

import (
	"context"
	"encoding/json"
	"errors"
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

type fakeResolver struct {
	manifests []fleet.Manifest
	err       error
}

func (f *fakeResolver) Resolve(ctx context.Context, treePath string, paths []fleet.PathConfig) ([]fleet.Manifest, error) {
	return f.manifests, f.err
}

type fakePublisher struct {
	messages map[string]int
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	if f.messages == nil {
		f.messages = make(map[string]int)
	}
	f.messages[subject]++
	return nil
}

func mk(t *testing.T, kind, namespace, name string, spec map[string]any) fleet.Manifest {
	t.Helper()
	obj := map[string]any{
		"apiVersion": "v1",
		"kind":       kind,
		"metadata":   map[string]any{"name": name, "namespace": namespace},
	}
	if spec != nil {
		obj["spec"] = spec
	}
	m, err := fleet.NewManifest(obj)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	return m
}

type fixture struct {
	svc    *Service
	stores store.Stores
	res    *fakeResolver
	pub    *fakePublisher
	repo   *fleet.RepositoryRef
}

func newFixture(t *testing.T, clusterLabels ...map[string]string) *fixture {
	t.Helper()
	ctx := context.Background()
	stores := memory.New()
	res := &fakeResolver{}
	pub := &fakePublisher{}
	cfg := &config.ControllerConfig{
		ResyncInterval: time.Minute,
		RenderTimeout:  time.Minute,
		HeartbeatGrace: time.Minute,
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	svc := newService(cfg, logger, stores, res, pub)

	repo := &fleet.RepositoryRef{
		ID:     fleet.NewID(),
		Name:   "payments",
		URL:    "https://example.com/payments.git",
		Branch: "main",
		Paths:  []fleet.PathConfig{{Path: "deploy", Kind: fleet.PathRaw}},
		Targets: []fleet.TargetSpec{{
			Name:     "staging",
			Selector: fleet.Selector{MatchLabels: map[string]string{"env": "staging"}},
		}},
		Options: fleet.DefaultDeployOptions(),
	}
	if err := stores.Repositories.Create(ctx, repo); err != nil {
		t.Fatalf("create repo: %v", err)
	}
	for i, labels := range clusterLabels {
		cluster := &fleet.Cluster{
			ID:            fleet.NewID(),
			Name:          "cluster-" + string(rune('a'+i)),
			Labels:        labels,
			Health:        fleet.ClusterHealthy,
			LastHeartbeat: time.Now(),
		}
		if err := stores.Clusters.Create(ctx, cluster); err != nil {
			t.Fatalf("create cluster: %v", err)
		}
	}
	return &fixture{svc: svc, stores: stores, res: res, pub: pub, repo: repo}
}

func (f *fixture) commit(t *testing.T, commit string, forced bool) {
	t.Helper()
	err := f.svc.handleCommit(context.Background(), events.CommitDetected{
		RepositoryID: f.repo.ID,
		Commit:       commit,
		TreePath:     "/tmp/tree",
		Forced:       forced,
	})
	if err != nil {
		t.Fatalf("handleCommit: %v", err)
	}
}

func TestHandleCommit_BuildsBundleAndRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		map[string]string{"env": "staging"},
		map[string]string{"env": "production"},
	)
	f.res.manifests = []fleet.Manifest{mk(t, "ConfigMap", "web", "settings", nil)}

	f.commit(t, "abc123", false)

	bundles, err := f.stores.Bundles.ListByRepository(ctx, f.repo.ID)
	if err != nil || len(bundles) != 1 {
		t.Fatalf("bundles = %d, err = %v", len(bundles), err)
	}
	records, err := f.stores.Deployments.ListByRepository(ctx, f.repo.ID)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	// Only the staging cluster matches the repository's target selector.
	if len(records) != 1 {
		t.Fatalf("records = %d", len(records))
	}
	if records[0].State != fleet.DeploymentPending {
		t.Fatalf("state = %s", records[0].State)
	}
	if records[0].Checksum != bundles[0].Checksum {
		t.Fatal("record does not reference the bundle checksum")
	}
	if f.pub.messages[events.SubjectBundleCreated] != 1 {
		t.Fatalf("bundle.created published %d times", f.pub.messages[events.SubjectBundleCreated])
	}
}

func TestHandleCommit_UnchangedChecksumIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{"env": "staging"})
	f.res.manifests = []fleet.Manifest{mk(t, "ConfigMap", "web", "settings", nil)}

	f.commit(t, "abc123", false)
	f.commit(t, "def456", false)

	bundles, _ := f.stores.Bundles.ListByRepository(ctx, f.repo.ID)
	if len(bundles) != 1 {
		t.Fatalf("identical content produced %d bundles", len(bundles))
	}
	records, _ := f.stores.Deployments.ListByRepository(ctx, f.repo.ID)
	if len(records) != 1 {
		t.Fatalf("identical content produced %d records", len(records))
	}
	if f.pub.messages[events.SubjectBundleCreated] != 1 {
		t.Fatal("no-op commit republished the bundle")
	}
}

func TestHandleCommit_ForcedRedeploysUnchangedChecksum(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{"env": "staging"})
	f.res.manifests = []fleet.Manifest{mk(t, "ConfigMap", "web", "settings", nil)}

	f.commit(t, "abc123", false)
	f.commit(t, "abc123", true)

	records, _ := f.stores.Deployments.ListByRepository(ctx, f.repo.ID)
	if len(records) != 2 {
		t.Fatalf("records = %d", len(records))
	}
	var superseded, live int
	for _, rec := range records {
		if rec.Superseded {
			superseded++
		} else {
			live++
		}
	}
	if superseded != 1 || live != 1 {
		t.Fatalf("superseded = %d, live = %d", superseded, live)
	}
	if f.pub.messages[events.SubjectBundleCreated] != 2 {
		t.Fatal("forced redeploy did not republish")
	}
}

func TestHandleCommit_NewChecksumSupersedesAndHandsOverInventory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{"env": "staging"})
	m1 := mk(t, "ConfigMap", "web", "settings", map[string]any{"rev": 1})
	f.res.manifests = []fleet.Manifest{m1}
	f.commit(t, "abc123", false)

	// Pretend the deployer converged the first record.
	records, _ := f.stores.Deployments.ListByRepository(ctx, f.repo.ID)
	first := records[0]
	first.State = fleet.DeploymentReady
	first.Inventory = []fleet.ResourceKey{m1.Key}
	if err := f.stores.Deployments.Update(ctx, first); err != nil {
		t.Fatalf("update: %v", err)
	}

	m2 := mk(t, "ConfigMap", "web", "settings", map[string]any{"rev": 2})
	f.res.manifests = []fleet.Manifest{m2}
	f.commit(t, "def456", false)

	records, _ = f.stores.Deployments.ListByRepository(ctx, f.repo.ID)
	if len(records) != 2 {
		t.Fatalf("records = %d", len(records))
	}
	oldRec, err := f.stores.Deployments.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get old record: %v", err)
	}
	if !oldRec.Superseded {
		t.Fatal("old record not superseded")
	}
	newRec, err := f.stores.Deployments.GetLive(ctx, f.repo.ID, first.ClusterID)
	if err != nil {
		t.Fatalf("get live record: %v", err)
	}
	if newRec.ID == first.ID {
		t.Fatal("live record was not replaced")
	}
	if len(newRec.Inventory) != 1 || newRec.Inventory[0] != m1.Key {
		t.Fatalf("inventory not handed over: %v", newRec.Inventory)
	}
}

func TestHandleCommit_ResolveFailureSetsCondition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{"env": "staging"})
	f.res.err = &fleet.ResolutionError{Path: "deploy", Err: errors.New("duplicate resource")}

	err := f.svc.handleCommit(ctx, events.CommitDetected{
		RepositoryID: f.repo.ID, Commit: "abc123", TreePath: "/tmp/tree",
	})
	if err == nil {
		t.Fatal("expected error")
	}

	repo, _ := f.stores.Repositories.Get(ctx, f.repo.ID)
	cond, ok := fleet.GetCondition(repo.Conditions, fleet.ConditionReady)
	if !ok || cond.Status != fleet.ConditionFalse || cond.Reason != "ResolveFailed" {
		t.Fatalf("unexpected condition %+v", cond)
	}
}

func TestForceRefresh_ClearsLastSeenCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	repo, _ := f.stores.Repositories.Get(ctx, f.repo.ID)
	repo.LastSeenCommit = "abc123"
	if err := f.stores.Repositories.Update(ctx, repo); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := f.svc.ForceRefresh(ctx, f.repo.ID); err != nil {
		t.Fatalf("force refresh: %v", err)
	}

	repo, _ = f.stores.Repositories.Get(ctx, f.repo.ID)
	if repo.LastSeenCommit != "" {
		t.Fatalf("last seen commit = %q", repo.LastSeenCommit)
	}
	if repo.ForceCounter != 1 {
		t.Fatalf("force counter = %d", repo.ForceCounter)
	}
}

func TestCleanupRepository_Cascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{"env": "staging"})
	f.res.manifests = []fleet.Manifest{mk(t, "ConfigMap", "web", "settings", nil)}
	f.commit(t, "abc123", false)

	if err := f.svc.CleanupRepository(ctx, f.repo.ID); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if _, err := f.stores.Repositories.Get(ctx, f.repo.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("repository survived cleanup: %v", err)
	}
	bundles, _ := f.stores.Bundles.ListByRepository(ctx, f.repo.ID)
	if len(bundles) != 0 {
		t.Fatalf("bundles survived cleanup: %d", len(bundles))
	}
	if f.pub.messages[events.SubjectDeploymentPrune] != 1 {
		t.Fatalf("prune published %d times", f.pub.messages[events.SubjectDeploymentPrune])
	}
}

func TestHandleRegisterAndHeartbeat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id := fleet.NewID()
	reg := events.ClusterRegister{
		ClusterID:    id,
		Name:         "staging-eu",
		Labels:       map[string]string{"env": "staging"},
		AgentSubject: "agent." + id.String(),
	}
	data, err := json.Marshal(reg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.svc.handleRegister(ctx, data)

	cluster, err := f.stores.Clusters.Get(ctx, id)
	if err != nil {
		t.Fatalf("cluster not registered: %v", err)
	}
	if cluster.Health != fleet.ClusterHealthy || cluster.Labels["env"] != "staging" {
		t.Fatalf("unexpected cluster %+v", cluster)
	}

	before := cluster.LastHeartbeat
	time.Sleep(5 * time.Millisecond)
	hb, err := json.Marshal(events.ClusterHeartbeat{ClusterID: id})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.svc.handleHeartbeat(ctx, hb)

	cluster, _ = f.stores.Clusters.Get(ctx, id)
	if !cluster.LastHeartbeat.After(before) {
		t.Fatal("heartbeat did not advance")
	}
}

func TestRematch_LateClusterReceivesRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.res.manifests = []fleet.Manifest{mk(t, "ConfigMap", "web", "settings", nil)}
	f.commit(t, "abc123", false)

	records, _ := f.stores.Deployments.ListByRepository(ctx, f.repo.ID)
	if len(records) != 0 {
		t.Fatalf("records before any cluster exists = %d", len(records))
	}
	published := f.pub.messages[events.SubjectBundleCreated]

	// A cluster registering after the commit must still be matched.
	id := fleet.NewID()
	reg, err := json.Marshal(events.ClusterRegister{
		ClusterID:    id,
		Name:         "late",
		Labels:       map[string]string{"env": "staging"},
		AgentSubject: "agent." + id.String(),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.svc.handleRegister(ctx, reg)

	rec, err := f.stores.Deployments.GetLive(ctx, f.repo.ID, id)
	if err != nil {
		t.Fatalf("late cluster got no record: %v", err)
	}
	if rec.State != fleet.DeploymentPending {
		t.Fatalf("state = %s", rec.State)
	}
	if f.pub.messages[events.SubjectBundleCreated] != published+1 {
		t.Fatal("rematch did not notify the deployers")
	}

	// A second pass must not duplicate the record.
	f.svc.rematch(ctx)
	records, _ = f.stores.Deployments.ListByRepository(ctx, f.repo.ID)
	if len(records) != 1 {
		t.Fatalf("rematch duplicated records: %d", len(records))
	}
}

func TestRematch_RelabeledClusterReceivesRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.res.manifests = []fleet.Manifest{mk(t, "ConfigMap", "web", "settings", nil)}

	id := fleet.NewID()
	register := func(labels map[string]string) {
		data, err := json.Marshal(events.ClusterRegister{
			ClusterID: id, Name: "roaming", Labels: labels,
			AgentSubject: "agent." + id.String(),
		})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		f.svc.handleRegister(ctx, data)
	}

	register(map[string]string{"env": "production"})
	f.commit(t, "abc123", false)
	if _, err := f.stores.Deployments.GetLive(ctx, f.repo.ID, id); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unmatched cluster got a record: %v", err)
	}

	register(map[string]string{"env": "staging"})

	rec, err := f.stores.Deployments.GetLive(ctx, f.repo.ID, id)
	if err != nil {
		t.Fatalf("relabeled cluster got no record: %v", err)
	}
	if rec.Checksum == "" || rec.State != fleet.DeploymentPending {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestResync_RematchesExistingClusters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.res.manifests = []fleet.Manifest{mk(t, "ConfigMap", "web", "settings", nil)}
	f.commit(t, "abc123", false)

	// Simulate a cluster row written by another controller instance.
	cluster := &fleet.Cluster{
		ID:            fleet.NewID(),
		Name:          "sneaky",
		Labels:        map[string]string{"env": "staging"},
		Health:        fleet.ClusterHealthy,
		LastHeartbeat: time.Now(),
	}
	if err := f.stores.Clusters.Create(ctx, cluster); err != nil {
		t.Fatalf("create cluster: %v", err)
	}

	f.svc.resync(ctx)

	if _, err := f.stores.Deployments.GetLive(ctx, f.repo.ID, cluster.ID); err != nil {
		t.Fatalf("resync did not match the cluster: %v", err)
	}
}

func TestCheckHeartbeats_MarksSilentClustersUnreachable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	stale := &fleet.Cluster{
		ID:            fleet.NewID(),
		Name:          "silent",
		Health:        fleet.ClusterHealthy,
		LastHeartbeat: time.Now().Add(-time.Hour),
	}
	if err := f.stores.Clusters.Create(ctx, stale); err != nil {
		t.Fatalf("create cluster: %v", err)
	}

	f.svc.checkHeartbeats(ctx)

	got, _ := f.stores.Clusters.Get(ctx, stale.ID)
	if got.Health != fleet.ClusterUnreachable {
		t.Fatalf("health = %s", got.Health)
	}
}

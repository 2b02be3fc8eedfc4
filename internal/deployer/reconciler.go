package deployer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gitfleet/gitfleet/internal/deployer/runtime"
	"github.com/gitfleet/gitfleet/internal/events"
	"github.com/gitfleet/gitfleet/internal/fleet"
	"github.com/gitfleet/gitfleet/internal/store"
)

const (
	retryBase = 5 * time.Second
	retryCap  = 5 * time.Minute
)

// RuntimeProvider resolves the runtime for a target cluster.
type RuntimeProvider func(cluster *fleet.Cluster) (runtime.Cluster, error)

// Reconciler drives deployment records through their state machine. Each
// record is owned by exactly one reconcile call at a time; the caller is
// responsible for not reconciling the same record concurrently.
type Reconciler struct {
	logger      *slog.Logger
	stores      store.Stores
	runtimeFor  RuntimeProvider
	concurrency int

	// OnTransition, when set, is called after every persisted state change.
	OnTransition func(events.DeploymentStatus)
}

// NewReconciler creates a reconciler over the given stores and runtimes.
func NewReconciler(logger *slog.Logger, stores store.Stores, runtimeFor RuntimeProvider, concurrency int) *Reconciler {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Reconciler{
		logger:      logger,
		stores:      stores,
		runtimeFor:  runtimeFor,
		concurrency: concurrency,
	}
}

// Reconcile converges one deployment record. Pending and Error records get
// an apply cycle; Ready records whose applied checksum matches are left
// alone. Connectivity failures leave the record Pending behind a backed-off
// NextRetry; apply failures count against the record's retry budget.
func (r *Reconciler) Reconcile(ctx context.Context, recordID uuid.UUID) error {
	rec, err := r.stores.Deployments.Get(ctx, recordID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load deployment: %w", err)
	}
	if rec.Superseded {
		return nil
	}

	bundle, err := r.stores.Bundles.Get(ctx, rec.BundleID)
	if err != nil {
		return fmt.Errorf("failed to load bundle %s: %w", rec.BundleID, err)
	}
	cluster, err := r.stores.Clusters.Get(ctx, rec.ClusterID)
	if err != nil {
		return fmt.Errorf("failed to load cluster %s: %w", rec.ClusterID, err)
	}
	opts := bundle.Options

	switch rec.State {
	case fleet.DeploymentReady:
		if rec.AppliedChecksum == bundle.Checksum {
			return nil
		}
	case fleet.DeploymentPending:
		// Connectivity deferrals gate the next cycle the same way apply
		// retries do.
		if time.Now().Before(rec.NextRetry) {
			return nil
		}
	case fleet.DeploymentError:
		if rec.Attempts >= opts.MaxAttempts {
			return nil
		}
		if time.Now().Before(rec.NextRetry) {
			return nil
		}
	}

	// Claim the record. A conflict means another writer moved it first.
	rec.State = fleet.DeploymentApplying
	rec.Conditions = fleet.SetCondition(rec.Conditions, fleet.Condition{
		Type: fleet.ConditionReconciling, Status: fleet.ConditionTrue,
	})
	if err := r.stores.Deployments.Update(ctx, rec); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return fmt.Errorf("failed to claim deployment: %w", err)
	}
	r.notifyState(rec, "")

	applyCtx := ctx
	if opts.ApplyTimeout > 0 {
		var cancel context.CancelFunc
		applyCtx, cancel = context.WithTimeout(ctx, opts.ApplyTimeout)
		defer cancel()
	}

	rt, err := r.runtimeFor(cluster)
	if err != nil {
		return r.deferRetry(ctx, rec, &fleet.ConnectivityError{Cluster: cluster.Name, Err: err})
	}

	keys := unionKeys(bundle.Manifests, rec.Inventory)
	live, err := rt.Live(applyCtx, keys)
	if err != nil {
		return r.deferRetry(ctx, rec, err)
	}

	plan := BuildPlan(bundle.Manifests, rec.Inventory, live, opts.Prune)
	outcome := r.applyPlan(applyCtx, rt, rec, bundle, plan)
	if outcome.cancelled {
		return nil
	}
	if outcome.transient != nil {
		return r.deferRetry(ctx, rec, outcome.transient)
	}
	return r.finish(ctx, rec, bundle, outcome)
}

// applyOutcome collects the per-resource results of one apply cycle.
type applyOutcome struct {
	statuses map[fleet.ResourceKey]fleet.ResourceStatus
	applied  []fleet.ResourceKey
	pruned   []fleet.ResourceKey
	failed   []fleet.ResourceKey
	// transient is set when the cluster became unreachable mid-cycle.
	transient error
	// cancelled is set when a newer checksum superseded the record.
	cancelled bool
}

// applyPlan runs the plan's stages. Creates and updates go first, grouped
// by apply weight; manifests within a stage apply concurrently. Prunes run
// only after every create and update succeeded. A failing resource never
// blocks its siblings.
func (r *Reconciler) applyPlan(ctx context.Context, rt runtime.Cluster, rec *fleet.DeploymentRecord, bundle *fleet.Bundle, plan Plan) applyOutcome {
	outcome := applyOutcome{statuses: make(map[fleet.ResourceKey]fleet.ResourceStatus)}
	for _, m := range bundle.Manifests {
		outcome.statuses[m.Key] = fleet.ResourceStatus{Key: m.Key, State: fleet.ResourceReady}
	}

	var mu sync.Mutex
	work := append(append([]fleet.Manifest{}, plan.Creates...), plan.Updates...)

	for _, stage := range weightGroups(work) {
		// Generation check: stale desired state is never applied.
		if r.superseded(ctx, rec) {
			outcome.cancelled = true
			return outcome
		}

		g, stageCtx := errgroup.WithContext(ctx)
		g.SetLimit(r.concurrency)
		for _, m := range stage {
			g.Go(func() error {
				err := rt.Apply(stageCtx, m)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					outcome.applied = append(outcome.applied, m.Key)
				case fleet.Retryable(err):
					if outcome.transient == nil {
						outcome.transient = err
					}
				default:
					outcome.failed = append(outcome.failed, m.Key)
					outcome.statuses[m.Key] = fleet.ResourceStatus{
						Key: m.Key, State: fleet.ResourceFailed, Message: err.Error(),
					}
				}
				return nil
			})
		}
		g.Wait()
		if outcome.transient != nil {
			return outcome
		}
	}

	// Prune strictly after a fully successful apply pass.
	if len(outcome.failed) > 0 {
		return outcome
	}
	for _, key := range plan.Prunes {
		if r.superseded(ctx, rec) {
			outcome.cancelled = true
			return outcome
		}
		err := rt.Delete(ctx, key)
		switch {
		case err == nil:
			outcome.pruned = append(outcome.pruned, key)
		case fleet.Retryable(err):
			outcome.transient = err
			return outcome
		default:
			outcome.failed = append(outcome.failed, key)
			outcome.statuses[key] = fleet.ResourceStatus{
				Key: key, State: fleet.ResourceOrphaned, Message: err.Error(),
			}
		}
	}
	return outcome
}

// finish persists the cycle's result: Ready on full success, Error with a
// bumped attempt counter otherwise.
func (r *Reconciler) finish(ctx context.Context, rec *fleet.DeploymentRecord, bundle *fleet.Bundle, outcome applyOutcome) error {
	var reason string
	updated, err := r.updateRecord(ctx, rec.ID, func(d *fleet.DeploymentRecord) {
		d.ResourceStatuses = sortedStatuses(outcome.statuses)
		// The cluster answered, so the deferral streak is over.
		d.Deferrals = 0
		d.Conditions = fleet.SetCondition(d.Conditions, fleet.Condition{
			Type: fleet.ConditionReconciling, Status: fleet.ConditionFalse,
		})

		if len(outcome.failed) == 0 {
			d.State = fleet.DeploymentReady
			d.AppliedChecksum = bundle.Checksum
			d.Inventory = manifestKeys(bundle.Manifests)
			d.Attempts = 0
			d.NextRetry = time.Time{}
			d.Conditions = fleet.SetCondition(d.Conditions, fleet.Condition{
				Type: fleet.ConditionReady, Status: fleet.ConditionTrue,
			})
			d.Conditions = fleet.SetCondition(d.Conditions, fleet.Condition{
				Type: fleet.ConditionError, Status: fleet.ConditionFalse,
			})
			return
		}

		reason = failedKeysMessage(outcome.failed)
		d.State = fleet.DeploymentError
		d.Attempts++
		d.NextRetry = time.Now().Add(retryBackoff(d.Attempts))
		// Resources that did apply stay in the inventory so a later prune
		// can still clean them up.
		d.Inventory = mergeKeys(d.Inventory, outcome.applied)
		d.Conditions = fleet.SetCondition(d.Conditions, fleet.Condition{
			Type: fleet.ConditionReady, Status: fleet.ConditionFalse, Reason: "ApplyFailed",
		})
		d.Conditions = fleet.SetCondition(d.Conditions, fleet.Condition{
			Type: fleet.ConditionError, Status: fleet.ConditionTrue,
			Reason: "ApplyFailed", Message: reason,
		})
	})
	if err != nil {
		return err
	}
	r.notifyState(updated, reason)
	if updated.State == fleet.DeploymentReady {
		if cerr := r.CollectSuperseded(ctx, updated.RepositoryID, updated.ClusterID); cerr != nil {
			r.logger.Warn("Failed to collect superseded records", "deployment_id", updated.ID, "error", cerr)
		}
	}
	return nil
}

// deferRetry puts an unreachable record back to Pending without consuming
// a retry attempt. Consecutive deferrals back off exponentially through
// NextRetry so an offline cluster is not hammered every resync.
func (r *Reconciler) deferRetry(ctx context.Context, rec *fleet.DeploymentRecord, cause error) error {
	_, uerr := r.updateRecord(ctx, rec.ID, func(d *fleet.DeploymentRecord) {
		d.State = fleet.DeploymentPending
		d.Deferrals++
		d.NextRetry = time.Now().Add(retryBackoff(d.Deferrals))
		d.Conditions = fleet.SetCondition(d.Conditions, fleet.Condition{
			Type: fleet.ConditionReconciling, Status: fleet.ConditionFalse,
		})
		d.Conditions = fleet.SetCondition(d.Conditions, fleet.Condition{
			Type: fleet.ConditionReady, Status: fleet.ConditionFalse,
			Reason: "ClusterUnreachable", Message: cause.Error(),
		})
	})
	if uerr != nil {
		r.logger.Error("Failed to defer deployment", "deployment_id", rec.ID, "error", uerr)
	}
	return cause
}

// DriftCheck compares the live state of a converged record against its
// bundle. Drift moves the record to Modified; with self-heal enabled it
// goes back to Pending so the next cycle re-applies. now is supplied by
// the caller so tests can step time.
func (r *Reconciler) DriftCheck(ctx context.Context, recordID uuid.UUID, now time.Time) error {
	rec, err := r.stores.Deployments.Get(ctx, recordID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load deployment: %w", err)
	}
	if rec.Superseded || (rec.State != fleet.DeploymentReady && rec.State != fleet.DeploymentModified) {
		return nil
	}

	bundle, err := r.stores.Bundles.Get(ctx, rec.BundleID)
	if err != nil {
		return fmt.Errorf("failed to load bundle %s: %w", rec.BundleID, err)
	}
	cluster, err := r.stores.Clusters.Get(ctx, rec.ClusterID)
	if err != nil {
		return fmt.Errorf("failed to load cluster %s: %w", rec.ClusterID, err)
	}

	rt, err := r.runtimeFor(cluster)
	if err != nil {
		return &fleet.ConnectivityError{Cluster: cluster.Name, Err: err}
	}
	live, err := rt.Live(ctx, manifestKeys(bundle.Manifests))
	if err != nil {
		return err
	}

	var drifted []fleet.ResourceStatus
	for _, m := range bundle.Manifests {
		liveObj, ok := live[m.Key]
		if !ok {
			drifted = append(drifted, fleet.ResourceStatus{
				Key: m.Key, State: fleet.ResourceModified, Message: "deleted out of band",
			})
			continue
		}
		if Drifted(liveObj, m) {
			drifted = append(drifted, fleet.ResourceStatus{
				Key: m.Key, State: fleet.ResourceModified, Message: "drifted from applied state",
			})
		}
	}

	before := rec.State
	updated, err := r.updateRecord(ctx, rec.ID, func(d *fleet.DeploymentRecord) {
		d.LastDriftCheck = now
		if len(drifted) == 0 {
			if d.State == fleet.DeploymentModified {
				d.State = fleet.DeploymentReady
				d.Conditions = fleet.SetCondition(d.Conditions, fleet.Condition{
					Type: fleet.ConditionModified, Status: fleet.ConditionFalse,
				})
			}
			return
		}

		d.ResourceStatuses = mergeStatuses(d.ResourceStatuses, drifted)
		d.Conditions = fleet.SetCondition(d.Conditions, fleet.Condition{
			Type: fleet.ConditionModified, Status: fleet.ConditionTrue,
			Reason: "Drift", Message: driftMessage(drifted),
		})
		if bundle.Options.SelfHeal {
			d.State = fleet.DeploymentPending
		} else {
			d.State = fleet.DeploymentModified
		}
	})
	if err != nil {
		return err
	}
	if updated.State != before {
		reason := ""
		if len(drifted) > 0 {
			reason = driftMessage(drifted)
		}
		r.notifyState(updated, reason)
	}
	return nil
}

// Prune deletes a record's applied resources from its cluster, then the
// record itself. Used by the cleanup cascade.
func (r *Reconciler) Prune(ctx context.Context, recordID uuid.UUID) error {
	rec, err := r.stores.Deployments.Get(ctx, recordID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load deployment: %w", err)
	}
	cluster, err := r.stores.Clusters.Get(ctx, rec.ClusterID)
	if err == nil {
		if rt, rerr := r.runtimeFor(cluster); rerr == nil {
			keys := append([]fleet.ResourceKey(nil), rec.Inventory...)
			sort.SliceStable(keys, func(i, j int) bool {
				return keys[i].ApplyWeight() > keys[j].ApplyWeight()
			})
			for _, key := range keys {
				if derr := rt.Delete(ctx, key); derr != nil {
					return fmt.Errorf("failed to prune %s: %w", key, derr)
				}
			}
		}
	}
	return r.stores.Deployments.Delete(ctx, recordID)
}

// CollectSuperseded deletes superseded records of a pair once the live
// record converged. Their resources were handed over through the new
// record's inventory, so only the bookkeeping remains.
func (r *Reconciler) CollectSuperseded(ctx context.Context, repositoryID, clusterID uuid.UUID) error {
	records, err := r.stores.Deployments.ListByCluster(ctx, clusterID)
	if err != nil {
		return fmt.Errorf("failed to list deployments: %w", err)
	}
	live, err := r.stores.Deployments.GetLive(ctx, repositoryID, clusterID)
	if err != nil || live.State != fleet.DeploymentReady {
		return nil
	}
	for _, rec := range records {
		if rec.RepositoryID != repositoryID || !rec.Superseded {
			continue
		}
		if err := r.stores.Deployments.Delete(ctx, rec.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to delete superseded record %s: %w", rec.ID, err)
		}
	}
	return nil
}

// superseded re-reads the record and reports whether a newer checksum took
// over the pair.
func (r *Reconciler) superseded(ctx context.Context, rec *fleet.DeploymentRecord) bool {
	fresh, err := r.stores.Deployments.Get(ctx, rec.ID)
	if err != nil {
		return true
	}
	return fresh.Superseded || fresh.Checksum != rec.Checksum
}

// updateRecord applies mutate under optimistic concurrency and returns the
// record as written.
func (r *Reconciler) updateRecord(ctx context.Context, id uuid.UUID, mutate func(*fleet.DeploymentRecord)) (*fleet.DeploymentRecord, error) {
	for attempt := 0; attempt < 3; attempt++ {
		rec, err := r.stores.Deployments.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		mutate(rec)
		err = r.stores.Deployments.Update(ctx, rec)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("failed to update deployment %s: %w", id, store.ErrConflict)
}

func (r *Reconciler) notifyState(rec *fleet.DeploymentRecord, reason string) {
	if r.OnTransition == nil {
		return
	}
	r.OnTransition(events.DeploymentStatus{
		DeploymentID: rec.ID,
		BundleID:     rec.BundleID,
		ClusterID:    rec.ClusterID,
		State:        string(rec.State),
		Reason:       reason,
	})
}

func retryBackoff(attempts int) time.Duration {
	d := retryBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= retryCap {
			return retryCap
		}
	}
	return d
}

func unionKeys(desired []fleet.Manifest, inventory []fleet.ResourceKey) []fleet.ResourceKey {
	seen := make(map[fleet.ResourceKey]bool, len(desired)+len(inventory))
	var out []fleet.ResourceKey
	for _, m := range desired {
		if !seen[m.Key] {
			seen[m.Key] = true
			out = append(out, m.Key)
		}
	}
	for _, k := range inventory {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

func manifestKeys(set []fleet.Manifest) []fleet.ResourceKey {
	out := make([]fleet.ResourceKey, len(set))
	for i, m := range set {
		out[i] = m.Key
	}
	return out
}

func mergeKeys(a, b []fleet.ResourceKey) []fleet.ResourceKey {
	seen := make(map[fleet.ResourceKey]bool, len(a)+len(b))
	var out []fleet.ResourceKey
	for _, k := range append(append([]fleet.ResourceKey{}, a...), b...) {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

func sortedStatuses(statuses map[fleet.ResourceKey]fleet.ResourceStatus) []fleet.ResourceStatus {
	out := make([]fleet.ResourceStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

func mergeStatuses(existing, updates []fleet.ResourceStatus) []fleet.ResourceStatus {
	byKey := make(map[fleet.ResourceKey]fleet.ResourceStatus, len(existing)+len(updates))
	for _, s := range existing {
		byKey[s.Key] = s
	}
	for _, s := range updates {
		byKey[s.Key] = s
	}
	return sortedStatuses(byKey)
}

func failedKeysMessage(failed []fleet.ResourceKey) string {
	names := make([]string, len(failed))
	for i, k := range failed {
		names[i] = k.String()
	}
	sort.Strings(names)
	return "failed resources: " + strings.Join(names, ", ")
}

func driftMessage(drifted []fleet.ResourceStatus) string {
	names := make([]string, len(drifted))
	for i, s := range drifted {
		names[i] = s.Key.String()
	}
	sort.Strings(names)
	return "drifted resources: " + strings.Join(names, ", ")
}

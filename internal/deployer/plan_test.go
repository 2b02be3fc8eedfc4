package deployer

import (
	"testing"

	"github.com/gitfleet/gitfleet/internal/fleet"
)

func mk(t *testing.T, apiVersion, kind, namespace, name string, spec map[string]any) fleet.Manifest {
	t.Helper()
	obj := map[string]any{
		"apiVersion": apiVersion,
		"kind":       kind,
		"metadata":   map[string]any{"name": name},
	}
	if namespace != "" {
		obj["metadata"].(map[string]any)["namespace"] = namespace
	}
	if spec != nil {
		obj["spec"] = spec
	}
	m, err := fleet.NewManifest(obj)
	if err != nil {
		t.Fatalf("manifest %s/%s: %v", kind, name, err)
	}
	return m
}

func TestBuildPlan_ConvergedIsEmpty(t *testing.T) {
	m := mk(t, "v1", "ConfigMap", "web", "settings", map[string]any{"replicas": 2})
	live := map[fleet.ResourceKey]fleet.Manifest{m.Key: m}

	plan := BuildPlan([]fleet.Manifest{m}, []fleet.ResourceKey{m.Key}, live, true)
	if !plan.Empty() {
		t.Fatalf("expected empty plan, got %+v", plan)
	}
}

func TestBuildPlan_MissingLiveIsCreate(t *testing.T) {
	m := mk(t, "v1", "ConfigMap", "web", "settings", nil)

	plan := BuildPlan([]fleet.Manifest{m}, nil, nil, true)
	if len(plan.Creates) != 1 || len(plan.Updates) != 0 || len(plan.Prunes) != 0 {
		t.Fatalf("unexpected plan %+v", plan)
	}
}

func TestBuildPlan_DriftedIsUpdate(t *testing.T) {
	desired := mk(t, "v1", "ConfigMap", "web", "settings", map[string]any{"replicas": 2})
	drifted := mk(t, "v1", "ConfigMap", "web", "settings", map[string]any{"replicas": 5})
	live := map[fleet.ResourceKey]fleet.Manifest{desired.Key: drifted}

	plan := BuildPlan([]fleet.Manifest{desired}, []fleet.ResourceKey{desired.Key}, live, true)
	if len(plan.Updates) != 1 {
		t.Fatalf("expected 1 update, got %+v", plan)
	}
}

func TestBuildPlan_UnmanagedLiveFieldsAreNotDrift(t *testing.T) {
	desired := mk(t, "v1", "ConfigMap", "web", "settings", map[string]any{"replicas": 2})
	liveObj := desired.Clone().Object
	liveObj["status"] = map[string]any{"observedGeneration": 4}
	liveM, err := fleet.NewManifest(liveObj)
	if err != nil {
		t.Fatalf("live manifest: %v", err)
	}
	live := map[fleet.ResourceKey]fleet.Manifest{desired.Key: liveM}

	plan := BuildPlan([]fleet.Manifest{desired}, []fleet.ResourceKey{desired.Key}, live, true)
	if !plan.Empty() {
		t.Fatalf("unmanaged field produced a plan: %+v", plan)
	}
}

func TestBuildPlan_StalePrunedInReverseOrder(t *testing.T) {
	ns := mk(t, "v1", "Namespace", "", "web", nil)
	cm := mk(t, "v1", "ConfigMap", "web", "settings", nil)
	keep := mk(t, "v1", "Service", "web", "frontend", nil)
	live := map[fleet.ResourceKey]fleet.Manifest{
		ns.Key: ns, cm.Key: cm, keep.Key: keep,
	}
	inventory := []fleet.ResourceKey{ns.Key, cm.Key, keep.Key}

	plan := BuildPlan([]fleet.Manifest{keep}, inventory, live, true)
	if len(plan.Prunes) != 2 {
		t.Fatalf("expected 2 prunes, got %+v", plan.Prunes)
	}
	// ConfigMap before its Namespace.
	if plan.Prunes[0] != cm.Key || plan.Prunes[1] != ns.Key {
		t.Fatalf("bad prune order: %v", plan.Prunes)
	}
}

func TestBuildPlan_PruneDisabled(t *testing.T) {
	stale := mk(t, "v1", "ConfigMap", "web", "old", nil)
	keep := mk(t, "v1", "Service", "web", "frontend", nil)
	live := map[fleet.ResourceKey]fleet.Manifest{stale.Key: stale, keep.Key: keep}

	plan := BuildPlan([]fleet.Manifest{keep}, []fleet.ResourceKey{stale.Key, keep.Key}, live, false)
	if len(plan.Prunes) != 0 {
		t.Fatalf("prune disabled but plan prunes %v", plan.Prunes)
	}
}

func TestBuildPlan_CreatesOrderedByWeight(t *testing.T) {
	deploy := mk(t, "apps/v1", "Deployment", "web", "frontend", nil)
	sa := mk(t, "v1", "ServiceAccount", "web", "frontend", nil)
	ns := mk(t, "v1", "Namespace", "", "web", nil)

	plan := BuildPlan([]fleet.Manifest{deploy, sa, ns}, nil, nil, true)
	if len(plan.Creates) != 3 {
		t.Fatalf("expected 3 creates, got %d", len(plan.Creates))
	}
	if plan.Creates[0].Key.Kind != "Namespace" || plan.Creates[1].Key.Kind != "ServiceAccount" {
		t.Fatalf("bad create order: %v %v %v",
			plan.Creates[0].Key, plan.Creates[1].Key, plan.Creates[2].Key)
	}
}

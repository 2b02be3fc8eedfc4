// Package memory implements an in-process cluster runtime. It backs the
// cluster agent's local state and the deployer tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"dario.cat/mergo"

	"github.com/gitfleet/gitfleet/internal/fleet"
)

// Runtime holds live objects in memory. Apply performs a server-side merge:
// desired fields override, unmanaged live fields survive.
type Runtime struct {
	mu      sync.RWMutex
	objects map[fleet.ResourceKey]fleet.Manifest

	// failures makes Apply fail for specific keys, for tests.
	failures map[fleet.ResourceKey]error
}

// NewRuntime returns an empty in-memory runtime.
func NewRuntime() *Runtime {
	return &Runtime{
		objects:  make(map[fleet.ResourceKey]fleet.Manifest),
		failures: make(map[fleet.ResourceKey]error),
	}
}

// Live returns the live objects for the given keys.
func (r *Runtime) Live(ctx context.Context, keys []fleet.ResourceKey) (map[fleet.ResourceKey]fleet.Manifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[fleet.ResourceKey]fleet.Manifest, len(keys))
	for _, k := range keys {
		if m, ok := r.objects[k]; ok {
			out[k] = m.Clone()
		}
	}
	return out, nil
}

// Apply merges the manifest into the stored live object.
func (r *Runtime) Apply(ctx context.Context, m fleet.Manifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.failures[m.Key]; err != nil {
		return &fleet.ApplyError{Key: m.Key, Err: err}
	}

	live, ok := r.objects[m.Key]
	if !ok {
		r.objects[m.Key] = m.Clone()
		return nil
	}

	merged := live.Clone().Object
	if err := mergo.Merge(&merged, m.Clone().Object, mergo.WithOverride); err != nil {
		return &fleet.ApplyError{Key: m.Key, Err: fmt.Errorf("merge: %w", err)}
	}
	next, err := fleet.NewManifest(merged)
	if err != nil {
		return &fleet.ApplyError{Key: m.Key, Err: err}
	}
	r.objects[m.Key] = next
	return nil
}

// Delete removes the resource. Absent resources are a no-op.
func (r *Runtime) Delete(ctx context.Context, key fleet.ResourceKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.objects, key)
	return nil
}

// Mutate rewrites a live object in place, bypassing the merge. Tests use it
// to simulate out-of-band drift.
func (r *Runtime) Mutate(key fleet.ResourceKey, mutate func(map[string]any)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	live, ok := r.objects[key]
	if !ok {
		return fmt.Errorf("no live object for %s", key)
	}
	obj := live.Clone().Object
	mutate(obj)
	next, err := fleet.NewManifest(obj)
	if err != nil {
		return err
	}
	r.objects[key] = next
	return nil
}

// FailOn makes subsequent applies of key fail with err. A nil err clears
// the failure.
func (r *Runtime) FailOn(key fleet.ResourceKey, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failures, key)
		return
	}
	r.failures[key] = err
}

// Has reports whether a live object exists for key.
func (r *Runtime) Has(key fleet.ResourceKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.objects[key]
	return ok
}

// Len returns the number of live objects.
func (r *Runtime) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}

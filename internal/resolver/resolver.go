// Package resolver expands a fetched commit tree into a concrete manifest
// set. Overlay and chart paths are delegated to external tools; this
// package only dispatches, merges outputs deterministically and rejects
// duplicate resource identities.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gitfleet/gitfleet/internal/fleet"
)

// RenderRequest describes one external tool invocation.
type RenderRequest struct {
	// Dir is the absolute path of the configured path inside the tree.
	Dir  string
	Kind fleet.PathKind
	// OverlayDir is set for overlay paths.
	OverlayDir string
	// Chart and Values are set for chart paths.
	Chart  string
	Values map[string]string
}

// ToolRunner invokes an external templating or package tool and returns
// its rendered manifest byte stream. The tool's output is opaque to the
// resolver beyond being parseable YAML.
type ToolRunner interface {
	Render(ctx context.Context, req RenderRequest) ([]byte, error)
	Name() string
}

// Resolver turns (treePath, paths) into a manifest set.
type Resolver struct {
	logger *slog.Logger
	runner ToolRunner
}

// New creates a resolver that delegates overlay and chart paths to runner.
func New(runner ToolRunner, logger *slog.Logger) *Resolver {
	return &Resolver{logger: logger, runner: runner}
}

// Resolve renders every configured path and merges the outputs in path
// order. Two resources with the same identity across any paths fail the
// whole resolution with a ResolutionError; a broken input cannot be fixed
// by retrying.
func (r *Resolver) Resolve(ctx context.Context, treePath string, paths []fleet.PathConfig) ([]fleet.Manifest, error) {
	var merged []fleet.Manifest
	owners := map[fleet.ResourceKey]string{}

	for _, pc := range paths {
		set, err := r.resolvePath(ctx, treePath, pc)
		if err != nil {
			return nil, err
		}
		for _, m := range set {
			if prev, dup := owners[m.Key]; dup {
				return nil, &fleet.ResolutionError{
					Path: pc.Path,
					Err:  fmt.Errorf("resource %s already produced by path %q", m.Key, prev),
				}
			}
			owners[m.Key] = pc.Path
			merged = append(merged, m)
		}
	}

	fleet.SortManifests(merged)
	r.logger.Debug("resolved manifest set",
		"paths", len(paths),
		"manifests", len(merged),
	)
	return merged, nil
}

func (r *Resolver) resolvePath(ctx context.Context, treePath string, pc fleet.PathConfig) ([]fleet.Manifest, error) {
	dir := filepath.Join(treePath, filepath.Clean(pc.Path))

	switch pc.Kind {
	case fleet.PathRaw, "":
		return r.readRaw(dir, pc.Path)
	case fleet.PathOverlay, fleet.PathChart:
		out, err := r.runner.Render(ctx, RenderRequest{
			Dir:        dir,
			Kind:       pc.Kind,
			OverlayDir: pc.OverlayDir,
			Chart:      pc.Chart,
			Values:     pc.Values,
		})
		if err != nil {
			return nil, &fleet.ResolutionError{Path: pc.Path, Err: fmt.Errorf("%s render failed: %w", r.runner.Name(), err)}
		}
		set, err := fleet.ParseManifests(out)
		if err != nil {
			return nil, &fleet.ResolutionError{Path: pc.Path, Err: fmt.Errorf("tool output: %w", err)}
		}
		return set, nil
	default:
		return nil, &fleet.ResolutionError{Path: pc.Path, Err: fmt.Errorf("unknown path kind %q", pc.Kind)}
	}
}

// readRaw consumes plain manifest files from a directory in lexical order.
func (r *Resolver) readRaw(dir, configuredPath string) ([]fleet.Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &fleet.ResolutionError{Path: configuredPath, Err: err}
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			files = append(files, name)
		}
	}
	sort.Strings(files)

	var out []fleet.Manifest
	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, &fleet.ResolutionError{Path: configuredPath, Err: err}
		}
		set, err := fleet.ParseManifests(data)
		if err != nil {
			return nil, &fleet.ResolutionError{Path: filepath.Join(configuredPath, name), Err: err}
		}
		out = append(out, set...)
	}
	return out, nil
}

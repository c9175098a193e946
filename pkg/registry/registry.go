// Package registry implements the credential registry: an in-memory map
// from opaque credential string to its three numeric limits, loaded from a
// declarative YAML source and refreshed from it on explicit reload signals
// or a file-watch event. Lookups are O(1) against a point-in-time
// snapshot; reloads publish a new snapshot by atomic pointer swap, so an
// in-flight admission call always sees one consistent triple, never a
// partially-updated one.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Limits is the (rpm, itpm, otpm) triple for one credential, immutable
// between registry reloads.
type Limits struct {
	RPM  int64
	ITPM int64
	OTPM int64
}

type document struct {
	Keys map[string]struct {
		RequestsPerMinute     int64 `yaml:"request_per_minute"`
		InputTokensPerMinute  int64 `yaml:"input_tokens_per_minute"`
		OutputTokensPerMinute int64 `yaml:"output_tokens_per_minute"`
	} `yaml:"keys"`
}

// Registry holds the current credential -> Limits snapshot and knows how
// to reload it from its backing file.
type Registry struct {
	path     string
	snapshot atomic.Pointer[map[string]Limits]
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
}

// Load reads the credentials document at path and returns a ready
// Registry. The document shape is:
//
//	keys:
//	  <credential>:
//	    request_per_minute: <int>
//	    input_tokens_per_minute: <int>
//	    output_tokens_per_minute: <int>
func Load(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{path: path, logger: logger}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the backing file and atomically publishes a new
// snapshot. Existing lookups in flight continue to see the prior snapshot
// until this call completes.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("registry: reading %s: %w", r.path, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("registry: parsing %s: %w", r.path, err)
	}

	next := make(map[string]Limits, len(doc.Keys))
	for cred, cfg := range doc.Keys {
		next[cred] = Limits{
			RPM:  cfg.RequestsPerMinute,
			ITPM: cfg.InputTokensPerMinute,
			OTPM: cfg.OutputTokensPerMinute,
		}
	}

	r.snapshot.Store(&next)
	r.logger.Info("registry reloaded", "path", r.path, "credentials", len(next))
	return nil
}

// Lookup returns the limits for credential and whether it is known. An
// unknown credential is a distinct, observable outcome — it is never
// coerced into default limits.
func (r *Registry) Lookup(credential string) (Limits, bool) {
	snap := r.snapshot.Load()
	if snap == nil {
		return Limits{}, false
	}
	limits, ok := (*snap)[credential]
	return limits, ok
}

// Size returns the number of known credentials in the current snapshot.
func (r *Registry) Size() int {
	snap := r.snapshot.Load()
	if snap == nil {
		return 0
	}
	return len(*snap)
}

// WatchForChanges starts an fsnotify watch on the registry's backing file
// and calls Reload whenever it is written. It runs until ctx is canceled.
// Reload errors are logged and the previous snapshot is kept in place.
func (r *Registry) WatchForChanges(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("registry: starting watcher: %w", err)
	}
	if err := watcher.Add(r.path); err != nil {
		watcher.Close()
		return fmt.Errorf("registry: watching %s: %w", r.path, err)
	}
	r.watcher = watcher

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.Reload(); err != nil {
					r.logger.Error("registry reload failed", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Error("registry watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the file watcher, if one was started.
func (r *Registry) Close() error {
	if r.watcher == nil {
		return nil
	}
	return r.watcher.Close()
}

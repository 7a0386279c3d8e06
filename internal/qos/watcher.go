// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package qos

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Reloader is the subset of PolicyStore a Watcher refreshes from.
type Reloader interface {
	List(ctx context.Context) ([]Policy, error)
}

// Watcher triggers a PolicyStore reload whenever an operator touches a
// sentinel file, instead of waiting for a fixed poll interval — useful
// when an operator edits policies directly against the database and wants
// the running evaluator to pick them up immediately. It watches the
// sentinel's parent directory rather than the file itself, since an editor
// save often replaces the file (new inode) instead of writing in place,
// which would silently drop a direct watch.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	watching  bool
}

// NewWatcher creates a Watcher over the sentinel file at path. The file
// need not exist yet; only the parent directory must.
func NewWatcher(path string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create policy file watcher: %w", err)
	}
	return &Watcher{path: path, watcher: w}, nil
}

// Run watches path and calls SetPolicies on evaluator with the Reloader's
// current policy set on every write or re-creation of the file, until ctx
// is cancelled. Errors from
// the store or the watcher are logged, not fatal — a bad reload leaves the
// evaluator on its last-known-good policy set.
func (w *Watcher) Run(ctx context.Context, store Reloader, evaluator *Evaluator, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("watch policy directory %s: %w", dir, err)
	}
	w.watching = true
	w.mu.Unlock()

	for {
		select {
		case e, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if e.Name != w.path || e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			policies, err := store.List(ctx)
			if err != nil {
				log.Error("qos policy reload failed", "err", err)
				continue
			}
			evaluator.SetPolicies(policies)
			log.Info("qos policies reloaded", "count", len(policies))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("qos policy watcher error", "err", err)
		case <-ctx.Done():
			return w.Close()
		}
	}
}

// Close stops the underlying watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.watching {
		return nil
	}
	w.watching = false
	return w.watcher.Close()
}

// Copyright 2026 The iTaK Authors
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

// Package principal manages identities and their channel bindings. The
// registry is a schema-versioned JSON file, hot-reloaded on change, so
// bindings can be edited without restarting the agent.
package principal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Role orders principals by privilege: owner > sudo > user.
type Role string

const (
	RoleOwner Role = "owner"
	RoleSudo  Role = "sudo"
	RoleUser  Role = "user"
)

// Level maps roles onto a comparable privilege scale.
func (r Role) Level() int {
	switch r {
	case RoleOwner:
		return 3
	case RoleSudo:
		return 2
	case RoleUser:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether r grants at least the privilege of other.
func (r Role) AtLeast(other Role) bool {
	return r.Level() >= other.Level()
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r.Level() > 0
}

// Binding ties a principal to one identity on one channel.
type Binding struct {
	Channel    string `json:"channel"`
	ExternalID string `json:"external_id"`
}

// RatePolicy overrides the global per-principal limits.
type RatePolicy struct {
	RPM int64 `json:"rpm,omitempty"`
}

// Principal is one person (or service) the agent talks to.
type Principal struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Role       Role        `json:"role"`
	Bindings   []Binding   `json:"bindings,omitempty"`
	RatePolicy *RatePolicy `json:"rate_policy,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

const registrySchemaVersion = 1

type registryFile struct {
	SchemaVersion int          `json:"schema_version"`
	Principals    []*Principal `json:"principals"`
}

// Registry resolves channel identities to principals. Reads are lock
// cheap; the file watcher swaps the whole index on change.
type Registry struct {
	path string

	mu       sync.RWMutex
	byID     map[string]*Principal
	byChan   map[string]*Principal // "<channel>\x00<external_id>"
	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	stopCh   chan struct{}
}

func chanKey(channel, externalID string) string {
	return channel + "\x00" + externalID
}

// Load reads the registry and starts watching the file for changes. A
// missing file yields an empty registry; the first owner is usually
// added through the bootstrap flow.
func Load(path string) (*Registry, error) {
	r := &Registry{
		path:   path,
		byID:   map[string]*Principal{},
		byChan: map[string]*Principal{},
		stopCh: make(chan struct{}),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory: editors replace files by rename, which
	// drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch principals dir: %w", err)
	}
	r.watcher = watcher
	go r.watch()
	return r, nil
}

func (r *Registry) watch() {
	for {
		select {
		case <-r.stopCh:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(r.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.reload(); err != nil {
				slog.Error("principal registry reload failed, keeping previous state", "error", err)
				continue
			}
			slog.Info("principal registry reloaded", "path", r.path)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("principal registry watcher error", "error", err)
		}
	}
}

// reload parses the file and atomically swaps the indexes. A parse
// failure leaves the previous state intact.
func (r *Registry) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read principals: %w", err)
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse principals: %w", err)
	}
	if file.SchemaVersion != registrySchemaVersion {
		return fmt.Errorf("unsupported principals schema version %d", file.SchemaVersion)
	}

	byID := make(map[string]*Principal, len(file.Principals))
	byChan := map[string]*Principal{}
	for _, p := range file.Principals {
		if !p.Role.Valid() {
			return fmt.Errorf("principal %s has invalid role %q", p.ID, p.Role)
		}
		byID[p.ID] = p
		for _, b := range p.Bindings {
			byChan[chanKey(b.Channel, b.ExternalID)] = p
		}
	}

	r.mu.Lock()
	r.byID = byID
	r.byChan = byChan
	r.mu.Unlock()
	return nil
}

// Reload forces a re-read, for the admin reload command.
func (r *Registry) Reload() error { return r.reload() }

// Resolve maps a channel identity to its principal.
func (r *Registry) Resolve(channel, externalID string) (*Principal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byChan[chanKey(channel, externalID)]
	return p, ok
}

// Get returns a principal by id.
func (r *Registry) Get(id string) (*Principal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	return p, ok
}

// List returns all principals.
func (r *Registry) List() []*Principal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Principal, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p)
	}
	return out
}

// Upsert adds or replaces a principal and persists the registry.
// Callers enforce that only owner-initiated operations reach this.
func (r *Registry) Upsert(p *Principal) error {
	if !p.Role.Valid() {
		return fmt.Errorf("invalid role %q", p.Role)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	r.mu.Lock()
	r.byID[p.ID] = p
	for _, b := range p.Bindings {
		r.byChan[chanKey(b.Channel, b.ExternalID)] = p
	}
	r.mu.Unlock()
	return r.persist()
}

// Delete removes a principal and persists the registry.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	if p, ok := r.byID[id]; ok {
		for _, b := range p.Bindings {
			delete(r.byChan, chanKey(b.Channel, b.ExternalID))
		}
		delete(r.byID, id)
	}
	r.mu.Unlock()
	return r.persist()
}

func (r *Registry) persist() error {
	r.mu.RLock()
	file := registryFile{SchemaVersion: registrySchemaVersion}
	for _, p := range r.byID {
		file.Principals = append(file.Principals, p)
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal principals: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write principals: %w", err)
	}
	return os.Rename(tmp, r.path)
}

// Close stops the file watcher.
func (r *Registry) Close() error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

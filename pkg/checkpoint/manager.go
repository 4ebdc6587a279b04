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

package checkpoint

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const checkpointFile = "checkpoint.json"

// Manager owns checkpoint files under <dir>/<session>/checkpoint.json.
// One writer per session (per-session mutex); readers only run at
// restart. Writes are atomic: tmp, fsync, rename.
type Manager struct {
	dir         string
	minInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*sessionState
}

type sessionState struct {
	mu        sync.Mutex
	lastWrite time.Time
}

// NewManager creates the checkpoint root if needed. minInterval
// debounces unforced writes per session.
func NewManager(dir string, minInterval time.Duration) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	return &Manager{
		dir:         dir,
		minInterval: minInterval,
		sessions:    make(map[string]*sessionState),
	}, nil
}

func (m *Manager) session(key string) *sessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		s = &sessionState{}
		m.sessions[key] = s
	}
	return s
}

// sanitizeKey maps a session key (which contains ':') onto a directory
// name.
func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, key)
}

func (m *Manager) path(key string) string {
	return filepath.Join(m.dir, sanitizeKey(key), checkpointFile)
}

// Checkpoint persists the working context. Unforced writes within the
// debounce interval are skipped; forced writes (step transitions,
// before long external calls) always land.
func (m *Manager) Checkpoint(sessionKey string, wc *WorkingContext, force bool) error {
	s := m.session(sessionKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !force && time.Since(s.lastWrite) < m.minInterval {
		return nil
	}

	env := envelope{
		SchemaVersion: SchemaVersion,
		SessionKey:    sessionKey,
		SavedAt:       time.Now(),
		Context:       wc,
	}
	data, err := json.MarshalIndent(&env, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	path := m.path(sessionKey)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}
	if err := atomicWrite(path, data); err != nil {
		return err
	}
	s.lastWrite = time.Now()
	return nil
}

// atomicWrite guarantees the destination is either the old file or the
// complete new one, never a partial write.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create tmp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to fsync checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}

// Resume loads a session's working context. Absent files, unreadable
// files and schema mismatches all resolve to nil: the scheduler starts
// fresh rather than failing startup.
func (m *Manager) Resume(sessionKey string) (*WorkingContext, error) {
	data, err := os.ReadFile(m.path(sessionKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("corrupt checkpoint treated as absent", "session", sessionKey, "error", err)
		return nil, nil
	}
	if env.SchemaVersion != SchemaVersion {
		slog.Warn("checkpoint schema mismatch, downgrading to fresh start",
			"session", sessionKey,
			"found", env.SchemaVersion,
			"want", SchemaVersion)
		return nil, nil
	}
	return env.Context, nil
}

// Remove deletes a session's checkpoint after the task completes.
// Removing an absent checkpoint is a no-op.
func (m *Manager) Remove(sessionKey string) error {
	s := m.session(sessionKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(m.path(sessionKey))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove checkpoint: %w", err)
	}
	return nil
}

// List returns session keys that currently have a checkpoint on disk.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.dir, e.Name(), checkpointFile))
		if err != nil {
			continue
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.SessionKey != "" {
			keys = append(keys, env.SessionKey)
		}
	}
	return keys, nil
}

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

package budget

import (
	"context"
	"sync"
	"time"
)

// Counter is one windowed counter row.
type Counter struct {
	Requests     int64
	TokensIn     int64
	TokensOut    int64
	Cost         float64
	AuthFailures int64
	WindowEnd    time.Time
	UpdatedAt    time.Time
}

// Delta is an additive counter change. Negative values roll usage back.
type Delta struct {
	Requests     int64
	TokensIn     int64
	TokensOut    int64
	Cost         float64
	AuthFailures int64
}

// Store persists windowed counters. Implementations must apply Add
// atomically per (scope, identifier, window) key.
type Store interface {
	// Get returns the counter for the current window, resetting it if
	// the stored window has expired.
	Get(ctx context.Context, scope Scope, identifier string, window Window) (Counter, error)

	// Add applies a delta to the current window's counter and returns
	// the updated value.
	Add(ctx context.Context, scope Scope, identifier string, window Window, delta Delta) (Counter, error)

	// Snapshot returns all live counters.
	Snapshot(ctx context.Context) ([]CounterSnapshot, error)

	Close() error
}

type counterKey struct {
	scope      Scope
	identifier string
	window     Window
}

// MemoryStore is the in-process Store used in tests and single-node
// deployments without usage persistence.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[counterKey]*Counter
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[counterKey]*Counter)}
}

func (s *MemoryStore) current(key counterKey, now time.Time) *Counter {
	c, ok := s.counters[key]
	if !ok || c.WindowEnd.Before(now) {
		c = &Counter{WindowEnd: now.Add(key.window.Duration()), UpdatedAt: now}
		s.counters[key] = c
	}
	return c
}

func (s *MemoryStore) Get(_ context.Context, scope Scope, identifier string, window Window) (Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.current(counterKey{scope, identifier, window}, time.Now()), nil
}

func (s *MemoryStore) Add(_ context.Context, scope Scope, identifier string, window Window, delta Delta) (Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	c := s.current(counterKey{scope, identifier, window}, now)
	c.Requests += delta.Requests
	c.TokensIn += delta.TokensIn
	c.TokensOut += delta.TokensOut
	c.Cost += delta.Cost
	c.AuthFailures += delta.AuthFailures
	c.UpdatedAt = now
	return *c, nil
}

func (s *MemoryStore) Snapshot(_ context.Context) ([]CounterSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	out := make([]CounterSnapshot, 0, len(s.counters))
	for key, c := range s.counters {
		if c.WindowEnd.Before(now) {
			continue
		}
		out = append(out, CounterSnapshot{
			Scope:        key.scope,
			Identifier:   key.identifier,
			Window:       key.window,
			Requests:     c.Requests,
			TokensIn:     c.TokensIn,
			TokensOut:    c.TokensOut,
			Cost:         c.Cost,
			AuthFailures: c.AuthFailures,
			WindowEnd:    c.WindowEnd,
			UpdatedAt:    c.UpdatedAt,
		})
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

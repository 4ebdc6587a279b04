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

package auth

import (
	"sync"
	"time"
)

// lockoutTracker counts authentication failures per remote within a
// sliding window and locks the remote out once the cap is hit.
type lockoutTracker struct {
	max      int
	window   time.Duration
	duration time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*lockoutEntry
}

type lockoutEntry struct {
	failures    []time.Time
	lockedUntil time.Time
}

func newLockoutTracker(max int, window, duration time.Duration) *lockoutTracker {
	return &lockoutTracker{
		max:      max,
		window:   window,
		duration: duration,
		now:      time.Now,
		entries:  make(map[string]*lockoutEntry),
	}
}

// Locked reports whether the remote is currently locked out.
func (t *lockoutTracker) Locked(remote string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[remote]
	if !ok {
		return false
	}
	if t.now().Before(e.lockedUntil) {
		return true
	}
	return false
}

// RecordFailure notes one failed attempt and returns true when the
// failure tips the remote into lockout.
func (t *lockoutTracker) RecordFailure(remote string) bool {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[remote]
	if !ok {
		e = &lockoutEntry{}
		t.entries[remote] = e
	}

	cutoff := now.Add(-t.window)
	kept := e.failures[:0]
	for _, ts := range e.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.failures = append(kept, now)

	if len(e.failures) >= t.max {
		e.lockedUntil = now.Add(t.duration)
		e.failures = nil
		return true
	}
	return false
}

// Reset clears failure history after a successful authentication.
func (t *lockoutTracker) Reset(remote string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, remote)
}

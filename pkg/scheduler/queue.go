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

package scheduler

import (
	"context"
	"sync"
)

// sessionQueues serializes monologues per session. The holder of a
// session's slot runs one full monologue; waiters queue in FIFO order
// on the channel.
type sessionQueues struct {
	mu      sync.Mutex
	slots   map[string]chan struct{}
	cancels map[string]context.CancelFunc
}

func newSessionQueues() *sessionQueues {
	return &sessionQueues{
		slots:   make(map[string]chan struct{}),
		cancels: make(map[string]context.CancelFunc),
	}
}

// acquire blocks until the session's slot is free, then claims it. The
// returned func releases the slot.
func (q *sessionQueues) acquire(ctx context.Context, key string) (func(), error) {
	q.mu.Lock()
	slot, ok := q.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		q.slots[key] = slot
	}
	q.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *sessionQueues) setCancel(key string, cancel context.CancelFunc) {
	q.mu.Lock()
	q.cancels[key] = cancel
	q.mu.Unlock()
}

func (q *sessionQueues) clearCancel(key string) {
	q.mu.Lock()
	delete(q.cancels, key)
	q.mu.Unlock()
}

// cancel signals the in-flight monologue on key, if any.
func (q *sessionQueues) cancel(key string) bool {
	q.mu.Lock()
	cancel, ok := q.cancels[key]
	q.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

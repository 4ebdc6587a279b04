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

package server

import (
	"sync"

	"github.com/itak-ai/itak/pkg/scheduler"
)

// subBuffer bounds each subscriber's backlog; a stalled SSE client
// loses events rather than blocking the scheduler.
const subBuffer = 64

// EventHub fans scheduler progress events out to per-session SSE
// subscribers. Publish satisfies scheduler.Listener.
type EventHub struct {
	mu   sync.Mutex
	subs map[string]map[chan scheduler.Event]struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[string]map[chan scheduler.Event]struct{})}
}

func (h *EventHub) Publish(ev scheduler.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[ev.Session] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a listener for one session's events. The
// returned cancel must be called to release the channel.
func (h *EventHub) Subscribe(sessionKey string) (<-chan scheduler.Event, func()) {
	ch := make(chan scheduler.Event, subBuffer)
	h.mu.Lock()
	if h.subs[sessionKey] == nil {
		h.subs[sessionKey] = make(map[chan scheduler.Event]struct{})
	}
	h.subs[sessionKey][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs[sessionKey], ch)
		if len(h.subs[sessionKey]) == 0 {
			delete(h.subs, sessionKey)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

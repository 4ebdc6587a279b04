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

import "time"

// EventKind labels one progress event.
type EventKind string

const (
	EventPlan       EventKind = "plan"
	EventStepStart  EventKind = "step_start"
	EventStepEnd    EventKind = "step_end"
	EventToolResult EventKind = "tool_result"
	EventFinal      EventKind = "final"
	EventError      EventKind = "error"
)

// Event is one progress notification. Adapters subscribe and format
// per their medium; the dashboard streams them over SSE.
type Event struct {
	Kind      EventKind `json:"kind"`
	Session   string    `json:"session"`
	Step      int       `json:"step,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Listener receives progress events. Implementations must not block;
// slow consumers should buffer internally.
type Listener func(Event)

func (s *Scheduler) publish(kind EventKind, session string, step int, tool, summary, errMsg string) {
	if s.notify == nil {
		return
	}
	s.notify(Event{
		Kind:      kind,
		Session:   session,
		Step:      step,
		Tool:      tool,
		Summary:   summary,
		Error:     errMsg,
		Timestamp: time.Now(),
	})
}

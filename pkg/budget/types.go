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

// Package budget enforces request-rate and cost limits across nested
// buckets: one global bucket, one per tool and one per principal. A
// reservation must succeed in every applicable bucket atomically.
package budget

import (
	"time"
)

// Window is a rate or cost accounting window.
type Window string

const (
	WindowMinute Window = "minute"
	WindowDay    Window = "day"
	WindowWeek   Window = "week"
	WindowMonth  Window = "month"
)

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowDay:
		return 24 * time.Hour
	case WindowWeek:
		return 7 * 24 * time.Hour
	case WindowMonth:
		return 30 * 24 * time.Hour // approximate month
	default:
		return time.Minute
	}
}

// Scope identifies a bucket family.
type Scope string

const (
	ScopeGlobal    Scope = "global"
	ScopePrincipal Scope = "principal"
	ScopeTool      Scope = "tool"
)

// Request describes a pending operation to be reserved against the
// limiter before any provider or tool call is made.
type Request struct {
	Principal       string
	Tool            string // role name for model calls, tool name for tool calls
	EstimatedCost   float64
	EstimatedTokens int64
	// Free marks local-model requests: cost buckets are bypassed,
	// request-rate buckets are not.
	Free bool
}

// Actuals carries the real usage observed after a call completes.
type Actuals struct {
	Cost      float64
	TokensIn  int64
	TokensOut int64
}

// Reservation is a token returned by Reserve. Exactly one of Commit or
// Rollback must be called for each reservation.
type Reservation struct {
	ID        string
	Principal string
	Tool      string
	Estimated Actuals
	Free      bool
	createdAt time.Time
	settled   bool
}

// CounterSnapshot reports one window's counters for observability and
// the GET /costs endpoint.
type CounterSnapshot struct {
	Scope        Scope     `json:"scope"`
	Identifier   string    `json:"identifier"`
	Window       Window    `json:"window"`
	Requests     int64     `json:"requests"`
	TokensIn     int64     `json:"tokens_in"`
	TokensOut    int64     `json:"tokens_out"`
	Cost         float64   `json:"cost"`
	AuthFailures int64     `json:"auth_failures"`
	WindowEnd    time.Time `json:"window_end"`
	UpdatedAt    time.Time `json:"updated_at"`
}

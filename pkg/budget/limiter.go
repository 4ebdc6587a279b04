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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itak-ai/itak/pkg/config"
)

// SoftWarningFunc is invoked once per window when spend crosses the
// soft threshold. It must not block.
type SoftWarningFunc func(window Window, spent, limit float64)

// Limiter enforces nested request-rate buckets and daily/weekly/monthly
// cost budgets. Reserve is the critical section; Commit and Rollback
// are additive.
type Limiter struct {
	cfg     *config.LimitsConfig
	lockout *config.SecurityConfig
	store   Store
	onSoft  SoftWarningFunc

	mu           sync.Mutex
	reservations map[string]*Reservation
	inflightCost float64
	lockedUntil  map[string]time.Time
	softWarned   map[Window]time.Time
	overrideTil  time.Time
}

// NewLimiter creates a Limiter over the given counter store.
func NewLimiter(cfg *config.LimitsConfig, sec *config.SecurityConfig, store Store, onSoft SoftWarningFunc) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	return &Limiter{
		cfg:          cfg,
		lockout:      sec,
		store:        store,
		onSoft:       onSoft,
		reservations: make(map[string]*Reservation),
		lockedUntil:  make(map[string]time.Time),
		softWarned:   make(map[Window]time.Time),
	}, nil
}

var costWindows = []Window{WindowDay, WindowWeek, WindowMonth}

func (l *Limiter) costLimit(w Window) float64 {
	switch w {
	case WindowDay:
		return l.cfg.DailyBudgetUSD
	case WindowWeek:
		return l.cfg.WeeklyBudgetUSD
	default:
		return l.cfg.MonthlyBudget
	}
}

// Reserve checks every applicable bucket and, if all pass, records the
// request against them atomically. Callers must settle the returned
// reservation with Commit or Rollback.
func (l *Limiter) Reserve(ctx context.Context, req Request) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if until, locked := l.lockedUntil[req.Principal]; locked {
		if time.Now().Before(until) {
			return nil, &LockedError{Principal: req.Principal, Until: until}
		}
		delete(l.lockedUntil, req.Principal)
	}

	// Rate buckets apply to every request, free models included.
	type bucket struct {
		scope Scope
		id    string
		limit int64
	}
	buckets := []bucket{{ScopeGlobal, "global", l.cfg.GlobalRPM}}
	if req.Principal != "" {
		buckets = append(buckets, bucket{ScopePrincipal, req.Principal, l.cfg.PerPrincipalRPM})
	}
	if req.Tool != "" {
		buckets = append(buckets, bucket{ScopeTool, req.Tool, l.cfg.PerToolRPM})
	}

	for _, b := range buckets {
		c, err := l.store.Get(ctx, b.scope, b.id, WindowMinute)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s bucket: %w", b.scope, err)
		}
		if b.limit > 0 && c.Requests >= b.limit {
			return nil, &DeniedError{Scope: b.scope, Identifier: b.id, RetryAfter: time.Until(c.WindowEnd)}
		}
	}

	// Cost budgets: estimated spend plus in-flight reservations must
	// stay under the hard threshold. Free models bypass this check.
	if !req.Free && time.Now().After(l.overrideTil) {
		for _, w := range costWindows {
			limit := l.costLimit(w)
			if limit <= 0 {
				continue
			}
			c, err := l.store.Get(ctx, ScopeGlobal, "global", w)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s cost counter: %w", w, err)
			}
			hard := limit * l.cfg.HardPct
			if c.Cost+l.inflightCost+req.EstimatedCost > hard {
				return nil, &BudgetExceededError{Window: w, Spent: c.Cost, Limit: hard, Estimated: req.EstimatedCost}
			}
			soft := limit * l.cfg.SoftPct
			if c.Cost+req.EstimatedCost > soft && l.onSoft != nil {
				if warned, ok := l.softWarned[w]; !ok || warned.Before(c.WindowEnd.Add(-w.Duration())) {
					l.softWarned[w] = time.Now()
					go l.onSoft(w, c.Cost, limit)
				}
			}
		}
	}

	// All buckets pass: record the request count now (all-or-nothing,
	// under the limiter lock).
	applied := make([]bucket, 0, len(buckets))
	for _, b := range buckets {
		if _, err := l.store.Add(ctx, b.scope, b.id, WindowMinute, Delta{Requests: 1}); err != nil {
			for _, undo := range applied {
				_, _ = l.store.Add(ctx, undo.scope, undo.id, WindowMinute, Delta{Requests: -1})
			}
			return nil, fmt.Errorf("failed to record reservation: %w", err)
		}
		applied = append(applied, b)
	}

	res := &Reservation{
		ID:        uuid.NewString(),
		Principal: req.Principal,
		Tool:      req.Tool,
		Estimated: Actuals{Cost: req.EstimatedCost, TokensIn: req.EstimatedTokens},
		Free:      req.Free,
		createdAt: time.Now(),
	}
	l.reservations[res.ID] = res
	if !req.Free {
		l.inflightCost += req.EstimatedCost
	}
	return res, nil
}

// Commit settles a reservation with observed actuals.
func (l *Limiter) Commit(ctx context.Context, res *Reservation, actual Actuals) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.settle(res); err != nil {
		return err
	}

	delta := Delta{TokensIn: actual.TokensIn, TokensOut: actual.TokensOut}
	if !res.Free {
		delta.Cost = actual.Cost
	}
	for _, w := range costWindows {
		if _, err := l.store.Add(ctx, ScopeGlobal, "global", w, delta); err != nil {
			return fmt.Errorf("failed to commit usage: %w", err)
		}
	}
	if res.Principal != "" {
		for _, w := range costWindows {
			if _, err := l.store.Add(ctx, ScopePrincipal, res.Principal, w, delta); err != nil {
				return fmt.Errorf("failed to commit principal usage: %w", err)
			}
		}
	}
	return nil
}

// Rollback releases a reservation, restoring request counters to their
// pre-reserve values exactly.
func (l *Limiter) Rollback(ctx context.Context, res *Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.settle(res); err != nil {
		return err
	}

	_, _ = l.store.Add(ctx, ScopeGlobal, "global", WindowMinute, Delta{Requests: -1})
	if res.Principal != "" {
		_, _ = l.store.Add(ctx, ScopePrincipal, res.Principal, WindowMinute, Delta{Requests: -1})
	}
	if res.Tool != "" {
		_, _ = l.store.Add(ctx, ScopeTool, res.Tool, WindowMinute, Delta{Requests: -1})
	}
	return nil
}

func (l *Limiter) settle(res *Reservation) error {
	if res == nil {
		return ErrUnknownReservation
	}
	held, ok := l.reservations[res.ID]
	if !ok || held.settled {
		return ErrUnknownReservation
	}
	held.settled = true
	delete(l.reservations, res.ID)
	if !held.Free {
		l.inflightCost -= held.Estimated.Cost
	}
	return nil
}

// RecordAuthFailure counts a failed authentication attempt. Crossing
// the configured threshold within the window enters lockout.
func (l *Limiter) RecordAuthFailure(ctx context.Context, principal string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, err := l.store.Add(ctx, ScopePrincipal, principal, WindowMinute, Delta{AuthFailures: 1})
	if err != nil {
		return fmt.Errorf("failed to record auth failure: %w", err)
	}
	if int(c.AuthFailures) >= l.lockout.AuthLockoutMax {
		until := time.Now().Add(l.lockout.LockoutDuration())
		l.lockedUntil[principal] = until
		slog.Warn("principal locked out after repeated auth failures",
			"principal", principal, "failures", c.AuthFailures, "until", until)
	}
	return nil
}

// IsLocked reports the active lockout for a principal, if any.
func (l *Limiter) IsLocked(principal string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.lockedUntil[principal]
	if ok && time.Now().After(until) {
		delete(l.lockedUntil, principal)
		return time.Time{}, false
	}
	return until, ok
}

// Override suspends hard-budget denials for the given duration. Only
// the owner role may issue this; the caller enforces that.
func (l *Limiter) Override(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrideTil = time.Now().Add(d)
	slog.Info("cost budget override active", "until", l.overrideTil)
}

// Snapshot returns current counters for the costs endpoint.
func (l *Limiter) Snapshot(ctx context.Context) ([]CounterSnapshot, error) {
	return l.store.Snapshot(ctx)
}

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

package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/itak-ai/itak/pkg/store"
)

// PressureLevel classifies context utilization against the configured
// thresholds.
type PressureLevel int

const (
	PressureNone PressureLevel = iota
	PressureSoft
	PressureHard
)

// Classify maps a utilization ratio onto a pressure level. Exactly at
// the soft threshold counts as soft: action is taken on the next turn,
// not the current one.
func (f *Fabric) Classify(utilization float64) PressureLevel {
	switch {
	case utilization >= f.cfg.HardPressure:
		return PressureHard
	case utilization >= f.cfg.SoftPressure:
		return PressureSoft
	default:
		return PressureNone
	}
}

// CompressTurns summarizes a block of raw transcript turns with the
// utility model and stores the summary as a recall entry. The caller
// (the scheduler) drops the raw turns from its prompt; they remain in
// the transcript file.
func (f *Fabric) CompressTurns(ctx context.Context, principal, session string, turns []string) (*store.Entry, error) {
	if f.summarize == nil {
		return nil, fmt.Errorf("no utility model available for compression")
	}
	block := strings.Join(turns, "\n")
	summary, err := f.summarize(ctx, principal, block)
	if err != nil {
		return nil, fmt.Errorf("turn compression failed: %w", err)
	}
	return f.Remember(ctx, principal, summary, RememberOptions{
		Tags:          []string{"summary"},
		Priority:      store.PriorityHigh,
		SourceSession: session,
	})
}

// DemoteStale pushes the least recently used normal-priority recall
// entries down to archival. Only entries whose derivation has converged
// are demoted: archival must already hold the derived views before the
// recall row stops being authoritative.
func (f *Fabric) DemoteStale(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 16
	}
	stale, err := f.rel.LeastRecentlyUsed(ctx, limit)
	if err != nil {
		return 0, err
	}
	demoted := 0
	for _, entry := range stale {
		if entry.DerivationPending {
			continue
		}
		if err := f.rel.SetTier(ctx, entry.ID, store.TierArchival); err != nil {
			slog.Warn("failed to demote entry", "id", entry.ID, "error", err)
			continue
		}
		demoted++
	}
	if demoted > 0 {
		slog.Info("demoted stale recall entries", "count", demoted)
	}
	return demoted, nil
}

// ReportPressure is the scheduler's per-turn notification. Hard
// pressure triggers LRU demotion immediately; soft pressure is returned
// to the caller, which owns turn compression because it owns the
// prompt.
func (f *Fabric) ReportPressure(ctx context.Context, utilization float64) (PressureLevel, error) {
	level := f.Classify(utilization)
	if level == PressureHard {
		if _, err := f.DemoteStale(ctx, 16); err != nil {
			return level, err
		}
	}
	return level, nil
}

// Stats summarizes fabric state for the dashboard.
type Stats struct {
	Health             map[string]store.Health `json:"health"`
	PendingDerivations int                     `json:"pending_derivations"`
	CollectedAt        time.Time               `json:"collected_at"`
}

func (f *Fabric) CollectStats(ctx context.Context) *Stats {
	pending, err := f.PendingDerivations(ctx)
	if err != nil {
		pending = -1
	}
	return &Stats{
		Health:             f.Health(ctx),
		PendingDerivations: pending,
		CollectedAt:        time.Now(),
	}
}

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
	"log/slog"
	"time"

	"github.com/itak-ai/itak/pkg/store"
)

const (
	reconcileInterval = time.Minute
	reconcileBatch    = 32
	deriveTimeout     = 30 * time.Second
)

// enqueueDerivation hands an entry to the background worker. A full
// queue marks the entry pending so the reconcile pass picks it up.
func (f *Fabric) enqueueDerivation(ctx context.Context, id string) {
	select {
	case f.deriveCh <- id:
	default:
		slog.Warn("derivation queue full, deferring to reconcile", "id", id)
		if err := f.rel.SetDerivationPending(ctx, id, true); err != nil {
			slog.Error("failed to flag derivation pending", "id", id, "error", err)
		}
	}
}

func (f *Fabric) deriveWorker() {
	defer f.wg.Done()
	for {
		select {
		case <-f.stopCh:
			// Drain what is already queued before shutting down.
			for {
				select {
				case id := <-f.deriveCh:
					f.deriveOne(id)
				default:
					return
				}
			}
		case id := <-f.deriveCh:
			f.deriveOne(id)
		}
	}
}

// deriveOne computes the archival views for one entry: embedding into
// the vector store and entity co-occurrence edges into the graph. All
// writes converge on the entry's id. Failure flags the entry pending;
// success clears the flag.
func (f *Fabric) deriveOne(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), deriveTimeout)
	defer cancel()

	entry, err := f.rel.Get(ctx, id)
	if err != nil || entry == nil {
		// Forgotten before derivation ran; nothing to converge.
		return
	}

	if err := f.deriveEntry(ctx, entry); err != nil {
		slog.Warn("archival derivation failed", "id", id, "error", err)
		if ferr := f.rel.SetDerivationPending(ctx, id, true); ferr != nil {
			slog.Error("failed to flag derivation pending", "id", id, "error", ferr)
		}
		return
	}
	if entry.DerivationPending {
		if err := f.rel.SetDerivationPending(ctx, id, false); err != nil {
			slog.Error("failed to clear derivation pending", "id", id, "error", err)
		}
	}
}

func (f *Fabric) deriveEntry(ctx context.Context, entry *store.Entry) error {
	if f.vec != nil && f.embed != nil {
		vector, err := f.embed(ctx, entry.PrincipalID, entry.Content)
		if err != nil {
			return err
		}
		payload := map[string]any{
			"principal_id": entry.PrincipalID,
			"content":      entry.Content,
			"tier":         string(entry.Tier),
		}
		if err := f.vec.Upsert(ctx, entry.ID, vector, payload); err != nil {
			return err
		}
	}

	if f.graph != nil && len(entry.Entities) > 1 {
		// Pairwise co-occurrence within one entry is the relation
		// signal; the triple key makes re-derivation idempotent.
		now := time.Now()
		for i := 0; i < len(entry.Entities); i++ {
			for j := i + 1; j < len(entry.Entities); j++ {
				rel := &store.Relation{
					Subject:        entry.Entities[i],
					Predicate:      "mentioned_with",
					Object:         entry.Entities[j],
					SourceMemoryID: entry.ID,
					Confidence:     0.5,
					CreatedAt:      now,
				}
				if err := f.graph.UpsertRelation(ctx, rel); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// reconcileWorker periodically re-runs derivation for entries whose
// archival writes failed, bounding the recall/archival divergence.
func (f *Fabric) reconcileWorker() {
	defer f.wg.Done()
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.reconcileOnce()
		}
	}
}

func (f *Fabric) reconcileOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), deriveTimeout)
	defer cancel()

	pending, err := f.rel.ListDerivationPending(ctx, reconcileBatch)
	if err != nil {
		slog.Warn("reconcile listing failed", "error", err)
		return
	}
	for _, entry := range pending {
		f.deriveOne(entry.ID)
	}
	if len(pending) > 0 {
		slog.Info("reconciled pending derivations", "count", len(pending))
	}
}

// PendingDerivations exposes the current divergence for observability.
func (f *Fabric) PendingDerivations(ctx context.Context) (int, error) {
	pending, err := f.rel.ListDerivationPending(ctx, 1000)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

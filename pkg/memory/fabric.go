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

// Package memory implements the tiered memory fabric: core markdown
// context, recall (relational), archival (vector + graph) and external
// (on-demand RAG). Writes go through recall synchronously; archival
// derivation is eventual, bounded by a reconcile worker.
package memory

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/itak-ai/itak/pkg/config"
	"github.com/itak-ai/itak/pkg/itakerrors"
	"github.com/itak-ai/itak/pkg/store"
)

// EmbedFunc produces an embedding for derivation and vector search.
type EmbedFunc func(ctx context.Context, principal, text string) ([]float32, error)

// SummarizeFunc compresses text with the utility model.
type SummarizeFunc func(ctx context.Context, principal, text string) (string, error)

const (
	// forgetTokenTTL bounds how long a forget confirmation stays valid.
	forgetTokenTTL = 5 * time.Minute
	// accessWindowTTL is the window over which access counts feed
	// promotion decisions.
	accessWindowTTL = 30 * time.Minute
	deriveQueueSize = 256
)

// Fabric coordinates the four tiers behind one write/read/forget
// surface. Safe for concurrent use.
type Fabric struct {
	cfg       *config.MemoryConfig
	rel       store.Relational
	graph     store.Graph
	vec       store.Vector
	embed     EmbedFunc
	summarize SummarizeFunc

	deriveCh chan string
	stopCh   chan struct{}
	wg       sync.WaitGroup

	// accessWindow counts retrievals per entry within a sliding window;
	// crossing the promote threshold mirrors an archival entry back
	// into recall.
	accessWindow *expirable.LRU[string, int]
	// forgetTokens maps a confirmation token to the entry ids it
	// authorizes deleting.
	forgetTokens *expirable.LRU[string, []string]
}

// New wires the fabric and starts its derivation and reconcile workers.
func New(cfg *config.MemoryConfig, rel store.Relational, graph store.Graph, vec store.Vector, embed EmbedFunc, summarize SummarizeFunc) *Fabric {
	f := &Fabric{
		cfg:          cfg,
		rel:          rel,
		graph:        graph,
		vec:          vec,
		embed:        embed,
		summarize:    summarize,
		deriveCh:     make(chan string, deriveQueueSize),
		stopCh:       make(chan struct{}),
		accessWindow: expirable.NewLRU[string, int](4096, nil, accessWindowTTL),
		forgetTokens: expirable.NewLRU[string, []string](128, nil, forgetTokenTTL),
	}
	f.wg.Add(2)
	go f.deriveWorker()
	go f.reconcileWorker()
	return f
}

// Close stops background workers and drains in-flight derivation.
func (f *Fabric) Close() error {
	close(f.stopCh)
	f.wg.Wait()
	return nil
}

// ContentHash returns the dedup key for a piece of content: whitespace
// collapsed, case preserved.
func ContentHash(content string) string {
	normalized := strings.Join(strings.Fields(content), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// RememberOptions carries optional entry attributes.
type RememberOptions struct {
	Tags          []string
	Priority      store.Priority
	SourceSession string
	SharedWith    []string
}

// Remember writes content to recall synchronously and enqueues archival
// derivation. Duplicate content within the dedup window converges on
// the existing entry: the write is absorbed as a touch.
func (f *Fabric) Remember(ctx context.Context, principal, content string, opts RememberOptions) (*store.Entry, error) {
	if strings.TrimSpace(content) == "" {
		return nil, itakerrors.New(itakerrors.CategoryInvalidArgs, "cannot remember empty content")
	}

	hash := ContentHash(content)
	since := time.Now().Add(-f.cfg.DedupWindowDuration())
	if existing, err := f.rel.FindByHash(ctx, principal, hash, since); err == nil && existing != nil {
		if err := f.rel.Touch(ctx, existing.ID, time.Now()); err != nil {
			slog.Warn("failed to touch deduplicated entry", "id", existing.ID, "error", err)
		}
		return existing, nil
	}

	priority := opts.Priority
	if priority == "" {
		priority = store.PriorityNormal
	}
	tags := append(ExtractTags(content), opts.Tags...)
	now := time.Now()
	entry := &store.Entry{
		ID:            uuid.NewString(),
		PrincipalID:   principal,
		Tier:          store.TierRecall,
		Content:       content,
		Entities:      ExtractEntities(content),
		Tags:          dedupeStrings(tags),
		Priority:      priority,
		SourceSession: opts.SourceSession,
		ContentHash:   hash,
		SharedWith:    opts.SharedWith,
		CreatedAt:     now,
		LastAccessed:  now,
	}
	if err := f.rel.Put(ctx, entry); err != nil {
		return nil, itakerrors.Wrap(itakerrors.CategoryProviderTransient, err, "recall write failed")
	}

	f.enqueueDerivation(ctx, entry.ID)
	return entry, nil
}

// Search runs the three retrieval channels in parallel, fuses their
// rankings and returns up to k entries scoped to the principal. Any
// unavailable channel is skipped; recall alone is enough to answer.
func (f *Fabric) Search(ctx context.Context, principal, query string, k int) ([]*store.Entry, error) {
	if k <= 0 {
		k = f.cfg.RecallLimit
	}

	var (
		candidates []*store.Entry
		vecHits    []store.VectorResult
		graphHits  []store.GraphHit
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Widened candidate pool so BM25 has a corpus to score against.
		got, err := f.rel.Search(gctx, principal, query, k*4)
		if err != nil {
			slog.Warn("recall search unavailable", "error", err)
			return nil
		}
		candidates = got
		return nil
	})
	g.Go(func() error {
		if f.vec == nil || f.embed == nil {
			return nil
		}
		qvec, err := f.embed(gctx, principal, query)
		if err != nil {
			slog.Warn("query embedding unavailable", "error", err)
			return nil
		}
		hits, err := f.vec.Search(gctx, qvec, k, map[string]any{"principal_id": principal})
		if err != nil {
			slog.Warn("vector search unavailable", "error", err)
			return nil
		}
		vecHits = hits
		return nil
	})
	g.Go(func() error {
		if f.graph == nil {
			return nil
		}
		entities := ExtractEntities(query)
		if len(entities) == 0 {
			return nil
		}
		hits, err := f.graph.Neighbors(gctx, entities, 2)
		if err != nil {
			slog.Warn("graph traversal unavailable", "error", err)
			return nil
		}
		graphHits = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ids := f.rank(query, candidates, vecHits, graphHits)
	entries := f.resolve(ctx, principal, ids, candidates, k)
	f.touchAll(ctx, entries)
	return entries, nil
}

// rank builds per-channel rankings and fuses them.
func (f *Fabric) rank(query string, candidates []*store.Entry, vecHits []store.VectorResult, graphHits []store.GraphHit) []string {
	bm25 := bm25Scores(query, candidates)
	bm25Rank := make(rankedList, 0, len(candidates))
	for _, e := range candidates {
		if bm25[e.ID] > 0 {
			bm25Rank = append(bm25Rank, e.ID)
		}
	}
	// rel.Search returns recency order; re-sort by bm25 for the rank
	// channel.
	sortByScore(bm25Rank, bm25)

	vecScores := map[string]float64{}
	vecRank := make(rankedList, 0, len(vecHits))
	for _, h := range vecHits {
		vecRank = append(vecRank, h.ID)
		vecScores[h.ID] = float64(h.Score)
	}

	graphScores := graphProximity(graphHits)
	graphRank := make(rankedList, 0, len(graphScores))
	for id := range graphScores {
		graphRank = append(graphRank, id)
	}
	sortByScore(graphRank, graphScores)

	return fuse(&f.cfg.Ranker, vecRank, bm25Rank, graphRank,
		normalize(vecScores), normalize(bm25), normalize(graphScores))
}

// resolve loads ranked ids into entries, enforcing principal isolation
// for hits that arrived via archival channels, and truncates to k.
func (f *Fabric) resolve(ctx context.Context, principal string, ids []string, candidates []*store.Entry, k int) []*store.Entry {
	byID := make(map[string]*store.Entry, len(candidates))
	for _, e := range candidates {
		byID[e.ID] = e
	}

	out := make([]*store.Entry, 0, k)
	for _, id := range ids {
		if len(out) >= k {
			break
		}
		entry, ok := byID[id]
		if !ok {
			loaded, err := f.rel.Get(ctx, id)
			if err != nil || loaded == nil {
				continue
			}
			entry = loaded
		}
		if !visibleTo(entry, principal) {
			continue
		}
		out = append(out, entry)
	}
	return out
}

func visibleTo(e *store.Entry, principal string) bool {
	if e.PrincipalID == principal {
		return true
	}
	for _, p := range e.SharedWith {
		if p == principal {
			return true
		}
	}
	return false
}

// touchAll updates access bookkeeping and promotes hot archival
// entries back into recall.
func (f *Fabric) touchAll(ctx context.Context, entries []*store.Entry) {
	now := time.Now()
	for _, e := range entries {
		if err := f.rel.Touch(ctx, e.ID, now); err != nil {
			slog.Warn("failed to touch entry", "id", e.ID, "error", err)
			continue
		}
		count, _ := f.accessWindow.Get(e.ID)
		count++
		f.accessWindow.Add(e.ID, count)
		if e.Tier == store.TierArchival && count >= f.cfg.PromoteThreshold {
			if err := f.rel.SetTier(ctx, e.ID, store.TierRecall); err != nil {
				slog.Warn("failed to promote entry", "id", e.ID, "error", err)
				continue
			}
			e.Tier = store.TierRecall
			slog.Debug("promoted entry to recall", "id", e.ID, "access_count", count)
		}
	}
}

// ForgetProposal is the result of a confirmatory search: the matched
// entries plus a token that authorizes their deletion.
type ForgetProposal struct {
	Token   string
	Entries []*store.Entry
}

// ProposeForget runs the confirmatory search. Nothing is deleted until
// the returned token is confirmed.
func (f *Fabric) ProposeForget(ctx context.Context, principal, query string) (*ForgetProposal, error) {
	entries, err := f.Search(ctx, principal, query, f.cfg.RecallLimit)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return &ForgetProposal{}, nil
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	f.forgetTokens.Add(token, ids)
	return &ForgetProposal{Token: token, Entries: entries}, nil
}

// ProposeForgetID issues a confirmation token for a single known entry.
func (f *Fabric) ProposeForgetID(ctx context.Context, principal, id string) (*ForgetProposal, error) {
	entry, err := f.rel.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil || entry.PrincipalID != principal {
		// Unknown and foreign ids are indistinguishable to the caller.
		return &ForgetProposal{}, nil
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	f.forgetTokens.Add(token, []string{id})
	return &ForgetProposal{Token: token, Entries: []*store.Entry{entry}}, nil
}

// ConfirmForget deletes the entries a token authorizes, in fixed order:
// recall row, archival vector, archival graph edges. Each step is
// idempotent, so re-confirming after a partial failure completes the
// remaining deletions.
func (f *Fabric) ConfirmForget(ctx context.Context, token string) error {
	ids, ok := f.forgetTokens.Get(token)
	if !ok {
		return itakerrors.New(itakerrors.CategoryInvalidArgs, "unknown or expired confirmation token")
	}
	var firstErr error
	for _, id := range ids {
		if err := f.deleteEverywhere(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		// Keep the token alive so the caller can retry the remainder.
		return firstErr
	}
	f.forgetTokens.Remove(token)
	return nil
}

func (f *Fabric) deleteEverywhere(ctx context.Context, id string) error {
	if err := f.rel.Delete(ctx, id); err != nil {
		return itakerrors.Wrap(itakerrors.CategoryProviderTransient, err, "recall delete failed")
	}
	if f.vec != nil {
		if err := f.vec.Delete(ctx, id); err != nil {
			return itakerrors.Wrap(itakerrors.CategoryProviderTransient, err, "vector delete failed")
		}
	}
	if f.graph != nil {
		if err := f.graph.DeleteBySource(ctx, id); err != nil {
			return itakerrors.Wrap(itakerrors.CategoryProviderTransient, err, "graph delete failed")
		}
	}
	f.accessWindow.Remove(id)
	return nil
}

// Health reports per-adapter availability.
func (f *Fabric) Health(ctx context.Context) map[string]store.Health {
	out := map[string]store.Health{
		"relational": f.rel.Health(ctx),
	}
	if f.vec != nil {
		out["vector"] = f.vec.Health(ctx)
	}
	if f.graph != nil {
		out["graph"] = f.graph.Health(ctx)
	}
	return out
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func sortByScore(ids rankedList, scores map[string]float64) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && scores[ids[j]] > scores[ids[j-1]]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

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

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/itak-ai/itak/pkg/budget"
	"github.com/itak-ai/itak/pkg/config"
	"github.com/itak-ai/itak/pkg/itakerrors"
)

// Materializer resolves secret placeholders in binding config. The
// vault implements this; tests use a map-backed fake.
type Materializer interface {
	Materialize(s string) (string, error)
}

// binding pairs a provider with its config and a per-binding
// concurrency gate.
type binding struct {
	provider Provider
	cfg      *config.ModelBinding
	sem      *semaphore.Weighted
}

// ChunkObserver receives every text chunk forwarded on the streaming
// hot path. Observers must not block; heavy work belongs on the hook
// runner's background queue.
type ChunkObserver func(role Role, principal string, chunk StreamChunk)

// Router resolves a role to an ordered fallback list of bindings and
// drives calls through them. Every call reserves budget before it is
// issued and settles with actuals (or rolls back) afterwards.
type Router struct {
	bindings map[Role][]*binding
	limiter  *budget.Limiter
	onChunk  ChunkObserver

	mu     sync.Mutex
	closed bool
}

// NewRouter builds providers from the model config. API key fields may
// hold vault placeholders; they are materialized here, once, so secret
// values never appear in the config tree.
func NewRouter(models map[string][]config.ModelBinding, mat Materializer, limiter *budget.Limiter) (*Router, error) {
	r := &Router{
		bindings: make(map[Role][]*binding),
		limiter:  limiter,
	}
	for roleName, list := range models {
		role := Role(roleName)
		for i := range list {
			bc := &list[i]
			apiKey, err := mat.Materialize(bc.APIKey)
			if err != nil {
				return nil, fmt.Errorf("models.%s[%d]: %w", roleName, i, err)
			}
			p, err := buildProvider(bc, apiKey)
			if err != nil {
				return nil, fmt.Errorf("models.%s[%d]: %w", roleName, i, err)
			}
			r.bindings[role] = append(r.bindings[role], &binding{
				provider: p,
				cfg:      bc,
				sem:      semaphore.NewWeighted(int64(bc.MaxConcurrent)),
			})
		}
	}
	if len(r.bindings[RoleChat]) == 0 {
		return nil, itakerrors.New(itakerrors.CategoryInvalidArgs, "no chat bindings configured")
	}
	return r, nil
}

func buildProvider(bc *config.ModelBinding, apiKey string) (Provider, error) {
	timeout := bc.TimeoutDuration()
	switch bc.Provider {
	case "openai":
		return NewOpenAIProvider(bc.Provider, bc.Model, bc.BaseURL, apiKey, timeout, bc.ExtraParams), nil
	case "anthropic":
		return NewAnthropicProvider(bc.Provider, bc.Model, bc.BaseURL, apiKey, timeout, bc.ExtraParams), nil
	case "ollama":
		return NewOllamaProvider(bc.Provider, bc.Model, bc.BaseURL, timeout, bc.ExtraParams), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", bc.Provider)
	}
}

// HasRole reports whether any binding is configured for the role.
func (r *Router) HasRole(role Role) bool {
	return len(r.bindings[role]) > 0
}

// SetChunkObserver installs the stream observer. Must be called before
// the router starts serving requests.
func (r *Router) SetChunkObserver(fn ChunkObserver) {
	r.onChunk = fn
}

// ContextWindow reports the model and context window of the primary
// binding for a role, degrading to the chat list the way Stream does.
func (r *Router) ContextWindow(role Role) (string, int) {
	bindings := r.bindings[role]
	if len(bindings) == 0 {
		bindings = r.bindings[RoleChat]
	}
	if len(bindings) == 0 {
		return "", 0
	}
	return bindings[0].cfg.Model, bindings[0].cfg.ContextWindow
}

// estimate computes the budget reservation for a binding. Output tokens
// are unknown before the call; assume a quarter of the input as a
// working estimate, corrected at commit time.
func estimate(bc *config.ModelBinding, messages []Message) budget.Actuals {
	tokensIn, _ := CountMessages(bc.Model, messages)
	tokensOut := tokensIn / 4
	cost := float64(tokensIn)/1e6*bc.InputPricePerM + float64(tokensOut)/1e6*bc.OutputPricePerM
	return budget.Actuals{Cost: cost, TokensIn: tokensIn, TokensOut: tokensOut}
}

// fitMessages trims the oldest non-system messages until the prompt
// fits within the binding's history budget. System messages always
// survive; the most recent messages are kept.
func fitMessages(bc *config.ModelBinding, messages []Message) []Message {
	budgetTokens := int64(float64(bc.ContextWindow) * bc.HistoryFraction)
	total, _ := CountMessages(bc.Model, messages)
	if total <= budgetTokens {
		return messages
	}

	var system []Message
	var history []Message
	for _, m := range messages {
		if m.Role == MessageRoleSystem {
			system = append(system, m)
		} else {
			history = append(history, m)
		}
	}
	sysTokens, _ := CountMessages(bc.Model, system)
	for len(history) > 1 {
		histTokens, _ := CountMessages(bc.Model, history)
		if sysTokens+histTokens <= budgetTokens {
			break
		}
		history = history[1:]
	}
	return append(system, history...)
}

// Stream issues a call for the role, falling back across bindings on
// retriable failures. Chunks are forwarded live; if a binding fails
// mid-stream a ChunkReset is emitted so accumulators discard partial
// output before the next binding's chunks arrive. The terminal chunk
// is ChunkDone on success or ChunkError when every binding failed.
func (r *Router) Stream(ctx context.Context, role Role, principal string, messages []Message) (<-chan StreamChunk, error) {
	bindings := r.bindings[role]
	if len(bindings) == 0 {
		// Roles other than chat degrade to the chat fallback list.
		bindings = r.bindings[RoleChat]
	}
	if len(bindings) == 0 {
		return nil, itakerrors.New(itakerrors.CategoryInvalidArgs, "no bindings for role %q", role)
	}

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)
		var lastErr error
		for i, b := range bindings {
			err := r.tryBinding(ctx, b, role, principal, messages, out)
			if err == nil {
				return
			}
			lastErr = err
			if !itakerrors.CategoryOf(err).Retriable() {
				break
			}
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}
			if i < len(bindings)-1 {
				slog.Warn("model binding failed, falling back",
					"role", role,
					"provider", b.provider.Name(),
					"model", b.provider.Model(),
					"error", err)
				out <- StreamChunk{Type: ChunkReset}
			}
		}
		out <- StreamChunk{Type: ChunkError, Err: itakerrors.Wrap(itakerrors.CategoryOf(lastErr), lastErr, "all bindings exhausted for role %q", role)}
	}()
	return out, nil
}

// tryBinding runs one binding end to end: reserve, acquire the
// concurrency gate, stream, settle. A nil return means ChunkDone was
// forwarded and the reservation committed.
func (r *Router) tryBinding(ctx context.Context, b *binding, role Role, principal string, messages []Message, out chan<- StreamChunk) error {
	fitted := fitMessages(b.cfg, messages)
	est := estimate(b.cfg, fitted)

	res, err := r.limiter.Reserve(ctx, budget.Request{
		Principal:       principal,
		Tool:            string(role),
		EstimatedCost:   est.Cost,
		EstimatedTokens: est.TokensIn + est.TokensOut,
		Free:            b.cfg.Free,
	})
	if err != nil {
		return err
	}

	if err := b.sem.Acquire(ctx, 1); err != nil {
		_ = r.limiter.Rollback(ctx, res)
		return itakerrors.Wrap(itakerrors.CategoryProviderTransient, err, "cancelled waiting for model slot")
	}
	defer b.sem.Release(1)

	ch, err := b.provider.Stream(ctx, fitted)
	if err != nil {
		_ = r.limiter.Rollback(ctx, res)
		return err
	}

	var outText strings.Builder
	for chunk := range ch {
		switch chunk.Type {
		case ChunkText:
			outText.WriteString(chunk.Text)
			if r.onChunk != nil {
				r.onChunk(role, principal, chunk)
			}
			out <- chunk
		case ChunkDone:
			actual := r.actualUsage(b.cfg, fitted, outText.String(), chunk)
			if err := r.limiter.Commit(ctx, res, actual); err != nil {
				slog.Warn("failed to commit usage", "error", err)
			}
			out <- chunk
			return nil
		case ChunkError:
			_ = r.limiter.Rollback(ctx, res)
			return chunk.Err
		}
	}
	_ = r.limiter.Rollback(ctx, res)
	return itakerrors.New(itakerrors.CategoryProviderTransient, "stream closed without terminal chunk")
}

// actualUsage prefers provider-reported token counts, estimating from
// text only when the provider reports nothing.
func (r *Router) actualUsage(bc *config.ModelBinding, messages []Message, text string, done StreamChunk) budget.Actuals {
	tokensIn, tokensOut := done.TokensIn, done.TokensOut
	if tokensIn == 0 {
		tokensIn, _ = CountMessages(bc.Model, messages)
	}
	if tokensOut == 0 {
		tokensOut, _ = CountTokens(bc.Model, text)
	}
	var cost float64
	if !bc.Free {
		cost = float64(tokensIn)/1e6*bc.InputPricePerM + float64(tokensOut)/1e6*bc.OutputPricePerM
	}
	return budget.Actuals{Cost: cost, TokensIn: tokensIn, TokensOut: tokensOut}
}

// Complete runs Stream to completion and accumulates the result.
// ChunkReset discards partial output from a failed binding, so the
// returned text reflects exactly one binding's response.
func (r *Router) Complete(ctx context.Context, role Role, principal string, messages []Message) (*Completion, error) {
	ch, err := r.Stream(ctx, role, principal, messages)
	if err != nil {
		return nil, err
	}
	var text strings.Builder
	comp := &Completion{}
	for chunk := range ch {
		switch chunk.Type {
		case ChunkText:
			text.WriteString(chunk.Text)
		case ChunkReset:
			text.Reset()
		case ChunkDone:
			comp.TokensIn = chunk.TokensIn
			comp.TokensOut = chunk.TokensOut
		case ChunkError:
			return nil, chunk.Err
		}
	}
	comp.Text = text.String()
	return comp, nil
}

// Embed resolves the embedding role and produces a vector. Bindings
// that are not embedding-capable are skipped.
func (r *Router) Embed(ctx context.Context, principal, text string) ([]float32, error) {
	bindings := r.bindings[RoleEmbedding]
	if len(bindings) == 0 {
		return nil, itakerrors.New(itakerrors.CategoryInvalidArgs, "no embedding bindings configured")
	}
	var lastErr error
	for _, b := range bindings {
		emb, ok := b.provider.(Embedder)
		if !ok {
			continue
		}
		est := estimate(b.cfg, []Message{{Role: MessageRoleUser, Content: text}})
		res, err := r.limiter.Reserve(ctx, budget.Request{
			Principal:       principal,
			Tool:            string(RoleEmbedding),
			EstimatedCost:   est.Cost,
			EstimatedTokens: est.TokensIn,
			Free:            b.cfg.Free,
		})
		if err != nil {
			return nil, err
		}
		vec, err := emb.Embed(ctx, text)
		if err != nil {
			_ = r.limiter.Rollback(ctx, res)
			lastErr = err
			if itakerrors.CategoryOf(err).Retriable() {
				continue
			}
			return nil, err
		}
		if err := r.limiter.Commit(ctx, res, budget.Actuals{Cost: est.Cost, TokensIn: est.TokensIn}); err != nil {
			slog.Warn("failed to commit usage", "error", err)
		}
		return vec, nil
	}
	if lastErr == nil {
		lastErr = itakerrors.New(itakerrors.CategoryInvalidArgs, "no embedding-capable bindings configured")
	}
	return nil, lastErr
}

// Close releases all providers.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var firstErr error
	for _, list := range r.bindings {
		for _, b := range list {
			if err := b.provider.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

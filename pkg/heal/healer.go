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

package heal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/itak-ai/itak/pkg/itakerrors"
	"github.com/itak-ai/itak/pkg/memory"
	"github.com/itak-ai/itak/pkg/store"
)

const (
	maxRetriesPerError   = 3
	maxRetriesPerSession = 10
	solutionTag          = "self_heal_solution"
)

var backoffSchedule = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}

// SolutionMemory is the slice of the memory fabric the healer uses to
// learn from prior fixes. *memory.Fabric satisfies it.
type SolutionMemory interface {
	Search(ctx context.Context, principal, query string, k int) ([]*store.Entry, error)
	Remember(ctx context.Context, principal, content string, opts memory.RememberOptions) (*store.Entry, error)
}

// UtilityFunc asks the cheap utility model for text. Wired to the
// router's utility role.
type UtilityFunc func(ctx context.Context, prompt string) (string, error)

// ResearchFunc performs one bounded web-research step and returns
// extracted findings. Optional; nil disables step 3.
type ResearchFunc func(ctx context.Context, query string) (string, error)

// CleanupFunc attempts one resource cleanup (memory pressure demotion,
// temp file sweep). Optional.
type CleanupFunc func(ctx context.Context) error

// Healer decides, per failure, whether to retry with a strategy,
// surface a structured error, or abort. It never mutates store
// contents; repairs are retries with altered parameters or installed
// prerequisites.
type Healer struct {
	memory   SolutionMemory
	utility  UtilityFunc
	research ResearchFunc
	cleanup  CleanupFunc

	mu         sync.Mutex
	perError   map[string]int
	perSession map[string]int
	// pending holds strategies not yet tried for a signature, so
	// consecutive failures of the same call walk the candidate list.
	pending map[string][]Strategy
}

func NewHealer(mem SolutionMemory, utility UtilityFunc, research ResearchFunc, cleanup CleanupFunc) *Healer {
	return &Healer{
		memory:     mem,
		utility:    utility,
		research:   research,
		cleanup:    cleanup,
		perError:   make(map[string]int),
		perSession: make(map[string]int),
		pending:    make(map[string][]Strategy),
	}
}

// solutionRecord is what gets persisted to memory on a successful
// repair, serialized as the entry content.
type solutionRecord struct {
	Signature string   `json:"signature"`
	Strategy  Strategy `json:"strategy"`
	Outcome   string   `json:"outcome"`
}

// Handle classifies one failure and returns the decision. The principal
// scopes solution memory; session scopes the retry budget.
func (h *Healer) Handle(ctx context.Context, principal, session string, err error, toolName string) Decision {
	class := Classify(err)

	// Schema violations, cancellations and rate denials are never
	// retried, whatever class their message pattern-matches to. A rate
	// denial means the window is spent; retrying burns it further.
	// Budget exhaustion falls through to the resource path below.
	switch itakerrors.CategoryOf(err) {
	case itakerrors.CategoryInvalidArgs, itakerrors.CategoryCancelled, itakerrors.CategoryRateLimited:
		return Decision{Kind: KindSurface, Class: class, Err: err}
	}

	switch class {
	case ClassSecurity, ClassData:
		return Decision{Kind: KindFatal, Class: class, Err: err}
	case ClassResource:
		if h.cleanup != nil {
			if cerr := h.cleanup(ctx); cerr != nil {
				slog.Warn("resource cleanup failed", "error", cerr)
			}
		}
		return Decision{Kind: KindSurface, Class: class, Err: err}
	}
	if !class.Repairable() {
		return Decision{Kind: KindSurface, Class: class, Err: err}
	}

	sig := Signature(class, err)

	h.mu.Lock()
	attempt := h.perError[sig]
	sessionRetries := h.perSession[session]
	if attempt >= maxRetriesPerError || sessionRetries >= maxRetriesPerSession {
		h.mu.Unlock()
		return Decision{Kind: KindSurface, Class: class, Err: err}
	}
	h.perError[sig] = attempt + 1
	h.perSession[session] = sessionRetries + 1
	h.mu.Unlock()

	strategy := h.nextStrategy(ctx, principal, sig, class, err, toolName)

	backoff := backoffSchedule[len(backoffSchedule)-1]
	if attempt < len(backoffSchedule) {
		backoff = backoffSchedule[attempt]
	}
	return Decision{Kind: KindRetry, Class: class, Strategy: strategy, Backoff: backoff, Err: err}
}

// nextStrategy walks the repair ladder: known solution from memory,
// then utility-model candidates, then bounded web research. A nil
// strategy means plain retry after backoff.
func (h *Healer) nextStrategy(ctx context.Context, principal, sig string, class Class, err error, toolName string) *Strategy {
	h.mu.Lock()
	if queued := h.pending[sig]; len(queued) > 0 {
		next := queued[0]
		h.pending[sig] = queued[1:]
		h.mu.Unlock()
		return &next
	}
	h.mu.Unlock()

	if s := h.knownSolution(ctx, principal, sig); s != nil {
		return s
	}

	candidates := h.proposeStrategies(ctx, class, err, toolName)
	if len(candidates) == 0 && h.research != nil {
		candidates = h.researchStrategies(ctx, class, err, toolName)
	}
	if len(candidates) == 0 {
		return nil
	}

	h.mu.Lock()
	h.pending[sig] = candidates[1:]
	h.mu.Unlock()
	return &candidates[0]
}

func (h *Healer) knownSolution(ctx context.Context, principal, sig string) *Strategy {
	if h.memory == nil {
		return nil
	}
	entries, err := h.memory.Search(ctx, principal, sig, 5)
	if err != nil {
		slog.Warn("solution lookup failed", "error", err)
		return nil
	}
	for _, entry := range entries {
		if !hasTag(entry, solutionTag) {
			continue
		}
		var rec solutionRecord
		if json.Unmarshal([]byte(entry.Content), &rec) != nil {
			continue
		}
		if rec.Signature == sig && rec.Outcome == "success" {
			s := rec.Strategy
			return &s
		}
	}
	return nil
}

// proposeStrategies asks the utility model for up to 3 candidates and
// parses them leniently.
func (h *Healer) proposeStrategies(ctx context.Context, class Class, err error, toolName string) []Strategy {
	if h.utility == nil {
		return nil
	}
	prompt := fmt.Sprintf(`A %s error occurred while running tool %q:

%s

Propose up to 3 repair strategies, most likely first. Reply with a JSON array:
[{"name": "...", "description": "...", "arg_patch": {}}]
Each strategy must be a retry with changed parameters or a prerequisite step; never suggest modifying stored data.`,
		class, toolName, err.Error())

	reply, uerr := h.utility(ctx, prompt)
	if uerr != nil {
		slog.Warn("utility model strategy proposal failed", "error", uerr)
		return nil
	}
	return parseStrategies(reply)
}

func (h *Healer) researchStrategies(ctx context.Context, class Class, err error, toolName string) []Strategy {
	query := fmt.Sprintf("%s error %q", toolName, firstLine(err.Error()))
	findings, rerr := h.research(ctx, query)
	if rerr != nil || findings == "" {
		return nil
	}
	if h.utility == nil {
		return nil
	}
	prompt := fmt.Sprintf(`Given these research findings about a %s error:

%s

Extract up to 3 repair strategies as a JSON array:
[{"name": "...", "description": "...", "arg_patch": {}}]
Only strategies that retry with changed parameters or install a prerequisite. Never include downloaded code.`,
		class, findings)
	reply, uerr := h.utility(ctx, prompt)
	if uerr != nil {
		return nil
	}
	return parseStrategies(reply)
}

// RecordSuccess persists a working repair so the next occurrence of the
// same signature resolves in one memory lookup.
func (h *Healer) RecordSuccess(ctx context.Context, principal string, class Class, err error, strategy *Strategy) {
	if h.memory == nil || strategy == nil {
		return
	}
	sig := Signature(class, err)

	h.mu.Lock()
	delete(h.perError, sig)
	delete(h.pending, sig)
	h.mu.Unlock()

	rec := solutionRecord{Signature: sig, Strategy: *strategy, Outcome: "success"}
	payload, merr := json.Marshal(rec)
	if merr != nil {
		return
	}
	if _, rememberErr := h.memory.Remember(ctx, principal, string(payload), memory.RememberOptions{
		Tags:     []string{solutionTag},
		Priority: store.PriorityHigh,
	}); rememberErr != nil {
		slog.Warn("failed to persist repair solution", "signature", sig, "error", rememberErr)
	}
}

// ResetSession clears the per-session retry budget, called when a
// monologue completes.
func (h *Healer) ResetSession(session string) {
	h.mu.Lock()
	delete(h.perSession, session)
	h.mu.Unlock()
}

// parseStrategies extracts a strategy array from model output,
// tolerating fenced blocks and mildly broken JSON.
func parseStrategies(reply string) []Strategy {
	raw := extractJSONArray(reply)
	if raw == "" {
		return nil
	}
	var out []Strategy
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(raw)
		if rerr != nil {
			return nil
		}
		if json.Unmarshal([]byte(repaired), &out) != nil {
			return nil
		}
	}
	if len(out) > 3 {
		out = out[:3]
	}
	var valid []Strategy
	for _, s := range out {
		if strings.TrimSpace(s.Name) != "" {
			valid = append(valid, s)
		}
	}
	return valid
}

func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func hasTag(entry *store.Entry, tag string) bool {
	for _, t := range entry.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

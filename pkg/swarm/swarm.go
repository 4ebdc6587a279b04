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

// Package swarm implements the sub-agent coordinator: spawning
// profiled sub-agents under a parent session, fan-out strategies,
// merge policies, and the delegation guardrails.
package swarm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/itak-ai/itak/pkg/config"
	"github.com/itak-ai/itak/pkg/itakerrors"
	"github.com/itak-ai/itak/pkg/principal"
)

// Strategy is how subtasks are scheduled.
type Strategy string

const (
	StrategyParallel   Strategy = "parallel"
	StrategySequential Strategy = "sequential"
	// StrategyPipeline connects stages by channels: each stage starts
	// as soon as its predecessor's output is available.
	StrategyPipeline Strategy = "pipeline"
)

// WaitMode applies to parallel fan-out.
type WaitMode string

const (
	WaitAll   WaitMode = "wait_all"
	WaitFirst WaitMode = "wait_first"
)

// Merge is how sub-agent outputs become the single result the parent
// transcript sees.
type Merge string

const (
	MergeConcat    Merge = "concat"
	MergeSummarize Merge = "summarize"
	MergeBest      Merge = "best"
	MergeCustom    Merge = "custom"
)

// Subtask is one unit handed to a sub-agent.
type Subtask struct {
	Profile string
	Task    string
}

// Spec describes one swarm invocation.
type Spec struct {
	Strategy Strategy
	Wait     WaitMode
	Merge    Merge
	Subtasks []Subtask
	// Context is the curated snippet the parent shares with every
	// sub-agent; it is prepended to each subtask.
	Context string
	// Reducer is required for MergeCustom.
	Reducer func(outputs []string) (string, error)
}

// SubResult is one sub-agent's outcome.
type SubResult struct {
	Index   int
	Profile string
	Output  string
	Err     error
}

// RunFunc executes one sub-agent monologue under its own session key
// and checkpoint namespace, bounded by the profile's iteration budget
// and tool allowlist. The agent composition root provides it.
type RunFunc func(ctx context.Context, profile *config.SwarmProfile, p *principal.Principal, sessionKey, task string) (string, error)

// UtilityFunc asks the utility model for text; used by the summarize
// and best merges.
type UtilityFunc func(ctx context.Context, prompt string) (string, error)

// Coordinator spawns and joins sub-agents. It also satisfies the tool
// layer's Delegator contract for single-profile delegation.
type Coordinator struct {
	profiles map[string]*config.SwarmProfile
	// callerProfile rejects a profile spawning itself by name. The
	// primary agent has no profile name and passes ""; recursion is
	// prevented for it by the delegation depth cap instead, since
	// sub-agents never receive the delegate tool.
	callerProfile string
	run           RunFunc
	utility       UtilityFunc

	mu       sync.Mutex
	counters map[string]int
}

func NewCoordinator(profiles map[string]*config.SwarmProfile, callerProfile string, run RunFunc, utility UtilityFunc) *Coordinator {
	return &Coordinator{
		profiles:      profiles,
		callerProfile: callerProfile,
		run:           run,
		utility:       utility,
		counters:      make(map[string]int),
	}
}

// subSessionKey allocates the next checkpoint namespace under a parent.
func (c *Coordinator) subSessionKey(parent string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[parent]++
	return parent + "/sub/" + strconv.Itoa(c.counters[parent])
}

func (c *Coordinator) profile(name string) (*config.SwarmProfile, error) {
	if name != "" && name == c.callerProfile {
		return nil, itakerrors.New(itakerrors.CategoryInvalidArgs,
			"invalid delegation: profile %q is the caller's own profile", name)
	}
	p, ok := c.profiles[name]
	if !ok {
		return nil, itakerrors.New(itakerrors.CategoryInvalidArgs, "unknown sub-agent profile %q", name)
	}
	return p, nil
}

// Delegate runs one sub-agent and returns its output. This is the
// delegate_task tool's backend.
func (c *Coordinator) Delegate(ctx context.Context, parentSession, profileName, task string) (string, error) {
	return c.Spawn(ctx, nil, parentSession, Spec{
		Strategy: StrategyParallel,
		Wait:     WaitAll,
		Merge:    MergeConcat,
		Subtasks: []Subtask{{Profile: profileName, Task: task}},
	})
}

// Spawn executes a swarm per spec and returns the merged result. The
// principal may be nil when the caller is an anonymous internal task;
// sub-agents then run without elevated permissions.
func (c *Coordinator) Spawn(ctx context.Context, p *principal.Principal, parentSession string, spec Spec) (string, error) {
	if len(spec.Subtasks) == 0 {
		return "", itakerrors.New(itakerrors.CategoryInvalidArgs, "swarm spec has no subtasks")
	}
	for _, st := range spec.Subtasks {
		if _, err := c.profile(st.Profile); err != nil {
			return "", err
		}
	}

	var results []SubResult
	var err error
	switch spec.Strategy {
	case StrategySequential:
		results, err = c.runSequential(ctx, p, parentSession, spec)
	case StrategyPipeline:
		results, err = c.runPipeline(ctx, p, parentSession, spec)
	default:
		results, err = c.runParallel(ctx, p, parentSession, spec)
	}
	if err != nil {
		return "", err
	}
	return c.merge(ctx, spec, results)
}

func (c *Coordinator) runOne(ctx context.Context, p *principal.Principal, parentSession string, spec Spec, st Subtask, index int) SubResult {
	profile, err := c.profile(st.Profile)
	if err != nil {
		return SubResult{Index: index, Profile: st.Profile, Err: err}
	}
	task := st.Task
	if spec.Context != "" {
		task = "Context from the parent agent:\n" + spec.Context + "\n\nTask:\n" + task
	}
	out, err := c.run(ctx, profile, p, c.subSessionKey(parentSession), task)
	return SubResult{Index: index, Profile: st.Profile, Output: out, Err: err}
}

// runParallel fans out all subtasks. wait_all joins everything and
// surfaces an aggregate error if any failed; wait_first returns the
// first success and cancels the rest.
func (c *Coordinator) runParallel(ctx context.Context, p *principal.Principal, parentSession string, spec Spec) ([]SubResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultCh := make(chan SubResult, len(spec.Subtasks))
	for i, st := range spec.Subtasks {
		go func(i int, st Subtask) {
			resultCh <- c.runOne(ctx, p, parentSession, spec, st, i)
		}(i, st)
	}

	if spec.Wait == WaitFirst {
		var failures []SubResult
		for range spec.Subtasks {
			r := <-resultCh
			if r.Err == nil {
				// First success wins; peers are cancelled on return.
				return []SubResult{r}, nil
			}
			failures = append(failures, r)
		}
		return nil, aggregateError(failures)
	}

	results := make([]SubResult, len(spec.Subtasks))
	var failures []SubResult
	for range spec.Subtasks {
		r := <-resultCh
		results[r.Index] = r
		if r.Err != nil {
			failures = append(failures, r)
		}
	}
	if len(failures) > 0 {
		return nil, aggregateError(failures)
	}
	return results, nil
}

// runSequential feeds each sub-agent's output into the next subtask.
func (c *Coordinator) runSequential(ctx context.Context, p *principal.Principal, parentSession string, spec Spec) ([]SubResult, error) {
	results := make([]SubResult, 0, len(spec.Subtasks))
	seed := ""
	for i, st := range spec.Subtasks {
		if seed != "" {
			st.Task = st.Task + "\n\nOutput of the previous step:\n" + seed
		}
		r := c.runOne(ctx, p, parentSession, spec, st, i)
		if r.Err != nil {
			return nil, fmt.Errorf("sub-agent %d (%s) failed: %w", i, st.Profile, r.Err)
		}
		results = append(results, r)
		seed = r.Output
	}
	return results, nil
}

// runPipeline launches every stage concurrently, connected by
// channels: stage i blocks until stage i-1 delivers, so downstream
// stages begin the moment their input exists. A failed stage poisons
// the rest of the pipe.
func (c *Coordinator) runPipeline(ctx context.Context, p *principal.Principal, parentSession string, spec Spec) ([]SubResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	n := len(spec.Subtasks)
	feeds := make([]chan string, n+1)
	for i := range feeds {
		feeds[i] = make(chan string, 1)
	}
	feeds[0] <- ""

	resultCh := make(chan SubResult, n)
	for i, st := range spec.Subtasks {
		go func(i int, st Subtask) {
			var input string
			select {
			case input = <-feeds[i]:
			case <-ctx.Done():
				resultCh <- SubResult{Index: i, Profile: st.Profile, Err: ctx.Err()}
				return
			}
			if input != "" {
				st.Task = st.Task + "\n\nUpstream output:\n" + input
			}
			r := c.runOne(ctx, p, parentSession, spec, st, i)
			if r.Err == nil {
				feeds[i+1] <- r.Output
			} else {
				cancel()
			}
			resultCh <- r
		}(i, st)
	}

	results := make([]SubResult, n)
	var firstErr error
	for range spec.Subtasks {
		r := <-resultCh
		results[r.Index] = r
		if r.Err != nil && firstErr == nil {
			firstErr = fmt.Errorf("pipeline stage %d (%s) failed: %w", r.Index, r.Profile, r.Err)
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// merge reduces sub-agent outputs to the single string the parent
// transcript receives.
func (c *Coordinator) merge(ctx context.Context, spec Spec, results []SubResult) (string, error) {
	outputs := make([]string, len(results))
	for i, r := range results {
		outputs[i] = r.Output
	}

	switch spec.Merge {
	case MergeSummarize:
		if c.utility == nil {
			return strings.Join(outputs, "\n\n---\n\n"), nil
		}
		return c.utility(ctx, "Condense these sub-agent reports into one coherent answer:\n\n"+strings.Join(outputs, "\n\n---\n\n"))

	case MergeBest:
		if len(outputs) == 1 || c.utility == nil {
			return outputs[0], nil
		}
		prompt := "Rank these candidate answers and reply with only the number of the best one.\n\n"
		for i, out := range outputs {
			prompt += fmt.Sprintf("Candidate %d:\n%s\n\n", i+1, out)
		}
		reply, err := c.utility(ctx, prompt)
		if err != nil {
			return outputs[0], nil
		}
		if idx := parseCandidateIndex(reply, len(outputs)); idx >= 0 {
			return outputs[idx], nil
		}
		return outputs[0], nil

	case MergeCustom:
		if spec.Reducer == nil {
			return "", itakerrors.New(itakerrors.CategoryInvalidArgs, "custom merge requires a reducer")
		}
		return spec.Reducer(outputs)

	default: // concat
		return strings.Join(outputs, "\n\n"), nil
	}
}

func parseCandidateIndex(reply string, n int) int {
	for _, field := range strings.Fields(reply) {
		field = strings.Trim(field, ".,:")
		if v, err := strconv.Atoi(field); err == nil && v >= 1 && v <= n {
			return v - 1
		}
	}
	return -1
}

func aggregateError(failures []SubResult) error {
	parts := make([]string, len(failures))
	for i, f := range failures {
		parts[i] = fmt.Sprintf("%s: %v", f.Profile, f.Err)
	}
	return fmt.Errorf("%d sub-agent(s) failed: %s", len(failures), strings.Join(parts, "; "))
}

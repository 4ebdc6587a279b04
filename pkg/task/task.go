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

// Package task implements the task board: durable tasks with a strict
// state machine. Terminal states are immutable; every transition is
// validated here, never by the model.
package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itak-ai/itak/pkg/checkpoint"
	"github.com/itak-ai/itak/pkg/itakerrors"
)

// Status is a task board state.
type Status string

const (
	StatusInbox      Status = "inbox"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether a status permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

var transitions = map[Status][]Status{
	StatusInbox:      {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusReview, StatusDone, StatusFailed, StatusCancelled},
	StatusReview:     {StatusInProgress, StatusDone, StatusCancelled},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Task is one unit of work on the board.
type Task struct {
	ID            string                 `json:"id"`
	Title         string                 `json:"title"`
	Description   string                 `json:"description,omitempty"`
	Status        Status                 `json:"status"`
	Priority      string                 `json:"priority,omitempty"`
	Steps         []checkpoint.StepState `json:"steps,omitempty"`
	Deliverables  []string               `json:"deliverables,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	SourceSession string                 `json:"source_session,omitempty"`
	ErrorLog      []string               `json:"error_log,omitempty"`
}

// Board is the durable task collection, persisted as one JSON file.
type Board struct {
	path string

	mu    sync.RWMutex
	tasks map[string]*Task
}

// OpenBoard loads (or initializes) the board file.
func OpenBoard(path string) (*Board, error) {
	b := &Board{path: path, tasks: map[string]*Task{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return nil, fmt.Errorf("failed to read task board: %w", err)
	}
	var tasks []*Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("failed to parse task board: %w", err)
	}
	for _, t := range tasks {
		b.tasks[t.ID] = t
	}
	return b, nil
}

// Create adds a task in inbox state.
func (b *Board) Create(title, description, sourceSession string) (*Task, error) {
	t := &Task{
		ID:            uuid.NewString(),
		Title:         title,
		Description:   description,
		Status:        StatusInbox,
		CreatedAt:     time.Now(),
		SourceSession: sourceSession,
	}
	b.mu.Lock()
	b.tasks[t.ID] = t
	b.mu.Unlock()
	if err := b.persist(); err != nil {
		return nil, err
	}
	return t, nil
}

// Get returns a copy of a task.
func (b *Board) Get(id string) (*Task, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tasks[id]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// List returns all tasks, newest first.
func (b *Board) List() []*Task {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Task, 0, len(b.tasks))
	for _, t := range b.tasks {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Transition moves a task to a new status. Illegal moves and moves out
// of terminal states are rejected as InvalidArgs. A non-empty note is
// recorded as a deliverable, or in the error log when failing.
func (b *Board) Transition(id string, to Status, note string) (*Task, error) {
	b.mu.Lock()
	t, ok := b.tasks[id]
	if !ok {
		b.mu.Unlock()
		return nil, itakerrors.New(itakerrors.CategoryInvalidArgs, "unknown task %s", id)
	}
	if t.Status.Terminal() {
		b.mu.Unlock()
		return nil, itakerrors.New(itakerrors.CategoryInvalidArgs,
			"task %s is %s, which is terminal", id, t.Status)
	}
	if !CanTransition(t.Status, to) {
		b.mu.Unlock()
		return nil, itakerrors.New(itakerrors.CategoryInvalidArgs,
			"illegal transition %s -> %s for task %s", t.Status, to, id)
	}

	now := time.Now()
	t.Status = to
	switch to {
	case StatusInProgress:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case StatusDone, StatusFailed, StatusCancelled:
		t.CompletedAt = &now
	}
	if note != "" {
		if to == StatusFailed {
			t.ErrorLog = append(t.ErrorLog, note)
		} else {
			t.Deliverables = append(t.Deliverables, note)
		}
	}
	cp := *t
	b.mu.Unlock()

	if err := b.persist(); err != nil {
		return nil, err
	}
	return &cp, nil
}

// SetSteps replaces a task's step plan. Terminal tasks are immutable.
func (b *Board) SetSteps(id string, steps []checkpoint.StepState) error {
	b.mu.Lock()
	t, ok := b.tasks[id]
	if !ok {
		b.mu.Unlock()
		return itakerrors.New(itakerrors.CategoryInvalidArgs, "unknown task %s", id)
	}
	if t.Status.Terminal() {
		b.mu.Unlock()
		return itakerrors.New(itakerrors.CategoryInvalidArgs,
			"task %s is %s, which is terminal", id, t.Status)
	}
	t.Steps = steps
	b.mu.Unlock()
	return b.persist()
}

// AppendError records a failure note without changing state.
func (b *Board) AppendError(id, note string) error {
	b.mu.Lock()
	if t, ok := b.tasks[id]; ok {
		t.ErrorLog = append(t.ErrorLog, note)
	}
	b.mu.Unlock()
	return b.persist()
}

func (b *Board) persist() error {
	b.mu.RLock()
	tasks := make([]*Task, 0, len(b.tasks))
	for _, t := range b.tasks {
		tasks = append(tasks, t)
	}
	b.mu.RUnlock()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })

	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task board: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write task board: %w", err)
	}
	return os.Rename(tmp, b.path)
}

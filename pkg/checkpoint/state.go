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

// Package checkpoint persists the scheduler's working context per
// session so a crashed or restarted process resumes mid-task instead of
// starting over.
package checkpoint

import (
	"time"
)

// SchemaVersion guards checkpoint compatibility. A file written by a
// different schema is treated as absent.
const SchemaVersion = 1

// StepStatus tracks one plan step.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "failed"
)

// StepState is one entry in the working plan.
type StepState struct {
	Index       int        `json:"index"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
}

// Artifact references a file produced during task processing, including
// spilled tool output.
type Artifact struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	MIME      string    `json:"mime,omitempty"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// WorkingContext is the scheduler's in-flight task state. It exists
// only while a task is being processed and is checkpointed every step.
type WorkingContext struct {
	TaskID         string      `json:"task_id"`
	Plan           []StepState `json:"plan"`
	CurrentStep    int         `json:"current_step"`
	Artifacts      []Artifact  `json:"artifacts,omitempty"`
	Decisions      []string    `json:"decisions,omitempty"`
	ErrorsSeen     []string    `json:"errors_seen,omitempty"`
	IterationCount int         `json:"iteration_count"`
	StartedAt      time.Time   `json:"started_at"`
}

// envelope is the on-disk frame around a WorkingContext.
type envelope struct {
	SchemaVersion int             `json:"schema_version"`
	SessionKey    string          `json:"session_key"`
	SavedAt       time.Time       `json:"saved_at"`
	Context       *WorkingContext `json:"context"`
}

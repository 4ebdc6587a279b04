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

package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/itak-ai/itak/pkg/itakerrors"
	"github.com/itak-ai/itak/pkg/principal"
	"github.com/itak-ai/itak/pkg/task"
)

type taskUpdateArgs struct {
	Action string `json:"action" jsonschema:"required,description=create, transition or list.,enum=create,enum=transition,enum=list"`
	ID     string `json:"id,omitempty" jsonschema:"description=Task id for transition."`
	Title  string `json:"title,omitempty" jsonschema:"description=Title for create."`
	Status string `json:"status,omitempty" jsonschema:"description=Target status for transition."`
	Note   string `json:"note,omitempty" jsonschema:"description=Deliverable note, or failure reason when status is failed."`
}

// TaskUpdateTool exposes the task board. State transitions are
// validated by the board, so a hallucinated move fails loudly instead
// of corrupting task history.
type TaskUpdateTool struct {
	board *task.Board
}

func NewTaskUpdateTool(board *task.Board) *TaskUpdateTool {
	return &TaskUpdateTool{board: board}
}

func (t *TaskUpdateTool) Info() Info {
	return Info{
		Name:         "task_update",
		Description:  "Create tasks, move them through the board, or list them.",
		InputSchema:  schemaFor(&taskUpdateArgs{}),
		RequiredRole: principal.RoleUser,
		SideEffect:   SideEffectWrite,
		CostClass:    CostFree,
	}
}

func (t *TaskUpdateTool) UsagePrompt() string {
	return `task_update manages the task board. Legal moves: inbox -> in_progress;
in_progress -> review | done | failed | cancelled; review -> in_progress |
done | cancelled. Done, failed and cancelled are final.`
}

func (t *TaskUpdateTool) Execute(ctx context.Context, call *Call) (*Result, error) {
	action, _ := call.Args["action"].(string)
	switch action {
	case "create":
		title, _ := call.Args["title"].(string)
		if title == "" {
			return nil, itakerrors.New(itakerrors.CategoryInvalidArgs, "create requires a title")
		}
		note, _ := call.Args["note"].(string)
		created, err := t.board.Create(title, note, call.Session)
		if err != nil {
			return nil, err
		}
		return &Result{
			OK:          true,
			Content:     fmt.Sprintf("Created task %s (%s) in inbox.", created.ID, created.Title),
			SideEffects: []string{"task:create:" + created.ID},
		}, nil

	case "transition":
		id, _ := call.Args["id"].(string)
		status, _ := call.Args["status"].(string)
		note, _ := call.Args["note"].(string)
		moved, err := t.board.Transition(id, task.Status(status), note)
		if err != nil {
			return nil, err
		}
		return &Result{
			OK:          true,
			Content:     fmt.Sprintf("Task %s is now %s.", moved.ID, moved.Status),
			SideEffects: []string{"task:transition:" + moved.ID},
		}, nil

	case "list":
		all := t.board.List()
		if len(all) == 0 {
			return &Result{OK: true, Content: "The task board is empty."}, nil
		}
		var b strings.Builder
		for _, item := range all {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", item.Status, item.ID, item.Title)
		}
		return &Result{OK: true, Content: b.String()}, nil

	default:
		return nil, itakerrors.New(itakerrors.CategoryInvalidArgs, "unknown action %q", action)
	}
}

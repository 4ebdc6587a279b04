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

	"github.com/itak-ai/itak/pkg/itakerrors"
	"github.com/itak-ai/itak/pkg/principal"
)

type responseArgs struct {
	Text string `json:"text" jsonschema:"required,description=The final message delivered to the user."`
}

// ResponseTool delivers the final answer. Its result is terminal: the
// scheduler exits the monologue loop after processing it.
type ResponseTool struct{}

func NewResponseTool() *ResponseTool { return &ResponseTool{} }

func (t *ResponseTool) Info() Info {
	return Info{
		Name:         "response",
		Description:  "Deliver the final answer to the user and end the current task.",
		InputSchema:  schemaFor(&responseArgs{}),
		RequiredRole: principal.RoleUser,
		SideEffect:   SideEffectNone,
		CostClass:    CostFree,
	}
}

func (t *ResponseTool) UsagePrompt() string {
	return `Use response exactly once per task, as your last action, with the complete
answer in "text". Nothing after a response call is processed.`
}

func (t *ResponseTool) Execute(ctx context.Context, call *Call) (*Result, error) {
	text, _ := call.Args["text"].(string)
	if text == "" {
		return nil, itakerrors.New(itakerrors.CategoryInvalidArgs, "response text is empty")
	}
	return &Result{OK: true, Content: text, Terminal: true}, nil
}

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

package scheduler

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// IntentKind tags the outcome of parsing one model response. The loop
// acts on the tag; there is no exception-style control flow.
type IntentKind int

const (
	IntentResponse IntentKind = iota
	IntentToolCall
	IntentParseError
)

// Intent is the parsed structured intent of one model turn.
type Intent struct {
	Kind IntentKind
	// Text is the final user-visible answer (IntentResponse).
	Text string
	// Tool and Args describe the requested call (IntentToolCall).
	Tool string
	Args map[string]any
	// Thoughts is the model's reasoning preamble, kept for the
	// transcript but never sent to the user.
	Thoughts string
	// ParseErr describes why parsing failed (IntentParseError).
	ParseErr string
}

// rawIntent is the wire shape the system prompt instructs the model to
// emit.
type rawIntent struct {
	Thoughts string         `json:"thoughts,omitempty"`
	Tool     string         `json:"tool"`
	Args     map[string]any `json:"args,omitempty"`
}

// responseToolName is the terminal tool: its text argument is the final
// answer.
const responseToolName = "response"

// ParseIntent extracts the structured intent from a model response.
// The model is told to reply with a single JSON object, but real output
// arrives wrapped in prose or fences and with mild syntax damage, so
// extraction is lenient and repairs before giving up.
func ParseIntent(response string) Intent {
	raw := extractJSONObject(response)
	if raw == "" {
		return Intent{Kind: IntentParseError, ParseErr: "no JSON object found in response"}
	}

	var ri rawIntent
	if err := json.Unmarshal([]byte(raw), &ri); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(raw)
		if rerr != nil {
			return Intent{Kind: IntentParseError, ParseErr: "unparseable intent: " + err.Error()}
		}
		if uerr := json.Unmarshal([]byte(repaired), &ri); uerr != nil {
			return Intent{Kind: IntentParseError, ParseErr: "unparseable intent after repair: " + uerr.Error()}
		}
	}

	if ri.Tool == "" {
		return Intent{Kind: IntentParseError, ParseErr: "intent is missing the tool field"}
	}

	if ri.Tool == responseToolName {
		text, _ := ri.Args["text"].(string)
		if strings.TrimSpace(text) == "" {
			return Intent{Kind: IntentParseError, ParseErr: "response tool called with empty text"}
		}
		return Intent{Kind: IntentResponse, Text: text, Thoughts: ri.Thoughts}
	}

	if ri.Args == nil {
		ri.Args = map[string]any{}
	}
	return Intent{Kind: IntentToolCall, Tool: ri.Tool, Args: ri.Args, Thoughts: ri.Thoughts}
}

// extractJSONObject returns the first balanced top-level JSON object in
// s, respecting strings and escapes.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	// Unbalanced: hand the remainder to the repairer.
	return s[start:]
}

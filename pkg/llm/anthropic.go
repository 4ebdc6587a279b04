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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/itak-ai/itak/pkg/itakerrors"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	anthropicMaxTokens      = 8192
)

// AnthropicProvider speaks the Anthropic messages wire format.
type AnthropicProvider struct {
	name    string
	model   string
	baseURL string
	apiKey  string
	extra   map[string]any
	client  *http.Client
}

func NewAnthropicProvider(name, model, baseURL, apiKey string, timeout time.Duration, extra map[string]any) *AnthropicProvider {
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &AnthropicProvider{
		name:    name,
		model:   model,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		extra:   extra,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *AnthropicProvider) Name() string  { return p.name }
func (p *AnthropicProvider) Model() string { return p.model }
func (p *AnthropicProvider) Close() error  { return nil }

type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Message struct {
		Usage struct {
			InputTokens int64 `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *AnthropicProvider) buildBody(messages []Message) ([]byte, error) {
	// Anthropic takes the system prompt as a top-level field.
	var system strings.Builder
	msgs := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		if m.Role == MessageRoleSystem {
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
			continue
		}
		role := string(m.Role)
		if m.Role == MessageRoleTool {
			role = string(MessageRoleUser)
		}
		if m.ImageURL != "" {
			content := []map[string]any{
				{"type": "image", "source": map[string]any{"type": "url", "url": m.ImageURL}},
			}
			if m.Content != "" {
				content = append(content, map[string]any{"type": "text", "text": m.Content})
			}
			msgs = append(msgs, map[string]any{"role": role, "content": content})
			continue
		}
		msgs = append(msgs, map[string]any{"role": role, "content": m.Content})
	}

	body := map[string]any{
		"model":      p.model,
		"messages":   msgs,
		"max_tokens": anthropicMaxTokens,
		"stream":     true,
	}
	if system.Len() > 0 {
		body["system"] = system.String()
	}
	for k, v := range p.extra {
		body[k] = v
	}
	return json.Marshal(body)
}

func (p *AnthropicProvider) Stream(ctx context.Context, messages []Message) (<-chan StreamChunk, error) {
	body, err := p.buildBody(messages)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, itakerrors.New(itakerrors.CategoryProviderTransient, "anthropic request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, classifyHTTPStatus("anthropic", resp)
	}

	ch := make(chan StreamChunk, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		var tokensIn, tokensOut int64
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev anthropicEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				continue
			}
			switch ev.Type {
			case "message_start":
				tokensIn = ev.Message.Usage.InputTokens
			case "content_block_delta":
				if ev.Delta.Text != "" {
					ch <- StreamChunk{Type: ChunkText, Text: ev.Delta.Text}
				}
			case "message_delta":
				tokensOut = ev.Usage.OutputTokens
			case "error":
				cat := itakerrors.CategoryProviderTransient
				if ev.Error.Type == "overloaded_error" || ev.Error.Type == "rate_limit_error" {
					cat = itakerrors.CategoryRateLimited
				}
				ch <- StreamChunk{Type: ChunkError, Err: itakerrors.New(cat, "anthropic stream error: %s", ev.Error.Message)}
				return
			case "message_stop":
				ch <- StreamChunk{Type: ChunkDone, TokensIn: tokensIn, TokensOut: tokensOut}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- StreamChunk{Type: ChunkError, Err: itakerrors.New(itakerrors.CategoryProviderTransient, "anthropic stream interrupted: %v", err)}
			return
		}
		ch <- StreamChunk{Type: ChunkDone, TokensIn: tokensIn, TokensOut: tokensOut}
	}()
	return ch, nil
}

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
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/itak-ai/itak/pkg/itakerrors"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider speaks the OpenAI chat completions wire format. It
// also covers OpenAI-compatible gateways (OpenRouter, vLLM, llama.cpp
// server) via a custom base URL.
type OpenAIProvider struct {
	name    string
	model   string
	baseURL string
	apiKey  string
	extra   map[string]any
	client  *http.Client
}

func NewOpenAIProvider(name, model, baseURL, apiKey string, timeout time.Duration, extra map[string]any) *OpenAIProvider {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAIProvider{
		name:    name,
		model:   model,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		extra:   extra,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *OpenAIProvider) Name() string  { return p.name }
func (p *OpenAIProvider) Model() string { return p.model }
func (p *OpenAIProvider) Close() error  { return nil }

type openAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openAIContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *OpenAIProvider) buildBody(messages []Message) ([]byte, error) {
	msgs := make([]openAIMessage, 0, len(messages))
	for _, m := range messages {
		if m.ImageURL != "" {
			parts := []openAIContentPart{}
			if m.Content != "" {
				parts = append(parts, openAIContentPart{Type: "text", Text: m.Content})
			}
			img := openAIContentPart{Type: "image_url"}
			img.ImageURL = &struct {
				URL string `json:"url"`
			}{URL: m.ImageURL}
			parts = append(parts, img)
			msgs = append(msgs, openAIMessage{Role: string(m.Role), Content: parts})
			continue
		}
		msgs = append(msgs, openAIMessage{Role: string(m.Role), Content: m.Content})
	}

	body := map[string]any{
		"model":          p.model,
		"messages":       msgs,
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	}
	for k, v := range p.extra {
		body[k] = v
	}
	return json.Marshal(body)
}

func (p *OpenAIProvider) Stream(ctx context.Context, messages []Message) (<-chan StreamChunk, error) {
	body, err := p.buildBody(messages)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, itakerrors.New(itakerrors.CategoryProviderTransient, "openai request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, classifyHTTPStatus("openai", resp)
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
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}
			var chunk openAIStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if chunk.Error != nil {
				ch <- StreamChunk{Type: ChunkError, Err: itakerrors.New(itakerrors.CategoryProviderTransient, "openai stream error: %s", chunk.Error.Message)}
				return
			}
			if chunk.Usage != nil {
				tokensIn = chunk.Usage.PromptTokens
				tokensOut = chunk.Usage.CompletionTokens
			}
			for _, c := range chunk.Choices {
				if c.Delta.Content != "" {
					ch <- StreamChunk{Type: ChunkText, Text: c.Delta.Content}
				}
			}
		}
		if err := scanner.Err(); err != nil && err != io.EOF {
			ch <- StreamChunk{Type: ChunkError, Err: itakerrors.New(itakerrors.CategoryProviderTransient, "openai stream interrupted: %v", err)}
			return
		}
		ch <- StreamChunk{Type: ChunkDone, TokensIn: tokensIn, TokensOut: tokensOut}
	}()
	return ch, nil
}

// Embed calls the embeddings endpoint with the provider's model.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]any{"model": p.model, "input": text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, itakerrors.New(itakerrors.CategoryProviderTransient, "embedding request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPStatus("openai", resp)
	}

	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, itakerrors.New(itakerrors.CategoryInternalInvariant, "embedding response contained no vectors")
	}
	return out.Data[0].Embedding, nil
}

// classifyHTTPStatus maps provider HTTP failures onto the error
// taxonomy so the router and healer can pick the right recovery.
func classifyHTTPStatus(provider string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := fmt.Sprintf("%s returned %d: %s", provider, resp.StatusCode, strings.TrimSpace(string(snippet)))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return itakerrors.New(itakerrors.CategoryProviderNonTransient, "%s", msg)
	case resp.StatusCode == http.StatusTooManyRequests:
		return itakerrors.New(itakerrors.CategoryRateLimited, "%s", msg)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnprocessableEntity:
		return itakerrors.New(itakerrors.CategoryInvalidArgs, "%s", msg)
	case resp.StatusCode >= 500:
		return itakerrors.New(itakerrors.CategoryProviderTransient, "%s", msg)
	default:
		return itakerrors.New(itakerrors.CategoryProviderTransient, "%s", msg)
	}
}

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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/itak-ai/itak/pkg/itakerrors"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// OllamaProvider speaks the Ollama native API. Responses stream as
// newline-delimited JSON rather than SSE.
type OllamaProvider struct {
	name    string
	model   string
	baseURL string
	extra   map[string]any
	client  *http.Client
}

func NewOllamaProvider(name, model, baseURL string, timeout time.Duration, extra map[string]any) *OllamaProvider {
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return &OllamaProvider{
		name:    name,
		model:   model,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		extra:   extra,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *OllamaProvider) Name() string  { return p.name }
func (p *OllamaProvider) Model() string { return p.model }
func (p *OllamaProvider) Close() error  { return nil }

type ollamaChatChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	PromptEvalCount int64  `json:"prompt_eval_count"`
	EvalCount       int64  `json:"eval_count"`
	Error           string `json:"error"`
}

func (p *OllamaProvider) Stream(ctx context.Context, messages []Message) (<-chan StreamChunk, error) {
	msgs := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		msg := map[string]any{"role": string(m.Role), "content": m.Content}
		if m.ImageURL != "" {
			// Ollama takes raw base64 images; URL fetching happens in
			// the media pipeline before the message reaches a provider.
			msg["images"] = []string{m.ImageURL}
		}
		msgs = append(msgs, msg)
	}
	body := map[string]any{"model": p.model, "messages": msgs, "stream": true}
	if len(p.extra) > 0 {
		body["options"] = p.extra
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, itakerrors.New(itakerrors.CategoryProviderTransient, "ollama request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, classifyHTTPStatus("ollama", resp)
	}

	ch := make(chan StreamChunk, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		dec := json.NewDecoder(resp.Body)
		for {
			var chunk ollamaChatChunk
			if err := dec.Decode(&chunk); err != nil {
				ch <- StreamChunk{Type: ChunkError, Err: itakerrors.New(itakerrors.CategoryProviderTransient, "ollama stream interrupted: %v", err)}
				return
			}
			if chunk.Error != "" {
				ch <- StreamChunk{Type: ChunkError, Err: itakerrors.New(itakerrors.CategoryProviderTransient, "ollama error: %s", chunk.Error)}
				return
			}
			if chunk.Message.Content != "" {
				ch <- StreamChunk{Type: ChunkText, Text: chunk.Message.Content}
			}
			if chunk.Done {
				ch <- StreamChunk{Type: ChunkDone, TokensIn: chunk.PromptEvalCount, TokensOut: chunk.EvalCount}
				return
			}
		}
	}()
	return ch, nil
}

// Embed calls the native embeddings endpoint.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(map[string]any{"model": p.model, "input": text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, itakerrors.New(itakerrors.CategoryProviderTransient, "embedding request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPStatus("ollama", resp)
	}

	var out struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(out.Embeddings) == 0 {
		return nil, itakerrors.New(itakerrors.CategoryInternalInvariant, "embedding response contained no vectors")
	}
	return out.Embeddings[0], nil
}

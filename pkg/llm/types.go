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

// Package llm routes model calls across provider bindings with
// fallback, token accounting and cost budgeting. Providers implement an
// abstract capability contract; their wire formats stay behind this
// package.
package llm

import (
	"context"
)

// Role is a model routing role. Each role carries an ordered fallback
// list of provider bindings.
type Role string

const (
	RoleChat      Role = "chat"
	RoleUtility   Role = "utility"
	RoleVision    Role = "vision"
	RoleEmbedding Role = "embedding"
)

// MessageRole is a chat message author role.
type MessageRole string

const (
	MessageRoleSystem    MessageRole = "system"
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleTool      MessageRole = "tool"
)

// Message is one prompt message.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
	// ImageURL carries an image reference for vision-capable bindings.
	ImageURL string `json:"image_url,omitempty"`
}

// ChunkType discriminates stream chunks.
type ChunkType string

const (
	ChunkText ChunkType = "text"
	// ChunkReset tells the accumulator to discard everything received
	// so far: a binding failed mid-stream and the router is retrying
	// with the next one.
	ChunkReset ChunkType = "reset"
	ChunkDone  ChunkType = "done"
	ChunkError ChunkType = "error"
)

// StreamChunk is one unit of streamed completion output. Within a
// single call chunks are delivered in provider-emitted order.
type StreamChunk struct {
	Type      ChunkType
	Text      string
	TokensIn  int64 // populated on ChunkDone when the provider reports usage
	TokensOut int64
	Err       error
}

// Completion is an accumulated model response.
type Completion struct {
	Text        string
	Model       string
	Provider    string
	TokensIn    int64
	TokensOut   int64
	Cost        float64
	Approximate bool // token counts estimated, not provider-reported
}

// Provider is the abstract capability contract for one chat-capable
// model binding.
type Provider interface {
	Name() string
	Model() string
	// Stream issues the request and emits chunks until ChunkDone or
	// ChunkError. The channel is closed after the terminal chunk.
	Stream(ctx context.Context, messages []Message) (<-chan StreamChunk, error)
	Close() error
}

// Embedder produces vector embeddings; treated as an opaque vectorizer.
type Embedder interface {
	Name() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

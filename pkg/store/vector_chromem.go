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

package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"
)

// ChromemVector implements Vector using chromem-go for embedded vector
// storage. Pure Go, no external services; the recommended provider for
// single-node deployments. Vectors are pre-computed by the embedding
// role, so the collection's embedding function is never used.
type ChromemVector struct {
	db          *chromem.DB
	persistPath string
	collection  string

	mu  sync.RWMutex
	col *chromem.Collection
}

// NewChromemVector creates or loads an embedded vector store. An empty
// persistPath keeps vectors in memory only.
func NewChromemVector(persistPath, collection string) (*ChromemVector, error) {
	var db *chromem.DB
	if persistPath != "" {
		if err := os.MkdirAll(filepath.Dir(persistPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create vector dir: %w", err)
		}
		if _, err := os.Stat(persistPath); err == nil {
			loaded, err := chromem.NewPersistentDB(persistPath, false)
			if err != nil {
				slog.Warn("failed to load vector database, creating new", "path", persistPath, "error", err)
				db = chromem.NewDB()
			} else {
				db = loaded
			}
		} else {
			pdb, err := chromem.NewPersistentDB(persistPath, false)
			if err != nil {
				return nil, fmt.Errorf("failed to create vector database: %w", err)
			}
			db = pdb
		}
	} else {
		db = chromem.NewDB()
	}

	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("vectors must be pre-computed")
	}
	col, err := db.GetOrCreateCollection(collection, nil, identityEmbed)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection %q: %w", collection, err)
	}

	return &ChromemVector{db: db, persistPath: persistPath, collection: collection, col: col}, nil
}

func (p *ChromemVector) Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	metadata := make(map[string]string, len(payload))
	content := ""
	for k, v := range payload {
		if k == "content" {
			if c, ok := v.(string); ok {
				content = c
				continue
			}
		}
		metadata[k] = fmt.Sprint(v)
	}

	doc := chromem.Document{
		ID:        id,
		Content:   content,
		Metadata:  metadata,
		Embedding: vector,
	}
	if err := p.col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to upsert vector: %w", err)
	}
	return nil
}

func (p *ChromemVector) Search(ctx context.Context, vector []float32, topK int, filter map[string]any) ([]VectorResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	count := p.col.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	var where map[string]string
	if len(filter) > 0 {
		where = make(map[string]string, len(filter))
		for k, v := range filter {
			where[k] = fmt.Sprint(v)
		}
	}

	results, err := p.col.QueryEmbedding(ctx, vector, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	out := make([]VectorResult, 0, len(results))
	for _, r := range results {
		payload := make(map[string]any, len(r.Metadata)+1)
		for k, v := range r.Metadata {
			payload[k] = v
		}
		if r.Content != "" {
			payload["content"] = r.Content
		}
		out = append(out, VectorResult{ID: r.ID, Score: r.Similarity, Payload: payload})
	}
	return out, nil
}

// Delete removes a vector by id. Deleting an absent id is a no-op.
func (p *ChromemVector) Delete(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("failed to delete vector: %w", err)
	}
	return nil
}

func (p *ChromemVector) Health(context.Context) Health {
	return HealthAvailable
}

func (p *ChromemVector) Close() error { return nil }

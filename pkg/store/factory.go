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
	"fmt"
	"path/filepath"

	"github.com/itak-ai/itak/pkg/config"
)

// NewVector creates the configured vector provider.
func NewVector(cfg *config.VectorConfig, dataDir string) (Vector, error) {
	switch cfg.Provider {
	case "chromem":
		path := cfg.PersistPath
		if path == "" {
			path = filepath.Join(dataDir, "memory", "archival", "vector", "vectors.gob")
		}
		return NewChromemVector(path, cfg.Collection)
	case "qdrant":
		return NewQdrantVector(cfg.Host, cfg.Port, cfg.APIKey, cfg.Collection, cfg.Dimension)
	default:
		return nil, fmt.Errorf("unsupported vector provider: %s (supported: chromem, qdrant)", cfg.Provider)
	}
}

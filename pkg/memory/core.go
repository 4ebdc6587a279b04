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

package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// CoreDocument is one markdown file from the core tier. Core documents
// are loaded once per session and are immutable for its duration:
// editing the file takes effect on the next session start.
type CoreDocument struct {
	Name    string
	Content string
	Hash    string
}

// LoadCore reads every markdown file under the core directory, sorted
// by name so prompt assembly is deterministic. A missing directory is
// an empty core, not an error.
func LoadCore(dir string) ([]CoreDocument, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read core dir: %w", err)
	}

	var docs []CoreDocument
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read core file %s: %w", e.Name(), err)
		}
		sum := sha256.Sum256(content)
		docs = append(docs, CoreDocument{
			Name:    strings.TrimSuffix(e.Name(), ".md"),
			Content: string(content),
			Hash:    hex.EncodeToString(sum[:]),
		})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })
	return docs, nil
}

// AssembleCore renders core documents into one prompt block.
func AssembleCore(docs []CoreDocument) string {
	if len(docs) == 0 {
		return ""
	}
	var b strings.Builder
	for _, d := range docs {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", d.Name, strings.TrimSpace(d.Content))
	}
	return strings.TrimSpace(b.String())
}

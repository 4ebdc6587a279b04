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
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/itak-ai/itak/pkg/itakerrors"
)

const (
	externalChunkSize    = 1200
	externalChunkOverlap = 200
	externalFetchLimit   = 4 << 20 // 4 MiB cap per source
)

// SourceGuard validates outbound fetch targets before any connection is
// made; the tool engine's SSRF guard implements it.
type SourceGuard interface {
	CheckURL(rawURL string) error
}

// ExternalSource is an indexed file or URL: chunked, embedded and
// searchable for the lifetime of the task that referenced it. Nothing
// here touches the persistent tiers.
type ExternalSource struct {
	Ref       string
	chunks    []string
	vectors   [][]float32
	IndexedAt time.Time
}

// Chunk splits text into overlapping windows on whitespace boundaries.
func Chunk(text string, size, overlap int) []string {
	if size <= 0 {
		size = externalChunkSize
	}
	if overlap >= size {
		overlap = size / 4
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var chunks []string
	var cur []string
	curLen := 0
	for _, w := range words {
		cur = append(cur, w)
		curLen += len(w) + 1
		if curLen >= size {
			chunks = append(chunks, strings.Join(cur, " "))
			// Carry the tail forward for overlap.
			var tail []string
			tailLen := 0
			for i := len(cur) - 1; i >= 0 && tailLen < overlap; i-- {
				tail = append([]string{cur[i]}, tail...)
				tailLen += len(cur[i]) + 1
			}
			cur = tail
			curLen = tailLen
		}
	}
	if curLen > 0 && (len(chunks) == 0 || strings.Join(cur, " ") != chunks[len(chunks)-1]) {
		chunks = append(chunks, strings.Join(cur, " "))
	}
	return chunks
}

// IndexFile chunks and embeds a local file for on-demand retrieval.
func (f *Fabric) IndexFile(ctx context.Context, principal, path string) (*ExternalSource, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, itakerrors.Wrap(itakerrors.CategoryInvalidArgs, err, "cannot read source file")
	}
	return f.indexText(ctx, principal, path, string(content))
}

// IndexURL fetches, strips and indexes a web page. The guard runs
// before the request; fabric callers cannot bypass the SSRF policy.
func (f *Fabric) IndexURL(ctx context.Context, principal, rawURL string, guard SourceGuard) (*ExternalSource, error) {
	if guard != nil {
		if err := guard.CheckURL(rawURL); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, itakerrors.Wrap(itakerrors.CategoryInvalidArgs, err, "invalid source url")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, itakerrors.Wrap(itakerrors.CategoryProviderTransient, err, "source fetch failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, itakerrors.New(itakerrors.CategoryProviderTransient, "source fetch returned %d", resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, externalFetchLimit)
	text := ""
	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		doc, err := goquery.NewDocumentFromReader(body)
		if err != nil {
			return nil, fmt.Errorf("failed to parse html: %w", err)
		}
		doc.Find("script, style, nav, footer").Remove()
		text = doc.Find("body").Text()
	} else {
		raw, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("failed to read source: %w", err)
		}
		text = string(raw)
	}
	return f.indexText(ctx, principal, rawURL, text)
}

func (f *Fabric) indexText(ctx context.Context, principal, ref, text string) (*ExternalSource, error) {
	chunks := Chunk(text, externalChunkSize, externalChunkOverlap)
	if len(chunks) == 0 {
		return nil, itakerrors.New(itakerrors.CategoryInvalidArgs, "source %q contained no text", ref)
	}
	src := &ExternalSource{Ref: ref, chunks: chunks, IndexedAt: time.Now()}
	if f.embed == nil {
		return src, nil
	}
	for _, c := range chunks {
		vec, err := f.embed(ctx, principal, c)
		if err != nil {
			return nil, fmt.Errorf("failed to embed chunk: %w", err)
		}
		src.vectors = append(src.vectors, vec)
	}
	return src, nil
}

// SearchChunks returns the chunks most similar to the query. Without
// embeddings it degrades to keyword overlap.
func (f *Fabric) SearchChunks(ctx context.Context, principal string, src *ExternalSource, query string, k int) ([]string, error) {
	if k <= 0 {
		k = 3
	}
	type scored struct {
		idx   int
		score float64
	}
	var ranked []scored

	if len(src.vectors) == len(src.chunks) && f.embed != nil {
		qvec, err := f.embed(ctx, principal, query)
		if err != nil {
			return nil, err
		}
		for i, v := range src.vectors {
			ranked = append(ranked, scored{idx: i, score: cosine(qvec, v)})
		}
	} else {
		qTerms := map[string]struct{}{}
		for _, t := range tokenize(query) {
			qTerms[t] = struct{}{}
		}
		for i, c := range src.chunks {
			overlap := 0
			for _, t := range tokenize(c) {
				if _, ok := qTerms[t]; ok {
					overlap++
				}
			}
			ranked = append(ranked, scored{idx: i, score: float64(overlap)})
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if k > len(ranked) {
		k = len(ranked)
	}
	out := make([]string, 0, k)
	for _, r := range ranked[:k] {
		if r.score > 0 {
			out = append(out, src.chunks[r.idx])
		}
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

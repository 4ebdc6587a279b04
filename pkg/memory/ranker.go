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
	"math"
	"sort"
	"strings"

	"github.com/itak-ai/itak/pkg/config"
	"github.com/itak-ai/itak/pkg/store"
)

// BM25 parameters. Standard values; tuning them has never mattered at
// the corpus sizes a single principal accumulates.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
	// rrfK dampens the influence of top ranks in reciprocal rank
	// fusion, per the original RRF paper.
	rrfK = 60.0
)

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

// bm25Scores ranks candidate entries against the query over their
// content. The candidate set is the corpus: recall is small enough that
// per-query IDF over candidates is accurate and avoids maintaining a
// persistent index.
func bm25Scores(query string, candidates []*store.Entry) map[string]float64 {
	qTerms := tokenize(query)
	if len(qTerms) == 0 || len(candidates) == 0 {
		return nil
	}

	docs := make([]map[string]int, len(candidates))
	var totalLen float64
	for i, e := range candidates {
		terms := tokenize(e.Content)
		tf := make(map[string]int, len(terms))
		for _, t := range terms {
			tf[t]++
		}
		docs[i] = tf
		totalLen += float64(len(terms))
	}
	avgLen := totalLen / float64(len(candidates))
	if avgLen == 0 {
		return nil
	}

	df := make(map[string]int, len(qTerms))
	for _, t := range qTerms {
		for _, doc := range docs {
			if doc[t] > 0 {
				df[t]++
			}
		}
	}

	n := float64(len(candidates))
	scores := make(map[string]float64, len(candidates))
	for i, e := range candidates {
		var docLen float64
		for _, c := range docs[i] {
			docLen += float64(c)
		}
		var score float64
		for _, t := range qTerms {
			tf := float64(docs[i][t])
			if tf == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[t])+0.5)/(float64(df[t])+0.5))
			score += idf * (tf * (bm25K1 + 1)) / (tf + bm25K1*(1-bm25B+bm25B*docLen/avgLen))
		}
		if score > 0 {
			scores[e.ID] = score
		}
	}
	return scores
}

// rankedList is one retrieval channel's output, best first.
type rankedList []string

// signal carries one channel's per-id normalized score for the weighted
// re-score pass.
type signal map[string]float64

// normalize maps raw scores into [0,1] by dividing by the max.
func normalize(raw map[string]float64) signal {
	if len(raw) == 0 {
		return nil
	}
	var max float64
	for _, v := range raw {
		if v > max {
			max = v
		}
	}
	if max == 0 {
		return nil
	}
	out := make(signal, len(raw))
	for k, v := range raw {
		out[k] = v / max
	}
	return out
}

// fuse merges the three retrieval channels with reciprocal rank fusion,
// then re-scores with the configured weights. Returns ids best first,
// deduplicated.
func fuse(w *config.RankerConfig, vecRank, bm25Rank, graphRank rankedList, vecSig, bm25Sig, graphSig signal) []string {
	rrf := map[string]float64{}
	for _, list := range []rankedList{vecRank, bm25Rank, graphRank} {
		for i, id := range list {
			rrf[id] += 1.0 / (rrfK + float64(i+1))
		}
	}
	if len(rrf) == 0 {
		return nil
	}

	// RRF establishes the candidate pool; the weighted signal score
	// breaks the final ordering. RRF contributes as a small tiebreaker
	// so channel agreement still matters when signals are close.
	type scored struct {
		id    string
		score float64
	}
	out := make([]scored, 0, len(rrf))
	for id, fusion := range rrf {
		s := w.VectorWeight*vecSig[id] + w.BM25Weight*bm25Sig[id] + w.GraphWeight*graphSig[id]
		out = append(out, scored{id: id, score: s + fusion})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})

	ids := make([]string, len(out))
	for i, s := range out {
		ids[i] = s.id
	}
	return ids
}

// graphProximity converts hop distance into a score: direct neighbors
// outrank 2-hop reaches.
func graphProximity(hits []store.GraphHit) map[string]float64 {
	scores := map[string]float64{}
	for _, h := range hits {
		s := 1.0 / float64(h.Hops+1)
		if s > scores[h.Relation.SourceMemoryID] {
			scores[h.Relation.SourceMemoryID] = s
		}
	}
	return scores
}

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
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// Entity and tag extraction is deliberately cheap: it runs on every
// remember and every search, so it must never call a model. Proper-noun
// runs, @handles and #tags cover the bulk of what the graph needs; the
// derivation worker refines relations asynchronously.

var (
	handlePattern = regexp.MustCompile(`@[A-Za-z0-9_.-]+`)
	tagPattern    = regexp.MustCompile(`#[A-Za-z0-9_-]+`)
)

// stopwords that look like proper nouns at sentence starts.
var entityStopwords = map[string]struct{}{
	"i": {}, "the": {}, "a": {}, "an": {}, "this": {}, "that": {},
	"my": {}, "your": {}, "it": {}, "we": {}, "he": {}, "she": {},
	"they": {}, "what": {}, "when": {}, "where": {}, "who": {},
	"how": {}, "why": {}, "please": {}, "ok": {}, "yes": {}, "no": {},
}

// ExtractEntities pulls entity candidates from free text: runs of
// capitalized words, @handles and bare #tag references. Results are
// lowercased, deduplicated and sorted for stable graph keys.
func ExtractEntities(text string) []string {
	seen := map[string]struct{}{}

	for _, m := range handlePattern.FindAllString(text, -1) {
		seen[strings.ToLower(strings.TrimPrefix(m, "@"))] = struct{}{}
	}

	words := strings.Fields(text)
	var run []string
	flush := func() {
		if len(run) == 0 {
			return
		}
		candidate := strings.ToLower(strings.Join(run, " "))
		run = run[:0]
		if _, stop := entityStopwords[candidate]; stop {
			return
		}
		if len(candidate) < 2 {
			return
		}
		seen[candidate] = struct{}{}
	}
	for _, w := range words {
		trimmed := strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if trimmed == "" {
			flush()
			continue
		}
		first := []rune(trimmed)[0]
		if unicode.IsUpper(first) {
			run = append(run, trimmed)
			// Punctuation after the word ends the run.
			if strings.ContainsAny(w, ".,;:!?") {
				flush()
			}
			continue
		}
		flush()
	}
	flush()

	out := make([]string, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// ExtractTags pulls #tag markers from free text, lowercased and
// deduplicated.
func ExtractTags(text string) []string {
	seen := map[string]struct{}{}
	for _, m := range tagPattern.FindAllString(text, -1) {
		seen[strings.ToLower(strings.TrimPrefix(m, "#"))] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

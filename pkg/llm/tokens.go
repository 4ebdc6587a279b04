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
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encoderMu    sync.Mutex
	encoderCache = map[string]*tiktoken.Tiktoken{}
)

// CountTokens estimates prompt tokens for a model. When no tokenizer is
// known for the model it falls back to the character/4 heuristic and
// reports the estimate as approximate; provider-reported actuals
// override estimates at commit time.
func CountTokens(model, text string) (count int64, approximate bool) {
	encoderMu.Lock()
	enc, ok := encoderCache[model]
	if !ok {
		var err error
		enc, err = tiktoken.EncodingForModel(model)
		if err != nil {
			enc, err = tiktoken.GetEncoding("cl100k_base")
		}
		if err != nil {
			enc = nil
		}
		encoderCache[model] = enc
	}
	encoderMu.Unlock()

	if enc == nil {
		return int64(len(text))/4 + 1, true
	}
	return int64(len(enc.Encode(text, nil, nil))), false
}

// CountMessages estimates tokens across a message list, including a
// small per-message framing overhead.
func CountMessages(model string, messages []Message) (count int64, approximate bool) {
	var total int64
	for _, m := range messages {
		n, approx := CountTokens(model, m.Content)
		total += n + 4
		approximate = approximate || approx
	}
	return total, approximate
}

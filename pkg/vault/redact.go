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

package vault

import (
	"math"
	"regexp"
	"strings"
)

// MaskToken replaces every redacted span. The token itself never
// matches any redaction pattern, which keeps Redact idempotent.
const MaskToken = "[REDACTED]"

type patternRule struct {
	name    string
	pattern *regexp.Regexp
	// verify optionally rejects matches (e.g. Luhn check for cards).
	verify func(string) bool
}

var patternRules = []patternRule{
	{name: "jwt", pattern: regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\b`)},
	{name: "bearer_token", pattern: regexp.MustCompile(`(?i)\b(bearer|token|api[_-]?key|authorization)[=: ]+\S{16,}`)},
	{name: "email", pattern: regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{name: "card_number", pattern: regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`), verify: luhnValid},
	{name: "national_id", pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{name: "phone", pattern: regexp.MustCompile(`\+\d{1,3}[ -]?\(?\d{1,4}\)?(?:[ -]?\d{2,4}){2,4}\b`)},
	{name: "private_ip", pattern: regexp.MustCompile(`\b(?:10\.\d{1,3}\.\d{1,3}\.\d{1,3}|192\.168\.\d{1,3}\.\d{1,3}|172\.(?:1[6-9]|2\d|3[01])\.\d{1,3}\.\d{1,3}|169\.254\.\d{1,3}\.\d{1,3}|127\.\d{1,3}\.\d{1,3}\.\d{1,3})\b`)},
	{name: "credential_path", pattern: regexp.MustCompile(`(?i)\B/[^\s:]*(?:credential|secret|password|\.ssh|\.aws|token)[^\s:]*`)},
	{name: "high_entropy_key", pattern: regexp.MustCompile(`\b[A-Za-z0-9+/_-]{32,}={0,2}\b`), verify: highEntropy},
}

// Redactor enforces the two-pass output guard: literal masking of every
// currently known secret value, then pattern-based PII redaction.
type Redactor struct {
	vault *Vault
}

// NewRedactor creates a Redactor bound to a vault. A nil vault yields a
// pattern-only redactor.
func NewRedactor(v *Vault) *Redactor {
	return &Redactor{vault: v}
}

// Redact scrubs text for any outbound surface: model output, tool
// result surfaces, adapter sends and log entries. Idempotent.
func (r *Redactor) Redact(text string) string {
	if text == "" {
		return text
	}

	// Pass 1: literal secret values, longest first.
	if r.vault != nil {
		for _, value := range r.vault.snapshotValues() {
			text = strings.ReplaceAll(text, value, MaskToken)
		}
	}

	// Pass 2: PII and credential patterns.
	for _, rule := range patternRules {
		text = rule.pattern.ReplaceAllStringFunc(text, func(match string) string {
			if rule.verify != nil && !rule.verify(match) {
				return match
			}
			return MaskToken
		})
	}

	return text
}

// luhnValid reports whether the digit sequence passes the Luhn
// checksum, filtering out ordinary long numbers.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// highEntropy estimates Shannon entropy per character; generic API keys
// and random tokens score high, ordinary words and hex counters do not.
func highEntropy(s string) bool {
	if len(s) < 32 {
		return false
	}
	freq := make(map[rune]float64)
	for _, r := range s {
		freq[r]++
	}
	entropy := 0.0
	n := float64(len(s))
	for _, count := range freq {
		p := count / n
		entropy -= p * math.Log2(p)
	}
	return entropy >= 4.0
}

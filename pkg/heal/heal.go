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

// Package heal implements the self-healing engine: error
// classification, a bounded repair loop with strategy selection, and a
// memory of prior fixes so the same failure is repaired in one step the
// next time it appears.
package heal

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/itak-ai/itak/pkg/itakerrors"
)

// Class buckets an error for repair-strategy selection.
type Class string

const (
	ClassDependency Class = "dependency" // missing binary, package, import
	ClassNetwork    Class = "network"    // transient connectivity, rate limits
	ClassConfig     Class = "config"     // bad or missing configuration, secrets
	ClassRuntime    Class = "runtime"    // panics, invariant breaks
	ClassTool       Class = "tool"       // tool-specific failures
	ClassResource   Class = "resource"   // quota, disk, budget exhaustion
	ClassSecurity   Class = "security"   // policy and permission violations
	ClassData       Class = "data"       // corrupt or inconsistent stored state
)

// DecisionKind is the healer's verdict on one failure.
type DecisionKind string

const (
	// KindRetry means the caller should retry, after Decision.Backoff,
	// optionally with the altered parameters in Decision.Strategy.
	KindRetry DecisionKind = "retry"
	// KindSurface means give up and report a structured error to the
	// user; the session continues.
	KindSurface DecisionKind = "surface"
	// KindFatal means the failure must not be retried or softened.
	KindFatal DecisionKind = "fatal"
)

// Strategy is one candidate repair: retry the operation with altered
// parameters or after a prerequisite step.
type Strategy struct {
	Name string `json:"name"`
	// Description is a human-readable account of what the retry changes.
	Description string `json:"description"`
	// ArgPatch overrides individual tool arguments on the retried call.
	ArgPatch map[string]any `json:"arg_patch,omitempty"`
}

// Decision is what the scheduler acts on.
type Decision struct {
	Kind     DecisionKind
	Class    Class
	Strategy *Strategy
	Backoff  time.Duration
	Err      error
}

// signature patterns checked against the error text, most specific
// first. The first match wins; category-based classification runs only
// when no pattern matches.
var signatureTable = []struct {
	pattern *regexp.Regexp
	class   Class
}{
	{regexp.MustCompile(`(?i)command not found|executable file not found|no module named|cannot find package|import(error)?:`), ClassDependency},
	{regexp.MustCompile(`(?i)connection (refused|reset)|no such host|dns|tls handshake|network is unreachable|broken pipe|EOF$`), ClassNetwork},
	{regexp.MustCompile(`(?i)no space left|too many open files|out of memory|quota exceeded|disk full`), ClassResource},
	{regexp.MustCompile(`(?i)corrupt|checksum mismatch|malformed record|unexpected end of (file|input)`), ClassData},
	{regexp.MustCompile(`(?i)panic:|nil pointer|index out of range|stack overflow`), ClassRuntime},
	{regexp.MustCompile(`(?i)unauthorized|forbidden|permission denied|access denied`), ClassSecurity},
	{regexp.MustCompile(`(?i)missing.*(config|secret|credential)|unresolved secret|not configured`), ClassConfig},
}

// Classify buckets an error by its category when it carries one, with
// the signature table as fallback for uncategorized errors.
func Classify(err error) Class {
	if err == nil {
		return ClassRuntime
	}

	switch itakerrors.CategoryOf(err) {
	case itakerrors.CategoryPolicyViolation, itakerrors.CategoryPermissionDenied:
		return ClassSecurity
	case itakerrors.CategoryMissingSecret:
		return ClassConfig
	case itakerrors.CategoryRateLimited, itakerrors.CategoryProviderTransient, itakerrors.CategoryTimeout:
		return ClassNetwork
	case itakerrors.CategoryBudgetExceeded:
		return ClassResource
	case itakerrors.CategoryInternalInvariant:
		// Categorized invariant violations are runtime bugs; errors
		// with no category at all go through the signature table.
		var ie *itakerrors.Error
		if errors.As(err, &ie) {
			return ClassRuntime
		}
	}

	msg := err.Error()
	for _, row := range signatureTable {
		if row.pattern.MatchString(msg) {
			return row.class
		}
	}
	return ClassTool
}

// Repairable reports whether a class is eligible for the repair loop.
// Security and data failures are never retried; config and resource
// failures need a human or a cleanup, not a retry.
func (c Class) Repairable() bool {
	switch c {
	case ClassDependency, ClassNetwork, ClassRuntime, ClassTool:
		return true
	default:
		return false
	}
}

var (
	hexPattern  = regexp.MustCompile(`\b[0-9a-fA-F]{8,}\b`)
	numPattern  = regexp.MustCompile(`\d+`)
	pathPattern = regexp.MustCompile(`/[^\s"']+`)
)

// Signature normalizes an error message into a stable lookup key:
// volatile parts (ids, counters, paths) are stripped so the same
// failure mode converges on the same signature across occurrences.
func Signature(class Class, err error) string {
	msg := err.Error()
	msg = hexPattern.ReplaceAllString(msg, "*")
	msg = pathPattern.ReplaceAllString(msg, "*")
	msg = numPattern.ReplaceAllString(msg, "*")
	msg = strings.ToLower(strings.TrimSpace(msg))
	if len(msg) > 160 {
		msg = msg[:160]
	}
	return string(class) + ":" + msg
}

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

// Package itakerrors defines the error taxonomy shared by all core
// subsystems. Every user-surfaced error carries a category, a one-line
// explanation, a correlation id for log lookup, and the step at which
// it occurred.
package itakerrors

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Category classifies an error for routing decisions (retry, surface,
// fallback). Categories are user-visible causes, not concrete types.
type Category string

const (
	CategoryInvalidArgs          Category = "invalid_args"
	CategoryPermissionDenied     Category = "permission_denied"
	CategoryMissingSecret        Category = "missing_secret"
	CategoryRateLimited          Category = "rate_limited"
	CategoryBudgetExceeded       Category = "budget_exceeded"
	CategoryProviderTransient    Category = "provider_transient"
	CategoryProviderNonTransient Category = "provider_non_transient"
	CategoryTimeout              Category = "timeout"
	CategoryPolicyViolation      Category = "policy_violation"
	CategoryCancelled            Category = "cancelled"
	CategoryInternalInvariant    Category = "internal_invariant"
)

// Retriable reports whether the self-healer may retry errors of this
// category at all. InvalidArgs, PermissionDenied and PolicyViolation
// are never retried.
func (c Category) Retriable() bool {
	switch c {
	case CategoryProviderTransient, CategoryTimeout, CategoryRateLimited:
		return true
	default:
		return false
	}
}

// Error is the structured error type crossing subsystem boundaries.
type Error struct {
	Category      Category `json:"category"`
	Message       string   `json:"message"`
	CorrelationID string   `json:"correlation_id"`
	Step          int      `json:"step,omitempty"`
	Err           error    `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a categorized error with a fresh correlation id.
func New(category Category, format string, args ...any) *Error {
	return &Error{
		Category:      category,
		Message:       fmt.Sprintf(format, args...),
		CorrelationID: uuid.NewString(),
	}
}

// Wrap categorizes an underlying error. If err is already an *Error its
// correlation id is preserved so log trails stay connected.
func Wrap(category Category, err error, format string, args ...any) *Error {
	corr := uuid.NewString()
	var ie *Error
	if errors.As(err, &ie) {
		corr = ie.CorrelationID
	}
	return &Error{
		Category:      category,
		Message:       fmt.Sprintf(format, args...),
		CorrelationID: corr,
		Err:           err,
	}
}

// WithStep annotates the error with the task step it occurred at.
func (e *Error) WithStep(step int) *Error {
	e.Step = step
	return e
}

// Categorizer lets error types outside this package classify
// themselves without wrapping; the budget denial errors implement it.
type Categorizer interface {
	Category() Category
}

// CategoryOf extracts the category from an error chain. Unclassified
// errors report CategoryInternalInvariant.
func CategoryOf(err error) Category {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Category
	}
	var c Categorizer
	if errors.As(err, &c) {
		return c.Category()
	}
	return CategoryInternalInvariant
}

// Is supports errors.Is matching on category via sentinel comparison.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Category == e.Category
	}
	return false
}

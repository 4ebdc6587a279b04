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

package budget

import (
	"errors"
	"fmt"
	"time"

	"github.com/itak-ai/itak/pkg/itakerrors"
)

// ErrUnknownReservation is returned when committing or rolling back a
// reservation the limiter does not hold.
var ErrUnknownReservation = errors.New("unknown or already settled reservation")

// DeniedError reports a rate-limit denial.
type DeniedError struct {
	Scope      Scope
	Identifier string
	RetryAfter time.Duration
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s %q (retry after %s)", e.Scope, e.Identifier, e.RetryAfter.Round(time.Second))
}

// Category classifies the denial for the error taxonomy, so callers
// surface it as a rate limit rather than an internal failure.
func (e *DeniedError) Category() itakerrors.Category { return itakerrors.CategoryRateLimited }

// LockedError reports that a principal is locked out after repeated
// authentication failures.
type LockedError struct {
	Principal string
	Until     time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("principal %q locked out until %s", e.Principal, e.Until.Format(time.RFC3339))
}

func (e *LockedError) Category() itakerrors.Category { return itakerrors.CategoryRateLimited }

// BudgetExceededError reports a hard cost-budget denial.
type BudgetExceededError struct {
	Window    Window
	Spent     float64
	Limit     float64
	Estimated float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("%s cost budget exceeded: spent $%.2f + estimated $%.2f > limit $%.2f",
		e.Window, e.Spent, e.Estimated, e.Limit)
}

func (e *BudgetExceededError) Category() itakerrors.Category { return itakerrors.CategoryBudgetExceeded }

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

package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/itak-ai/itak/pkg/budget"
	"github.com/itak-ai/itak/pkg/task"
)

// dailyReport summarizes the last day: task board movement and spend.
// The text goes out as the daily_report webhook event.
func (a *Agent) dailyReport(ctx context.Context) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "iTaK daily report — %s\n\n", time.Now().Format("2006-01-02"))

	counts := map[task.Status]int{}
	var recent []string
	cutoff := time.Now().Add(-24 * time.Hour)
	for _, t := range a.board.List() {
		counts[t.Status]++
		if t.CompletedAt != nil && t.CompletedAt.After(cutoff) {
			recent = append(recent, fmt.Sprintf("%s (%s)", t.Title, t.Status))
		}
	}
	fmt.Fprintf(&b, "Tasks: %d inbox, %d in progress, %d in review, %d done, %d failed\n",
		counts[task.StatusInbox], counts[task.StatusInProgress], counts[task.StatusReview],
		counts[task.StatusDone], counts[task.StatusFailed])
	if len(recent) > 0 {
		b.WriteString("Closed in the last 24h:\n")
		for _, line := range recent {
			fmt.Fprintf(&b, "  - %s\n", line)
		}
	}

	counters, err := a.limiter.Snapshot(ctx)
	if err == nil {
		for _, c := range counters {
			if c.Scope == budget.ScopeGlobal && c.Window == budget.WindowDay {
				fmt.Fprintf(&b, "\nSpend today: $%.2f (%d requests, %d in / %d out tokens)\n",
					c.Cost, c.Requests, c.TokensIn, c.TokensOut)
			}
		}
	}
	return b.String(), nil
}

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

// Package notify delivers signed outbound webhooks for notable agent
// events and schedules the daily report.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/itak-ai/itak/pkg/config"
)

const signatureHeader = "X-Itak-Signature"

// Events a target can subscribe to.
const (
	EventTaskCompleted = "task_completed"
	EventErrorCritical = "error_critical"
	EventDailyReport   = "daily_report"
)

// SecretFunc resolves a vault placeholder to the signing secret.
type SecretFunc func(placeholder string) (string, error)

// ReportFunc produces the daily report body.
type ReportFunc func(ctx context.Context) (string, error)

type target struct {
	url    string
	secret []byte
	events map[string]bool
}

// Notifier fans events out to every configured webhook target that
// subscribed to them. Delivery is best effort, one attempt per target.
type Notifier struct {
	targets []target
	client  *http.Client
	cron    *cron.Cron
}

// New resolves each target's secret up front so a missing vault entry
// fails at startup.
func New(cfg *config.NotifyConfig, secrets SecretFunc) (*Notifier, error) {
	n := &Notifier{
		client: &http.Client{Timeout: 30 * time.Second},
	}
	for _, tc := range cfg.Targets {
		secret := tc.Secret
		if secrets != nil {
			resolved, err := secrets(tc.Secret)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve webhook secret for %s: %w", tc.URL, err)
			}
			secret = resolved
		}
		events := make(map[string]bool, len(tc.Events))
		for _, e := range tc.Events {
			events[e] = true
		}
		n.targets = append(n.targets, target{url: tc.URL, secret: []byte(secret), events: events})
	}
	return n, nil
}

// Notify posts {event, timestamp, data} to every subscribed target.
// Failed deliveries are logged, not returned; one slow target must not
// block the monologue.
func (n *Notifier) Notify(ctx context.Context, event string, data map[string]any) {
	payload, err := json.Marshal(map[string]any{
		"event":     event,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	})
	if err != nil {
		slog.Error("failed to encode notification", "event", event, "error", err)
		return
	}
	for _, t := range n.targets {
		if !t.events[event] {
			continue
		}
		if err := n.deliver(ctx, t, payload); err != nil {
			slog.Warn("webhook delivery failed", "url", t.url, "event", event, "error", err)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, t target, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, sign(t.secret, payload))

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("target responded %d", resp.StatusCode)
	}
	return nil
}

// ScheduleDailyReport runs report on the configured cron spec and
// posts the result as a daily_report event.
func (n *Notifier) ScheduleDailyReport(spec string, report ReportFunc) error {
	if n.cron == nil {
		n.cron = cron.New()
	}
	_, err := n.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		n.SendDailyReport(ctx, report)
	})
	if err != nil {
		return fmt.Errorf("invalid daily report schedule %q: %w", spec, err)
	}
	n.cron.Start()
	return nil
}

// SendDailyReport generates and delivers one report immediately.
func (n *Notifier) SendDailyReport(ctx context.Context, report ReportFunc) {
	text, err := report(ctx)
	if err != nil {
		slog.Error("daily report generation failed", "error", err)
		return
	}
	n.Notify(ctx, EventDailyReport, map[string]any{"report": text})
}

// Close stops the cron scheduler and waits for a running job.
func (n *Notifier) Close() {
	if n.cron != nil {
		<-n.cron.Stop().Done()
	}
}

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

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

package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	signatureHeader = "X-Itak-Signature"
	maxWebhookBody  = 1 << 20
)

// WebhookAdapter accepts signed HTTP POSTs as inbound messages on
// synthetic sessions and optionally POSTs the final response to a
// per-request callback URL. It does not listen itself; the HTTP server
// mounts Handler on its router.
type WebhookAdapter struct {
	// secret verifies inbound signatures; resolved from the vault at
	// construction.
	secret []byte
	client *http.Client

	mu        sync.Mutex
	started   bool
	sink      func(Inbound)
	callbacks map[string]string // session key → callback URL
}

func NewWebhookAdapter(secret []byte) *WebhookAdapter {
	return &WebhookAdapter{
		secret:    secret,
		client:    &http.Client{Timeout: 30 * time.Second},
		callbacks: make(map[string]string),
	}
}

func (w *WebhookAdapter) Name() string { return "webhook" }

func (w *WebhookAdapter) Start(ctx context.Context, sink func(Inbound)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started = true
	w.sink = sink
	return nil
}

func (w *WebhookAdapter) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started = false
	w.sink = nil
	return nil
}

// webhookRequest is the inbound payload shape.
type webhookRequest struct {
	Route       string `json:"route"` // external identity to resolve
	Task        string `json:"task"`
	CallbackURL string `json:"callback_url,omitempty"`
}

// Handler verifies the HMAC signature and turns the payload into an
// inbound message on a synthetic per-request session.
func (w *WebhookAdapter) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			http.Error(rw, "unreadable body", http.StatusBadRequest)
			return
		}
		if !w.verify(body, r.Header.Get(signatureHeader)) {
			http.Error(rw, "invalid signature", http.StatusUnauthorized)
			return
		}

		var req webhookRequest
		if err := json.Unmarshal(body, &req); err != nil || req.Task == "" {
			http.Error(rw, "invalid payload", http.StatusBadRequest)
			return
		}

		w.mu.Lock()
		sink := w.sink
		w.mu.Unlock()
		if sink == nil {
			http.Error(rw, "webhook adapter not started", http.StatusServiceUnavailable)
			return
		}

		roomID := fmt.Sprintf("req-%d", time.Now().UnixNano())
		msg := Inbound{
			Channel:    "webhook",
			RoomType:   "task",
			RoomID:     roomID,
			ExternalID: req.Route,
			Content:    req.Task,
			ReceivedAt: time.Now(),
		}
		if req.CallbackURL != "" {
			w.mu.Lock()
			w.callbacks[msg.SessionKey()] = req.CallbackURL
			w.mu.Unlock()
		}
		sink(msg)

		rw.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(rw).Encode(map[string]string{"session_key": msg.SessionKey()})
	}
}

// Send delivers the final response to the request's callback URL, if
// one was registered; otherwise the result is only in the transcript.
func (w *WebhookAdapter) Send(sessionKey, content string) error {
	w.mu.Lock()
	url, ok := w.callbacks[sessionKey]
	delete(w.callbacks, sessionKey)
	w.mu.Unlock()
	if !ok {
		return nil
	}

	payload, err := json.Marshal(map[string]string{"session_key": sessionKey, "result": content})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, w.sign(payload))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback delivery failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		slog.Warn("callback rejected", "url", url, "status", resp.StatusCode)
	}
	return nil
}

func (w *WebhookAdapter) SetPresence(sessionKey string, state Presence, detail string) {}

func (w *WebhookAdapter) sign(body []byte) string {
	mac := hmac.New(sha256.New, w.secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (w *WebhookAdapter) verify(body []byte, signature string) bool {
	return hmac.Equal([]byte(w.sign(body)), []byte(signature))
}

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
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/itak-ai/itak/pkg/config"
	"github.com/itak-ai/itak/pkg/principal"
	"github.com/itak-ai/itak/pkg/session"
)

const busyNotice = "I'm still working through earlier messages here; this one is queued."

// PrincipalResolver maps channel identities to principals. The
// principal registry satisfies it.
type PrincipalResolver interface {
	Resolve(channel, externalID string) (*principal.Principal, bool)
}

// MessageHandler runs one monologue. The scheduler satisfies it.
type MessageHandler interface {
	HandleMessage(ctx context.Context, p *principal.Principal, sess *session.Session, message string) (string, error)
}

// DescribeFunc turns a stored attachment into descriptive transcript
// text (vision for images, transcription for audio, extraction for
// documents).
type DescribeFunc func(ctx context.Context, p *principal.Principal, att Attachment, storedPath string) (string, error)

// RedactFunc scrubs outbound content. The vault redactor satisfies it.
type RedactFunc func(string) string

// Fabric owns every adapter: it normalizes inbound messages, enforces
// per-session FIFO ordering with bounded queues, caps concurrency per
// adapter, and routes responses back out.
type Fabric struct {
	registry PrincipalResolver
	sessions *session.Manager
	handler  MessageHandler
	redact   RedactFunc
	describe DescribeFunc

	mu       sync.Mutex
	adapters map[string]*adapterState
	queues   map[string]*sessionQueue
	started  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type adapterState struct {
	adapter Adapter
	cfg     *config.AdapterConfig
	sem     *semaphore.Weighted
}

type sessionQueue struct {
	ch      chan queued
	adapter *adapterState
}

type queued struct {
	msg  Inbound
	prin *principal.Principal
}

func NewFabric(registry PrincipalResolver, sessions *session.Manager, handler MessageHandler, redact RedactFunc, describe DescribeFunc) *Fabric {
	return &Fabric{
		registry: registry,
		sessions: sessions,
		handler:  handler,
		redact:   redact,
		describe: describe,
		adapters: make(map[string]*adapterState),
		queues:   make(map[string]*sessionQueue),
	}
}

// Register adds an adapter before Start.
func (f *Fabric) Register(a Adapter, cfg *config.AdapterConfig) error {
	if cfg == nil {
		cfg = &config.AdapterConfig{}
		cfg.SetDefaults()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.adapters[a.Name()]; exists {
		return fmt.Errorf("adapter %q already registered", a.Name())
	}
	f.adapters[a.Name()] = &adapterState{
		adapter: a,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
	return nil
}

// Start launches every registered adapter. Idempotent.
func (f *Fabric) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return nil
	}
	f.started = true
	f.ctx, f.cancel = context.WithCancel(ctx)
	states := make([]*adapterState, 0, len(f.adapters))
	for _, st := range f.adapters {
		states = append(states, st)
	}
	f.mu.Unlock()

	for _, st := range states {
		st := st
		if err := st.adapter.Start(f.ctx, func(msg Inbound) { f.dispatch(st, msg) }); err != nil {
			return fmt.Errorf("failed to start adapter %s: %w", st.adapter.Name(), err)
		}
	}
	return nil
}

// Stop shuts down adapters and drains in-flight work. Idempotent.
func (f *Fabric) Stop() error {
	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return nil
	}
	f.started = false
	cancel := f.cancel
	states := make([]*adapterState, 0, len(f.adapters))
	for _, st := range f.adapters {
		states = append(states, st)
	}
	queues := f.queues
	f.queues = make(map[string]*sessionQueue)
	f.mu.Unlock()

	var firstErr error
	for _, st := range states {
		if err := st.adapter.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, q := range queues {
		close(q.ch)
	}
	cancel()
	f.wg.Wait()
	return firstErr
}

// dispatch enqueues one inbound message on its session's FIFO queue.
// Overflow gets an immediate busy notice instead of silent drop.
func (f *Fabric) dispatch(st *adapterState, msg Inbound) {
	prin, ok := f.registry.Resolve(msg.Channel, msg.ExternalID)
	if !ok {
		slog.Warn("inbound from unbound identity",
			"channel", msg.Channel, "external_id", msg.ExternalID)
		return
	}
	key := msg.SessionKey()

	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return
	}
	q, exists := f.queues[key]
	if !exists {
		q = &sessionQueue{ch: make(chan queued, st.cfg.QueueDepth), adapter: st}
		f.queues[key] = q
		f.wg.Add(1)
		go f.sessionWorker(key, q)
	}
	f.mu.Unlock()

	select {
	case q.ch <- queued{msg: msg, prin: prin}:
	default:
		if err := st.adapter.Send(key, busyNotice); err != nil {
			slog.Warn("failed to send busy notice", "session", key, "error", err)
		}
	}
}

// sessionWorker processes one session's messages strictly in order.
func (f *Fabric) sessionWorker(key string, q *sessionQueue) {
	defer f.wg.Done()
	for item := range q.ch {
		f.process(key, q.adapter, item)
		select {
		case <-f.ctx.Done():
			return
		default:
		}
	}
}

func (f *Fabric) process(key string, st *adapterState, item queued) {
	ctx := f.ctx
	if err := st.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer st.sem.Release(1)

	st.adapter.SetPresence(key, PresenceThinking, "")
	defer st.adapter.SetPresence(key, PresenceIdle, "")

	sess, err := f.sessions.Attach(key, item.prin.ID)
	if err != nil {
		slog.Error("failed to attach session", "session", key, "error", err)
		return
	}

	content := f.withMediaDescriptions(ctx, item.prin, sess, item.msg)

	reply, err := f.handler.HandleMessage(ctx, item.prin, sess, content)
	if err != nil {
		st.adapter.SetPresence(key, PresenceError, err.Error())
		slog.Error("monologue failed", "session", key, "error", err)
		return
	}
	if f.redact != nil {
		reply = f.redact(reply)
	}
	if err := st.adapter.Send(key, reply); err != nil {
		slog.Warn("outbound delivery failed", "session", key, "error", err)
	}
}

// withMediaDescriptions runs the media pipeline: store each attachment
// under the session, describe it, and fold the description plus the
// artifact reference into the message text.
func (f *Fabric) withMediaDescriptions(ctx context.Context, p *principal.Principal, sess *session.Session, msg Inbound) string {
	if len(msg.Attachments) == 0 {
		return msg.Content
	}

	var b strings.Builder
	b.WriteString(msg.Content)
	for _, att := range msg.Attachments {
		path, err := f.storeAttachment(sess, att)
		if err != nil {
			slog.Warn("failed to store attachment", "name", att.Name, "error", err)
			continue
		}
		description := fmt.Sprintf("(attachment %s of type %s stored)", att.Name, classify(att.MIME))
		if f.describe != nil {
			if d, derr := f.describe(ctx, p, att, path); derr == nil && d != "" {
				description = d
			} else if derr != nil {
				slog.Warn("failed to describe attachment", "name", att.Name, "error", derr)
			}
		}
		fmt.Fprintf(&b, "\n\n[attachment %s (%s), stored at %s]\n%s", att.Name, classify(att.MIME), path, description)
	}
	return b.String()
}

func (f *Fabric) storeAttachment(sess *session.Session, att Attachment) (string, error) {
	name := uuid.NewString()
	if ext := filepath.Ext(att.Name); ext != "" {
		name += ext
	}
	path := filepath.Join(sess.MediaDir(), name)
	if err := os.WriteFile(path, att.Data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// classify buckets a MIME type for describer-role selection.
func classify(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	default:
		return "document"
	}
}

// Send delivers content on whichever adapter owns the session, for
// out-of-band notifications (task completion, scheduled reports).
func (f *Fabric) Send(sessionKey, content string) error {
	f.mu.Lock()
	q, ok := f.queues[sessionKey]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("no adapter owns session %s", sessionKey)
	}
	if f.redact != nil {
		content = f.redact(content)
	}
	return q.adapter.adapter.Send(sessionKey, content)
}

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

package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// rotatingHandler writes JSON records to <dir>/YYYY-MM-DD.jsonl and
// switches files when the UTC date changes. Message and string
// attribute values pass through the redactor before serialization.
type rotatingHandler struct {
	dir      string
	level    slog.Level
	redactor Redactor

	mu      sync.Mutex
	day     string
	file    *os.File
	handler slog.Handler
	attrs   []slog.Attr
	groups  []string
}

func newRotatingHandler(dir string, level slog.Level, redactor Redactor) (*rotatingHandler, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	h := &rotatingHandler{dir: dir, level: level, redactor: redactor}
	if err := h.rotate(time.Now().UTC()); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *rotatingHandler) rotate(now time.Time) error {
	day := now.Format("2006-01-02")
	if day == h.day && h.file != nil {
		return nil
	}
	if h.file != nil {
		_ = h.file.Close()
	}
	path := filepath.Join(h.dir, day+".jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	h.day = day
	h.file = file
	inner := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: h.level})
	for _, g := range h.groups {
		inner = inner.WithGroup(g).(*slog.JSONHandler)
	}
	if len(h.attrs) > 0 {
		inner = inner.WithAttrs(h.attrs).(*slog.JSONHandler)
	}
	h.handler = inner
	return nil
}

func (h *rotatingHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *rotatingHandler) Handle(ctx context.Context, record slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.rotate(record.Time.UTC()); err != nil {
		return err
	}
	if h.redactor != nil {
		record = h.redactRecord(record)
	}
	return h.handler.Handle(ctx, record)
}

func (h *rotatingHandler) redactRecord(record slog.Record) slog.Record {
	out := slog.NewRecord(record.Time, record.Level, h.redactor.Redact(record.Message), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		if a.Value.Kind() == slog.KindString {
			a.Value = slog.StringValue(h.redactor.Redact(a.Value.String()))
		}
		out.AddAttrs(a)
		return true
	})
	return out
}

func (h *rotatingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	clone := h.clone()
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	clone.handler = h.handler.WithAttrs(attrs)
	return clone
}

func (h *rotatingHandler) WithGroup(name string) slog.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	clone := h.clone()
	clone.groups = append(append([]string{}, h.groups...), name)
	clone.handler = h.handler.WithGroup(name)
	return clone
}

// clone copies every field except the mutex; callers must hold h.mu.
func (h *rotatingHandler) clone() *rotatingHandler {
	return &rotatingHandler{
		dir:      h.dir,
		level:    h.level,
		redactor: h.redactor,
		day:      h.day,
		file:     h.file,
		handler:  h.handler,
		attrs:    h.attrs,
		groups:   h.groups,
	}
}

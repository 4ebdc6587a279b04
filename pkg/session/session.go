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

// Package session manages conversation sessions: append-only JSONL
// transcripts with compacted summaries, per-session media storage, and
// the session registry keyed by channel-scoped session keys.
package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/itak-ai/itak/pkg/itakerrors"
)

const (
	transcriptSchemaVersion = 1
	transcriptFile          = "transcript.jsonl"
	mediaDir                = "media"
	// tailCapacity bounds the in-memory turn window; older turns live
	// only on disk and in compacted summaries.
	tailCapacity = 200
)

// TurnRole identifies who produced a transcript turn.
type TurnRole string

const (
	TurnUser      TurnRole = "user"
	TurnAssistant TurnRole = "assistant"
	TurnTool      TurnRole = "tool"
	TurnSystem    TurnRole = "system"
	// TurnSummary is a compacted replacement for a span of older turns.
	TurnSummary TurnRole = "summary"
)

// Turn is one transcript record.
type Turn struct {
	Role      TurnRole  `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// header is the first record of every transcript file.
type header struct {
	SchemaVersion int    `json:"schema_version"`
	SessionKey    string `json:"session_key"`
	Principal     string `json:"principal"`
}

// Session is one conversation: a transcript file plus its in-memory
// tail. All mutation goes through Append, serialized by the mutex.
type Session struct {
	Key       string
	Principal string
	CreatedAt time.Time

	dir  string
	mu   sync.Mutex
	file *os.File
	tail []Turn
}

// Append writes one turn to the transcript and the tail window.
func (s *Session) Append(role TurnRole, content string) error {
	turn := Turn{Role: role, Content: content, CreatedAt: time.Now()}

	s.mu.Lock()
	defer s.mu.Unlock()
	line, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append transcript turn: %w", err)
	}
	s.tail = append(s.tail, turn)
	if len(s.tail) > tailCapacity {
		s.tail = s.tail[len(s.tail)-tailCapacity:]
	}
	return nil
}

// Tail returns up to n most recent turns, oldest first.
func (s *Session) Tail(n int) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.tail) {
		n = len(s.tail)
	}
	out := make([]Turn, n)
	copy(out, s.tail[len(s.tail)-n:])
	return out
}

// Compact appends a summary turn covering the given number of oldest
// in-memory turns and drops them from the tail. The transcript file
// keeps everything; compaction only shrinks the working window.
func (s *Session) Compact(summary string, covered int) error {
	if err := s.Append(TurnSummary, summary); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if covered > 0 && covered < len(s.tail) {
		kept := append([]Turn{}, s.tail[covered:]...)
		s.tail = kept
	}
	return nil
}

// MediaDir is where this session's inbound attachments are stored.
func (s *Session) MediaDir() string {
	return filepath.Join(s.dir, mediaDir)
}

func (s *Session) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// Manager is the session registry over the sessions/ data directory.
type Manager struct {
	root string

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sessions dir: %w", err)
	}
	return &Manager{root: root, sessions: make(map[string]*Session)}, nil
}

// Attach returns the session for key, creating it on first contact.
// Reattaching to an existing transcript reloads the tail window.
func (m *Manager) Attach(key, principal string) (*Session, error) {
	if key == "" {
		return nil, itakerrors.New(itakerrors.CategoryInvalidArgs, "session key cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		return s, nil
	}

	dir := filepath.Join(m.root, sanitizeKey(key))
	if err := os.MkdirAll(filepath.Join(dir, mediaDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}

	path := filepath.Join(dir, transcriptFile)
	existing, tail, hdr, err := loadTranscript(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}

	s := &Session{
		Key:       key,
		Principal: principal,
		CreatedAt: time.Now(),
		dir:       dir,
		file:      file,
		tail:      tail,
	}
	if !existing {
		line, merr := json.Marshal(header{
			SchemaVersion: transcriptSchemaVersion,
			SessionKey:    key,
			Principal:     principal,
		})
		if merr != nil {
			file.Close()
			return nil, merr
		}
		if _, werr := file.Write(append(line, '\n')); werr != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write transcript header: %w", werr)
		}
	} else if hdr != nil && hdr.Principal != "" {
		s.Principal = hdr.Principal
	}

	m.sessions[key] = s
	return s, nil
}

// Get returns an attached session without creating one.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	return s, ok
}

// List returns the keys of all attached sessions, sorted.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Delete closes a session and removes its directory, transcript and
// media included.
func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	s, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()

	if ok {
		if err := s.close(); err != nil {
			return err
		}
		return os.RemoveAll(s.dir)
	}
	// Never attached this run; remove any on-disk remnant.
	return os.RemoveAll(filepath.Join(m.root, sanitizeKey(key)))
}

// Close releases every attached session's file handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, s := range m.sessions {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.sessions = make(map[string]*Session)
	return firstErr
}

// loadTranscript reads an existing transcript's header and tail window.
// A missing file is a fresh session; an unrecognized header keeps the
// file on disk but starts with an empty tail.
func loadTranscript(path string) (existing bool, tail []Turn, hdr *header, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil, nil, nil
		}
		return false, nil, nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if first {
			first = false
			var h header
			if json.Unmarshal(line, &h) == nil && h.SchemaVersion == transcriptSchemaVersion {
				hdr = &h
				continue
			}
			return true, nil, nil, nil
		}
		var turn Turn
		if json.Unmarshal(line, &turn) != nil {
			continue // a torn trailing line is not fatal
		}
		tail = append(tail, turn)
		if len(tail) > tailCapacity {
			tail = tail[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return true, tail, hdr, fmt.Errorf("failed to scan transcript: %w", err)
	}
	return true, tail, hdr, nil
}

func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, key)
}

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

// Package channel implements the adapter fabric: the contract every
// conversational channel implements, the inbound dispatcher with
// per-session FIFO ordering and per-adapter concurrency caps, and the
// media pipeline that turns attachments into transcript text.
package channel

import (
	"context"
	"time"
)

// Presence states an adapter may surface. Adapters map them to their
// medium; a no-op mapping is allowed.
type Presence string

const (
	PresenceIdle      Presence = "idle"
	PresenceThinking  Presence = "thinking"
	PresenceToolUse   Presence = "tool_use"
	PresenceSearching Presence = "searching"
	PresenceWriting   Presence = "writing"
	PresenceError     Presence = "error"
)

// Attachment is one inbound non-text payload before classification.
type Attachment struct {
	Name string
	MIME string
	Data []byte
	// URL is set instead of Data when the medium hands out a fetch
	// link rather than bytes.
	URL string
}

// Inbound is one normalized incoming message.
type Inbound struct {
	Channel     string
	RoomType    string // dm, group, thread
	RoomID      string
	ExternalID  string // sender identity within the channel
	Content     string
	Attachments []Attachment
	ReceivedAt  time.Time
}

// SessionKey derives the canonical session key for this message.
func (m *Inbound) SessionKey() string {
	return "itak:" + m.Channel + ":" + m.RoomType + ":" + m.RoomID
}

// Adapter is the contract each channel implements. Start and Stop are
// idempotent. Inbound messages are handed to the sink passed to Start.
type Adapter interface {
	Name() string
	Start(ctx context.Context, sink func(Inbound)) error
	Stop() error
	// Send delivers content to a session's room, best effort, exactly
	// one attempt.
	Send(sessionKey, content string) error
	// SetPresence surfaces agent activity. No-op allowed.
	SetPresence(sessionKey string, state Presence, detail string)
}

// LastEditor is the optional edit-in-place capability; adapters that
// support it also get progress updates folded into their last message.
type LastEditor interface {
	EditLast(sessionKey, content string) error
}

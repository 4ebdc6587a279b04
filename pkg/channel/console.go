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
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// ConsoleAdapter is the local-dev channel: stdin lines in, stdout
// replies out. Every line belongs to one synthetic DM room.
type ConsoleAdapter struct {
	in  io.Reader
	out io.Writer
	// externalID is the identity the console user is bound to in the
	// principal registry, typically the owner.
	externalID string

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func NewConsoleAdapter(in io.Reader, out io.Writer, externalID string) *ConsoleAdapter {
	return &ConsoleAdapter{in: in, out: out, externalID: externalID}
}

func (c *ConsoleAdapter) Name() string { return "console" }

func (c *ConsoleAdapter) Start(ctx context.Context, sink func(Inbound)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	c.started = true
	c.stop = make(chan struct{})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			select {
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			default:
			}
			sink(Inbound{
				Channel:    "console",
				RoomType:   "dm",
				RoomID:     "local",
				ExternalID: c.externalID,
				Content:    line,
				ReceivedAt: time.Now(),
			})
		}
	}()
	return nil
}

func (c *ConsoleAdapter) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false
	close(c.stop)
	// The reader goroutine exits on the next line or EOF; stdin cannot
	// be interrupted portably, so Stop does not wait for it.
	return nil
}

func (c *ConsoleAdapter) Send(sessionKey, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "\n%s\n> ", content)
	return err
}

func (c *ConsoleAdapter) SetPresence(sessionKey string, state Presence, detail string) {
	if state == PresenceThinking {
		c.mu.Lock()
		fmt.Fprint(c.out, "…")
		c.mu.Unlock()
	}
}

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

// Package vault holds secret values and guards every outbound surface.
//
// Secrets are referenced in prompts and config as {{name}} placeholders
// and substituted at the last moment before external I/O. The redactor
// scrubs known secret values and common PII patterns from anything that
// leaves the process.
package vault

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/itak-ai/itak/pkg/itakerrors"
)

var placeholderPattern = regexp.MustCompile(`\{\{([A-Za-z0-9_.-]+)\}\}`)

// Vault is a read-heavy secret store. Readers work on an immutable
// snapshot; writers take the exclusive latch and publish a new one.
type Vault struct {
	mu       sync.RWMutex
	secrets  map[string]string
	values   []string // snapshot of values, longest first, for redaction
	strict   bool
	storage  *sealedFile
	redactor *Redactor
}

// Option configures a Vault.
type Option func(*Vault)

// WithStrictMode makes Materialize fail on unresolved placeholders and
// the redactor reject outbound content that still carries placeholders.
func WithStrictMode(strict bool) Option {
	return func(v *Vault) { v.strict = strict }
}

// WithSealedStorage persists secrets encrypted-at-rest under dir using
// the given key. Existing sealed secrets are loaded on construction.
func WithSealedStorage(dir string, key []byte) Option {
	return func(v *Vault) { v.storage = newSealedFile(dir, key) }
}

// New creates a Vault.
func New(opts ...Option) (*Vault, error) {
	v := &Vault{secrets: make(map[string]string)}
	for _, opt := range opts {
		opt(v)
	}
	if v.storage != nil {
		loaded, err := v.storage.load()
		if err != nil {
			return nil, fmt.Errorf("failed to load sealed secrets: %w", err)
		}
		for name, value := range loaded {
			v.secrets[name] = value
		}
	}
	v.redactor = NewRedactor(v)
	v.publishSnapshot()
	return v, nil
}

// Put stores a secret value. The value never appears in any serialized
// structure other than the sealed storage.
func (v *Vault) Put(name, value string) error {
	if name == "" {
		return fmt.Errorf("secret name cannot be empty")
	}
	v.mu.Lock()
	v.secrets[name] = value
	v.publishSnapshot()
	var err error
	if v.storage != nil {
		err = v.storage.save(v.secrets)
	}
	v.mu.Unlock()
	return err
}

// Get returns a secret value. Callers borrow the value for exactly one
// external call and must not store it.
func (v *Vault) Get(name string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	value, ok := v.secrets[name]
	return value, ok
}

// Delete removes a secret.
func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	delete(v.secrets, name)
	v.publishSnapshot()
	var err error
	if v.storage != nil {
		err = v.storage.save(v.secrets)
	}
	v.mu.Unlock()
	return err
}

// Names lists registered secret names. Names are safe to expose; values
// never are.
func (v *Vault) Names() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	names := make([]string, 0, len(v.secrets))
	for name := range v.secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Materialize expands every {{name}} placeholder in the template. In
// strict mode an unresolved placeholder is a MissingSecret error;
// otherwise it is left in place for the caller to surface.
func (v *Vault) Materialize(template string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var missing []string
	expanded := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if value, ok := v.secrets[name]; ok {
			return value
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 && v.strict {
		return "", itakerrors.New(itakerrors.CategoryMissingSecret,
			"unresolved secret placeholders in strict mode: %v", missing)
	}
	return expanded, nil
}

// MissingPlaceholders returns placeholder names in the template that
// have no vault entry.
func (v *Vault) MissingPlaceholders(template string) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var missing []string
	for _, groups := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		if _, ok := v.secrets[groups[1]]; !ok {
			missing = append(missing, groups[1])
		}
	}
	return missing
}

// Redactor returns the output guard bound to this vault.
func (v *Vault) Redactor() *Redactor {
	return v.redactor
}

// Strict reports whether strict output guarding is enabled.
func (v *Vault) Strict() bool {
	return v.strict
}

// snapshotValues returns the current secret values, longest first so
// overlapping values mask correctly.
func (v *Vault) snapshotValues() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values
}

func (v *Vault) publishSnapshot() {
	values := make([]string, 0, len(v.secrets))
	for _, value := range v.secrets {
		if value != "" {
			values = append(values, value)
		}
	}
	sort.Slice(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
	v.values = values
}

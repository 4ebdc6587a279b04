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

// Package auth guards the HTTP API: static bearer tokens compared in
// constant time against a configured hash, optional JWT validation
// against a provider's JWKS, and a lockout tracker that slows down
// brute-force attempts per remote address.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/itak-ai/itak/pkg/config"
	"github.com/itak-ai/itak/pkg/itakerrors"
)

// Claims is the identity extracted from a validated credential.
type Claims struct {
	Subject string
	Email   string
	Role    string
	Custom  map[string]any
}

// Authenticator validates API credentials. At least one of the static
// token hash or the JWT validator must be configured; otherwise every
// request is rejected.
type Authenticator struct {
	tokenHash string // sha256 hex of the accepted bearer token
	jwt       *JWTValidator
	lockout   *lockoutTracker
}

// New builds an authenticator from the security config. The JWT
// validator is only constructed when jwt.enabled is set, because it
// fetches the JWKS eagerly.
func New(cfg *config.SecurityConfig) (*Authenticator, error) {
	a := &Authenticator{
		tokenHash: strings.ToLower(cfg.APITokenHash),
		lockout:   newLockoutTracker(cfg.AuthLockoutMax, cfg.LockoutWindow(), cfg.LockoutDuration()),
	}
	if cfg.JWT.Enabled {
		v, err := NewJWTValidator(cfg.JWT.JWKSURL, cfg.JWT.Issuer, cfg.JWT.Audience)
		if err != nil {
			return nil, err
		}
		a.jwt = v
	}
	return a, nil
}

// Authenticate checks one bearer credential. remote identifies the
// caller for lockout accounting (typically the client IP).
func (a *Authenticator) Authenticate(ctx context.Context, remote, token string) (*Claims, error) {
	if a.lockout.Locked(remote) {
		return nil, itakerrors.New(itakerrors.CategoryRateLimited, "too many failed authentication attempts; locked out")
	}
	if token == "" {
		return nil, a.fail(remote, "missing bearer token")
	}

	if a.tokenHash != "" && a.matchesToken(token) {
		a.lockout.Reset(remote)
		return &Claims{Subject: "api-token", Role: "owner"}, nil
	}

	if a.jwt != nil {
		claims, err := a.jwt.Validate(ctx, token)
		if err == nil {
			a.lockout.Reset(remote)
			return claims, nil
		}
	}

	return nil, a.fail(remote, "invalid credentials")
}

func (a *Authenticator) matchesToken(token string) bool {
	sum := sha256.Sum256([]byte(token))
	got := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(got), []byte(a.tokenHash)) == 1
}

func (a *Authenticator) fail(remote, msg string) error {
	if a.lockout.RecordFailure(remote) {
		return itakerrors.New(itakerrors.CategoryRateLimited, "too many failed authentication attempts; locked out")
	}
	return itakerrors.New(itakerrors.CategoryPermissionDenied, "%s", msg)
}

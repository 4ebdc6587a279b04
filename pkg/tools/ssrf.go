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

package tools

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/itak-ai/itak/pkg/itakerrors"
)

// SSRFGuard validates outbound request targets before any connection is
// made. Loopback, link-local and private ranges are rejected unless the
// host is explicitly allow-listed (e.g. a local search service).
type SSRFGuard struct {
	allowlist map[string]struct{}
}

func NewSSRFGuard(allowlist []string) *SSRFGuard {
	allowed := make(map[string]struct{}, len(allowlist))
	for _, h := range allowlist {
		allowed[strings.ToLower(h)] = struct{}{}
	}
	return &SSRFGuard{allowlist: allowed}
}

// CheckURL resolves the target host and rejects non-public addresses.
// Resolution happens here so DNS-based dodges (a public name resolving
// to a private address) are caught before the request is issued.
func (g *SSRFGuard) CheckURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return itakerrors.New(itakerrors.CategoryInvalidArgs, "invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return itakerrors.New(itakerrors.CategoryPolicyViolation, "scheme %q is not allowed", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return itakerrors.New(itakerrors.CategoryInvalidArgs, "url has no host")
	}
	if _, ok := g.allowlist[host]; ok {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		return g.checkIP(host, ip)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return itakerrors.New(itakerrors.CategoryProviderTransient, "failed to resolve %s: %v", host, err)
	}
	for _, ip := range ips {
		if err := g.checkIP(host, ip); err != nil {
			return err
		}
	}
	return nil
}

func (g *SSRFGuard) checkIP(host string, ip net.IP) error {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate() || ip.IsUnspecified() {
		return itakerrors.New(itakerrors.CategoryPolicyViolation,
			"target %s resolves to restricted address %s", host, ip)
	}
	return nil
}

// CheckHost validates a bare host for non-URL network tools.
func (g *SSRFGuard) CheckHost(host string) error {
	return g.CheckURL(fmt.Sprintf("http://%s/", host))
}

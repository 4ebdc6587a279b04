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
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/itak-ai/itak/pkg/itakerrors"
	"github.com/itak-ai/itak/pkg/principal"
)

type browserArgs struct {
	URL string `json:"url" jsonschema:"required,description=Page to fetch and read."`
}

// BrowserTool fetches a page and returns its readable text plus
// outgoing links. No script execution; static extraction only.
type BrowserTool struct {
	guard  *SSRFGuard
	client *http.Client
}

func NewBrowserTool(guard *SSRFGuard) *BrowserTool {
	return &BrowserTool{
		guard:  guard,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *BrowserTool) Info() Info {
	return Info{
		Name:         "browser",
		Description:  "Fetch a web page and return its readable text and links.",
		InputSchema:  schemaFor(&browserArgs{}),
		RequiredRole: principal.RoleUser,
		SideEffect:   SideEffectNetwork,
		CostClass:    CostFree,
	}
}

func (t *BrowserTool) UsagePrompt() string {
	return `browser reads one page. It does not run scripts or fill forms; for APIs
use http_request instead.`
}

func (t *BrowserTool) Execute(ctx context.Context, call *Call) (*Result, error) {
	rawURL, _ := call.Args["url"].(string)
	if err := t.guard.CheckURL(rawURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, itakerrors.New(itakerrors.CategoryInvalidArgs, "invalid url: %v", err)
	}
	req.Header.Set("User-Agent", "itak/1.0 (+https://github.com/itak-ai/itak)")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, itakerrors.Wrap(itakerrors.CategoryProviderTransient, err, "fetch failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, itakerrors.New(itakerrors.CategoryProviderTransient, "page returned %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}
	doc.Find("script, style, noscript, nav, footer, iframe").Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())
	text := collapseWhitespace(doc.Find("body").Text())

	var links []string
	doc.Find("a[href]").EachWithBreak(func(i int, s *goquery.Selection) bool {
		if i >= 20 {
			return false
		}
		href, _ := s.Attr("href")
		label := strings.TrimSpace(s.Text())
		if strings.HasPrefix(href, "http") && label != "" {
			links = append(links, fmt.Sprintf("- %s: %s", label, href))
		}
		return true
	})

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n%s", title, text)
	if len(links) > 0 {
		fmt.Fprintf(&b, "\n\nLinks:\n%s", strings.Join(links, "\n"))
	}
	return &Result{OK: true, Content: b.String()}, nil
}

func collapseWhitespace(s string) string {
	var b strings.Builder
	lastBlank := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if !lastBlank {
				b.WriteString("\n")
			}
			lastBlank = true
			continue
		}
		lastBlank = false
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/itak-ai/itak/pkg/itakerrors"
	"github.com/itak-ai/itak/pkg/principal"
)

type webSearchArgs struct {
	Query string `json:"query" jsonschema:"required,description=Search query."`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum results (default 5)."`
}

// WebSearchTool queries a SearXNG-compatible JSON endpoint. The
// endpoint itself may be a local service on the SSRF allowlist; result
// URLs are not fetched here.
type WebSearchTool struct {
	endpoint string
	guard    *SSRFGuard
	client   *http.Client
}

func NewWebSearchTool(endpoint string, guard *SSRFGuard) *WebSearchTool {
	return &WebSearchTool{
		endpoint: endpoint,
		guard:    guard,
		client:   &http.Client{Timeout: 20 * time.Second},
	}
}

func (t *WebSearchTool) Info() Info {
	return Info{
		Name:         "web_search",
		Description:  "Search the web and return result titles, URLs and snippets.",
		InputSchema:  schemaFor(&webSearchArgs{}),
		RequiredRole: principal.RoleUser,
		SideEffect:   SideEffectNetwork,
		CostClass:    CostFree,
	}
}

func (t *WebSearchTool) UsagePrompt() string {
	return `web_search returns titles, links and snippets. Follow up with browser on a
result URL when you need the page content.`
}

func (t *WebSearchTool) Execute(ctx context.Context, call *Call) (*Result, error) {
	if t.endpoint == "" {
		return nil, itakerrors.New(itakerrors.CategoryInvalidArgs, "no search endpoint configured")
	}
	query, _ := call.Args["query"].(string)
	limit := 5
	if l, ok := call.Args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	if err := t.guard.CheckURL(t.endpoint); err != nil {
		return nil, err
	}

	reqURL := fmt.Sprintf("%s?q=%s&format=json", strings.TrimSuffix(t.endpoint, "/"), url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, itakerrors.Wrap(itakerrors.CategoryProviderTransient, err, "search request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, itakerrors.New(itakerrors.CategoryProviderTransient, "search returned %d", resp.StatusCode)
	}

	var parsed struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search results: %w", err)
	}

	var b strings.Builder
	for i, r := range parsed.Results {
		if i >= limit {
			break
		}
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.URL, strings.TrimSpace(r.Content))
	}
	if b.Len() == 0 {
		return &Result{OK: true, Content: "No results."}, nil
	}
	return &Result{OK: true, Content: b.String()}, nil
}

type httpRequestArgs struct {
	URL    string `json:"url" jsonschema:"required,description=Target URL."`
	Method string `json:"method,omitempty" jsonschema:"description=HTTP method (default GET).,enum=GET,enum=POST,enum=PUT,enum=DELETE"`
	Body   string `json:"body,omitempty" jsonschema:"description=Request body. Secret placeholders like {{api_key}} are expanded just in time."`
}

// HTTPRequestTool issues raw HTTP requests through the SSRF guard.
type HTTPRequestTool struct {
	guard  *SSRFGuard
	client *http.Client
}

func NewHTTPRequestTool(guard *SSRFGuard) *HTTPRequestTool {
	return &HTTPRequestTool{
		guard:  guard,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *HTTPRequestTool) Info() Info {
	return Info{
		Name:         "http_request",
		Description:  "Issue an HTTP request to a public endpoint and return the response body.",
		InputSchema:  schemaFor(&httpRequestArgs{}),
		RequiredRole: principal.RoleSudo,
		SideEffect:   SideEffectNetwork,
		CostClass:    CostExternal,
	}
}

func (t *HTTPRequestTool) UsagePrompt() string {
	return `http_request talks to public APIs. Use {{secret_name}} placeholders in the
body for credentials; never write secret values literally.`
}

func (t *HTTPRequestTool) Execute(ctx context.Context, call *Call) (*Result, error) {
	rawURL, _ := call.Args["url"].(string)
	if err := t.guard.CheckURL(rawURL); err != nil {
		return nil, err
	}

	method, _ := call.Args["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if b, ok := call.Args["body"].(string); ok && b != "" {
		body = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, itakerrors.New(itakerrors.CategoryInvalidArgs, "invalid request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, itakerrors.Wrap(itakerrors.CategoryProviderTransient, err, "request failed")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &Result{
		OK:          resp.StatusCode < 400,
		Content:     fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, payload),
		SideEffects: []string{"http:" + method + ":" + rawURL},
	}, nil
}

// Copyright 2025 UMH Systems GmbH
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

package admin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/streamcheck/pkg/logger"
)

const maxResponseBody = 1 << 20

// HTTPDoer interface for making HTTP requests
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// defaultHTTPDoer is the default implementation of HTTPDoer
type defaultHTTPDoer struct {
	client *http.Client
}

func newDefaultHTTPDoer() *defaultHTTPDoer {
	transport := &http.Transport{
		MaxIdleConns:      10,
		IdleConnTimeout:   30 * time.Second,
		DisableKeepAlives: false,
	}

	return &defaultHTTPDoer{
		client: &http.Client{
			Transport: transport,
		},
	}
}

func (c *defaultHTTPDoer) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req)
}

// HTTPClientOption configures an HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithHTTPDoer sets a custom HTTP doer for the HTTPClient
func WithHTTPDoer(doer HTTPDoer) HTTPClientOption {
	return func(c *HTTPClient) {
		c.doer = doer
	}
}

// WithLogger sets the client logger.
func WithLogger(l *zap.SugaredLogger) HTTPClientOption {
	return func(c *HTTPClient) {
		c.logger = l
	}
}

// HTTPClient talks to the admin API over HTTP/JSON.
type HTTPClient struct {
	base   string
	doer   HTTPDoer
	logger *zap.SugaredLogger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the admin API rooted at baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPClientOption) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid admin URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid admin URL %q: scheme must be http or https", baseURL)
	}
	c := &HTTPClient{
		base:   strings.TrimRight(u.String(), "/"),
		doer:   newDefaultHTTPDoer(),
		logger: logger.For(logger.ComponentAdminClient),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type loginResponse struct {
	Token string `json:"token"`
}

type countResponse struct {
	Count int `json:"count"`
}

func (c *HTTPClient) Login(ctx context.Context, creds Credentials) (Session, error) {
	var resp loginResponse
	if err := c.doJSON(ctx, http.MethodPost, "/admin/login", nil, creds, &resp); err != nil {
		return Session{}, err
	}
	if resp.Token == "" {
		return Session{}, fmt.Errorf("admin: login returned an empty token")
	}
	c.logger.Debugf("logged in as %s", creds.Username)
	return NewSession(resp.Token, time.Now()), nil
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/admin/ping", nil, nil, "", nil)
}

func (c *HTTPClient) Artifacts(kind Kind) ArtifactAPI {
	return artifactAPI{c: c, kind: kind}
}

func (c *HTTPClient) Simulator() SimulatorAPI {
	return simulatorAPI{c: c}
}

func (c *HTTPClient) Server() ServerAPI {
	return serverAPI{c: c}
}

type artifactAPI struct {
	c    *HTTPClient
	kind Kind
}

func (a artifactAPI) Add(ctx context.Context, s Session, body string) error {
	return a.c.do(ctx, http.MethodPost, "/admin/"+a.kind.Plural(), &s, strings.NewReader(body), "text/plain", nil)
}

func (a artifactAPI) Remove(ctx context.Context, s Session, name string) error {
	return a.c.do(ctx, http.MethodDelete, "/admin/"+a.kind.Plural()+"/"+url.PathEscape(name), &s, nil, "", nil)
}

func (a artifactAPI) ActiveCount(ctx context.Context, s Session) (int, error) {
	var resp countResponse
	if err := a.c.doJSON(ctx, http.MethodGet, "/admin/"+a.kind.Plural()+"/count", &s, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

type simulatorAPI struct {
	c *HTTPClient
}

func (a simulatorAPI) SendEvent(ctx context.Context, s Session, ev SimulatedEvent) error {
	return a.c.doJSON(ctx, http.MethodPost, "/admin/simulator/events", &s, ev, nil)
}

type serverAPI struct {
	c *HTTPClient
}

func (a serverAPI) Restart(ctx context.Context, s Session) error {
	return a.c.do(ctx, http.MethodPost, "/admin/server/restart", &s, nil, "", nil)
}

// doJSON sends in (if not nil) as JSON and decodes the response into out (if not nil).
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, s *Session, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("admin: encoding %s %s request: %w", method, path, err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	var respBody []byte
	if err := c.do(ctx, method, path, s, body, contentType, &respBody); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("admin: decoding %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, s *Session, body io.Reader, contentType string, respBody *[]byte) error {
	if s != nil && !s.Valid() {
		return ErrNoSession
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("admin: building %s %s: %w", method, path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if s != nil {
		req.Header.Set("Authorization", "Bearer "+s.Token())
	}

	start := time.Now()
	resp, err := c.doer.Do(req)
	if err != nil {
		return fmt.Errorf("admin: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("admin: reading %s %s response: %w", method, path, err)
	}
	c.logger.Debugf("%s %s -> %d in %s", method, path, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}
	if respBody != nil {
		*respBody = data
	}
	return nil
}

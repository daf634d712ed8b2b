// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package apihttp implements the authenticated HTTP client used for every
call to the classification backend's REST API.

Every request carries the current bearer token.  A 401 answer is
treated as an expired access token: the client asks its credential
provider for a new token once and re-issues the request once.  The
retry budget belongs to the individual call, so concurrent calls that
all see a 401 each get their own refresh-and-retry.  A second 401, or a
failed refresh, is terminal: stored credentials are cleared and the
call fails with ErrUnauthenticated, which callers escalate to a global
sign out.

Calls carry no timeout of their own; callers bound them with their
context when they need to.
*/
package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/matta/mailwatch/internal/credential"
)

const (
	defaultRateLimit = 10
	maxErrorBody     = 4096
)

var (
	// ErrUnauthenticated means the backend rejected the client's
	// credentials even after a refresh.  Stored credentials have been
	// cleared by the time it is returned.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// RequestError is a non-2xx answer other than a terminal 401.
type RequestError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// IsTransient reports whether err is a failure of a single call that
// leaves the client usable: anything but ErrUnauthenticated and
// context cancellation.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthenticated) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Credentials supplies and renews bearer tokens.
// *credential.Provider satisfies it.
type Credentials interface {
	Token(ctx context.Context) (*oauth2.Token, error)
	Refresh(ctx context.Context) (*oauth2.Token, error)
	Clear(ctx context.Context) error
}

// Client issues authenticated JSON calls against one API base URL.
type Client struct {
	baseURL string
	http    *http.Client
	creds   Credentials
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRateLimit caps outbound requests per second.  A non-positive
// rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New returns a Client for the API rooted at baseURL.
func New(baseURL string, creds Credentials, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
		creds:   creds,
		limiter: rate.NewLimiter(defaultRateLimit, 2*defaultRateLimit),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root the client was created with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Call issues method on path (relative to the base URL, query string
// included).  A non-nil body is sent as JSON; a 2xx answer is decoded
// into out unless out is nil.
func (c *Client) Call(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return errors.Wrapf(err, "%s %s: encoding body", method, path)
		}
	}

	tok, err := c.creds.Token(ctx)
	if err != nil {
		if errors.Is(err, credential.ErrNoCredentials) {
			return errors.Wrapf(ErrUnauthenticated, "%s %s: not signed in", method, path)
		}
		return errors.Wrapf(err, "%s %s", method, path)
	}

	retried := false
	for {
		resp, err := c.do(ctx, method, path, payload, tok)
		if err != nil {
			return errors.Wrapf(err, "%s %s", method, path)
		}
		if resp.StatusCode != http.StatusUnauthorized {
			defer resp.Body.Close()
			return c.decode(resp, method, path, out)
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()

		if retried {
			return c.signOut(ctx, errors.Wrapf(ErrUnauthenticated, "%s %s: rejected after refresh", method, path))
		}
		retried = true

		c.logger.Debug("access token rejected, refreshing", "method", method, "path", path)
		tok, err = c.creds.Refresh(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return errors.Wrapf(ctx.Err(), "%s %s", method, path)
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return errors.Wrapf(err, "%s %s: refresh interrupted", method, path)
			}
			return c.signOut(ctx, errors.Wrapf(ErrUnauthenticated, "%s %s: refresh failed: %v", method, path, err))
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, tok *oauth2.Token) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	tok.SetAuthHeader(req)

	c.logger.Debug("api request", "method", method, "path", path, "request_id", req.Header.Get("X-Request-ID"))
	return c.http.Do(req)
}

func (c *Client) decode(resp *http.Response, method, path string, out interface{}) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &RequestError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(b)),
		}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return errors.Wrapf(err, "%s %s: decoding response", method, path)
	}
	return nil
}

func (c *Client) signOut(ctx context.Context, err error) error {
	if clearErr := c.creds.Clear(ctx); clearErr != nil {
		c.logger.Error("clearing credentials after authentication failure", "error", clearErr)
	}
	return err
}

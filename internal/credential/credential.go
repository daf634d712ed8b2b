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

// Package credential obtains, refreshes and stores the bearer tokens
// used to talk to the classification backend.
package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNoCredentials is returned when no usable token is stored.
	ErrNoCredentials = errors.New("no stored credentials")
)

// AuthError is a non-2xx answer from a token endpoint.
type AuthError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: token endpoint returned status %d: %s", e.Op, e.StatusCode, e.Body)
}

// TokenStore persists a single token.  LoadToken returns nil, nil when
// nothing is stored.
type TokenStore interface {
	LoadToken(ctx context.Context) (*oauth2.Token, error)
	SaveToken(ctx context.Context, tok *oauth2.Token) error
	ClearToken(ctx context.Context) error
}

// Provider supplies the current bearer token and renews it on demand.
type Provider struct {
	baseURL string
	client  *http.Client
	store   TokenStore
	logger  *slog.Logger

	refreshes singleflight.Group
}

// New returns a Provider for the API rooted at baseURL (for example
// "http://localhost:8000/api").  A nil client uses
// http.DefaultClient.
func New(baseURL string, client *http.Client, store TokenStore) *Provider {
	if client == nil {
		client = http.DefaultClient
	}
	return &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		store:   store,
		logger:  slog.Default(),
	}
}

// SetLogger replaces the provider's logger.
func (p *Provider) SetLogger(l *slog.Logger) {
	p.logger = l
}

type tokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

// Login exchanges a username and password for a token pair and stores
// it.
func (p *Provider) Login(ctx context.Context, username, password string) error {
	var pair tokenPair
	err := p.post(ctx, "login", "/token/", map[string]string{
		"username": username,
		"password": password,
	}, &pair)
	if err != nil {
		return err
	}
	if pair.Access == "" {
		return errors.New("login: response carried no access token")
	}
	tok := &oauth2.Token{AccessToken: pair.Access, RefreshToken: pair.Refresh, TokenType: "Bearer"}
	return errors.Wrap(p.store.SaveToken(ctx, tok), "login: storing token")
}

// Token returns the current token.
func (p *Provider) Token(ctx context.Context) (*oauth2.Token, error) {
	tok, err := p.store.LoadToken(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "loading token")
	}
	if tok == nil || tok.AccessToken == "" {
		return nil, ErrNoCredentials
	}
	return tok, nil
}

// Refresh exchanges the stored refresh token for a new access token.
// Concurrent calls share a single request to the backend.  The shared
// exchange is not tied to any one caller's cancellation: a caller whose
// ctx ends stops waiting, and the others still get the result.
func (p *Provider) Refresh(ctx context.Context) (*oauth2.Token, error) {
	ch := p.refreshes.DoChan("refresh", func() (interface{}, error) {
		return p.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "refresh")
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			p.logger.Debug("joined in-flight token refresh")
		}
		return res.Val.(*oauth2.Token), nil
	}
}

func (p *Provider) refresh(ctx context.Context) (*oauth2.Token, error) {
	cur, err := p.store.LoadToken(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "refresh: loading token")
	}
	if cur == nil || cur.RefreshToken == "" {
		return nil, ErrNoCredentials
	}
	var pair tokenPair
	err = p.post(ctx, "refresh", "/token/refresh/", map[string]string{"refresh": cur.RefreshToken}, &pair)
	if err != nil {
		return nil, err
	}
	if pair.Access == "" {
		return nil, errors.New("refresh: response carried no access token")
	}
	tok := &oauth2.Token{AccessToken: pair.Access, RefreshToken: cur.RefreshToken, TokenType: "Bearer"}
	if pair.Refresh != "" {
		tok.RefreshToken = pair.Refresh // rotated
	}
	if err := p.store.SaveToken(ctx, tok); err != nil {
		return nil, errors.Wrap(err, "refresh: storing token")
	}
	p.logger.Info("refreshed access token")
	return tok, nil
}

// Clear drops all stored tokens.
func (p *Provider) Clear(ctx context.Context) error {
	return errors.Wrap(p.store.ClearToken(ctx), "clearing credentials")
}

func (p *Provider) post(ctx context.Context, op, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, op)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, op)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s: POST %s", op, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &AuthError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "%s: decoding response", op)
	}
	return nil
}

// MemoryStore is a TokenStore that keeps the token in memory.
type MemoryStore struct {
	mu  sync.Mutex
	tok *oauth2.Token
}

// NewMemoryStore returns a MemoryStore holding tok, which may be nil.
func NewMemoryStore(tok *oauth2.Token) *MemoryStore {
	return &MemoryStore{tok: tok}
}

func (m *MemoryStore) LoadToken(context.Context) (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tok == nil {
		return nil, nil
	}
	c := *m.tok
	return &c, nil
}

func (m *MemoryStore) SaveToken(_ context.Context, tok *oauth2.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *tok
	m.tok = &c
	return nil
}

func (m *MemoryStore) ClearToken(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tok = nil
	return nil
}

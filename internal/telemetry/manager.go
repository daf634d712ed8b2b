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

package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/matta/mailwatch/internal/account"
)

// TokenSource supplies the bearer token sent with the websocket
// handshake.  *credential.Provider satisfies it.
type TokenSource interface {
	Token(ctx context.Context) (*oauth2.Token, error)
}

// Manager keeps at most one session open.  Opening a session for any
// account first closes the current one completely.
type Manager struct {
	baseURL string
	dialer  Dialer
	tokens  TokenSource
	logger  *slog.Logger
	changed chan struct{}

	mu      sync.Mutex
	current *Session
}

// NewManager returns a Manager dialing sessions under baseURL, a ws or
// wss URL.  tokens may be nil.
func NewManager(baseURL string, d Dialer, tokens TokenSource, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		baseURL: baseURL,
		dialer:  d,
		tokens:  tokens,
		logger:  logger,
		changed: make(chan struct{}, 1),
	}
}

// Changed delivers a value after any change to any managed session.
func (m *Manager) Changed() <-chan struct{} { return m.changed }

// Current returns the most recently opened session, or nil.  It may
// already be Closed.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Open closes the current session, if any, and starts a new one for id.
// The new session starts with an empty log.
func (m *Manager) Open(ctx context.Context, id account.Identity) (*Session, error) {
	u, err := URL(m.baseURL, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		if err := m.current.Close(); err != nil {
			m.logger.Warn("closing previous telemetry session", "account", m.current.Account(), "error", err)
		}
		m.current = nil
	}

	s := NewSession(id, u, m.dialer,
		WithHeader(m.header(ctx)),
		WithLogger(m.logger),
		WithChanged(m.changed))
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	m.current = s
	return s, nil
}

// Close closes the current session, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	return m.current.Close()
}

func (m *Manager) header(ctx context.Context) http.Header {
	h := http.Header{}
	if m.tokens == nil {
		return h
	}
	tok, err := m.tokens.Token(ctx)
	if err != nil {
		m.logger.Debug("dialing telemetry without credentials", "error", err)
		return h
	}
	h.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	return h
}

// RequestStatus asks the current session for a status frame.
func (m *Manager) RequestStatus() error {
	s := m.Current()
	if s == nil {
		return errors.Wrap(ErrNotOpen, "requesting status")
	}
	return s.RequestStatus()
}

// View returns the current session's view.  ok is false if no session
// was ever opened.
func (m *Manager) View() (v View, ok bool) {
	s := m.Current()
	if s == nil {
		return View{}, false
	}
	return s.View(), true
}

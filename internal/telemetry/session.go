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

// Package telemetry manages the live streaming session for one account:
// a websocket that carries start/stop control frames out and log and
// progress frames in.
//
// A Session is a small state machine:
//
//	Idle -> Connecting -> Open -> Closing -> Closed
//	        Connecting ------------------> Closed   (dial failure)
//
// Every transition happens on the session's own loop goroutine, which
// processes one event at a time: dial results, inbound frames, read
// failures, and requests from the caller.  Inbound frames are applied in
// arrival order.  A session that reaches Closed never reopens; open a
// new one instead.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/pkg/errors"

	"github.com/matta/mailwatch/internal/account"
	"github.com/matta/mailwatch/internal/logline"
)

// State is the lifecycle state of a Session.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	// ErrMalformedFrame wraps every inbound frame that could not be
	// decoded.  Such frames are dropped; the session stays open.
	ErrMalformedFrame = errors.New("malformed telemetry frame")

	// ErrNotOpen is returned for requests that need an open session.
	ErrNotOpen = errors.New("session is not open")
)

// TransportError is a connect, read or write failure.  It always ends
// the session.
type TransportError struct {
	Account account.Identity
	Op      string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("telemetry %s for %v: %v", e.Op, e.Account, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
func (e *TransportError) Cause() error  { return e.Err }

// Control frame actions.
const (
	actionStart     = "start_monitoring"
	actionStop      = "stop_monitoring"
	actionGetStatus = "get_status"
)

type control struct {
	Action string `json:"action"`
}

// Inbound frame types.
const (
	frameLog    = "log_message"
	frameStatus = "status_update"
	frameError  = "error"
)

type inbound struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// View is a copy of a session's observable state.
type View struct {
	Account account.Identity
	State   State

	// Nil until the first status frame and again once closed.
	Snapshot *account.LiveSnapshot

	// Normalized log lines in arrival order.
	Logs []account.LogEntry

	// The latest message meant for the user, if any.
	Notice string

	// The transport failure that closed the session, if any.
	Err error

	// Number of malformed frames dropped.
	Dropped int
}

// Session is one streaming connection for one account.  Create it with
// NewSession, then call Start once and Close when done.
type Session struct {
	account account.Identity
	url     string
	header  http.Header
	dialer  Dialer
	logger  *slog.Logger
	changed chan struct{}

	events chan interface{}
	quit   chan struct{}
	done   chan struct{}

	// Owned by the loop goroutine.
	cancelDial context.CancelFunc
	conn       Conn
	readerDone chan struct{}

	mu       sync.Mutex
	state    State
	snapshot *account.LiveSnapshot
	logs     []account.LogEntry
	notice   string
	err      error
	dropped  int
	closeErr error
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithHeader sets the handshake headers, typically Authorization.
func WithHeader(h http.Header) SessionOption {
	return func(s *Session) { s.header = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// WithChanged makes the session signal state changes on ch, which
// should have capacity 1.  Several sessions may share one channel.
func WithChanged(ch chan struct{}) SessionOption {
	return func(s *Session) { s.changed = ch }
}

// NewSession returns an Idle session for id that will connect to u.
func NewSession(id account.Identity, u string, d Dialer, opts ...SessionOption) *Session {
	s := &Session{
		account: id,
		url:     u,
		dialer:  d,
		logger:  slog.Default(),
		changed: make(chan struct{}, 1),
		events:  make(chan interface{}),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("account", id)
	return s
}

// Account returns the account the session observes.
func (s *Session) Account() account.Identity { return s.account }

// Changed delivers a value after any change to the session's view.
func (s *Session) Changed() <-chan struct{} { return s.changed }

// Done is closed once the session is Closed and its goroutines have
// exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// View returns a copy of the session's observable state.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		Account: s.account,
		State:   s.state,
		Logs:    append([]account.LogEntry(nil), s.logs...),
		Notice:  s.notice,
		Err:     s.err,
		Dropped: s.dropped,
	}
	if s.snapshot != nil {
		snap := s.snapshot.Clone()
		v.Snapshot = &snap
	}
	return v
}

// Start begins connecting.  It does not wait for the connection; watch
// Changed or State for the outcome.  The dial is abandoned if ctx is
// canceled before it completes.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle {
		st := s.state
		s.mu.Unlock()
		return errors.Errorf("starting session for %v: already %v", s.account, st)
	}
	s.state = Connecting
	s.mu.Unlock()
	s.notify()

	dctx, cancel := context.WithCancel(ctx)
	s.cancelDial = cancel
	go s.dial(dctx)
	go s.run()
	return nil
}

// Close ends the session and waits until it is Closed.  An open session
// sends stop_monitoring before its transport is closed; a session whose
// transport is already gone sends nothing.  Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == Idle {
		s.state = Closed
		close(s.quit)
		close(s.done)
		s.mu.Unlock()
		s.notify()
		return nil
	}
	s.mu.Unlock()

	s.post(closeRequest{})
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// RequestStatus asks the server for an immediate status_update frame.
func (s *Session) RequestStatus() error {
	if s.State() == Idle {
		return errors.Wrapf(ErrNotOpen, "requesting status for %v", s.account)
	}
	reply := make(chan error, 1)
	if !s.post(statusRequest{reply: reply}) {
		return errors.Wrapf(ErrNotOpen, "requesting status for %v", s.account)
	}
	return <-reply
}

type (
	connected     struct{ conn Conn }
	dialFailed    struct{ err error }
	frame         struct{ data []byte }
	readFailed    struct{ err error }
	closeRequest  struct{}
	statusRequest struct{ reply chan error }
)

// post queues ev for the loop.  It reports false if the loop has
// already finished.
func (s *Session) post(ev interface{}) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.quit:
		return false
	}
}

func (s *Session) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *Session) dial(ctx context.Context) {
	conn, err := s.dialer.Dial(ctx, s.url, s.header)
	if err != nil {
		s.post(dialFailed{err: err})
		return
	}
	if !s.post(connected{conn: conn}) {
		conn.Close()
	}
}

func (s *Session) read(conn Conn) {
	defer close(s.readerDone)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.post(readFailed{err: err})
			return
		}
		if !s.post(frame{data: data}) {
			return
		}
	}
}

func (s *Session) run() {
	defer close(s.done)
	for s.State() != Closed {
		switch ev := (<-s.events).(type) {
		case connected:
			s.onConnected(ev.conn)
		case dialFailed:
			s.fail("dial", ev.err)
		case frame:
			s.onFrame(ev.data)
		case readFailed:
			s.fail("read", ev.err)
		case closeRequest:
			s.onClose()
		case statusRequest:
			ev.reply <- s.onRequestStatus()
		}
	}
	close(s.quit)
	s.cancelDial()
	if s.readerDone != nil {
		<-s.readerDone
	}
	s.logger.Debug("telemetry session closed")
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.notify()
}

func (s *Session) onConnected(conn Conn) {
	s.conn = conn
	if s.State() == Closing {
		// Closed while the dial was in flight; nothing was started.
		s.finish(nil, "", conn.Close())
		return
	}
	if err := conn.WriteJSON(control{Action: actionStart}); err != nil {
		s.fail("write", err)
		return
	}
	s.readerDone = make(chan struct{})
	go s.read(conn)
	s.setState(Open)
	s.logger.Debug("telemetry session open", "url", s.url)
}

// fail ends the session after a transport failure.  Failures that
// arrive while closing are the expected result of the close.
func (s *Session) fail(op string, err error) {
	var cerr error
	if s.conn != nil {
		cerr = s.conn.Close()
	}
	if s.State() == Closing {
		s.finish(nil, "", cerr)
		return
	}
	terr := &TransportError{Account: s.account, Op: op, Err: err}
	s.logger.Warn("telemetry transport failed", "op", op, "error", err)
	s.finish(terr, fmt.Sprintf("Live connection failed (%s): %v", op, err), nil)
}

func (s *Session) onClose() {
	switch s.State() {
	case Connecting:
		s.setState(Closing)
		s.cancelDial()
	case Open:
		s.setState(Closing)
		werr := s.conn.WriteJSON(control{Action: actionStop})
		cerr := s.conn.Close()
		if werr != nil {
			cerr = errors.Wrapf(werr, "sending %s for %v", actionStop, s.account)
		}
		s.finish(nil, "", cerr)
	}
}

func (s *Session) finish(err error, notice string, closeErr error) {
	s.mu.Lock()
	s.state = Closed
	s.snapshot = nil
	if err != nil {
		s.err = err
	}
	if notice != "" {
		s.notice = notice
	}
	s.closeErr = closeErr
	s.mu.Unlock()
	s.notify()
}

func (s *Session) onRequestStatus() error {
	if s.State() != Open {
		return errors.Wrapf(ErrNotOpen, "requesting status for %v", s.account)
	}
	if err := s.conn.WriteJSON(control{Action: actionGetStatus}); err != nil {
		s.fail("write", err)
		return &TransportError{Account: s.account, Op: "write", Err: err}
	}
	return nil
}

const maxLoggedFrame = 200

func (s *Session) onFrame(data []byte) {
	if s.State() != Open {
		return
	}
	if err := s.apply(data); err != nil {
		f := string(data)
		if len(f) > maxLoggedFrame {
			f = f[:maxLoggedFrame] + "..."
		}
		s.logger.Warn("dropping telemetry frame", "frame", f, "error", err)
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.notify()
	}
}

func (s *Session) apply(data []byte) error {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return errors.Wrap(ErrMalformedFrame, err.Error())
	}
	switch in.Type {
	case frameLog:
		raw, err := logPayload(in.Message)
		if err != nil {
			return err
		}
		entry := logline.Normalize(raw)
		s.mu.Lock()
		s.logs = append(s.logs, entry)
		s.mu.Unlock()
	case frameStatus:
		if len(in.Data) == 0 || string(in.Data) == "null" {
			return errors.Wrap(ErrMalformedFrame, "status_update without data")
		}
		var snap account.LiveSnapshot
		if err := json.Unmarshal(in.Data, &snap); err != nil {
			return errors.Wrap(ErrMalformedFrame, err.Error())
		}
		if err := snap.Validate(); err != nil {
			return errors.Wrap(ErrMalformedFrame, err.Error())
		}
		s.mu.Lock()
		s.snapshot = &snap
		s.mu.Unlock()
	case frameError:
		var msg string
		if err := json.Unmarshal(in.Message, &msg); err != nil || msg == "" {
			msg = "unknown server error"
		}
		s.logger.Warn("telemetry server error", "message", msg)
		s.mu.Lock()
		s.notice = "Server: " + msg
		s.mu.Unlock()
	default:
		s.logger.Debug("ignoring telemetry frame", "type", in.Type)
		return nil
	}
	s.notify()
	return nil
}

// logPayload returns the raw log text of a log_message frame.  The
// message is usually a string, which may itself hold JSON; an object is
// passed through as its JSON text.
func logPayload(msg json.RawMessage) (string, error) {
	if len(msg) == 0 || string(msg) == "null" {
		return "", errors.Wrap(ErrMalformedFrame, "log_message without message")
	}
	var text string
	if err := json.Unmarshal(msg, &text); err == nil {
		return text, nil
	}
	return string(msg), nil
}

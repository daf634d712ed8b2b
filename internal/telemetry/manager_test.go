package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/matta/mailwatch/internal/account"
)

type staticTokens struct{ tok *oauth2.Token }

func (s staticTokens) Token(context.Context) (*oauth2.Token, error) {
	if s.tok == nil {
		return nil, errors.New("no credentials")
	}
	return s.tok, nil
}

func TestURL(t *testing.T) {
	tests := []struct {
		base    string
		id      account.Identity
		want    string
		wantErr bool
	}{
		{base: "ws://localhost:8000", id: "a@x.com", want: "ws://localhost:8000/ws/email_monitor/a@x.com/"},
		{base: "wss://mail.example.com/", id: "a@x.com", want: "wss://mail.example.com/ws/email_monitor/a@x.com/"},
		{base: "wss://example.com/prefix", id: "a b@x.com", want: "wss://example.com/prefix/ws/email_monitor/a%20b@x.com/"},
		{base: "ws://h", id: "a/b@x.com", want: "ws://h/ws/email_monitor/a%2Fb@x.com/"},
		{base: "http://localhost:8000", id: "a@x.com", wantErr: true},
	}
	for _, tc := range tests {
		got, err := URL(tc.base, tc.id)
		if (err != nil) != tc.wantErr {
			t.Errorf("URL(%q, %q) error = %v, wantErr %v", tc.base, tc.id, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("URL(%q, %q) = %q, want %q", tc.base, tc.id, got, tc.want)
		}
	}
}

func TestManagerKeepsOneSession(t *testing.T) {
	var mu sync.Mutex
	conns := map[string]*fakeConn{}
	var headers []string
	d := &fakeDialer{dial: func(_ context.Context, u string, h http.Header) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		c := newFakeConn()
		conns[u] = c
		headers = append(headers, h.Get("Authorization"))
		return c, nil
	}}
	m := NewManager("ws://h", d, staticTokens{&oauth2.Token{AccessToken: "abc"}}, nil)
	ctx := context.Background()

	first, err := m.Open(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("Open(a) error = %v", err)
	}
	waitFor(t, first, "first open", inState(Open))

	second, err := m.Open(ctx, "b@x.com")
	if err != nil {
		t.Fatalf("Open(b) error = %v", err)
	}
	if first.State() != Closed {
		t.Errorf("first session state = %v after opening second, want closed", first.State())
	}
	waitFor(t, second, "second open", inState(Open))
	if m.Current() != second {
		t.Error("Current() is not the second session")
	}

	mu.Lock()
	a := conns["ws://h/ws/email_monitor/a@x.com/"]
	mu.Unlock()
	if diff := cmp.Diff([]string{actionStart, actionStop, "close"}, a.recorded()); diff != "" {
		t.Errorf("first session ops (-want +got):\n%s", diff)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if second.State() != Closed {
		t.Errorf("second session state = %v, want closed", second.State())
	}
	if diff := cmp.Diff([]string{"Bearer abc", "Bearer abc"}, headers); diff != "" {
		t.Errorf("Authorization headers (-want +got):\n%s", diff)
	}
}

func TestManagerWithoutCredentials(t *testing.T) {
	var got http.Header
	d := &fakeDialer{dial: func(_ context.Context, _ string, h http.Header) (Conn, error) {
		got = h
		return nil, errors.New("refused")
	}}
	m := NewManager("ws://h", d, staticTokens{}, nil)
	s, err := m.Open(context.Background(), "a@x.com")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	<-s.Done()
	if got.Get("Authorization") != "" {
		t.Errorf("Authorization = %q, want none", got.Get("Authorization"))
	}
}

// TestWebsocketSession runs a session against a real websocket server:
// the client announces itself, receives a progress frame, and says
// goodbye when closed.
func TestWebsocketSession(t *testing.T) {
	received := make(chan string, 10)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/email_monitor/a@x.com/" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			var msg control
			if err := c.ReadJSON(&msg); err != nil {
				return
			}
			received <- msg.Action
			if msg.Action == actionStart {
				c.WriteMessage(websocket.TextMessage, []byte(`{"type":"status_update","data":{"total_emails":5,"processing_emails":2,"processed_emails":3,"classification_stats":{"spam":1,"inbox":2}}}`))
				c.WriteMessage(websocket.TextMessage, []byte(`{"type":"log_message","message":"INFO: [2024-01-01 00:00:00] started"}`))
			}
		}
	}))
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	m := NewManager(base, WebsocketDialer{}, staticTokens{&oauth2.Token{AccessToken: "tok"}}, nil)
	s, err := m.Open(context.Background(), "a@x.com")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	v := waitFor(t, s, "snapshot and log", func(v View) bool {
		return v.Snapshot != nil && len(v.Logs) == 1
	})
	want := &account.LiveSnapshot{
		TotalEmails:          5,
		ProcessingEmails:     2,
		ProcessedEmails:      3,
		ClassificationCounts: map[string]int{"spam": 1, "inbox": 2},
	}
	if diff := cmp.Diff(want, v.Snapshot); diff != "" {
		t.Errorf("Snapshot (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]account.LogEntry{{Timestamp: "2024-01-01 00:00:00", Message: "started"}}, v.Logs); diff != "" {
		t.Errorf("Logs (-want +got):\n%s", diff)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	for _, want := range []string{actionStart, actionStop} {
		select {
		case got := <-received:
			if got != want {
				t.Errorf("server received %q, want %q", got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("server never received %q", want)
		}
	}
}

func TestWebsocketHandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := NewManager("ws"+strings.TrimPrefix(srv.URL, "http"), WebsocketDialer{}, nil, nil)
	s, err := m.Open(context.Background(), "a@x.com")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	<-s.Done()
	var terr *TransportError
	if v := s.View(); !errors.As(v.Err, &terr) || terr.Op != "dial" {
		t.Errorf("Err = %v, want dial TransportError", v.Err)
	}
}

func TestManagerRequestStatusWithoutSession(t *testing.T) {
	m := NewManager("ws://h", &fakeDialer{}, nil, nil)
	if err := m.RequestStatus(); !errors.Is(err, ErrNotOpen) {
		t.Errorf("RequestStatus() = %v, want ErrNotOpen", err)
	}
	if _, ok := m.View(); ok {
		t.Error("View() ok without a session")
	}
}

package credential

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

func TestLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/token/" {
			t.Errorf("path = %q, want /api/token/", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["username"] != "alice" || body["password"] != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"access": "a1", "refresh": "r1"})
	}))
	defer srv.Close()

	store := NewMemoryStore(nil)
	p := New(srv.URL+"/api/", srv.Client(), store)
	if err := p.Login(context.Background(), "alice", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	tok, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok.AccessToken != "a1" || tok.RefreshToken != "r1" {
		t.Errorf("Token() = %+v, want a1/r1", tok)
	}

	err = p.Login(context.Background(), "alice", "wrong")
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("Login(wrong) error = %v, want AuthError 401", err)
	}
}

func TestTokenWithoutCredentials(t *testing.T) {
	p := New("http://unused", nil, NewMemoryStore(nil))
	if _, err := p.Token(context.Background()); err != ErrNoCredentials {
		t.Errorf("Token() error = %v, want ErrNoCredentials", err)
	}
	if _, err := p.Refresh(context.Background()); err != ErrNoCredentials {
		t.Errorf("Refresh() error = %v, want ErrNoCredentials", err)
	}
}

func TestRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token/refresh/" {
			t.Errorf("path = %q, want /token/refresh/", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["refresh"] != "r1" {
			t.Errorf("refresh = %q, want r1", body["refresh"])
		}
		json.NewEncoder(w).Encode(map[string]string{"access": "a2"})
	}))
	defer srv.Close()

	store := NewMemoryStore(&oauth2.Token{AccessToken: "a1", RefreshToken: "r1"})
	p := New(srv.URL, srv.Client(), store)
	tok, err := p.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if tok.AccessToken != "a2" || tok.RefreshToken != "r1" {
		t.Errorf("Refresh() = %+v, want access a2 with refresh r1 kept", tok)
	}
	stored, _ := store.LoadToken(context.Background())
	if stored.AccessToken != "a2" {
		t.Errorf("stored access = %q, want a2", stored.AccessToken)
	}
}

func TestRefreshRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":"Token is invalid or expired"}`))
	}))
	defer srv.Close()

	p := New(srv.URL, srv.Client(), NewMemoryStore(&oauth2.Token{AccessToken: "a1", RefreshToken: "r1"}))
	_, err := p.Refresh(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Refresh() error = %v, want *AuthError", err)
	}
	if authErr.Op != "refresh" || authErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("AuthError = %+v", authErr)
	}
}

func TestConcurrentRefreshesAgree(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]string{"access": "a2"})
	}))
	defer srv.Close()

	p := New(srv.URL, srv.Client(), NewMemoryStore(&oauth2.Token{AccessToken: "a1", RefreshToken: "r1"}))

	const n = 5
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := p.Refresh(context.Background())
			if err != nil {
				t.Errorf("Refresh() error = %v", err)
				return
			}
			if tok.AccessToken != "a2" {
				t.Errorf("Refresh() access = %q, want a2", tok.AccessToken)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got < 1 || got > n {
		t.Errorf("refresh requests = %d, want between 1 and %d", got, n)
	}
}

func TestClear(t *testing.T) {
	store := NewMemoryStore(&oauth2.Token{AccessToken: "a1"})
	p := New("http://unused", nil, store)
	if err := p.Clear(context.Background()); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, err := p.Token(context.Background()); err != ErrNoCredentials {
		t.Errorf("Token() after Clear error = %v, want ErrNoCredentials", err)
	}
}

func TestRefreshOutlivesCancelledCaller(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
		}
		<-release
		json.NewEncoder(w).Encode(map[string]string{"access": "a2"})
	}))
	defer srv.Close()

	store := NewMemoryStore(&oauth2.Token{AccessToken: "a1", RefreshToken: "r1"})
	p := New(srv.URL, srv.Client(), store)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := p.Refresh(ctx)
		first <- err
	}()
	<-started

	second := make(chan error, 1)
	go func() {
		tok, err := p.Refresh(context.Background())
		if err == nil && tok.AccessToken != "a2" {
			t.Errorf("second Refresh() access = %q, want a2", tok.AccessToken)
		}
		second <- err
	}()

	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Errorf("first Refresh() error = %v, want context.Canceled", err)
	}
	close(release)
	if err := <-second; err != nil {
		t.Fatalf("second Refresh() error = %v", err)
	}

	tok, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok.AccessToken != "a2" || tok.RefreshToken != "r1" {
		t.Errorf("stored token = %+v, want access a2 refresh r1", tok)
	}
}

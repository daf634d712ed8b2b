package apihttp

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

	"github.com/matta/mailwatch/internal/credential"
)

// fakeCreds hands out "tok-N" tokens, bumping N on every refresh.
type fakeCreds struct {
	mu         sync.Mutex
	gen        int
	refreshErr error
	refreshes  int
	cleared    int
	none       bool
}

func (f *fakeCreds) Token(context.Context) (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.none {
		return nil, credential.ErrNoCredentials
	}
	return &oauth2.Token{AccessToken: tokenName(f.gen)}, nil
}

func (f *fakeCreds) Refresh(context.Context) (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	f.gen++
	return &oauth2.Token{AccessToken: tokenName(f.gen)}, nil
}

func (f *fakeCreds) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	return nil
}

func tokenName(gen int) string {
	return "tok-" + string(rune('0'+gen))
}

func newClient(srv *httptest.Server, creds Credentials) *Client {
	return New(srv.URL+"/api", creds, WithHTTPClient(srv.Client()), WithRateLimit(0, 0))
}

func TestCallAttachesBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-0" {
			t.Errorf("Authorization = %q, want Bearer tok-0", got)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("X-Request-ID not set")
		}
		if r.URL.Path != "/api/mail/monitor/" || r.URL.Query().Get("email") != "a@x.com" {
			t.Errorf("URL = %v", r.URL)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "success"})
	}))
	defer srv.Close()

	var out struct{ Status string }
	if err := newClient(srv, &fakeCreds{}).Call(context.Background(), http.MethodGet, "/mail/monitor/?email=a@x.com", nil, &out); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if out.Status != "success" {
		t.Errorf("decoded status = %q, want success", out.Status)
	}
}

func TestCallSendsJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["action"] != "start" {
			t.Errorf("body = %v", body)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := newClient(srv, &fakeCreds{}).Call(context.Background(), http.MethodPost, "/mail/monitor/",
		map[string]string{"action": "start"}, &struct{}{})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
}

func TestSingle401RefreshesAndRetriesOnce(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	creds := &fakeCreds{}
	if err := newClient(srv, creds).Call(context.Background(), http.MethodGet, "/mail-info/", nil, nil); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if creds.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", creds.refreshes)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("requests = %d, want 2 (original + one retry)", got)
	}
	if creds.cleared != 0 {
		t.Errorf("credentials cleared %d times, want 0", creds.cleared)
	}
}

func TestSecond401IsUnauthenticated(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	creds := &fakeCreds{}
	err := newClient(srv, creds).Call(context.Background(), http.MethodGet, "/mail-info/", nil, nil)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("Call() error = %v, want ErrUnauthenticated", err)
	}
	if IsTransient(err) {
		t.Error("IsTransient(unauthenticated) = true")
	}
	if creds.refreshes != 1 {
		t.Errorf("refreshes = %d, want exactly 1", creds.refreshes)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}
	if creds.cleared != 1 {
		t.Errorf("credentials cleared %d times, want 1", creds.cleared)
	}
}

func TestFailedRefreshIsUnauthenticated(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	creds := &fakeCreds{refreshErr: errors.New("refresh token expired")}
	err := newClient(srv, creds).Call(context.Background(), http.MethodGet, "/mail-info/", nil, nil)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("Call() error = %v, want ErrUnauthenticated", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("requests = %d, want 1 (no retry without a new token)", got)
	}
	if creds.cleared != 1 {
		t.Errorf("credentials cleared %d times, want 1", creds.cleared)
	}
}

func TestNoCredentialsIsUnauthenticated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request sent without credentials")
	}))
	defer srv.Close()

	err := newClient(srv, &fakeCreds{none: true}).Call(context.Background(), http.MethodGet, "/mail-info/", nil, nil)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Call() error = %v, want ErrUnauthenticated", err)
	}
}

func TestConcurrentCallsHaveIndependentRetryBudgets(t *testing.T) {
	// Each call's first request is rejected, whatever token it carries;
	// its retry is accepted.  A shared retry flag would turn the second
	// call's 401 into a terminal failure.
	var mu sync.Mutex
	seen := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("call")
		mu.Lock()
		seen[id]++
		n := seen[id]
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	creds := &fakeCreds{}
	c := newClient(srv, creds)
	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := c.Call(context.Background(), http.MethodGet, "/mail-info/?call="+id, nil, nil); err != nil {
				t.Errorf("call %s error = %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	for _, id := range []string{"a", "b", "c"} {
		if seen[id] != 2 {
			t.Errorf("call %s requests = %d, want 2", id, seen[id])
		}
	}
	if creds.refreshes != 3 {
		t.Errorf("refreshes = %d, want one per call (3)", creds.refreshes)
	}
	if creds.cleared != 0 {
		t.Errorf("credentials cleared %d times, want 0", creds.cleared)
	}
}

func TestCancelledCallerDoesNotSignOutOthers(t *testing.T) {
	// Two calls hit 401 and share one refresh.  Cancelling the call that
	// started the refresh must not fail the other or clear the tokens.
	var refreshes, rejected int32
	refreshStarted := make(chan struct{})
	secondRejected := make(chan struct{})
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/api/token/refresh/", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&refreshes, 1) == 1 {
			close(refreshStarted)
		}
		<-release
		json.NewEncoder(w).Encode(map[string]string{"access": "new"})
	})
	mux.HandleFunc("/api/mail-info/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer new" {
			if atomic.AddInt32(&rejected, 1) == 2 {
				close(secondRejected)
			}
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := credential.NewMemoryStore(&oauth2.Token{AccessToken: "old", RefreshToken: "r"})
	creds := credential.New(srv.URL+"/api", srv.Client(), store)
	c := newClient(srv, creds)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		first <- c.Call(ctx, http.MethodGet, "/mail-info/", nil, nil)
	}()
	<-refreshStarted

	second := make(chan error, 1)
	go func() {
		second <- c.Call(context.Background(), http.MethodGet, "/mail-info/", nil, nil)
	}()
	<-secondRejected

	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled call error = %v, want context.Canceled", err)
	}
	close(release)
	if err := <-second; err != nil {
		t.Fatalf("second call error = %v", err)
	}

	tok, err := creds.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() after calls error = %v", err)
	}
	if tok.AccessToken != "new" {
		t.Errorf("stored access token = %q, want new", tok.AccessToken)
	}
	if got := atomic.LoadInt32(&refreshes); got < 1 || got > 2 {
		t.Errorf("refresh requests = %d, want 1 or 2", got)
	}
}

func TestInterruptedRefreshIsNotUnauthenticated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	creds := &fakeCreds{refreshErr: errors.Wrap(context.Canceled, "refresh")}
	c := newClient(srv, creds)
	err := c.Call(context.Background(), http.MethodGet, "/mail-info/", nil, nil)
	if err == nil {
		t.Fatal("Call() error = nil, want interrupted refresh")
	}
	if errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Call() error = %v, want not ErrUnauthenticated", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Call() error = %v, want context.Canceled", err)
	}
	if creds.cleared != 0 {
		t.Errorf("credentials cleared %d times, want 0", creds.cleared)
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	creds := &fakeCreds{}
	err := newClient(srv, creds).Call(context.Background(), http.MethodDelete, "/mail-info/3/", nil, nil)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("Call() error = %v, want *RequestError", err)
	}
	if reqErr.StatusCode != http.StatusInternalServerError || reqErr.Body != "boom" {
		t.Errorf("RequestError = %+v", reqErr)
	}
	if !IsTransient(err) {
		t.Error("IsTransient(500) = false")
	}
	if creds.refreshes != 0 || creds.cleared != 0 {
		t.Errorf("refreshes=%d cleared=%d, want 0/0", creds.refreshes, creds.cleared)
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newClient(srv, &fakeCreds{})
	srv.Close()

	err := c.Call(context.Background(), http.MethodGet, "/mail-info/", nil, nil)
	if err == nil || !IsTransient(err) {
		t.Errorf("Call() on closed server error = %v, want transient error", err)
	}
}

func TestCanceledContextIsNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := newClient(srv, &fakeCreds{}).Call(ctx, http.MethodGet, "/mail-info/", nil, nil)
	if err == nil {
		t.Fatal("Call() with canceled context succeeded")
	}
	if IsTransient(err) {
		t.Errorf("IsTransient(%v) = true, want false", err)
	}
}

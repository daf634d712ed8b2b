package tracehttp

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWrapRedactsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer s3cret" {
			t.Errorf("server saw Authorization %q, want the real token", got)
		}
		body, _ := io.ReadAll(r.Body)
		w.Write(append([]byte("echo:"), body...))
	}))
	defer srv.Close()

	var out bytes.Buffer
	client := &http.Client{Transport: Wrap(nil, &out)}
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/mail/monitor/", strings.NewReader(`{"action":"start"}`))
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `echo:{"action":"start"}` {
		t.Errorf("response body = %q; tracing must not consume bodies", body)
	}

	dump := out.String()
	if strings.Contains(dump, "s3cret") {
		t.Errorf("trace leaked the token:\n%s", dump)
	}
	if !strings.Contains(dump, "Authorization: Bearer <redacted>") {
		t.Errorf("trace missing redacted header:\n%s", dump)
	}
	if !strings.Contains(dump, "POST /mail/monitor/") {
		t.Errorf("trace missing request line:\n%s", dump)
	}
}

package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/platform-explorer/internal/errors"
)

func TestDoJSONRetriesServerError(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&count, 1)
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"x"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := New(2*time.Second, 1)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	var out map[string]any
	if _, err := client.DoJSON(context.Background(), req, &out); err != nil {
		t.Fatalf("DoJSON failed: %v", err)
	}
	if out["ok"] != true {
		t.Fatalf("unexpected response: %#v", out)
	}
}

func TestDoJSONClassifiesRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":4001,"message":"invalid document nonce"}`))
	}))
	defer srv.Close()

	_, err := DoBodyJSON(context.Background(), New(time.Second, 2), http.MethodPost, srv.URL, []byte(`{}`), nil, nil)
	cErr, ok := clierr.As(err)
	if !ok || cErr.Code != clierr.CodeRejected {
		t.Fatalf("expected rejected error, got %v", err)
	}
	if !strings.Contains(cErr.Message, "invalid document nonce") {
		t.Fatalf("expected platform message, got %q", cErr.Message)
	}
}

func TestDoJSONClientTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := DoBodyJSON(context.Background(), New(20*time.Millisecond, 0), http.MethodGet, srv.URL, nil, nil, &map[string]any{})
	if !clierr.HasCode(err, clierr.CodeTimeout) {
		t.Fatalf("expected timeout code, got %v", err)
	}
	if !clierr.Transient(err) {
		t.Fatal("timeouts must be transient")
	}
}

func TestDoFormJSONSendsEncodedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("unexpected content type %q", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		_, _ = w.Write([]byte(`{"addrs":"` + r.PostForm.Get("addrs") + `"}`))
	}))
	defer srv.Close()

	var out map[string]string
	if _, err := DoFormJSON(context.Background(), New(time.Second, 0), srv.URL, url.Values{"addrs": {"a,b"}}, &out); err != nil {
		t.Fatalf("DoFormJSON failed: %v", err)
	}
	if out["addrs"] != "a,b" {
		t.Fatalf("unexpected echo: %#v", out)
	}
}

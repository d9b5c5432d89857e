package insight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/platform-explorer/internal/errors"
	"github.com/ggonzalez94/platform-explorer/internal/httpx"
)

func TestUTXOsPostsAddressList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/insight-api/addrs/utxo" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("addrs"); got != "yA,yB" {
			t.Errorf("unexpected addrs %q", got)
		}
		_, _ = w.Write([]byte(`[
			{"txid":"aa","vout":0,"satoshis":150000000,"scriptPubKey":"76a9"},
			{"txid":"bb","vout":3,"satoshis":25000,"scriptPubKey":"76a9"}
		]`))
	}))
	defer srv.Close()

	client := New(httpx.New(time.Second, 0), srv.URL+"/insight-api/")
	utxos, err := client.UTXOs(context.Background(), []string{"yA", "yB"})
	if err != nil {
		t.Fatalf("UTXOs failed: %v", err)
	}
	if len(utxos) != 2 || utxos[1].Vout != 3 {
		t.Fatalf("unexpected utxos: %+v", utxos)
	}
	if Sum(utxos) != 150025000 {
		t.Fatalf("unexpected sum %d", Sum(utxos))
	}
}

func TestBalanceSurfacesNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(httpx.New(time.Second, 0), srv.URL).Balance(context.Background(), "yA")
	if !clierr.Transient(err) {
		t.Fatalf("expected transient network error, got %v", err)
	}
}

func TestUTXOsRequiresBaseURL(t *testing.T) {
	_, err := New(httpx.New(time.Second, 0), "").UTXOs(context.Background(), []string{"yA"})
	if cErr, ok := clierr.As(err); !ok || cErr.Code != clierr.CodeConfig {
		t.Fatalf("expected config error, got %v", err)
	}
}

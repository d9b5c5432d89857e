package app

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ggonzalez94/platform-explorer/internal/cache"
	"github.com/ggonzalez94/platform-explorer/internal/config"
	clierr "github.com/ggonzalez94/platform-explorer/internal/errors"
	"github.com/ggonzalez94/platform-explorer/internal/model"
)

const testScope = "identity:test"

type cachePolicyEnvelope struct {
	Success  bool           `json:"success"`
	Data     map[string]any `json:"data"`
	Warnings []string       `json:"warnings"`
	Meta     struct {
		Cache model.CacheStatus  `json:"cache"`
		Nodes []model.NodeStatus `json:"nodes"`
	} `json:"meta"`
}

func TestRunCachedCommandServesFreshHitWithoutFetch(t *testing.T) {
	state, stdout := newCachePolicyTestState(t, 5*time.Minute, false)
	key := "runner-cache-policy-fresh-hit"
	if err := state.cache.Set(testScope, key, []byte(`{"source":"cache"}`), time.Minute); err != nil {
		t.Fatalf("cache set failed: %v", err)
	}

	err := state.runCachedCommand("test command", testScope, key, time.Minute, func(ctx context.Context) (any, []model.NodeStatus, []string, bool, error) {
		t.Fatal("fetch must not run on a fresh hit")
		return nil, nil, nil, false, nil
	})
	if err != nil {
		t.Fatalf("runCachedCommand failed: %v", err)
	}
	env := decodeCachePolicyEnvelope(t, stdout)
	if env.Data["source"] != "cache" || env.Meta.Cache.Status != "hit" || env.Meta.Cache.Stale {
		t.Fatalf("expected fresh cache hit, got %+v", env)
	}
}

func TestRunCachedCommandFetchesAfterTTLExpiry(t *testing.T) {
	state, stdout := newCachePolicyTestState(t, 5*time.Minute, false)
	key := "runner-cache-policy-fetch-after-ttl"
	if err := state.cache.Set(testScope, key, []byte(`{"source":"cache"}`), 100*time.Millisecond); err != nil {
		t.Fatalf("cache set failed: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	fetchCalls := 0
	err := state.runCachedCommand("test command", testScope, key, time.Second, func(ctx context.Context) (any, []model.NodeStatus, []string, bool, error) {
		fetchCalls++
		return map[string]any{"source": "dapi"}, []model.NodeStatus{{Name: "dapi", Status: "ok", LatencyMS: 1}}, nil, false, nil
	})
	if err != nil {
		t.Fatalf("runCachedCommand failed: %v", err)
	}
	if fetchCalls != 1 {
		t.Fatalf("expected fetch after ttl expiry, got calls=%d", fetchCalls)
	}

	env := decodeCachePolicyEnvelope(t, stdout)
	if !env.Success {
		t.Fatalf("expected success envelope, got %#v", env)
	}
	if env.Data["source"] != "dapi" {
		t.Fatalf("expected fetched data after ttl expiry, got %#v", env.Data)
	}
	if env.Meta.Cache.Status != "write" || env.Meta.Cache.Stale {
		t.Fatalf("expected cache write metadata, got %+v", env.Meta.Cache)
	}
	if len(env.Meta.Nodes) != 1 || env.Meta.Nodes[0].Name != "dapi" {
		t.Fatalf("expected node metadata in response, got %+v", env.Meta.Nodes)
	}
}

func TestRunCachedCommandFallsBackToStaleOnNodeFailure(t *testing.T) {
	state, stdout := newCachePolicyTestState(t, 5*time.Second, false)
	key := "runner-cache-policy-fallback-stale"
	if err := state.cache.Set(testScope, key, []byte(`{"source":"cache"}`), 100*time.Millisecond); err != nil {
		t.Fatalf("cache set failed: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	fetchCalls := 0
	err := state.runCachedCommand("test command", testScope, key, 100*time.Millisecond, func(ctx context.Context) (any, []model.NodeStatus, []string, bool, error) {
		fetchCalls++
		return nil, []model.NodeStatus{{Name: "dapi", Status: "unavailable", LatencyMS: 1}}, nil, false, clierr.New(clierr.CodeUnavailable, "dapi unavailable")
	})
	if err != nil {
		t.Fatalf("expected stale fallback success, got error: %v", err)
	}
	if fetchCalls != 1 {
		t.Fatalf("expected exactly one fetch attempt, got %d", fetchCalls)
	}

	env := decodeCachePolicyEnvelope(t, stdout)
	if env.Data["source"] != "cache" {
		t.Fatalf("expected stale cache fallback data, got %#v", env.Data)
	}
	if env.Meta.Cache.Status != "hit" || !env.Meta.Cache.Stale {
		t.Fatalf("expected stale cache hit metadata, got %+v", env.Meta.Cache)
	}
	if len(env.Meta.Nodes) != 1 || env.Meta.Nodes[0].Status != "unavailable" {
		t.Fatalf("expected node failure metadata, got %+v", env.Meta.Nodes)
	}
	if !containsWarning(env.Warnings, "network fetch failed; serving stale data within max-stale budget") {
		t.Fatalf("expected stale fallback warning, got %+v", env.Warnings)
	}
}

func TestRunCachedCommandRejectsStaleWhenBeyondMaxStale(t *testing.T) {
	state, _ := newCachePolicyTestState(t, 10*time.Millisecond, false)
	key := "runner-cache-policy-too-stale"
	if err := state.cache.Set(testScope, key, []byte(`{"source":"cache"}`), 100*time.Millisecond); err != nil {
		t.Fatalf("cache set failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	fetchCalls := 0
	err := state.runCachedCommand("test command", testScope, key, 100*time.Millisecond, func(ctx context.Context) (any, []model.NodeStatus, []string, bool, error) {
		fetchCalls++
		time.Sleep(50 * time.Millisecond)
		return nil, []model.NodeStatus{{Name: "dapi", Status: "unavailable", LatencyMS: 50}}, nil, false, clierr.New(clierr.CodeUnavailable, "dapi unavailable")
	})
	if fetchCalls != 1 {
		t.Fatalf("expected fetch attempt before stale rejection, got %d", fetchCalls)
	}
	if err == nil {
		t.Fatal("expected stale rejection error, got nil")
	}
	if code := clierr.ExitCode(err); code != int(clierr.CodeStale) {
		t.Fatalf("expected stale exit code %d, got %d err=%v", int(clierr.CodeStale), code, err)
	}
	if !strings.Contains(err.Error(), "cached data exceeded stale budget") {
		t.Fatalf("expected stale budget message, got %v", err)
	}
}

func TestRunCachedCommandNoStaleRejectsFallback(t *testing.T) {
	state, _ := newCachePolicyTestState(t, 5*time.Second, true)
	key := "runner-cache-policy-no-stale"
	if err := state.cache.Set(testScope, key, []byte(`{"source":"cache"}`), 100*time.Millisecond); err != nil {
		t.Fatalf("cache set failed: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	err := state.runCachedCommand("test command", testScope, key, 100*time.Millisecond, func(ctx context.Context) (any, []model.NodeStatus, []string, bool, error) {
		return nil, nil, nil, false, clierr.New(clierr.CodeTimeout, "dapi timed out")
	})
	if code := clierr.ExitCode(err); code != int(clierr.CodeStale) {
		t.Fatalf("expected stale exit code with --no-stale, got %d err=%v", code, err)
	}
}

func TestRunCachedCommandDoesNotFallbackStaleOnRejection(t *testing.T) {
	state, _ := newCachePolicyTestState(t, 5*time.Second, false)
	key := "runner-cache-policy-no-fallback-rejected"
	if err := state.cache.Set(testScope, key, []byte(`{"source":"cache"}`), 100*time.Millisecond); err != nil {
		t.Fatalf("cache set failed: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	err := state.runCachedCommand("test command", testScope, key, 100*time.Millisecond, func(ctx context.Context) (any, []model.NodeStatus, []string, bool, error) {
		return nil, []model.NodeStatus{{Name: "dapi", Status: "error", LatencyMS: 1}}, nil, false, clierr.New(clierr.CodeKeyNotFound, "identity has no key 3")
	})
	if err == nil {
		t.Fatal("expected key error, got nil")
	}
	if code := clierr.ExitCode(err); code != int(clierr.CodeKeyNotFound) {
		t.Fatalf("expected key-not-found exit code %d, got %d err=%v", int(clierr.CodeKeyNotFound), code, err)
	}
}

func TestInvalidateDropsScopedEntries(t *testing.T) {
	state, _ := newCachePolicyTestState(t, 5*time.Second, false)
	if err := state.cache.Set(testScope, "a", []byte(`{}`), time.Minute); err != nil {
		t.Fatalf("cache set failed: %v", err)
	}
	state.invalidate(testScope)
	res, err := state.cache.Get("a", time.Minute)
	if err != nil {
		t.Fatalf("cache get failed: %v", err)
	}
	if res.Hit {
		t.Fatal("expected entry to be invalidated")
	}
}

func TestRunCachedCommandStrictPartialErrorPreservesDiagnostics(t *testing.T) {
	state, _ := newCachePolicyTestState(t, 5*time.Second, false)
	state.settings.Strict = true
	key := "runner-cache-policy-strict-partial"

	err := state.runCachedCommand("test command", testScope, key, time.Second, func(ctx context.Context) (any, []model.NodeStatus, []string, bool, error) {
		return map[string]any{"source": "dapi"},
			[]model.NodeStatus{
				{Name: "dapi-1", Status: "ok", LatencyMS: 12},
				{Name: "dapi-2", Status: "unavailable", LatencyMS: 34},
			},
			[]string{"identity 2 not loaded: timeout"},
			true,
			nil
	})
	if err == nil {
		t.Fatal("expected strict partial error, got nil")
	}
	if code := clierr.ExitCode(err); code != int(clierr.CodeUnavailable) {
		t.Fatalf("expected unavailable exit code %d, got %d err=%v", int(clierr.CodeUnavailable), code, err)
	}

	stderrBuf, ok := state.runner.stderr.(*bytes.Buffer)
	if !ok {
		t.Fatalf("expected stderr buffer, got %T", state.runner.stderr)
	}
	state.renderError("test command", err, state.lastWarnings, state.lastNodes, state.lastPartial)

	var env struct {
		Success  bool            `json:"success"`
		Warnings []string        `json:"warnings"`
		Error    model.ErrorBody `json:"error"`
		Meta     struct {
			Partial bool               `json:"partial"`
			Nodes   []model.NodeStatus `json:"nodes"`
		} `json:"meta"`
	}
	if decodeErr := json.Unmarshal(stderrBuf.Bytes(), &env); decodeErr != nil {
		t.Fatalf("decode error envelope failed: %v output=%s", decodeErr, stderrBuf.String())
	}
	if env.Success {
		t.Fatalf("expected success=false, got %+v", env)
	}
	if env.Error.Type != "network_error" {
		t.Fatalf("expected network_error type, got %+v", env.Error)
	}
	if !env.Meta.Partial {
		t.Fatalf("expected meta.partial=true, got %+v", env.Meta)
	}
	if len(env.Meta.Nodes) != 2 {
		t.Fatalf("expected node statuses in error meta, got %+v", env.Meta.Nodes)
	}
	if !containsWarning(env.Warnings, "identity 2 not loaded: timeout") {
		t.Fatalf("expected warning propagation, got %+v", env.Warnings)
	}
}

func newCachePolicyTestState(t *testing.T, maxStale time.Duration, noStale bool) (*runtimeState, *bytes.Buffer) {
	t.Helper()
	tmp := t.TempDir()
	store, err := cache.Open(filepath.Join(tmp, "cache.db"), filepath.Join(tmp, "cache.lock"))
	if err != nil {
		t.Fatalf("open cache failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	state := &runtimeState{
		runner: &Runner{
			stdout: stdout,
			stderr: stderr,
			now:    time.Now,
		},
		settings: config.Settings{
			OutputMode:   "json",
			Timeout:      2 * time.Second,
			CacheEnabled: true,
			MaxStale:     maxStale,
			NoStale:      noStale,
		},
		cache: store,
		log:   zap.NewNop(),
	}
	return state, stdout
}

func decodeCachePolicyEnvelope(t *testing.T, buf *bytes.Buffer) cachePolicyEnvelope {
	t.Helper()
	var env cachePolicyEnvelope
	if err := json.Unmarshal(buf.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope failed: %v output=%s", err, buf.String())
	}
	return env
}

func containsWarning(warnings []string, target string) bool {
	for _, warning := range warnings {
		if warning == target {
			return true
		}
	}
	return false
}

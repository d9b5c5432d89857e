package execution

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "runs.db"), filepath.Join(dir, "runs.lock"))
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreSaveGetList(t *testing.T) {
	store := openTestStore(t)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := Report{RunID: "run_a", Strategy: "smoke", State: RunStateCompleted, Planned: 3, Issued: 3, Succeeded: 3, StartedAt: start, EndedAt: start.Add(time.Second)}
	second := Report{
		RunID:     "run_b",
		Strategy:  "smoke",
		State:     RunStateCancelled,
		Planned:   10,
		Issued:    2,
		Succeeded: 2,
		Skipped:   8,
		StartedAt: start.Add(time.Minute),
		EndedAt:   start.Add(2 * time.Minute),
		Latency:   []KindLatency{{Kind: "document_create", Samples: 2, Succeeded: 2, P50MS: 20}},
	}
	for _, r := range []Report{first, second} {
		if err := store.Save(r); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	got, err := store.Get("run_b")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Skipped != 8 || got.State != RunStateCancelled {
		t.Fatalf("unexpected report: %+v", got)
	}
	if len(got.Latency) != 1 || got.Latency[0].P50MS != 20 {
		t.Fatalf("latency rows not round-tripped: %+v", got.Latency)
	}

	all, err := store.List("", 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 || all[0].RunID != "run_b" {
		t.Fatalf("expected newest run first, got %+v", all)
	}

	first.State = RunStateFailed
	first.Error = "signing material unavailable"
	if err := store.Save(first); err != nil {
		t.Fatalf("Save update failed: %v", err)
	}
	failed, err := store.List(string(RunStateFailed), 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(failed) != 1 || failed[0].Error == "" {
		t.Fatalf("expected one failed run, got %+v", failed)
	}
}

func TestStoreGetMissingRun(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.Get("run_missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if err := store.Save(Report{}); err == nil {
		t.Fatal("expected error for report without run id")
	}
}

package ratelimit

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestNewRejectsInvalidParameters(t *testing.T) {
	if _, err := New(0, 1, nil); err == nil {
		t.Fatal("expected error for zero rate")
	}
	if _, err := New(1, 0, nil); err == nil {
		t.Fatal("expected error for zero burst")
	}
}

func TestAllowAtRespectsTokenBucketBound(t *testing.T) {
	const (
		perSecond = 5.0
		burst     = 5
	)
	clock := NewManualClock(epoch)
	lim, err := New(perSecond, burst, clock)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	admitted := 0
	step := 7 * time.Millisecond
	for elapsed := time.Duration(0); elapsed <= 3*time.Second; elapsed += step {
		// Hammer the bucket several times per tick.
		for i := 0; i < 4; i++ {
			if lim.AllowAt(epoch.Add(elapsed)) {
				admitted++
			}
		}
		bound := burst + int(math.Ceil(elapsed.Seconds()*perSecond))
		if admitted > bound {
			t.Fatalf("admitted %d tokens after %s, bound is %d", admitted, elapsed, bound)
		}
	}
	if admitted < 15 {
		t.Fatalf("expected steady-state admissions, got %d", admitted)
	}
	if got := lim.Admitted(); got != int64(admitted) {
		t.Fatalf("expected admitted counter %d, got %d", admitted, got)
	}
}

func TestAcquireWaitsForRefillOnManualClock(t *testing.T) {
	clock := NewManualClock(epoch)
	lim, err := New(2, 1, clock)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := lim.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire should use the initial burst: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- lim.Acquire(context.Background()) }()
	waitForWaiters(t, clock, 1)

	select {
	case err := <-done:
		t.Fatalf("acquire returned before refill: %v", err)
	default:
	}
	clock.Advance(500 * time.Millisecond)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("acquire failed after refill: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not return after clock advanced")
	}
}

func TestAcquireReturnsCancelledAndReleasesReservation(t *testing.T) {
	clock := NewManualClock(epoch)
	lim, err := New(1, 1, clock)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := lim.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lim.Acquire(ctx) }()
	waitForWaiters(t, clock, 1)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("acquire ignored cancellation")
	}
	if got := lim.Admitted(); got != 1 {
		t.Fatalf("cancelled acquisition must not count as admitted, got %d", got)
	}

	// The cancelled reservation was returned, so a token is available one period later.
	if !lim.AllowAt(epoch.Add(time.Second)) {
		t.Fatal("expected token after one refill period")
	}
}

func TestAcquireOnCancelledContextNeverAdmits(t *testing.T) {
	lim, err := New(100, 10, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := lim.Acquire(ctx); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if lim.Admitted() != 0 {
		t.Fatal("expected no admissions")
	}
}

func waitForWaiters(t *testing.T, clock *ManualClock, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for clock.Waiters() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d clock waiters", n)
		}
		time.Sleep(time.Millisecond)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// fakeApplier implements LocationApplier for tests
type fakeApplier struct {
	fail  int // number of times to fail before succeeding
	err   error
	calls int
}

func (f *fakeApplier) UpdateDriverLocation(ctx context.Context, u models.LocationUpdate) error {
	f.calls++
	if f.calls <= f.fail {
		return f.err
	}
	return nil
}

var ping = models.LocationUpdate{DriverID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeApplier{fail: 2, err: errors.New("store timeout")}
	start := time.Now()
	if err := applyWithRetry(context.Background(), f, ping, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected doubling backoff")
	}
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeApplier{fail: 5, err: errors.New("store timeout")}
	if err := applyWithRetry(context.Background(), f, ping, 3, time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
}

func TestApplyWithRetry_PermanentErrorsStopEarly(t *testing.T) {
	f := &fakeApplier{fail: 5, err: fmt.Errorf("driver d1: %w", storage.ErrNotFound)}
	err := applyWithRetry(context.Background(), f, ping, 3, time.Millisecond)
	if !errors.Is(err, storage.ErrNotFound) || f.calls != 1 {
		t.Fatalf("expected one call and ErrNotFound, got %d %v", f.calls, err)
	}
}

func TestApplyWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &fakeApplier{fail: 5, err: errors.New("store timeout")}
	if err := applyWithRetry(ctx, f, ping, 3, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

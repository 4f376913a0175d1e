package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errCallFail = errors.New("call fail")

// TestExecutorDoReturnsResult verifies Do waits for the call and the error
// hook fires.
func TestExecutorDoReturnsResult(t *testing.T) {
	var errs atomic.Int64
	ex := NewExecutor(context.Background(), 4, Hooks{
		OnError: func(error) { errs.Add(1) },
	})
	defer ex.Close()
	ran := false
	if err := ex.Do(context.Background(), func() error { ran = true; return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatalf("call did not run before Do returned")
	}
	if err := ex.Do(context.Background(), func() error { return errCallFail }); !errors.Is(err, errCallFail) {
		t.Fatalf("expected call error, got %v", err)
	}
	if errs.Load() != 1 {
		t.Fatalf("error hook fired %d times", errs.Load())
	}
}

// TestExecutorSerializesCalls checks that no two calls overlap.
func TestExecutorSerializesCalls(t *testing.T) {
	ex := NewExecutor(context.Background(), 8, Hooks{})
	defer ex.Close()
	var inside, overlaps atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = ex.Do(context.Background(), func() error {
				if inside.Add(1) > 1 {
					overlaps.Add(1)
				}
				time.Sleep(100 * time.Microsecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	if overlaps.Load() != 0 {
		t.Fatalf("observed %d overlapping calls", overlaps.Load())
	}
}

// occupy blocks the worker until the returned channel is closed.
func occupy(t *testing.T, ex *Executor) chan struct{} {
	t.Helper()
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = ex.Do(context.Background(), func() error { close(started); <-release; return nil })
	}()
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("worker never started")
	}
	return release
}

func TestExecutorDoHonoursContext(t *testing.T) {
	ex := NewExecutor(context.Background(), 1, Hooks{})
	defer ex.Close()
	release := occupy(t, ex)
	defer close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := ex.Do(ctx, func() error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestExecutorAfterClose(t *testing.T) {
	ex := NewExecutor(context.Background(), 2, Hooks{})
	ex.Close()
	if err := ex.Do(context.Background(), func() error { return nil }); !errors.Is(err, ErrExecutorClosed) {
		t.Fatalf("expected ErrExecutorClosed, got %v", err)
	}
	ex.Close()
}

// TestExecutorCloseReleasesBlockedDo closes while Do waits on a busy worker.
func TestExecutorCloseReleasesBlockedDo(t *testing.T) {
	for i := 0; i < 50; i++ {
		ex := NewExecutor(context.Background(), 1, Hooks{})
		release := occupy(t, ex)
		done := make(chan error, 1)
		go func() { done <- ex.Do(context.Background(), func() error { return nil }) }()
		time.Sleep(time.Millisecond)
		go func() { time.Sleep(time.Millisecond); close(release) }()
		ex.Close()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, ErrExecutorClosed) {
				t.Fatalf("iteration %d: unexpected error %v", i, err)
			}
		case <-time.After(time.Second):
			t.Fatalf("iteration %d: Do hung after Close", i)
		}
	}
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kstaniek/go-j1939-bus/internal/bus"
	"github.com/kstaniek/go-j1939-bus/internal/capture"
)

const captureIdle = time.Second

// startCapture records b into path until ctx ends or the bus closes.
func startCapture(ctx context.Context, b bus.Bus, path string, l *slog.Logger, wg *sync.WaitGroup) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	w, err := capture.NewWriter(f, b.Address())
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("capture: %w", err)
	}
	l.Info("capture_start", "file", path)
	wg.Add(1)
	go func() {
		defer wg.Done()
		n, err := capture.Run(ctx, b, w, captureIdle)
		if err != nil {
			l.Error("capture_error", "error", err)
		}
		if err := w.Close(); err != nil {
			l.Error("capture_close_error", "error", err)
		}
		_ = f.Close()
		l.Info("capture_stop", "file", path, "records", n)
	}()
	return nil
}

// replayInto feeds a capture file into an echo bus at the captured pace.
func replayInto(ctx context.Context, dst capture.Injector, path string, l *slog.Logger) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("replay: %w", err)
	}
	defer f.Close()
	r, err := capture.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("replay %s: %w", path, err)
	}
	n, err := capture.Replay(ctx, r, dst, capture.Realtime(), capture.Restamp(time.Now))
	l.Info("replay_end", "file", path, "records", n)
	return n, err
}

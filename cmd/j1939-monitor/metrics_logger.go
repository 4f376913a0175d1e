package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-j1939-bus/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"tx", snap.Tx,
					"rx", snap.Rx,
					"echo_timeouts", snap.EchoTimeouts,
					"imposter", snap.Imposter,
					"rx_queue_full", snap.RxQueueFull,
					"port_rx", snap.PortRx,
					"port_tx", snap.PortTx,
					"mirror_clients", snap.MirrorClients,
					"mirror_rx", snap.MirrorRx,
					"mirror_tx", snap.MirrorTx,
					"captured", snap.Captured,
					"cursor_leaks", snap.CursorLeaks,
					"backlog_max", snap.BacklogMax,
					"malformed", snap.Malformed,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}

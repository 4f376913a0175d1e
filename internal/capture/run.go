package capture

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kstaniek/go-j1939-bus/internal/bus"
	"github.com/kstaniek/go-j1939-bus/internal/logging"
	"github.com/kstaniek/go-j1939-bus/internal/metrics"
	"github.com/kstaniek/go-j1939-bus/internal/packet"
)

// sleepFn paces realtime replay; tests replace it.
var sleepFn = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run records b's traffic into w until ctx ends or the bus closes. The
// stream is renewed while packets keep arriving and reopened after idle
// periods. It returns the number of packets written.
func Run(ctx context.Context, b bus.Bus, w *Writer, idle time.Duration) (int, error) {
	logger := logging.Component("capture")
	stream := b.Read(idle)
	defer func() { stream.Close() }()
	n := 0
	for {
		p, ok := stream.NextContext(ctx)
		if !ok {
			if ctx.Err() != nil {
				return n, w.Flush()
			}
			// Idle expiry or bus closed.
			if err := w.Flush(); err != nil {
				metrics.IncError(metrics.ErrCapture)
				return n, err
			}
			stream = b.Read(idle)
			if stream.Exhausted() {
				logger.Info("capture_end", "records", n)
				return n, nil
			}
			continue
		}
		b.ResetTimeout(stream, idle)
		if err := w.Write(p); err != nil {
			metrics.IncError(metrics.ErrCapture)
			logger.Warn("capture_write_error", "packet", p.String(), "error", err)
			// Packets that failed to assemble are skipped; output errors end
			// the capture.
			if !errors.Is(err, packet.ErrFailed) {
				return n, err
			}
			continue
		}
		metrics.IncCaptured()
		n++
	}
}

// Injector accepts replayed packets; *bus.Echo implements it.
type Injector interface {
	Inject(p *packet.Packet) error
}

// ReplayOption configures Replay.
type ReplayOption func(*replayConfig)

type replayConfig struct {
	realtime bool
	now      func() time.Time
	logger   *slog.Logger
}

// Realtime paces replay by the gaps between captured timestamps.
func Realtime() ReplayOption { return func(c *replayConfig) { c.realtime = true } }

// Restamp gives replayed packets the current time instead of the captured one.
func Restamp(now func() time.Time) ReplayOption { return func(c *replayConfig) { c.now = now } }

// Replay feeds every record of r into dst and returns the count.
func Replay(ctx context.Context, r *Reader, dst Injector, opts ...ReplayOption) (int, error) {
	cfg := replayConfig{logger: logging.Component("capture")}
	for _, o := range opts {
		o(&cfg)
	}
	n := 0
	var last time.Time
	for rec, err := range r.All() {
		if err != nil {
			return n, err
		}
		if cfg.realtime && !last.IsZero() {
			if gap := rec.Time.Sub(last); gap > 0 {
				if err := sleepFn(ctx, gap); err != nil {
					return n, err
				}
			}
		}
		last = rec.Time
		if cfg.now != nil {
			rec.Time = cfg.now()
		}
		p, err := rec.Packet()
		if err != nil {
			cfg.logger.Warn("replay_skip", "id", rec.ID, "error", err)
			continue
		}
		if err := dst.Inject(p); err != nil {
			return n, err
		}
		n++
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
	}
	cfg.logger.Info("replay_done", "records", n)
	return n, nil
}

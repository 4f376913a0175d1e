package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstaniek/go-j1939-bus/internal/packet"
)

// LogOption selects which operations a logged bus records.
type LogOption uint8

const (
	LogNone LogOption = 0
	LogRead LogOption = 1 << iota
	LogWrite
	LogAll = LogRead | LogWrite
)

// NewLogged wraps inner and logs the selected operations at level. Errors are
// always logged at error level.
func NewLogged(inner Bus, logger *slog.Logger, level slog.Level, opts LogOption) Bus {
	return &logged{inner: inner, logger: logger, level: level, opts: opts}
}

type logged struct {
	inner  Bus
	logger *slog.Logger
	level  slog.Level
	opts   LogOption
}

func (l *logged) Send(p *packet.Packet) (*packet.Packet, error) {
	if l.opts&LogWrite != 0 {
		l.logger.Log(context.Background(), l.level, "bus_send", "packet", p.String())
	}
	sent, err := l.inner.Send(p)
	if err != nil {
		l.logger.Error("bus_send_error", "packet", p.String(), "error", err)
		return nil, err
	}
	if l.opts&LogWrite != 0 {
		l.logger.Log(context.Background(), l.level, "bus_sent", "packet", sent.String(), "at", sent.Timestamp())
	}
	return sent, nil
}

func (l *logged) Read(timeout time.Duration) *Stream {
	if l.opts&LogRead != 0 {
		l.logger.Log(context.Background(), l.level, "bus_read", "timeout", timeout)
	}
	return l.inner.Read(timeout)
}

func (l *logged) ResetTimeout(s *Stream, timeout time.Duration) {
	if l.opts&LogRead != 0 {
		l.logger.Log(context.Background(), l.level, "bus_reset_timeout", "timeout", timeout, "pending", s.Pending())
	}
	l.inner.ResetTimeout(s, timeout)
}

func (l *logged) Duplicate(s *Stream, timeout time.Duration) *Stream {
	if l.opts&LogRead != 0 {
		l.logger.Log(context.Background(), l.level, "bus_duplicate", "timeout", timeout, "pending", s.Pending())
	}
	return l.inner.Duplicate(s, timeout)
}

func (l *logged) ConnectionSpeed() (int, error) {
	n, err := l.inner.ConnectionSpeed()
	if err != nil {
		l.logger.Error("bus_connection_speed_error", "error", err)
	}
	return n, err
}

func (l *logged) ImposterDetected() bool {
	v := l.inner.ImposterDetected()
	if v {
		l.logger.Warn("bus_imposter_detected", "address", l.inner.Address())
	}
	return v
}

func (l *logged) Address() uint8 { return l.inner.Address() }

// Close forwards to the inner bus without logging.
func (l *logged) Close() error { return l.inner.Close() }

// Unwrap returns the decorated bus.
func (l *logged) Unwrap() Bus { return l.inner }

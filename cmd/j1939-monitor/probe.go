package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kstaniek/go-j1939-bus/internal/bus"
	"github.com/kstaniek/go-j1939-bus/internal/j1939"
)

// probe reports the bus speed and the address claims seen within window.
func probe(ctx context.Context, b bus.Bus, window time.Duration, l *slog.Logger) ([]j1939.Claim, error) {
	if bps, err := b.ConnectionSpeed(); err == nil {
		l.Info("bus_speed", "bps", bps)
	} else if !errors.Is(err, bus.ErrSpeedUnknown) {
		l.Warn("bus_speed_error", "error", err)
	}
	r := j1939.NewRequester(b,
		j1939.WithLogger(l.With("component", "probe")),
		j1939.WithTee(l.Enabled(ctx, slog.LevelDebug)),
	)
	claims, err := r.AddressClaims(ctx, window)
	if err != nil {
		return claims, err
	}
	for _, c := range claims {
		l.Info("address_claim", "address", c.Address, "name", c.String())
	}
	if b.ImposterDetected() {
		l.Warn("address_in_use", "address", b.Address())
	}
	l.Info("probe_done", "claims", len(claims))
	return claims, nil
}

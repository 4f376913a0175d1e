package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-j1939-bus/internal/bus"
	"github.com/kstaniek/go-j1939-bus/internal/capture"
	"github.com/kstaniek/go-j1939-bus/internal/metrics"
	"github.com/kstaniek/go-j1939-bus/internal/mirror"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("j1939-monitor %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	if err := run(cfg, l); err != nil {
		l.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *appConfig, l *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetrics, l, &wg)

	b, err := openBackend(cfg, l)
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	l.Info("bus_open", "backend", cfg.backend, "address", b.Address())

	if cfg.captureFile != "" {
		if err := startCapture(ctx, b, cfg.captureFile, l, &wg); err != nil {
			_ = b.Close()
			return err
		}
	}
	if cfg.replayFile != "" {
		inj, ok := injectorOf(b)
		if !ok {
			_ = b.Close()
			return errors.New("replay: backend does not accept injected traffic")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := replayInto(ctx, inj, cfg.replayFile, l); err != nil && ctx.Err() == nil {
				l.Error("replay_error", "error", err)
			}
		}()
	}

	var srv *mirror.Server
	if cfg.mirrorListen != "" {
		srv = mirror.New(b,
			mirror.WithListenAddr(cfg.mirrorListen),
			mirror.WithMaxClients(cfg.maxClients),
			mirror.WithHandshakeTimeout(cfg.handshakeTO),
			mirror.WithReadDeadline(cfg.clientReadTO),
			mirror.WithLogger(l.With("component", "mirror")),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ctx); err != nil {
				l.Error("mirror_server_error", "error", err)
				cancel()
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			advertise(ctx, cfg, srv, l)
		}()
	}

	if cfg.probe {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := probe(ctx, b, cfg.probeWindow, l); err != nil && ctx.Err() == nil {
				l.Warn("probe_error", "error", err)
			}
		}()
	}

	metrics.SetReadinessFunc(func() bool {
		if srv != nil {
			select {
			case <-srv.Ready():
			default:
				return false
			}
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-ctx.Done():
	}
	cancel()
	if srv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.Shutdown(sctx); err != nil {
			l.Warn("mirror_shutdown_error", "error", err)
		}
		scancel()
	}
	err = b.Close()
	wg.Wait()
	return err
}

// advertise registers the mirror via mDNS once its listener is bound.
func advertise(ctx context.Context, cfg *appConfig, srv *mirror.Server, l *slog.Logger) {
	if !cfg.mdnsEnable {
		return
	}
	select {
	case <-srv.Ready():
	case <-ctx.Done():
		return
	}
	port, err := listenPort(srv.Addr())
	if err != nil {
		l.Warn("mdns_port_unknown", "addr", srv.Addr(), "error", err)
		return
	}
	cleanup, err := startMDNS(ctx, cfg, port)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return
	}
	l.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstance(cfg), "port", port)
	<-ctx.Done()
	cleanup()
}

// injectorOf finds a bus in the decorator chain that accepts injected
// packets.
func injectorOf(b bus.Bus) (capture.Injector, bool) {
	for b != nil {
		if inj, ok := b.(capture.Injector); ok {
			return inj, true
		}
		u, ok := b.(interface{ Unwrap() bus.Bus })
		if !ok {
			return nil, false
		}
		b = u.Unwrap()
	}
	return nil, false
}

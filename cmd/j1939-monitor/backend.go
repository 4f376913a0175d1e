package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/kstaniek/go-j1939-bus/internal/bus"
	"github.com/kstaniek/go-j1939-bus/internal/metrics"
	"github.com/kstaniek/go-j1939-bus/internal/multiqueue"
	"github.com/kstaniek/go-j1939-bus/internal/rp1210"
	"github.com/kstaniek/go-j1939-bus/internal/serial"
	"github.com/kstaniek/go-j1939-bus/internal/socketcan"
	"github.com/kstaniek/go-j1939-bus/internal/transport"
)

// Hooks for tests.
var (
	openBackend   = openBus
	openSocketCAN = func(iface string) (transport.FramePort, error) {
		d, err := socketcan.Open(iface)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	openSerial = func(c *appConfig) (transport.FramePort, error) {
		l, err := serial.Open(c.serialDev, c.baud, c.serialReadTO)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
	loadDLL = func(name string) (rp1210.Driver, error) {
		d, err := rp1210.LoadDLL(name)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
)

func queueOptions(c *appConfig) []multiqueue.Option {
	opts := []multiqueue.Option{multiqueue.WithObserver(metrics.QueueObserver{})}
	if c.leakInterval > 0 {
		opts = append(opts, multiqueue.WithLeakPolicy(multiqueue.LeakPolicy{Interval: c.leakInterval, Threshold: c.leakThreshold}))
	}
	return opts
}

// openBus opens the configured backend. The traffic log decorator is
// applied on top when enabled.
func openBus(c *appConfig, l *slog.Logger) (bus.Bus, error) {
	b, err := openRaw(c, l)
	if err != nil {
		return nil, err
	}
	if c.trafficLog {
		b = bus.NewLogged(b, l.With("component", "traffic"), slog.LevelDebug, bus.LogAll)
	}
	return b, nil
}

func openRaw(c *appConfig, l *slog.Logger) (bus.Bus, error) {
	switch c.backend {
	case "echo":
		l.Info("echo_open", "address", c.address)
		return bus.NewEcho(c.sourceAddress(), append(queueOptions(c), multiqueue.WithName("echo"))...), nil
	case "socketcan":
		port, err := openSocketCAN(c.canIf)
		if err != nil {
			return nil, fmt.Errorf("socketcan open %s: %w", c.canIf, err)
		}
		l.Info("socketcan_open", "if", c.canIf)
		return openFrameBus(c, l, port, "socketcan")
	case "serial":
		port, err := openSerial(c)
		if err != nil {
			return nil, fmt.Errorf("open serial: %w", err)
		}
		l.Info("serial_open", "device", c.serialDev, "baud", c.baud)
		return openFrameBus(c, l, port, "serial")
	case "rp1210":
		drv, err := loadDLL(c.dll)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", c.dll, err)
		}
		reg := rp1210.NewRegistry(rp1210.Adapter{
			Name:              c.dll,
			DriverID:          c.dll,
			DeviceID:          int16(c.device),
			TimestampWeight:   c.weight,
			ConnectionStrings: []string{c.connection},
		})
		return openAdapter(c, l, drv, reg, c.dll)
	default:
		return nil, fmt.Errorf("unknown backend %q (use echo|socketcan|serial|rp1210)", c.backend)
	}
}

// openFrameBus runs the RP1210 emulation over a raw CAN port.
func openFrameBus(c *appConfig, l *slog.Logger, port transport.FramePort, driverID string) (bus.Bus, error) {
	drv := rp1210.NewFrameDriver(port,
		rp1210.WithBitrate(c.bitrate),
		rp1210.WithPortLabel(driverID),
		rp1210.WithFrameLogger(l.With("component", driverID)),
	)
	return openAdapter(c, l, drv, rp1210.NewRegistry(rp1210.Builtin()...), driverID)
}

// openAdapter connects drv as the registered adapter driverID. drv is closed
// when the connection fails.
func openAdapter(c *appConfig, l *slog.Logger, drv rp1210.Driver, reg *rp1210.Registry, driverID string) (b bus.Bus, err error) {
	defer func() {
		if err == nil {
			return
		}
		if cl, ok := drv.(io.Closer); ok {
			_ = cl.Close()
		}
	}()
	device := int16(c.device)
	if c.backend != "rp1210" {
		device = 1
	}
	adapter, err := reg.Lookup(driverID, device)
	if err != nil {
		return nil, err
	}
	rb, err := rp1210.Open(drv, adapter, c.sourceAddress(),
		rp1210.WithLogger(l.With("component", "rp1210")),
		rp1210.WithConnection(c.connection),
		rp1210.WithSendTimeout(c.sendTimeout),
		rp1210.WithPollInterval(c.pollInterval),
		rp1210.WithName(c.name),
		rp1210.WithQueueOptions(queueOptions(c)...),
	)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", adapter, err)
	}
	return rb, nil
}

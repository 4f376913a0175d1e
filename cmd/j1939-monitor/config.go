package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kstaniek/go-j1939-bus/internal/rp1210"
)

const envPrefix = "J1939_"

type appConfig struct {
	backend       string
	canIf         string
	serialDev     string
	baud          int
	serialReadTO  time.Duration
	bitrate       int
	dll           string
	device        int
	connection    string
	weight        int
	address       int
	name          uint64
	sendTimeout   time.Duration
	pollInterval  time.Duration
	logFormat     string
	logLevel      string
	metricsAddr   string
	logMetrics    time.Duration
	leakInterval  time.Duration
	leakThreshold uint64
	trafficLog    bool
	captureFile   string
	replayFile    string
	mirrorListen  string
	maxClients    int
	handshakeTO   time.Duration
	clientReadTO  time.Duration
	mdnsEnable    bool
	mdnsName      string
	probe         bool
	probeWindow   time.Duration
}

func defineFlags(fs *flag.FlagSet, c *appConfig) {
	fs.StringVar(&c.backend, "backend", "socketcan", "Bus backend: echo|socketcan|serial|rp1210")
	fs.StringVar(&c.canIf, "can-if", "can0", "SocketCAN interface (backend socketcan)")
	fs.StringVar(&c.serialDev, "serial", "/dev/ttyUSB0", "Serial device path (backend serial)")
	fs.IntVar(&c.baud, "baud", 115200, "Serial baud rate")
	fs.DurationVar(&c.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	fs.IntVar(&c.bitrate, "bitrate", 250000, "CAN bit rate reported for raw ports when the connection says Baud=Auto")
	fs.StringVar(&c.dll, "rp1210-dll", "", "Vendor RP1210 library (backend rp1210)")
	fs.IntVar(&c.device, "rp1210-device", 1, "RP1210 device id")
	fs.StringVar(&c.connection, "connection", rp1210.DefaultConnection, "RP1210 connection string")
	fs.IntVar(&c.weight, "rp1210-weight", 1000, "Adapter timestamp weight in microseconds per tick (backend rp1210)")
	fs.IntVar(&c.address, "address", 0xF9, "Tool source address")
	fs.Uint64Var(&c.name, "name", 0, "64-bit J1939 NAME announced when protecting the address")
	fs.DurationVar(&c.sendTimeout, "send-timeout", rp1210.DefaultSendTimeout, "Time to wait for the adapter echo of a sent packet")
	fs.DurationVar(&c.pollInterval, "poll-interval", rp1210.DefaultPollInterval, "Pause after the adapter read queue is found empty")
	fs.StringVar(&c.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&c.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&c.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&c.logMetrics, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.DurationVar(&c.leakInterval, "leak-interval", 0, "If >0, scan the traffic queue for lagging readers at this interval")
	fs.Uint64Var(&c.leakThreshold, "leak-threshold", 100000, "Pending packets after which a reader is reported as leaking")
	fs.BoolVar(&c.trafficLog, "traffic-log", false, "Log every bus operation at debug level")
	fs.StringVar(&c.captureFile, "capture", "", "Record bus traffic to this file")
	fs.StringVar(&c.replayFile, "replay", "", "Replay a capture into the bus (backend echo)")
	fs.StringVar(&c.mirrorListen, "mirror-listen", ":20000", "Cannelloni mirror listen address; empty disables")
	fs.IntVar(&c.maxClients, "max-clients", 0, "Maximum simultaneous mirror clients (0 = unlimited)")
	fs.DurationVar(&c.handshakeTO, "handshake-timeout", 3*time.Second, "Mirror client handshake timeout")
	fs.DurationVar(&c.clientReadTO, "client-read-timeout", 60*time.Second, "Per-connection read deadline")
	fs.BoolVar(&c.mdnsEnable, "mdns-enable", false, "Advertise the mirror via mDNS")
	fs.StringVar(&c.mdnsName, "mdns-name", "", "mDNS instance name (default j1939-monitor-<hostname>)")
	fs.BoolVar(&c.probe, "probe", false, "Collect address claims after start")
	fs.DurationVar(&c.probeWindow, "probe-window", time.Second, "Address claim collection window")
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	defineFlags(flag.CommandLine, cfg)
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Explicit flags take precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	if err := applyEnvOverrides(flag.CommandLine, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// envName maps a flag name to its environment variable, e.g. can-if to
// J1939_CAN_IF.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides sets every flag of fs that was not given on the command
// line from its J1939_* variable. Empty values are ignored. The first parse
// error is returned after all variables have been tried.
func applyEnvOverrides(fs *flag.FlagSet, set map[string]struct{}) error {
	var firstErr error
	fs.VisitAll(func(f *flag.Flag) {
		if _, ok := set[f.Name]; ok || f.Name == "version" {
			return
		}
		v, ok := os.LookupEnv(envName(f.Name))
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			return
		}
		if isBoolFlag(f) {
			v = normalizeBool(v)
		}
		if err := f.Value.Set(v); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", envName(f.Name), err)
		}
	})
	return firstErr
}

func isBoolFlag(f *flag.Flag) bool {
	b, ok := f.Value.(interface{ IsBoolFlag() bool })
	return ok && b.IsBoolFlag()
}

func normalizeBool(v string) string {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return "true"
	case "0", "false", "no", "off":
		return "false"
	}
	return v
}

// validate checks values and ranges only; it does not open devices or
// listeners.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "echo", "socketcan", "serial":
	case "rp1210":
		if c.dll == "" {
			return errors.New("rp1210-dll is required for backend rp1210")
		}
		if c.weight <= 0 {
			return fmt.Errorf("rp1210-weight must be > 0 (got %d)", c.weight)
		}
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if c.replayFile != "" && c.backend != "echo" {
		return errors.New("replay requires backend echo")
	}
	if c.address < 0 || c.address > 0xFD {
		return fmt.Errorf("address must be 0..253 (got %d)", c.address)
	}
	if c.device < 0 || c.device > 0x7FFF {
		return fmt.Errorf("rp1210-device out of range: %d", c.device)
	}
	if !strings.HasPrefix(c.connection, "J1939") {
		return fmt.Errorf("connection must use the J1939 protocol: %q", c.connection)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.bitrate < 0 {
		return fmt.Errorf("bitrate must be >= 0 (got %d)", c.bitrate)
	}
	if c.serialReadTO <= 0 {
		return errors.New("serial-read-timeout must be > 0")
	}
	if c.sendTimeout <= 0 {
		return errors.New("send-timeout must be > 0")
	}
	if c.pollInterval <= 0 {
		return errors.New("poll-interval must be > 0")
	}
	if c.handshakeTO <= 0 {
		return errors.New("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return errors.New("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return errors.New("max-clients must be >= 0")
	}
	if c.logMetrics < 0 || c.leakInterval < 0 {
		return errors.New("intervals must be >= 0")
	}
	if c.leakInterval > 0 && c.leakThreshold == 0 {
		return errors.New("leak-threshold must be > 0 when leak-interval is set")
	}
	if c.probe && c.probeWindow <= 0 {
		return errors.New("probe-window must be > 0")
	}
	if c.mdnsEnable && c.mirrorListen == "" {
		return errors.New("mdns-enable requires mirror-listen")
	}
	return nil
}

// sourceAddress returns the validated tool address.
func (c *appConfig) sourceAddress() uint8 { return uint8(c.address) }

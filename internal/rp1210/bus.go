package rp1210

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-j1939-bus/internal/bus"
	"github.com/kstaniek/go-j1939-bus/internal/logging"
	"github.com/kstaniek/go-j1939-bus/internal/metrics"
	"github.com/kstaniek/go-j1939-bus/internal/multiqueue"
	"github.com/kstaniek/go-j1939-bus/internal/packet"
	"github.com/kstaniek/go-j1939-bus/internal/transport"
)

const (
	DefaultSendTimeout  = 50 * time.Millisecond
	DefaultPollInterval = time.Millisecond

	readBufferSize = 1796 // largest J1939 message plus receive header
	maxReadBatch   = 64
	execQueue      = 16
)

var (
	// ErrConnection is returned when the requested connection string is not
	// listed by the adapter.
	ErrConnection = errors.New("rp1210: connection not supported by adapter")
)

// sleepFn waits d or until ctx ends; it reports false when ctx ended.
var sleepFn = func(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Bus is a J1939 bus behind an RP1210 adapter.
//
// All driver calls are made from a single executor goroutine. A poll
// goroutine drains the adapter receive queue through the executor and
// appends decoded packets to the traffic queue.
type Bus struct {
	drv     Driver
	adapter Adapter
	address uint8
	client  int16

	exec   *transport.Executor
	q      *multiqueue.Queue[*packet.Packet]
	clock  *adapterClock
	logger *slog.Logger

	sendTimeout  time.Duration
	pollInterval time.Duration
	name         uint64
	connection   string
	queueOpts    []multiqueue.Option
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	imposter  atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	errMu     sync.RWMutex
	pollErr   error
}

var _ bus.Bus = (*Bus)(nil)

// Option configures a Bus.
type Option func(*Bus)

func WithLogger(l *slog.Logger) Option { return func(b *Bus) { b.logger = l } }

// WithSendTimeout bounds how long Send waits for the adapter echo.
func WithSendTimeout(d time.Duration) Option { return func(b *Bus) { b.sendTimeout = d } }

// WithPollInterval sets the pause after a read finds the adapter queue empty.
func WithPollInterval(d time.Duration) Option { return func(b *Bus) { b.pollInterval = d } }

// WithName sets the 64-bit J1939 NAME used to protect the tool address.
func WithName(name uint64) Option { return func(b *Bus) { b.name = name } }

// WithConnection overrides the adapter's default connection string.
func WithConnection(conn string) Option { return func(b *Bus) { b.connection = conn } }

// WithQueueOptions passes options to the traffic queue.
func WithQueueOptions(opts ...multiqueue.Option) Option {
	return func(b *Bus) { b.queueOpts = append(b.queueOpts, opts...) }
}

// WithClock replaces the host clock used to anchor adapter timestamps.
func WithClock(now func() time.Time) Option { return func(b *Bus) { b.now = now } }

// Open connects to the adapter, enables echo and pass-all filters, protects
// address and starts polling.
func Open(drv Driver, adapter Adapter, address uint8, opts ...Option) (*Bus, error) {
	b := &Bus{
		drv:          drv,
		adapter:      adapter.clone(),
		address:      address,
		sendTimeout:  DefaultSendTimeout,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	if b.logger == nil {
		b.logger = logging.Component("rp1210")
	}
	conn := b.connection
	if conn == "" {
		conn = adapter.Connection()
	}
	if !adapter.Supports(conn) {
		return nil, fmt.Errorf("%w: %q on %s", ErrConnection, conn, adapter)
	}
	b.connection = conn
	b.clock = newAdapterClock(adapter.TimestampWeight, b.now)
	b.q = multiqueue.New[*packet.Packet](append([]multiqueue.Option{multiqueue.WithName("rp1210")}, b.queueOpts...)...)
	b.exec = transport.NewExecutor(context.Background(), execQueue, transport.Hooks{
		OnError: func(err error) { metrics.IncError(mapErrToMetric(err)) },
	})
	if err := b.exec.Do(context.Background(), b.connect); err != nil {
		b.exec.Close()
		b.q.Close()
		return nil, err
	}
	b.logger.Info("rp1210_connect", "adapter", adapter.String(), "client", b.client, "connection", conn, "address", address)
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.wg.Add(1)
	go b.poll()
	return b, nil
}

// connect runs on the executor.
func (b *Bus) connect() error {
	rc := b.drv.ClientConnect(b.adapter.DeviceID, b.connection)
	if rc < 0 || rc > 127 {
		return b.translate("connect", rc)
	}
	b.client = rc
	claim := make([]byte, 10)
	claim[0] = b.address
	binary.LittleEndian.PutUint64(claim[1:9], b.name)
	claim[9] = BlockUntilDone
	steps := []struct {
		op  string
		cmd Command
		buf []byte
	}{
		{"echo on", CmdEchoTransmittedMessages, []byte{EchoOn}},
		{"set filters", CmdSetAllFiltersStatesToPass, nil},
		{"protect address", CmdProtectJ1939Address, claim},
	}
	for _, s := range steps {
		if rc := b.drv.SendCommand(b.client, s.cmd, s.buf); rc != 0 {
			err := b.translate(s.op, rc)
			b.drv.ClientDisconnect(b.client)
			return err
		}
	}
	return nil
}

// translate turns a driver return code into a *bus.Error. It calls the
// driver, so it must run on the executor.
func (b *Bus) translate(op string, rc int16) error {
	code := rc
	if code < 0 {
		code = -code
	}
	msg, ok := b.drv.GetErrorMsg(code)
	if !ok {
		if msg, ok = ErrorText(code); !ok {
			msg = "unknown error"
		}
	}
	return bus.NewError(op, &NativeError{Code: code, Message: msg})
}

func mapErrToMetric(err error) string {
	var be *bus.Error
	if errors.As(err, &be) {
		switch be.Op {
		case "send":
			return metrics.ErrNativeSend
		case "read":
			return metrics.ErrNativeRead
		}
	}
	return metrics.ErrNativeCommand
}

func (b *Bus) poll() {
	defer b.wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		var (
			batch [][]byte
			rc    int16
			fatal error
		)
		err := b.exec.Do(b.ctx, func() error {
			for len(batch) < maxReadBatch {
				rc = b.drv.ReadMessage(b.client, buf, false)
				if rc <= 0 {
					break
				}
				batch = append(batch, append([]byte(nil), buf[:rc]...))
			}
			if rc < 0 && -rc != ErrRxQueueFull {
				fatal = b.translate("read", rc)
				return fatal
			}
			return nil
		})
		if b.ctx.Err() != nil || errors.Is(err, transport.ErrExecutorClosed) {
			return
		}
		for _, m := range batch {
			b.dispatch(m)
		}
		switch {
		case fatal != nil:
			b.errMu.Lock()
			b.pollErr = fatal
			b.errMu.Unlock()
			b.logger.Error("poll_fatal", "error", fatal)
			metrics.IncError(metrics.ErrPollFatal)
			return
		case rc < 0:
			b.logger.Warn("poll_rx_queue_full")
			metrics.IncRxQueueFull()
		case rc == 0 && len(batch) == 0:
			if !sleepFn(b.ctx, b.pollInterval) {
				return
			}
		}
	}
}

// dispatch decodes one received message and appends it to the traffic.
func (b *Bus) dispatch(msg []byte) {
	f, err := decodeRx(msg)
	if err != nil {
		metrics.IncMalformed()
		b.logger.Debug("rp1210_malformed", "error", err, "len", len(msg))
		return
	}
	at := b.clock.wall(f.timestamp)
	p, err := packet.Create(f.id, f.source, f.echo, f.data, packet.WithPriority(f.priority), packet.At(at))
	if err != nil {
		metrics.IncMalformed()
		b.logger.Debug("rp1210_malformed", "error", err, "len", len(msg))
		return
	}
	if !f.echo {
		metrics.IncRx()
		if f.source == b.address {
			metrics.IncImposter()
			if !b.imposter.Swap(true) {
				b.logger.Warn("imposter_detected", "address", b.address, "packet", p.String())
			}
		}
	}
	_ = b.q.Append(p)
}

// Send transmits p and returns the adapter's echo of it.
func (b *Bus) Send(p *packet.Packet) (*packet.Packet, error) {
	if b.closed.Load() {
		return nil, bus.NewError("send", bus.ErrClosed)
	}
	if err := b.Err(); err != nil {
		return nil, err
	}
	payload, err := p.Payload()
	if err != nil {
		return nil, bus.NewError("send", err)
	}
	msg := encodeTx(p, payload)

	// Open before transmitting so the echo cannot be missed.
	s := b.q.Open(b.sendTimeout)
	defer s.Close()
	err = b.exec.Do(context.Background(), func() error {
		if rc := b.drv.SendMessage(b.client, msg, true); rc != 0 {
			return b.translate("send", rc)
		}
		return nil
	})
	if errors.Is(err, transport.ErrExecutorClosed) {
		return nil, bus.NewError("send", bus.ErrClosed)
	}
	if err != nil {
		return nil, err
	}
	s.ResetTimeout(b.sendTimeout)
	for e := range s.All() {
		if e.Transmitted() && e.ID() == p.ID() && e.Source() == p.Source() {
			metrics.IncTx()
			return e, nil
		}
	}
	metrics.IncEchoTimeout()
	b.logger.Warn("echo_timeout", "packet", p.String(), "timeout", b.sendTimeout)
	return nil, bus.NewError("send", fmt.Errorf("%w: %s", bus.ErrEchoTimeout, p))
}

func (b *Bus) Read(timeout time.Duration) *bus.Stream { return b.q.Open(timeout) }

func (b *Bus) ResetTimeout(s *bus.Stream, timeout time.Duration) { s.ResetTimeout(timeout) }

func (b *Bus) Duplicate(s *bus.Stream, timeout time.Duration) *bus.Stream {
	return s.Duplicate(timeout)
}

// ConnectionSpeed asks the adapter for the bus bit rate.
func (b *Bus) ConnectionSpeed() (int, error) {
	if b.closed.Load() {
		return 0, bus.NewError("connection speed", bus.ErrClosed)
	}
	buf := make([]byte, 17)
	err := b.exec.Do(context.Background(), func() error {
		if rc := b.drv.SendCommand(b.client, CmdGetProtocolConnectionSpeed, buf); rc != 0 {
			return b.translate("connection speed", rc)
		}
		return nil
	})
	if errors.Is(err, transport.ErrExecutorClosed) {
		return 0, bus.NewError("connection speed", bus.ErrClosed)
	}
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(strings.TrimRight(string(buf), "\x00"))
	n, perr := strconv.Atoi(text)
	if perr != nil || n <= 0 {
		return 0, bus.NewError("connection speed", fmt.Errorf("%w: adapter reported %q", bus.ErrSpeedUnknown, text))
	}
	return n, nil
}

// ImposterDetected reports whether another device has transmitted with our
// address since Open. The flag is never cleared.
func (b *Bus) ImposterDetected() bool { return b.imposter.Load() }

func (b *Bus) Address() uint8 { return b.address }

// Adapter returns the descriptor the bus was opened with.
func (b *Bus) Adapter() Adapter { return b.adapter.clone() }

// Err returns the error that stopped the poll loop, if any.
func (b *Bus) Err() error {
	b.errMu.RLock()
	defer b.errMu.RUnlock()
	return b.pollErr
}

// Recalibrations counts adapter clock offset resets after the first sample.
// It is only meaningful once polling has stopped.
func (b *Bus) Recalibrations() int { return b.clock.recalibrations }

func (b *Bus) Stats() multiqueue.Stats { return b.q.Stats() }

// Close stops polling, disconnects the client and exhausts every stream.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.cancel()
		b.wg.Wait()
		err = b.exec.Do(context.Background(), func() error {
			if rc := b.drv.ClientDisconnect(b.client); rc != 0 {
				return b.translate("disconnect", rc)
			}
			return nil
		})
		b.exec.Close()
		b.q.Close()
		if c, ok := b.drv.(io.Closer); ok {
			if cerr := c.Close(); err == nil {
				err = cerr
			}
		}
		b.logger.Info("rp1210_disconnect", "adapter", b.adapter.String())
	})
	return err
}

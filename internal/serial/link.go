package serial

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kstaniek/go-j1939-bus/internal/can"
	"github.com/kstaniek/go-j1939-bus/internal/logging"
	"github.com/kstaniek/go-j1939-bus/internal/metrics"
	"github.com/kstaniek/go-j1939-bus/internal/transport"
)

const (
	readBufSize = 4096
	// reclaimAt is the accumulator capacity above which it is reallocated
	// once drained.
	reclaimAt   = 16 * 1024
	rxQueueSize = 1024

	backoffMin = 20 * time.Millisecond
	backoffMax = 500 * time.Millisecond
)

var (
	ErrClosed     = errors.New("serial: link closed")
	ErrRxOverflow = errors.New("serial: receive queue overflow")
)

// sleepFn allows tests to intercept read error backoff.
var sleepFn = time.Sleep

// openPort is a hook for tests.
var openPort = OpenPort

// Link is a raw CAN port over an Ampio UART gateway. A reader goroutine
// decodes the byte stream into a bounded frame queue; ReadFrame drains it
// without blocking.
type Link struct {
	port   Port
	codec  Codec
	logger *slog.Logger

	frames chan can.Frame
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	readErr error
	closed  bool
}

var _ transport.FramePort = (*Link)(nil)

// Open opens the serial device and starts reading.
func Open(name string, baud int, readTimeout time.Duration) (*Link, error) {
	p, err := openPort(name, baud, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", name, err)
	}
	l := NewLink(p)
	l.logger.Info("serial_open", "device", name, "baud", baud)
	return l, nil
}

// NewLink starts reading from an already open port.
func NewLink(p Port) *Link {
	l := &Link{
		port:   p,
		logger: logging.Component("serial"),
		frames: make(chan can.Frame, rxQueueSize),
		done:   make(chan struct{}),
	}
	l.wg.Add(1)
	go l.readLoop()
	return l
}

func (l *Link) readLoop() {
	defer l.wg.Done()
	defer l.logger.Info("serial_rx_end")
	buf := make([]byte, readBufSize)
	acc := bytes.NewBuffer(nil)
	backoff := backoffMin
	for {
		select {
		case <-l.done:
			return
		default:
		}
		n, err := l.port.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			_ = l.codec.DecodeStream(acc, l.enqueue)
			if acc.Len() == 0 && acc.Cap() > reclaimAt {
				acc = bytes.NewBuffer(nil)
			}
			backoff = backoffMin
		}
		if err == nil {
			continue
		}
		if l.isClosed() {
			return
		}
		var perr *os.PathError
		if errors.As(err, &perr) {
			l.fail(err)
			return
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			continue
		}
		metrics.IncError(metrics.ErrSerialRead)
		l.logger.Warn("serial_read_error", "error", err, "backoff", backoff)
		sleepFn(backoff)
		backoff = min(backoff*2, backoffMax)
	}
}

func (l *Link) enqueue(f can.Frame) {
	select {
	case l.frames <- f:
	default:
		metrics.IncError(metrics.ErrSerialRead)
		l.logger.Warn("serial_rx_overflow", "frame", f.String())
	}
}

func (l *Link) fail(err error) {
	l.mu.Lock()
	l.readErr = err
	l.mu.Unlock()
	metrics.IncError(metrics.ErrSerialRead)
	l.logger.Error("serial_read_fatal", "error", err)
}

func (l *Link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// ReadFrame returns the next decoded frame, or false when none is queued.
// A fatal read error is reported once the queue is drained.
func (l *Link) ReadFrame(f *can.Frame) (bool, error) {
	select {
	case *f = <-l.frames:
		return true, nil
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false, ErrClosed
	}
	return false, l.readErr
}

// WriteFrame encodes and writes f synchronously.
func (l *Link) WriteFrame(f can.Frame) error {
	if l.isClosed() {
		return ErrClosed
	}
	if _, err := l.port.Write(l.codec.Encode(f)); err != nil {
		metrics.IncError(metrics.ErrSerialWrite)
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

// Close closes the port and waits for the reader to exit.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	close(l.done)
	err := l.port.Close()
	l.wg.Wait()
	return err
}

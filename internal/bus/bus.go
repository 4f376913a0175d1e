// Package bus defines the J1939 bus capability shared by the loopback test
// double and the hardware adapters, and the errors they report.
package bus

import (
	"errors"
	"time"

	"github.com/kstaniek/go-j1939-bus/internal/multiqueue"
	"github.com/kstaniek/go-j1939-bus/internal/packet"
)

// Stream is a timeout-bounded view of the bus traffic opened by Read.
type Stream = multiqueue.Cursor[*packet.Packet]

// Bus sends packets and lets any number of readers observe the traffic.
type Bus interface {
	// Send transmits p and returns the packet as observed on the bus.
	Send(p *packet.Packet) (*packet.Packet, error)
	// Read opens a stream of everything sent or received from now on. The
	// stream is exhausted when nothing arrives within timeout.
	Read(timeout time.Duration) *Stream
	ResetTimeout(s *Stream, timeout time.Duration)
	Duplicate(s *Stream, timeout time.Duration) *Stream
	// ConnectionSpeed returns the bit rate in bit/s.
	ConnectionSpeed() (int, error)
	// ImposterDetected reports whether another device has used our address.
	ImposterDetected() bool
	// Address is the source address of the tool on this bus.
	Address() uint8
	Close() error
}

var (
	ErrClosed       = errors.New("bus closed")
	ErrSpeedUnknown = errors.New("connection speed unknown")
	ErrEchoTimeout  = errors.New("transmitted packet not echoed")
	ErrNative       = errors.New("adapter error")
)

// Error is a communication failure on a bus operation.
type Error struct {
	Op  string
	Err error
}

// NewError wraps err as a failure of op.
func NewError(op string, err error) *Error { return &Error{Op: op, Err: err} }

func (e *Error) Error() string {
	if e.Err == nil {
		return "bus " + e.Op + ": unknown error"
	}
	return "bus " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

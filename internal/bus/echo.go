package bus

import (
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-j1939-bus/internal/multiqueue"
	"github.com/kstaniek/go-j1939-bus/internal/packet"
)

// Echo is an in-memory bus. Sent packets are looped straight back to every
// reader, so protocol code can be exercised without hardware.
type Echo struct {
	address uint8
	q       *multiqueue.Queue[*packet.Packet]
	closed  atomic.Bool
}

var _ Bus = (*Echo)(nil)

// NewEcho returns a loopback bus for the tool at address.
func NewEcho(address uint8, opts ...multiqueue.Option) *Echo {
	return &Echo{address: address, q: multiqueue.New[*packet.Packet](opts...)}
}

// Send appends p to the traffic, marked as transmitted, and returns it.
func (e *Echo) Send(p *packet.Packet) (*packet.Packet, error) {
	if e.closed.Load() {
		return nil, NewError("send", ErrClosed)
	}
	if !p.Transmitted() {
		tx, err := p.Copy(packet.AsTransmitted(true))
		if err != nil {
			return nil, NewError("send", err)
		}
		p = tx
	}
	if err := e.q.Append(p); err != nil {
		return nil, NewError("send", ErrClosed)
	}
	return p, nil
}

// Inject appends p as if it had been received from another device.
func (e *Echo) Inject(p *packet.Packet) error {
	if err := e.q.Append(p); err != nil {
		return NewError("inject", ErrClosed)
	}
	return nil
}

func (e *Echo) Read(timeout time.Duration) *Stream { return e.q.Open(timeout) }

func (e *Echo) ResetTimeout(s *Stream, timeout time.Duration) { s.ResetTimeout(timeout) }

func (e *Echo) Duplicate(s *Stream, timeout time.Duration) *Stream { return s.Duplicate(timeout) }

// ConnectionSpeed always fails: a loopback has no bit rate.
func (e *Echo) ConnectionSpeed() (int, error) {
	return 0, NewError("connection speed", ErrSpeedUnknown)
}

func (e *Echo) ImposterDetected() bool { return false }
func (e *Echo) Address() uint8         { return e.address }

// Stats exposes the underlying queue diagnostics.
func (e *Echo) Stats() multiqueue.Stats { return e.q.Stats() }

func (e *Echo) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.q.Close()
	return nil
}

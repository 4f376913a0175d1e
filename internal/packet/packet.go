// Package packet models J1939 frames as seen by the diagnostic tool: a
// 29-bit identifier split into priority, PGN field and source address, plus a
// payload that may still be in flight when the packet is created (multi-frame
// transport sessions are announced before their data has arrived).
package packet

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	// DefaultPriority is the J1939 priority used when none is given.
	DefaultPriority = 6
	// GlobalAddress is the broadcast destination address.
	GlobalAddress = 0xFF
	// MinPayload is the smallest payload accepted for a valid packet.
	MinPayload = 3

	idMask = 0x3FFFF // 18-bit PGN field (EDP, DP, PF, PS)
)

var (
	// ErrShortPayload is returned when a payload has fewer than MinPayload bytes.
	ErrShortPayload = errors.New("packet: payload shorter than 3 bytes")
	// ErrMalformed is returned by Parse for text that is not a packet.
	ErrMalformed = errors.New("packet: malformed wire text")
	// ErrFailed matches any *AssemblyError via errors.Is.
	ErrFailed = errors.New("packet: assembly failed")
)

// Packet is one physical or logical J1939 message.
//
// A Packet is either complete at construction (Create) or pending
// (NewPending) until Complete or Fail is called. Resolved packets are
// immutable and safe for concurrent use.
type Packet struct {
	priority    uint8
	id          uint32
	source      uint8
	transmitted bool
	timestamp   time.Time

	resolved atomic.Bool
	done     chan struct{}
	payload  []byte
	err      error

	fragMu    sync.RWMutex
	fragments []*Packet
}

// Option customizes packet construction.
type Option func(*Packet)

// WithPriority sets the 3-bit priority (higher bits are discarded).
func WithPriority(p uint8) Option { return func(pk *Packet) { pk.priority = p & 0x7 } }

// At sets the capture timestamp (defaults to time.Now()).
func At(t time.Time) Option { return func(pk *Packet) { pk.timestamp = t } }

// AsTransmitted overrides the transmitted flag; used with Copy.
func AsTransmitted(tx bool) Option { return func(pk *Packet) { pk.transmitted = tx } }

func newHeader(id uint32, source uint8, transmitted bool, opts []Option) *Packet {
	p := &Packet{
		priority:    DefaultPriority,
		id:          id & idMask,
		source:      source,
		transmitted: transmitted,
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.timestamp.IsZero() {
		p.timestamp = time.Now()
	}
	return p
}

// Create returns a complete packet. The payload is copied.
func Create(id uint32, source uint8, transmitted bool, payload []byte, opts ...Option) (*Packet, error) {
	if len(payload) < MinPayload {
		return nil, ErrShortPayload
	}
	p := newHeader(id, source, transmitted, opts)
	p.resolve(slices.Clone(payload), nil)
	return p, nil
}

// NewPending returns a packet whose payload is supplied later via Complete or
// Fail. Readers of Payload block until then.
func NewPending(id uint32, source uint8, transmitted bool, opts ...Option) *Packet {
	return newHeader(id, source, transmitted, opts)
}

func (p *Packet) resolve(payload []byte, err error) {
	if !p.resolved.CompareAndSwap(false, true) {
		panic("packet: " + p.header() + " already resolved")
	}
	p.payload = payload
	p.err = err
	close(p.done)
}

// Complete supplies the payload of a pending packet. A payload shorter than
// MinPayload resolves the packet as failed. Calling Complete or Fail on an
// already resolved packet panics.
func (p *Packet) Complete(payload []byte) {
	if len(payload) < MinPayload {
		p.Fail(ErrShortPayload)
		return
	}
	p.resolve(slices.Clone(payload), nil)
}

// Fail marks a pending packet as failed. The fragment trace collected so far
// is captured into the error returned by Payload.
func (p *Packet) Fail(cause error) {
	err := &AssemblyError{Header: p.header(), Fragments: p.explicitFragments(), Cause: cause}
	p.resolve(nil, err)
}

// Resolved reports whether the packet is complete or failed.
func (p *Packet) Resolved() bool { return isClosed(p.done) }

// Payload blocks until the packet is resolved and returns a copy of its
// payload, or the *AssemblyError of a failed packet.
func (p *Packet) Payload() ([]byte, error) {
	<-p.done
	if p.err != nil {
		return nil, p.err
	}
	return slices.Clone(p.payload), nil
}

// PayloadContext is Payload bounded by ctx.
func (p *Packet) PayloadContext(ctx context.Context) ([]byte, error) {
	select {
	case <-p.done:
		return p.Payload()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Copy waits for the payload and returns a new complete packet with the same
// header, timestamp and fragments, with opts applied on top.
func (p *Packet) Copy(opts ...Option) (*Packet, error) {
	payload, err := p.Payload()
	if err != nil {
		return nil, err
	}
	base := []Option{WithPriority(p.priority), At(p.timestamp)}
	c, err := Create(p.id, p.source, p.transmitted, payload, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	if frags := p.explicitFragments(); len(frags) > 0 {
		c.WithFragments(frags)
	}
	return c, nil
}

func (p *Packet) Priority() uint8      { return p.priority }
func (p *Packet) ID() uint32           { return p.id }
func (p *Packet) Source() uint8        { return p.source }
func (p *Packet) Transmitted() bool    { return p.transmitted }
func (p *Packet) Timestamp() time.Time { return p.timestamp }

// IsPDU1 reports destination-specific addressing (PDU format below 0xF0).
func (p *Packet) IsPDU1() bool { return (p.id>>8)&0xFF < 0xF0 }

// PGN returns the parameter group number, with the destination byte cleared
// for PDU1 packets.
func (p *Packet) PGN() uint32 {
	if p.IsPDU1() {
		return p.id &^ 0xFF
	}
	return p.id
}

// Destination returns the destination address, GlobalAddress for PDU2.
func (p *Packet) Destination() uint8 {
	if p.IsPDU1() {
		return uint8(p.id)
	}
	return GlobalAddress
}

// WithFragments attaches the ordered constituent frames of a reassembled
// message. It returns p for chaining. Fragments do not affect equality.
func (p *Packet) WithFragments(frags []*Packet) *Packet {
	p.fragMu.Lock()
	p.fragments = slices.Clone(frags)
	p.fragMu.Unlock()
	return p
}

// Fragments returns the constituent frames; a single-frame packet returns
// itself.
func (p *Packet) Fragments() []*Packet {
	if f := p.explicitFragments(); len(f) > 0 {
		return f
	}
	return []*Packet{p}
}

func (p *Packet) explicitFragments() []*Packet {
	p.fragMu.RLock()
	defer p.fragMu.RUnlock()
	return slices.Clone(p.fragments)
}

// Equal compares identifier, priority, source, transmitted flag and payload.
// Unresolved packets are only equal to themselves.
func (p *Packet) Equal(o *Packet) bool {
	if p == o {
		return true
	}
	if p == nil || o == nil {
		return false
	}
	if p.id != o.id || p.priority != o.priority || p.source != o.source || p.transmitted != o.transmitted {
		return false
	}
	if !p.Resolved() || !o.Resolved() {
		return false
	}
	if (p.err == nil) != (o.err == nil) {
		return false
	}
	return bytes.Equal(p.payload, o.payload)
}

// Hash is consistent with Equal for resolved packets.
func (p *Packet) Hash() uint64 {
	d := xxhash.New()
	tx := byte(0)
	if p.transmitted {
		tx = 1
	}
	_, _ = d.Write([]byte{p.priority, byte(p.id >> 16), byte(p.id >> 8), byte(p.id), p.source, tx})
	if p.Resolved() && p.err == nil {
		_, _ = d.Write(p.payload)
	}
	return d.Sum64()
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

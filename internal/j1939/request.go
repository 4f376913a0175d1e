// Package j1939 implements the request side of J1939-21: requesting a
// parameter group from one ECU or from everyone, and collecting address
// claims.
package j1939

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/kstaniek/go-j1939-bus/internal/bus"
	"github.com/kstaniek/go-j1939-bus/internal/logging"
	"github.com/kstaniek/go-j1939-bus/internal/packet"
	"github.com/kstaniek/go-j1939-bus/internal/result"
)

const (
	PGNRequest        = 0xEA00
	PGNAddressClaimed = 0xEE00

	// DefaultTimeout is the J1939-21 response time T_r plus margin.
	DefaultTimeout = 1250 * time.Millisecond
)

// NewRequest builds a request for pgn from source to dest.
func NewRequest(pgn uint32, source, dest uint8) (*packet.Packet, error) {
	data := []byte{byte(pgn), byte(pgn >> 8), byte(pgn >> 16)}
	return packet.Create(PGNRequest|uint32(dest), source, false, data)
}

// Requester sends requests on a bus and waits for the answers.
type Requester struct {
	bus     bus.Bus
	timeout time.Duration
	logger  *slog.Logger
	tee     bool
}

type Option func(*Requester)

// WithTimeout sets how long to wait for responses after each request.
func WithTimeout(d time.Duration) Option { return func(r *Requester) { r.timeout = d } }

func WithLogger(l *slog.Logger) Option { return func(r *Requester) { r.logger = l } }

// WithTee logs every packet seen while a request is outstanding.
func WithTee(on bool) Option { return func(r *Requester) { r.tee = on } }

func NewRequester(b bus.Bus, opts ...Option) *Requester {
	r := &Requester{bus: b, timeout: DefaultTimeout}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = logging.Component("j1939")
	}
	return r
}

// send opens a stream, transmits req and returns the stream positioned just
// before the request.
func (r *Requester) send(req *packet.Packet) (*bus.Stream, error) {
	s := r.bus.Read(r.timeout)
	var tee *bus.Stream
	if r.tee {
		tee = r.bus.Duplicate(s, r.timeout)
		go r.logTee(tee)
	}
	if _, err := r.bus.Send(req); err != nil {
		s.Close()
		if tee != nil {
			tee.Close()
		}
		return nil, err
	}
	// The window starts once the request is on the bus.
	r.bus.ResetTimeout(s, r.timeout)
	if tee != nil {
		r.bus.ResetTimeout(tee, r.timeout)
	}
	return s, nil
}

func (r *Requester) logTee(s *bus.Stream) {
	defer s.Close()
	for p := range s.All() {
		r.logger.Debug("request_tee", "packet", p.String())
	}
}

// answers reports whether p is a data response to pgn from src for us.
func (r *Requester) answers(p *packet.Packet, pgn uint32, src uint8) bool {
	if p.Transmitted() || p.PGN() != pgn || (src != packet.GlobalAddress && p.Source() != src) {
		return false
	}
	d := p.Destination()
	return d == packet.GlobalAddress || d == r.bus.Address()
}

// acknowledges returns p as an acknowledgment of pgn from src, if it is one.
func (r *Requester) acknowledges(p *packet.Packet, pgn uint32, src uint8) (*packet.Acknowledgment, bool) {
	if p.Transmitted() || p.PGN() != packet.PGNAcknowledgment || (src != packet.GlobalAddress && p.Source() != src) {
		return nil, false
	}
	a, err := packet.ParseAcknowledgment(p)
	if err != nil || a.AcknowledgedPGN != pgn {
		return nil, false
	}
	if a.Address != packet.GlobalAddress && a.Address != r.bus.Address() {
		return nil, false
	}
	return a, true
}

// Request asks dest for pgn, retrying once when nothing answers. Bus errors
// are returned as-is; a silent ECU is an empty result with RetryUsed set.
func (r *Requester) Request(ctx context.Context, pgn uint32, dest uint8) (result.BusResult[*packet.Packet], error) {
	if dest == packet.GlobalAddress {
		return result.EmptyBus[*packet.Packet](false), fmt.Errorf("j1939: use RequestGlobal for the global address")
	}
	req, err := NewRequest(pgn, r.bus.Address(), dest)
	if err != nil {
		return result.EmptyBus[*packet.Packet](false), err
	}
	for attempt := range 2 {
		retry := attempt > 0
		s, err := r.send(req)
		if err != nil {
			return result.EmptyBus[*packet.Packet](retry), err
		}
		res, found := r.first(ctx, s, pgn, dest)
		s.Close()
		if found {
			return res.WithRetryUsed(retry), nil
		}
		if ctx.Err() != nil {
			return result.EmptyBus[*packet.Packet](retry), ctx.Err()
		}
		r.logger.Debug("request_no_response", "pgn", pgn, "dest", dest, "attempt", attempt+1)
	}
	return result.EmptyBus[*packet.Packet](true), nil
}

func (r *Requester) first(ctx context.Context, s *bus.Stream, pgn uint32, dest uint8) (result.BusResult[*packet.Packet], bool) {
	for {
		p, ok := s.NextContext(ctx)
		if !ok {
			return result.BusResult[*packet.Packet]{}, false
		}
		if r.answers(p, pgn, dest) {
			return result.DataResult(p), true
		}
		if a, ok := r.acknowledges(p, pgn, dest); ok {
			return result.AckResult[*packet.Packet](a), true
		}
	}
}

// RequestGlobal asks every ECU for pgn and collects data responses and
// acknowledgments until the timeout passes.
func (r *Requester) RequestGlobal(ctx context.Context, pgn uint32) (result.RequestResult[*packet.Packet], error) {
	req, err := NewRequest(pgn, r.bus.Address(), packet.GlobalAddress)
	if err != nil {
		return result.EmptyRequest[*packet.Packet](false), err
	}
	s, err := r.send(req)
	if err != nil {
		return result.EmptyRequest[*packet.Packet](false), err
	}
	defer s.Close()
	var (
		data []*packet.Packet
		acks []*packet.Acknowledgment
	)
	for {
		p, ok := s.NextContext(ctx)
		if !ok {
			break
		}
		if r.answers(p, pgn, packet.GlobalAddress) {
			data = append(data, p)
		} else if a, ok := r.acknowledges(p, pgn, packet.GlobalAddress); ok {
			acks = append(acks, a)
		}
	}
	return result.NewRequestResult(false, data, acks), ctx.Err()
}

// Claim is one address claimed on the bus.
type Claim struct {
	Address uint8
	Name    uint64
}

func (c Claim) String() string { return fmt.Sprintf("0x%02X NAME %016X", c.Address, c.Name) }

// AddressClaims requests address claims from every ECU. Collection ends when
// no new claimant has answered within window. Claims are ordered by address.
func (r *Requester) AddressClaims(ctx context.Context, window time.Duration) ([]Claim, error) {
	req, err := NewRequest(PGNAddressClaimed, r.bus.Address(), packet.GlobalAddress)
	if err != nil {
		return nil, err
	}
	s := r.bus.Read(window)
	defer s.Close()
	if _, err := r.bus.Send(req); err != nil {
		return nil, err
	}
	r.bus.ResetTimeout(s, window)
	seen := map[uint8]Claim{}
	for {
		p, ok := s.NextContext(ctx)
		if !ok {
			break
		}
		if p.Transmitted() || p.PGN() != PGNAddressClaimed {
			continue
		}
		data, err := p.Payload()
		if err != nil || len(data) < 8 {
			continue
		}
		if _, dup := seen[p.Source()]; !dup {
			r.bus.ResetTimeout(s, window)
		}
		seen[p.Source()] = Claim{Address: p.Source(), Name: binary.LittleEndian.Uint64(data)}
	}
	claims := make([]Claim, 0, len(seen))
	for _, c := range seen {
		claims = append(claims, c)
	}
	slices.SortFunc(claims, func(a, b Claim) int { return int(a.Address) - int(b.Address) })
	return claims, ctx.Err()
}

// Decode converts a raw result into a typed one. Acknowledgments pass
// through unchanged.
func Decode[T any](res result.BusResult[*packet.Packet], decode func(*packet.Packet) (T, error)) (result.BusResult[T], error) {
	if a, ok := res.Ack(); ok {
		return result.AckResult[T](a).WithRetryUsed(res.RetryUsed()), nil
	}
	p, ok := res.Data()
	if !ok {
		return result.EmptyBus[T](res.RetryUsed()), nil
	}
	v, err := decode(p)
	if err != nil {
		return result.EmptyBus[T](res.RetryUsed()), err
	}
	return result.DataResult(v).WithRetryUsed(res.RetryUsed()), nil
}

package packet

import (
	"fmt"
	"strconv"
	"strings"
)

const txMarker = "(TX)"

// header renders PPIIIISS: (priority<<18 | id) in six hex digits and the
// source address in two.
func (p *Packet) header() string {
	return fmt.Sprintf("%06X%02X", uint32(p.priority)<<18|p.id, p.source)
}

// String returns the canonical wire text "PPIIIISS [N] B1 ... Bn", suffixed
// with " (TX)" for transmitted packets. It never blocks: unresolved and
// failed packets render a marker instead of the payload.
func (p *Packet) String() string {
	var b strings.Builder
	b.WriteString(p.header())
	switch {
	case !p.Resolved():
		b.WriteString(" [?] (pending)")
	case p.err != nil:
		b.WriteString(" [?] (failed)")
	default:
		fmt.Fprintf(&b, " [%d]", len(p.payload))
		for _, x := range p.payload {
			fmt.Fprintf(&b, " %02X", x)
		}
	}
	if p.transmitted {
		b.WriteString(" " + txMarker)
	}
	return b.String()
}

// Parse reads the text produced by String for a complete packet.
func Parse(s string) (*Packet, error) {
	s = strings.TrimSpace(s)
	tx := false
	if rest, ok := strings.CutSuffix(s, " "+txMarker); ok {
		tx = true
		s = strings.TrimSpace(rest)
	}
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	if len(fields[0]) != 8 {
		return nil, fmt.Errorf("%w: header %q", ErrMalformed, fields[0])
	}
	h, err := strconv.ParseUint(fields[0], 16, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: header %q", ErrMalformed, fields[0])
	}
	prio := h >> 26
	if prio > 7 {
		return nil, fmt.Errorf("%w: priority %d", ErrMalformed, prio)
	}
	count := fields[1]
	if len(count) < 3 || count[0] != '[' || count[len(count)-1] != ']' {
		return nil, fmt.Errorf("%w: length %q", ErrMalformed, count)
	}
	n, err := strconv.Atoi(count[1 : len(count)-1])
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: length %q", ErrMalformed, count)
	}
	data := fields[2:]
	if len(data) != n {
		return nil, fmt.Errorf("%w: length %d but %d bytes", ErrMalformed, n, len(data))
	}
	payload := make([]byte, n)
	for i, f := range data {
		if len(f) != 2 {
			return nil, fmt.Errorf("%w: byte %q", ErrMalformed, f)
		}
		v, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: byte %q", ErrMalformed, f)
		}
		payload[i] = byte(v)
	}
	return Create(uint32(h>>8), uint8(h), tx, payload, WithPriority(uint8(prio)))
}

// AssemblyError is the error of a failed packet. It carries the fragments
// received before the failure so the root cause can be shown.
type AssemblyError struct {
	Header    string
	Fragments []*Packet
	Cause     error
}

func (e *AssemblyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "packet %s failed", e.Header)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	if len(e.Fragments) == 0 {
		b.WriteString(" (no fragments received)")
		return b.String()
	}
	fmt.Fprintf(&b, " after %d fragments:", len(e.Fragments))
	prev := e.Fragments[0].Timestamp()
	for _, f := range e.Fragments {
		fmt.Fprintf(&b, "\n  %+8.3fms %s", float64(f.Timestamp().Sub(prev).Microseconds())/1000, f)
		prev = f.Timestamp()
	}
	return b.String()
}

func (e *AssemblyError) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, ErrFailed) true for every assembly failure.
func (e *AssemblyError) Is(target error) bool { return target == ErrFailed }

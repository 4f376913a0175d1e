// Package capture records bus traffic to a CBOR stream and replays it.
//
// A capture is a CBOR sequence: one Header followed by one Record per packet.
package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/kstaniek/go-j1939-bus/internal/packet"
)

const (
	Format  = "j1939-capture"
	Version = 1
)

var (
	ErrBadHeader = errors.New("capture: not a j1939 capture")
	ErrClosed    = errors.New("capture: writer closed")
)

type Header struct {
	Format  string    `cbor:"1,keyasint"`
	Version int       `cbor:"2,keyasint"`
	Created time.Time `cbor:"3,keyasint"`
	Address uint8     `cbor:"4,keyasint"`
}

// Record is one captured packet.
type Record struct {
	Time        time.Time `cbor:"1,keyasint"`
	Priority    uint8     `cbor:"2,keyasint"`
	ID          uint32    `cbor:"3,keyasint"`
	Source      uint8     `cbor:"4,keyasint"`
	Transmitted bool      `cbor:"5,keyasint,omitempty"`
	Data        []byte    `cbor:"6,keyasint"`
}

// FromPacket waits for p to resolve and returns its record. Failed packets
// are not recordable.
func FromPacket(p *packet.Packet) (Record, error) {
	data, err := p.Payload()
	if err != nil {
		return Record{}, err
	}
	return Record{
		Time:        p.Timestamp(),
		Priority:    p.Priority(),
		ID:          p.ID(),
		Source:      p.Source(),
		Transmitted: p.Transmitted(),
		Data:        data,
	}, nil
}

// Packet rebuilds the captured packet.
func (r Record) Packet() (*packet.Packet, error) {
	return packet.Create(r.ID, r.Source, r.Transmitted, r.Data, packet.WithPriority(r.Priority), packet.At(r.Time))
}

var (
	encOnce sync.Once
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func modes() (cbor.EncMode, cbor.DecMode) {
	encOnce.Do(func() {
		var err error
		if encMode, err = (cbor.EncOptions{Time: cbor.TimeRFC3339Nano}).EncMode(); err != nil {
			panic(err)
		}
		if decMode, err = (cbor.DecOptions{MaxArrayElements: 1 << 16}).DecMode(); err != nil {
			panic(err)
		}
	})
	return encMode, decMode
}

// Writer appends records to a capture. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	bw     *bufio.Writer
	enc    *cbor.Encoder
	closed bool
	count  int
}

// NewWriter writes the capture header to w.
func NewWriter(w io.Writer, address uint8) (*Writer, error) {
	em, _ := modes()
	bw := bufio.NewWriter(w)
	cw := &Writer{bw: bw, enc: em.NewEncoder(bw)}
	h := Header{Format: Format, Version: Version, Created: time.Now().UTC(), Address: address}
	if err := cw.enc.Encode(h); err != nil {
		return nil, fmt.Errorf("capture header: %w", err)
	}
	return cw, nil
}

// Write records p, blocking until its payload is available.
func (w *Writer) Write(p *packet.Packet) error {
	rec, err := FromPacket(p)
	if err != nil {
		return err
	}
	return w.WriteRecord(rec)
}

func (w *Writer) WriteRecord(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("capture record: %w", err)
	}
	w.count++
	return nil
}

// Count returns the number of records written.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bw.Flush()
}

// Close flushes buffered records. The underlying writer is not closed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.bw.Flush()
}

// Reader decodes a capture.
type Reader struct {
	dec    *cbor.Decoder
	Header Header
}

// NewReader reads and validates the capture header.
func NewReader(r io.Reader) (*Reader, error) {
	_, dm := modes()
	cr := &Reader{dec: dm.NewDecoder(bufio.NewReader(r))}
	if err := cr.dec.Decode(&cr.Header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if cr.Header.Format != Format || cr.Header.Version != Version {
		return nil, fmt.Errorf("%w: %q v%d", ErrBadHeader, cr.Header.Format, cr.Header.Version)
	}
	return cr, nil
}

// Next returns the next record, or io.EOF after the last one.
func (r *Reader) Next() (Record, error) {
	var rec Record
	err := r.dec.Decode(&rec)
	return rec, err
}

// All yields every remaining record. Iteration stops after the first error,
// which is yielded; a clean end is not an error.
func (r *Reader) All() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for {
			rec, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(rec, err) || err != nil {
				return
			}
		}
	}
}

// Package cnl implements the cannelloni TCP framing used to mirror bus
// traffic to remote tools: a "CANNELLONIv1" hello in both directions, then a
// stream of frames encoded as [id BE32][len][data...].
package cnl

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-j1939-bus/internal/can"
	"github.com/kstaniek/go-j1939-bus/internal/metrics"
)

const (
	headerLen = 5
	// lenMask strips the flag bit cannelloni reserves in the length byte.
	lenMask = 0x7F
)

var (
	// ErrInvalidLength is returned when a frame length is outside 0..8.
	ErrInvalidLength = errors.New("cannelloni: invalid length")
	// ErrTruncatedFrame is returned when the stream ends inside a frame.
	ErrTruncatedFrame = errors.New("cannelloni: truncated frame")
)

// Codec is stateless and safe for concurrent use.
type Codec struct{}

// Encode returns the wire form of frames, or nil for none.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	out := make([]byte, 0, len(frames)*(headerLen+can.MaxClassicLen))
	for i := range frames {
		out = appendFrame(out, &frames[i])
	}
	return out
}

func appendFrame(out []byte, f *can.Frame) []byte {
	n := int(f.Len & lenMask)
	out = binary.BigEndian.AppendUint32(out, f.CANID)
	out = append(out, f.Len)
	return append(out, f.Data[:min(n, can.MaxClassicLen)]...)
}

// EncodeTo writes frames to w as one batch and returns the bytes written.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	n, err := w.Write(c.Encode(frames))
	if err != nil {
		return n, fmt.Errorf("cannelloni encode: %w", err)
	}
	return n, nil
}

// Decode reads one frame. It returns io.EOF only at a frame boundary.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var (
		f   can.Frame
		hdr [headerLen]byte
	)
	if n, err := io.ReadFull(r, hdr[:]); err != nil {
		if n > 0 && errors.Is(err, io.ErrUnexpectedEOF) {
			metrics.IncMalformed()
			return f, fmt.Errorf("cannelloni decode header: %w", ErrTruncatedFrame)
		}
		return f, err
	}
	f.CANID = binary.BigEndian.Uint32(hdr[:4])
	n := int(hdr[4] & lenMask)
	if n > can.MaxClassicLen {
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, n)
	}
	f.Len = uint8(n)
	if _, err := io.ReadFull(r, f.Data[:n]); err != nil {
		metrics.IncMalformed()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = ErrTruncatedFrame
		}
		return f, fmt.Errorf("cannelloni decode payload: %w", err)
	}
	return f, nil
}

// DecodeN decodes up to max frames (all available when max <= 0), calling
// onFrame for each, and returns the count and the error that stopped it.
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	n := 0
	for max <= 0 || n < max {
		f, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(f)
		n++
	}
	return n, nil
}

// Buffered reports how many frames are surely complete in br without
// blocking.
func Buffered(br *bufio.Reader) int {
	n := 0
	for off := 0; ; n++ {
		if br.Buffered() < off+headerLen {
			return n
		}
		hdr, _ := br.Peek(off + headerLen)
		size := headerLen + int(hdr[off+4]&lenMask)
		if off+size > br.Buffered() {
			return n
		}
		off += size
	}
}

package transport

import (
	"io"

	"github.com/kstaniek/go-j1939-bus/internal/can"
	"github.com/kstaniek/go-j1939-bus/internal/cnl"
)

// FramePort is a raw CAN link used by the RP1210 emulation. Calls come from
// a single goroutine (the adapter executor), so implementations need no
// locking of their own.
type FramePort interface {
	// WriteFrame transmits one classic frame.
	WriteFrame(can.Frame) error
	// ReadFrame fills fr with the next received frame. It never blocks and
	// returns false when nothing is waiting.
	ReadFrame(fr *can.Frame) (bool, error)
	Close() error
}

// FrameDecoder decodes a single CAN frame from a stream.
type FrameDecoder interface {
	Decode(r io.Reader) (can.Frame, error)
}

// MultiFrameDecoder optionally drains multiple frames from a stream.
type MultiFrameDecoder interface {
	DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error)
}

// FrameBatchEncoder writes batches of frames to a stream.
type FrameBatchEncoder interface {
	EncodeTo(w io.Writer, frames []can.Frame) (int, error)
}

var (
	_ FrameDecoder      = (*cnl.Codec)(nil)
	_ MultiFrameDecoder = (*cnl.Codec)(nil)
	_ FrameBatchEncoder = (*cnl.Codec)(nil)
)

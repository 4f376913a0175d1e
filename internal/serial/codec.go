package serial

import (
	"bytes"
	"encoding/binary"

	"github.com/kstaniek/go-j1939-bus/internal/can"
	"github.com/kstaniek/go-j1939-bus/internal/metrics"
)

// Ampio UART envelope: [0x2D 0xD4][len][body...][checksum], where len counts
// the body plus the checksum byte and checksum = 0x2D + len + sum(body).
const (
	preamble0 = 0x2D
	preamble1 = 0xD4

	insSendExt = 2 // gateway instruction: transmit with extended id

	// Received bodies are ID(4) followed by the payload. Bodies with fewer
	// than two payload bytes are treated as line noise.
	minRxLen = 4 + 2 + 1
	maxRxLen = 4 + can.MaxClassicLen + 1

	compactAt = 1024
)

// Codec converts CAN frames to and from the Ampio gateway UART stream.
type Codec struct{}

func envelope(body []byte) []byte {
	n := len(body)
	out := make([]byte, n+4)
	out[0], out[1], out[2] = preamble0, preamble1, byte(n+1)
	sum := out[2] + preamble0
	for i, b := range body {
		out[3+i] = b
		sum += b
	}
	out[3+n] = sum
	return out
}

// Encode wraps f in a transmit instruction. Only the first eight data bytes
// are sent.
func (Codec) Encode(f can.Frame) []byte {
	n := min(int(f.Len), can.MaxClassicLen)
	body := make([]byte, 6+n)
	body[0] = insSendExt
	body[1] = 0x80 | byte(n)
	binary.BigEndian.PutUint32(body[2:6], f.CANID&can.CAN_EFF_MASK)
	copy(body[6:], f.Data[:n])
	return envelope(body)
}

// compact drops the consumed prefix of a large, mostly read buffer.
func compact(b *bytes.Buffer) {
	data := b.Bytes()
	if len(data) < compactAt || len(data)*4 >= cap(data) {
		return
	}
	*b = *bytes.NewBuffer(bytes.Clone(data))
}

// DecodeStream consumes every complete frame buffered in in and passes it to
// out. Partial frames stay buffered for the next call; garbage and frames
// failing the length or checksum test are skipped one byte at a time and
// counted as malformed. The error is always nil.
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) error {
	header := []byte{preamble0, preamble1}
	for {
		compact(in)
		data := in.Bytes()
		if len(data) < 4 {
			return nil
		}
		i := bytes.Index(data, header)
		switch {
		case i < 0:
			// The next chunk may complete a preamble split after 0x2D.
			last := data[len(data)-1]
			in.Reset()
			in.WriteByte(last)
			return nil
		case i > 0:
			in.Next(i)
			continue
		}
		ln := int(data[2])
		if ln < minRxLen || ln > maxRxLen {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		total := 3 + ln
		if len(data) < total {
			return nil
		}
		sum := byte(preamble0) + data[2]
		for _, b := range data[3 : total-1] {
			sum += b
		}
		if sum != data[total-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		var f can.Frame
		f.CANID = binary.BigEndian.Uint32(data[3:7]) | can.CAN_EFF_FLAG
		f.Len = uint8(copy(f.Data[:], data[7:total-1]))
		out(f)
		in.Next(total)
	}
}

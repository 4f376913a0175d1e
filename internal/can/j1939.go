package can

import (
	"errors"
	"fmt"
	"time"

	"github.com/kstaniek/go-j1939-bus/internal/packet"
)

var (
	// ErrNotJ1939 is returned for standard, remote or error frames.
	ErrNotJ1939 = errors.New("can: not a J1939 frame")
	// ErrTooLong is returned for packets that do not fit one classic frame.
	ErrTooLong = errors.New("can: payload exceeds one frame")
)

// J1939ID builds the flagged 29-bit identifier for priority, the 18-bit
// PGN field (including destination for PDU1) and source address.
func J1939ID(priority uint8, id uint32, source uint8) uint32 {
	return CAN_EFF_FLAG | uint32(priority&0x7)<<26 | (id&0x3FFFF)<<8 | uint32(source)
}

// SplitJ1939 is the inverse of J1939ID. Flag bits are ignored.
func SplitJ1939(canID uint32) (priority uint8, id uint32, source uint8) {
	raw := canID & CAN_EFF_MASK
	return uint8(raw >> 26 & 0x7), raw >> 8 & 0x3FFFF, uint8(raw)
}

// FromPacket encodes a complete single-frame packet.
func FromPacket(p *packet.Packet) (Frame, error) {
	var f Frame
	data, err := p.Payload()
	if err != nil {
		return f, err
	}
	if len(data) > MaxClassicLen {
		return f, fmt.Errorf("%w: %d bytes", ErrTooLong, len(data))
	}
	f.CANID = J1939ID(p.Priority(), p.ID(), p.Source())
	f.Len = uint8(len(data))
	copy(f.Data[:], data)
	return f, nil
}

// ToPacket decodes an extended data frame as a J1939 packet.
func ToPacket(f Frame, transmitted bool, at time.Time) (*packet.Packet, error) {
	if !f.Extended() || f.CANID&(CAN_RTR_FLAG|CAN_ERR_FLAG) != 0 {
		return nil, fmt.Errorf("%w: id 0x%08X", ErrNotJ1939, f.CANID)
	}
	prio, id, src := SplitJ1939(f.CANID)
	return packet.Create(id, src, transmitted, f.Data[:f.Len], packet.WithPriority(prio), packet.At(at))
}

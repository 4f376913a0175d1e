package packet

import (
	"fmt"
)

// PGNAcknowledgment is the J1939 acknowledgment parameter group.
const PGNAcknowledgment = 0xE800

// AckControl is the control byte of an acknowledgment.
type AckControl uint8

const (
	Ack AckControl = iota
	Nack
	AccessDenied
	Busy
)

func (c AckControl) String() string {
	switch c {
	case Ack:
		return "ACK"
	case Nack:
		return "NACK"
	case AccessDenied:
		return "Access Denied"
	case Busy:
		return "Busy"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(c))
	}
}

// Acknowledgment is a typed view of a PGN 0xE800 packet.
type Acknowledgment struct {
	*Packet
	Control         AckControl
	GroupFunction   uint8
	Address         uint8
	AcknowledgedPGN uint32
}

// ParseAcknowledgment decodes p, which must carry PGN 0xE800 and eight
// payload bytes. It blocks while p is pending.
func ParseAcknowledgment(p *Packet) (*Acknowledgment, error) {
	if p.PGN() != PGNAcknowledgment {
		return nil, fmt.Errorf("packet: PGN 0x%04X is not an acknowledgment", p.PGN())
	}
	data, err := p.Payload()
	if err != nil {
		return nil, err
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("packet: acknowledgment needs 8 bytes, got %d", len(data))
	}
	return &Acknowledgment{
		Packet:          p,
		Control:         AckControl(data[0]),
		GroupFunction:   data[1],
		Address:         data[4],
		AcknowledgedPGN: uint32(data[5]) | uint32(data[6])<<8 | uint32(data[7])<<16,
	}, nil
}

// NewAcknowledgment builds the packet an ECU at source would send to
// acknowledge pgn for address.
func NewAcknowledgment(source uint8, control AckControl, address uint8, pgn uint32) (*Acknowledgment, error) {
	data := []byte{byte(control), 0xFF, 0xFF, 0xFF, address, byte(pgn), byte(pgn >> 8), byte(pgn >> 16)}
	p, err := Create(PGNAcknowledgment|GlobalAddress, source, false, data)
	if err != nil {
		return nil, err
	}
	return ParseAcknowledgment(p)
}

func (a *Acknowledgment) String() string {
	return fmt.Sprintf("%s from 0x%02X for PGN %d (0x%04X)", a.Control, a.Source(), a.AcknowledgedPGN, a.AcknowledgedPGN)
}

package rp1210

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/go-j1939-bus/internal/packet"
)

const (
	txHeaderLen = 6
	// rxHeaderLen covers timestamp(4) echo(1) pgn(3) priority(1) source(1)
	// destination(1).
	rxHeaderLen = 11
)

// ErrShortMessage is returned for RP1210 buffers too short to hold a header.
var ErrShortMessage = errors.New("rp1210: message shorter than header")

// encodeTx lays out p for RP1210_SendMessage:
// [pgn0 pgn1 pgn2][priority][source][destination][data...].
// For PDU1 packets the destination is the identifier low byte, otherwise 0.
func encodeTx(p *packet.Packet, payload []byte) []byte {
	id := p.ID()
	dst := byte(0)
	if p.IsPDU1() {
		dst = byte(id)
	}
	msg := make([]byte, txHeaderLen+len(payload))
	msg[0] = byte(id)
	msg[1] = byte(id >> 8)
	msg[2] = byte(id >> 16)
	msg[3] = p.Priority() & 0x7
	msg[4] = p.Source()
	msg[5] = dst
	copy(msg[txHeaderLen:], payload)
	return msg
}

// txHeader is the decoded header of an RP1210_SendMessage buffer.
type txHeader struct {
	id       uint32
	priority uint8
	source   uint8
	dest     uint8
}

func decodeTx(msg []byte) (txHeader, []byte, error) {
	if len(msg) < txHeaderLen {
		return txHeader{}, nil, fmt.Errorf("%w: %d bytes", ErrShortMessage, len(msg))
	}
	h := txHeader{
		id:       uint32(msg[0]) | uint32(msg[1])<<8 | uint32(msg[2]&0x03)<<16,
		priority: msg[3] & 0x7,
		source:   msg[4],
		dest:     msg[5],
	}
	return h, msg[txHeaderLen:], nil
}

// rxFrame is one message returned by RP1210_ReadMessage with echo enabled:
// [ts3 ts2 ts1 ts0][echo][pgn0 pgn1 pgn2][priority][source][destination][data...].
type rxFrame struct {
	timestamp uint32
	echo      bool
	id        uint32
	priority  uint8
	source    uint8
	dest      uint8
	data      []byte
}

func decodeRx(buf []byte) (rxFrame, error) {
	if len(buf) < rxHeaderLen {
		return rxFrame{}, fmt.Errorf("%w: %d bytes", ErrShortMessage, len(buf))
	}
	f := rxFrame{
		timestamp: binary.BigEndian.Uint32(buf[0:4]),
		echo:      buf[4] != 0,
		id:        uint32(buf[5]) | uint32(buf[6])<<8 | uint32(buf[7]&0x03)<<16,
		priority:  buf[8] & 0x7,
		source:    buf[9],
		dest:      buf[10],
		data:      buf[rxHeaderLen:],
	}
	// Adapters report PDU1 groups with the PS byte cleared; restore the
	// destination into the identifier.
	if (f.id>>8)&0xFF < 0xF0 {
		f.id = f.id&^0xFF | uint32(f.dest)
	}
	return f, nil
}

func encodeRx(f rxFrame) []byte {
	buf := make([]byte, rxHeaderLen+len(f.data))
	binary.BigEndian.PutUint32(buf[0:4], f.timestamp)
	if f.echo {
		buf[4] = 1
	}
	buf[5] = byte(f.id)
	buf[6] = byte(f.id >> 8)
	buf[7] = byte(f.id >> 16)
	buf[8] = f.priority
	buf[9] = f.source
	buf[10] = f.dest
	copy(buf[rxHeaderLen:], f.data)
	return buf
}

package rp1210

import (
	"encoding/binary"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-j1939-bus/internal/can"
	"github.com/kstaniek/go-j1939-bus/internal/logging"
	"github.com/kstaniek/go-j1939-bus/internal/metrics"
	"github.com/kstaniek/go-j1939-bus/internal/transport"
)

const (
	frameClientID = 1
	// PGN 60928, sent to the global address.
	addressClaimID = 0xEEFF
)

// FrameDriver emulates the RP1210 J1939 protocol over a raw CAN port. It
// supports one client and single-frame messages only; transport protocol
// sessions are left to the caller.
//
// Timestamps count microseconds since the driver was created, so adapters
// using it have a timestamp weight of 1.
type FrameDriver struct {
	port    transport.FramePort
	label   string
	bitrate int
	now     func() time.Time
	start   time.Time
	logger  *slog.Logger

	connected bool
	echo      bool
	address   uint8
	echoes    [][]byte
}

var _ Driver = (*FrameDriver)(nil)

type FrameOption func(*FrameDriver)

// WithBitrate sets the bit rate reported for "J1939:Baud=Auto" connections.
// Zero makes the connection speed query unsupported.
func WithBitrate(bps int) FrameOption { return func(d *FrameDriver) { d.bitrate = bps } }

// WithPortLabel names the port in the port_rx/port_tx metrics.
func WithPortLabel(label string) FrameOption { return func(d *FrameDriver) { d.label = label } }

func WithFrameClock(now func() time.Time) FrameOption { return func(d *FrameDriver) { d.now = now } }

func WithFrameLogger(l *slog.Logger) FrameOption { return func(d *FrameDriver) { d.logger = l } }

// NewFrameDriver wraps port. The driver owns the port and closes it on Close.
func NewFrameDriver(port transport.FramePort, opts ...FrameOption) *FrameDriver {
	d := &FrameDriver{port: port, label: "can", now: time.Now}
	for _, o := range opts {
		o(d)
	}
	if d.logger == nil {
		d.logger = logging.Component("frame_driver")
	}
	d.start = d.now()
	return d
}

func (d *FrameDriver) timestamp() uint32 {
	return uint32(d.now().Sub(d.start) / time.Microsecond)
}

func (d *FrameDriver) ClientConnect(deviceID int16, protocol string) int16 {
	if d.connected {
		return ErrClientAlreadyConnected
	}
	name, params, _ := strings.Cut(protocol, ":")
	if name != "J1939" {
		return ErrInvalidProtocol
	}
	if baud, ok := strings.CutPrefix(params, "Baud="); ok && baud != "Auto" {
		kbps, err := strconv.Atoi(baud)
		if err != nil || kbps <= 0 {
			return ErrInvalidProtocol
		}
		d.bitrate = kbps * 1000
	}
	d.connected = true
	d.echo = false
	d.echoes = nil
	d.logger.Debug("frame_driver_connect", "device", deviceID, "protocol", protocol, "port", d.label)
	return frameClientID
}

func (d *FrameDriver) valid(client int16) bool { return d.connected && client == frameClientID }

func (d *FrameDriver) ClientDisconnect(client int16) int16 {
	if !d.valid(client) {
		return ErrInvalidClientID
	}
	d.connected = false
	d.echoes = nil
	return 0
}

func (d *FrameDriver) SendMessage(client int16, msg []byte, _ bool) int16 {
	if !d.valid(client) {
		return ErrInvalidClientID
	}
	h, data, err := decodeTx(msg)
	if err != nil {
		return ErrInvalidCommand
	}
	if len(data) > can.MaxClassicLen {
		return ErrMessageTooLong
	}
	id := h.id
	if (id>>8)&0xFF < 0xF0 {
		id = id&^0xFF | uint32(h.dest)
	}
	if rc := d.write(h.priority, id, h.source, data); rc != 0 {
		return rc
	}
	if d.echo {
		d.echoes = append(d.echoes, encodeRx(rxFrame{
			timestamp: d.timestamp(),
			echo:      true,
			id:        id,
			priority:  h.priority,
			source:    h.source,
			dest:      h.dest,
			data:      data,
		}))
	}
	return 0
}

func (d *FrameDriver) write(priority uint8, id uint32, source uint8, data []byte) int16 {
	f := can.Frame{CANID: can.J1939ID(priority, id, source), Len: uint8(len(data))}
	copy(f.Data[:], data)
	if err := d.port.WriteFrame(f); err != nil {
		d.logger.Warn("frame_driver_write_error", "port", d.label, "frame", f.String(), "error", err)
		return ErrHardwareNotResponding
	}
	metrics.IncPortTx(d.label)
	return 0
}

func (d *FrameDriver) ReadMessage(client int16, buf []byte, _ bool) int16 {
	if !d.valid(client) {
		return -ErrInvalidClientID
	}
	if len(d.echoes) > 0 {
		msg := d.echoes[0]
		d.echoes = d.echoes[1:]
		return deliver(msg, buf)
	}
	for {
		var f can.Frame
		ok, err := d.port.ReadFrame(&f)
		if err != nil {
			d.logger.Warn("frame_driver_read_error", "port", d.label, "error", err)
			return -ErrHardwareNotResponding
		}
		if !ok {
			return 0
		}
		metrics.IncPortRx(d.label)
		if !f.Extended() || f.CANID&(can.CAN_RTR_FLAG|can.CAN_ERR_FLAG) != 0 || f.Len > can.MaxClassicLen {
			continue
		}
		prio, id, src := can.SplitJ1939(f.CANID)
		var dest uint8
		if (id>>8)&0xFF < 0xF0 {
			dest = uint8(id)
		}
		return deliver(encodeRx(rxFrame{
			timestamp: d.timestamp(),
			id:        id,
			priority:  prio,
			source:    src,
			dest:      dest,
			data:      f.Payload(),
		}), buf)
	}
}

func deliver(msg, buf []byte) int16 {
	if len(msg) > len(buf) {
		return -ErrMessageTooLong
	}
	return int16(copy(buf, msg))
}

func (d *FrameDriver) SendCommand(client int16, cmd Command, buf []byte) int16 {
	if !d.valid(client) {
		return ErrInvalidClientID
	}
	switch cmd {
	case CmdResetDevice:
		d.echoes = nil
	case CmdSetAllFiltersStatesToPass, CmdSetMessageReceive:
	case CmdEchoTransmittedMessages:
		if len(buf) < 1 {
			return ErrInvalidCommand
		}
		d.echo = buf[0] == EchoOn
		if !d.echo {
			d.echoes = nil
		}
	case CmdProtectJ1939Address:
		if len(buf) < 10 {
			return ErrInvalidCommand
		}
		d.address = buf[0]
		// Announce the claim; contention is not arbitrated here.
		if rc := d.write(6, addressClaimID, d.address, buf[1:9]); rc != 0 {
			return ErrAddressClaimFailed
		}
		d.logger.Debug("frame_driver_address_claim", "address", d.address, "name", binary.LittleEndian.Uint64(buf[1:9]))
	case CmdGetProtocolConnectionSpeed:
		if d.bitrate <= 0 {
			return ErrCommandNotSupported
		}
		s := strconv.Itoa(d.bitrate)
		if len(buf) < len(s)+1 {
			return ErrInvalidCommand
		}
		n := copy(buf, s)
		buf[n] = 0
	default:
		return ErrCommandNotSupported
	}
	return 0
}

func (d *FrameDriver) GetErrorMsg(code int16) (string, bool) { return ErrorText(code) }

func (d *FrameDriver) Close() error { return d.port.Close() }

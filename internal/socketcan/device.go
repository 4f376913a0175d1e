//go:build linux

// Package socketcan exposes a Linux raw CAN socket as a non-blocking frame
// port.
package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-j1939-bus/internal/can"
	"github.com/kstaniek/go-j1939-bus/internal/metrics"
	"github.com/kstaniek/go-j1939-bus/internal/transport"
)

// ErrShortRead is returned when the kernel hands back a partial can_frame.
var ErrShortRead = errors.New("socketcan: short read")

type Device struct {
	fd    int
	iface string
}

var _ transport.FramePort = (*Device)(nil)

// Open binds a raw CAN socket to iface in non-blocking mode.
func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	fail := func(err error) (*Device, error) {
		_ = unix.Close(fd)
		return nil, err
	}
	// Older kernels may not know this option.
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil && !errors.Is(err, unix.ENOPROTOOPT) {
		return fail(fmt.Errorf("disable CAN FD: %w", err))
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return fail(fmt.Errorf("if %q: %w", iface, err))
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		return fail(fmt.Errorf("bind(can@%s): %w", iface, err))
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return fail(fmt.Errorf("nonblock(can@%s): %w", iface, err))
	}
	return &Device{fd: fd, iface: iface}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// ReadFrame reads one classic frame. It reports false when the socket has
// nothing queued.
//
// struct can_frame: can_id u32 [0:4] (with EFF/RTR/ERR flags), can_dlc u8
// [4], padding [5:8], data [8:16]. Fields are host byte order, which is
// little-endian on every supported target.
func (d *Device) ReadFrame(fr *can.Frame) (bool, error) {
	var buf [unix.CAN_MTU]byte
	n, err := unix.Read(d.fd, buf[:])
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
		return false, nil
	}
	if err != nil {
		metrics.IncError(metrics.ErrSocketCANRead)
		return false, fmt.Errorf("read can@%s: %w", d.iface, err)
	}
	if n != unix.CAN_MTU {
		metrics.IncError(metrics.ErrSocketCANRead)
		return false, fmt.Errorf("%w: %d bytes", ErrShortRead, n)
	}
	dlc := min(int(buf[4]), can.MaxClassicLen)
	fr.CANID = binary.LittleEndian.Uint32(buf[0:4])
	fr.Len = uint8(dlc)
	copy(fr.Data[:], buf[8:8+dlc])
	return true, nil
}

// WriteFrame writes one classic frame. A full transmit queue is reported as
// an error; the caller decides whether to retry.
func (d *Device) WriteFrame(fr can.Frame) error {
	var buf [unix.CAN_MTU]byte
	n := min(int(fr.Len), can.MaxClassicLen)
	binary.LittleEndian.PutUint32(buf[0:4], fr.CANID)
	buf[4] = byte(n)
	copy(buf[8:], fr.Data[:n])
	if _, err := unix.Write(d.fd, buf[:]); err != nil {
		metrics.IncError(metrics.ErrSocketCANWrite)
		return fmt.Errorf("write can@%s: %w", d.iface, err)
	}
	return nil
}

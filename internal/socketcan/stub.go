//go:build !linux

package socketcan

import (
	"errors"

	"github.com/kstaniek/go-j1939-bus/internal/can"
)

// ErrUnsupported is returned by Open on platforms without SocketCAN.
var ErrUnsupported = errors.New("socketcan: only available on linux")

type Device struct{}

func Open(string) (*Device, error) { return nil, ErrUnsupported }

func (*Device) ReadFrame(*can.Frame) (bool, error) { return false, ErrUnsupported }
func (*Device) WriteFrame(can.Frame) error         { return ErrUnsupported }
func (*Device) Close() error                       { return nil }

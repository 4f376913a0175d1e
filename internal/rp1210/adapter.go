// Package rp1210 binds the J1939 bus to vehicle adapters through the RP1210
// API, either a vendor DLL or an emulation over a raw CAN port.
package rp1210

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// DefaultConnection is used when an adapter lists no connection strings.
const DefaultConnection = "J1939:Baud=Auto"

// Adapter describes one selectable adapter channel. Values are never
// modified after discovery; the Registry hands out copies.
type Adapter struct {
	Name     string
	DriverID string
	DeviceID int16
	// TimestampWeight is the number of microseconds per adapter clock tick.
	TimestampWeight   int
	ConnectionStrings []string
}

func (a Adapter) String() string {
	return fmt.Sprintf("%s (%s device %d)", a.Name, a.DriverID, a.DeviceID)
}

// Connection returns the first supported connection string.
func (a Adapter) Connection() string {
	if len(a.ConnectionStrings) == 0 {
		return DefaultConnection
	}
	return a.ConnectionStrings[0]
}

// Supports reports whether conn is one of the adapter's connection strings.
func (a Adapter) Supports(conn string) bool {
	return len(a.ConnectionStrings) == 0 || slices.Contains(a.ConnectionStrings, conn)
}

func (a Adapter) clone() Adapter {
	a.ConnectionStrings = slices.Clone(a.ConnectionStrings)
	return a
}

var (
	ErrDuplicateAdapter = errors.New("rp1210: adapter already registered")
	ErrUnknownAdapter   = errors.New("rp1210: unknown adapter")
)

// Registry holds the adapters supplied by discovery.
type Registry struct {
	mu       sync.RWMutex
	adapters []Adapter
}

// NewRegistry returns a registry holding adapters. Duplicates are skipped.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{}
	for _, a := range adapters {
		_ = r.Register(a)
	}
	return r
}

// Register adds a; an adapter is identified by (DriverID, DeviceID).
func (r *Registry) Register(a Adapter) error {
	if a.TimestampWeight <= 0 {
		a.TimestampWeight = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, x := range r.adapters {
		if x.DriverID == a.DriverID && x.DeviceID == a.DeviceID {
			return fmt.Errorf("%w: %s", ErrDuplicateAdapter, a)
		}
	}
	r.adapters = append(r.adapters, a.clone())
	return nil
}

// All returns every registered adapter in registration order.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, len(r.adapters))
	for i, a := range r.adapters {
		out[i] = a.clone()
	}
	return out
}

// Lookup finds the adapter for a driver and device.
func (r *Registry) Lookup(driverID string, deviceID int16) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.adapters {
		if a.DriverID == driverID && a.DeviceID == deviceID {
			return a.clone(), nil
		}
	}
	return Adapter{}, fmt.Errorf("%w: %s device %d", ErrUnknownAdapter, driverID, deviceID)
}

// Builtin lists the adapters implemented by FrameDriver over the raw CAN
// ports of this module.
func Builtin() []Adapter {
	return []Adapter{
		{Name: "SocketCAN", DriverID: "socketcan", DeviceID: 1, TimestampWeight: 1, ConnectionStrings: []string{"J1939:Baud=Auto", "J1939:Baud=250", "J1939:Baud=500"}},
		{Name: "Ampio UART gateway", DriverID: "serial", DeviceID: 1, TimestampWeight: 1, ConnectionStrings: []string{"J1939:Baud=Auto"}},
	}
}

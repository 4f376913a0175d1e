//go:build windows

package rp1210

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	dllTxBuffer  = 8192
	dllRxBuffer  = 8192
	errorMsgSize = 80
)

// DLL is a Driver backed by a vendor RP1210 library.
type DLL struct {
	dll *windows.DLL

	connect    *windows.Proc
	disconnect *windows.Proc
	send       *windows.Proc
	read       *windows.Proc
	command    *windows.Proc
	errorMsg   *windows.Proc
}

var _ Driver = (*DLL)(nil)

// LoadDLL loads the vendor library, for example "NULN2R32.dll".
func LoadDLL(name string) (*DLL, error) {
	lib, err := windows.LoadDLL(name)
	if err != nil {
		return nil, fmt.Errorf("rp1210: load %s: %w", name, err)
	}
	d := &DLL{dll: lib}
	procs := []struct {
		name string
		p    **windows.Proc
	}{
		{"RP1210_ClientConnect", &d.connect},
		{"RP1210_ClientDisconnect", &d.disconnect},
		{"RP1210_SendMessage", &d.send},
		{"RP1210_ReadMessage", &d.read},
		{"RP1210_SendCommand", &d.command},
		{"RP1210_GetErrorMsg", &d.errorMsg},
	}
	for _, pr := range procs {
		p, err := lib.FindProc(pr.name)
		if err != nil {
			_ = lib.Release()
			return nil, fmt.Errorf("rp1210: %s: %w", name, err)
		}
		*pr.p = p
	}
	return d, nil
}

func ptr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func short(r uintptr) int16 { return int16(uint16(r)) }

func (d *DLL) ClientConnect(deviceID int16, protocol string) int16 {
	p, err := windows.BytePtrFromString(protocol)
	if err != nil {
		return ErrInvalidProtocol
	}
	r, _, _ := d.connect.Call(0, uintptr(deviceID), uintptr(unsafe.Pointer(p)), dllTxBuffer, dllRxBuffer, 0)
	return short(r)
}

func (d *DLL) ClientDisconnect(client int16) int16 {
	r, _, _ := d.disconnect.Call(uintptr(client))
	return short(r)
}

func (d *DLL) SendMessage(client int16, msg []byte, blocking bool) int16 {
	var block uintptr
	if blocking {
		block = 1
	}
	r, _, _ := d.send.Call(uintptr(client), ptr(msg), uintptr(len(msg)), 0, block)
	return short(r)
}

func (d *DLL) ReadMessage(client int16, buf []byte, blocking bool) int16 {
	var block uintptr
	if blocking {
		block = 1
	}
	r, _, _ := d.read.Call(uintptr(client), ptr(buf), uintptr(len(buf)), block)
	return short(r)
}

func (d *DLL) SendCommand(client int16, cmd Command, buf []byte) int16 {
	r, _, _ := d.command.Call(uintptr(cmd), uintptr(client), ptr(buf), uintptr(len(buf)))
	return short(r)
}

func (d *DLL) GetErrorMsg(code int16) (string, bool) {
	buf := make([]byte, errorMsgSize)
	r, _, _ := d.errorMsg.Call(uintptr(code), ptr(buf))
	if short(r) != 0 {
		return "", false
	}
	return windows.ByteSliceToString(buf), true
}

// Close unloads the library.
func (d *DLL) Close() error { return d.dll.Release() }

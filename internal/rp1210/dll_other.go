//go:build !windows

package rp1210

import (
	"errors"
	"runtime"
)

// ErrNoDLL is returned by LoadDLL on platforms without RP1210 libraries.
var ErrNoDLL = errors.New("rp1210: vendor libraries require windows, running on " + runtime.GOOS)

// DLL is unavailable on this platform.
type DLL struct{ Driver }

func LoadDLL(string) (*DLL, error) { return nil, ErrNoDLL }

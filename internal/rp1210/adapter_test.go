package rp1210

import (
	"errors"
	"testing"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry(Builtin()...)
	if got := len(r.All()); got != 2 {
		t.Fatalf("builtin adapters = %d", got)
	}
	a := Adapter{Name: "Nexiq USB-Link 2", DriverID: "NULN2R32", DeviceID: 1, ConnectionStrings: []string{"J1939:Baud=Auto"}}
	if err := r.Register(a); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(a); !errors.Is(err, ErrDuplicateAdapter) {
		t.Fatalf("expected ErrDuplicateAdapter, got %v", err)
	}
	got, err := r.Lookup("NULN2R32", 1)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.TimestampWeight != 1 {
		t.Fatalf("default weight %d", got.TimestampWeight)
	}
	got.ConnectionStrings[0] = "mutated"
	again, _ := r.Lookup("NULN2R32", 1)
	if again.ConnectionStrings[0] != "J1939:Baud=Auto" {
		t.Fatalf("registry entry was mutated through a copy")
	}
	if _, err := r.Lookup("NULN2R32", 2); !errors.Is(err, ErrUnknownAdapter) {
		t.Fatalf("expected ErrUnknownAdapter, got %v", err)
	}
}

func TestAdapterConnection(t *testing.T) {
	var a Adapter
	if a.Connection() != DefaultConnection || !a.Supports("anything") {
		t.Fatalf("adapter without connection strings should accept any")
	}
	a.ConnectionStrings = []string{"J1939:Baud=250", "J1939:Baud=500"}
	if a.Connection() != "J1939:Baud=250" || a.Supports("J1939:Baud=Auto") || !a.Supports("J1939:Baud=500") {
		t.Fatalf("connection selection wrong for %v", a.ConnectionStrings)
	}
}

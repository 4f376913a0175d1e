package bus

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/kstaniek/go-j1939-bus/internal/packet"
)

func TestEcho_SendIsReadBackAsTransmitted(t *testing.T) {
	b := NewEcho(0xA5)
	defer b.Close()
	p, err := packet.Create(0xEA00, 0xA5, false, []byte{0xD3, 0xFE, 0x00})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	s := b.Read(100 * time.Millisecond)
	sent, err := b.Send(p)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, ok := s.Next()
	if !ok {
		t.Fatalf("no packet read back")
	}
	if got != sent || !got.Transmitted() {
		t.Fatalf("read %v, sent %v", got, sent)
	}
	want, _ := packet.Create(0xEA00, 0xA5, true, []byte{0xD3, 0xFE, 0x00})
	if !got.Equal(want) {
		t.Fatalf("read %v want %v", got, want)
	}
	if _, ok := s.Next(); ok {
		t.Fatalf("expected exactly one packet")
	}
}

func TestEcho_ReadAfterSendSeesNothing(t *testing.T) {
	b := NewEcho(0xA5)
	defer b.Close()
	p, _ := packet.Create(0xFECA, 0xA5, true, []byte{1, 2, 3})
	if _, err := b.Send(p); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, ok := b.Read(10 * time.Millisecond).Next(); ok {
		t.Fatalf("stream opened after send saw history")
	}
}

func TestEcho_InjectAndDuplicate(t *testing.T) {
	b := NewEcho(0xF9)
	defer b.Close()
	s := b.Read(time.Second)
	rx, _ := packet.Create(0xFECA, 0x00, false, []byte{1, 2, 3})
	if err := b.Inject(rx); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	d := b.Duplicate(s, time.Second)
	if got, _ := d.Next(); got != rx {
		t.Fatalf("duplicate got %v", got)
	}
	if got, _ := s.Next(); got != rx {
		t.Fatalf("original got %v", got)
	}
}

func TestEcho_SpeedAndImposter(t *testing.T) {
	b := NewEcho(0xF9)
	defer b.Close()
	if _, err := b.ConnectionSpeed(); !errors.Is(err, ErrSpeedUnknown) {
		t.Fatalf("expected ErrSpeedUnknown, got %v", err)
	}
	var be *Error
	if _, err := b.ConnectionSpeed(); !errors.As(err, &be) || be.Op != "connection speed" {
		t.Fatalf("expected *Error, got %v", err)
	}
	if b.ImposterDetected() {
		t.Fatalf("loopback never detects imposters")
	}
}

func TestEcho_CloseUnblocksReadersAndRejectsSend(t *testing.T) {
	b := NewEcho(0xF9)
	s := b.Read(time.Hour)
	done := make(chan bool, 1)
	go func() { _, ok := s.Next(); done <- ok }()
	time.Sleep(10 * time.Millisecond)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case ok := <-done:
		if ok {
			t.Fatalf("reader got a packet after close")
		}
	case <-time.After(time.Second):
		t.Fatalf("Close did not unblock reader")
	}
	p, _ := packet.Create(0xFECA, 0xF9, false, []byte{1, 2, 3})
	if _, err := b.Send(p); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestLogged_RecordsSendsAndErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	inner := NewEcho(0xA5)
	b := NewLogged(inner, logger, slog.LevelDebug, LogAll)
	p, _ := packet.Create(0xEA00, 0xA5, false, []byte{0xD3, 0xFE, 0x00})
	s := b.Read(50 * time.Millisecond)
	if _, err := b.Send(p); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, ok := s.Next(); !ok {
		t.Fatalf("logged bus lost the packet")
	}
	_, _ = b.ConnectionSpeed()
	_ = b.Close()
	if _, err := b.Send(p); err == nil {
		t.Fatalf("expected send error after close")
	}
	out := buf.String()
	for _, want := range []string{"bus_send", "18EA00A5 [3] D3 FE 00 (TX)", "bus_read", "bus_connection_speed_error", "bus_send_error"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log missing %q:\n%s", want, out)
		}
	}
}

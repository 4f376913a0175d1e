package rp1210

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-j1939-bus/internal/bus"
	"github.com/kstaniek/go-j1939-bus/internal/can"
	"github.com/kstaniek/go-j1939-bus/internal/packet"
)

type fakePort struct {
	mu      sync.Mutex
	rx      []can.Frame
	tx      []can.Frame
	readErr error
	closed  bool
}

func (p *fakePort) WriteFrame(f can.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tx = append(p.tx, f)
	return nil
}

func (p *fakePort) ReadFrame(f *can.Frame) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readErr != nil {
		return false, p.readErr
	}
	if len(p.rx) == 0 {
		return false, nil
	}
	*f = p.rx[0]
	p.rx = p.rx[1:]
	return true, nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePort) inject(f can.Frame) {
	p.mu.Lock()
	p.rx = append(p.rx, f)
	p.mu.Unlock()
}

func (p *fakePort) written() []can.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]can.Frame(nil), p.tx...)
}

func openFrameBus(t *testing.T, port *fakePort, opts ...FrameOption) *Bus {
	t.Helper()
	b, err := Open(NewFrameDriver(port, opts...), Builtin()[0], 0xF9,
		WithPollInterval(time.Millisecond), WithSendTimeout(500*time.Millisecond), WithName(0xA00000000000001))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestFrameDriverClaimsAddressOnOpen(t *testing.T) {
	port := &fakePort{}
	openFrameBus(t, port)
	tx := port.written()
	if len(tx) != 1 {
		t.Fatalf("expected address claim frame, got %v", tx)
	}
	if tx[0].CANID != can.J1939ID(6, 0xEEFF, 0xF9) || tx[0].Len != 8 || tx[0].Data[0] != 0x01 {
		t.Fatalf("claim frame %v", tx[0])
	}
}

func TestFrameDriverSendIsEchoed(t *testing.T) {
	port := &fakePort{}
	b := openFrameBus(t, port)
	p, _ := packet.Create(0xEA00, 0xF9, false, []byte{0xD3, 0xFE, 0x00})
	echo, err := b.Send(p)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !echo.Transmitted() || echo.ID() != 0xEA00 {
		t.Fatalf("echo %v", echo)
	}
	tx := port.written()
	last := tx[len(tx)-1]
	if last.CANID != can.J1939ID(6, 0xEA00, 0xF9) || last.Len != 3 {
		t.Fatalf("frame %v", last)
	}
}

func TestFrameDriverReceivesFrames(t *testing.T) {
	port := &fakePort{}
	b := openFrameBus(t, port)
	s := b.Read(time.Second)
	port.inject(can.Frame{CANID: 0x123, Len: 3})
	f := can.Frame{CANID: can.J1939ID(3, 0xEAF9, 0x17), Len: 3}
	copy(f.Data[:], []byte{0xEC, 0xFE, 0x00})
	port.inject(f)
	got, ok := s.Next()
	if !ok {
		t.Fatalf("no packet")
	}
	if got.ID() != 0xEAF9 || got.Source() != 0x17 || got.Priority() != 3 || got.Transmitted() {
		t.Fatalf("decoded %v", got)
	}
}

func TestFrameDriverRejectsLongMessages(t *testing.T) {
	d := NewFrameDriver(&fakePort{})
	client := d.ClientConnect(1, "J1939:Baud=Auto")
	msg := encodeTx(mustPacket(t, 0xFECA, make([]byte, 9)), make([]byte, 9))
	if rc := d.SendMessage(client, msg, true); rc != ErrMessageTooLong {
		t.Fatalf("rc = %d", rc)
	}
}

func TestFrameDriverConnectionSpeed(t *testing.T) {
	port := &fakePort{}
	b := openFrameBus(t, port)
	_, err := b.ConnectionSpeed()
	var ne *NativeError
	if !errors.As(err, &ne) || ne.Code != ErrCommandNotSupported {
		t.Fatalf("expected command not supported, got %v", err)
	}

	b2, err := Open(NewFrameDriver(&fakePort{}), Builtin()[0], 0xF9, WithConnection("J1939:Baud=250"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b2.Close()
	if n, err := b2.ConnectionSpeed(); err != nil || n != 250000 {
		t.Fatalf("speed %d, %v", n, err)
	}
}

func TestFrameDriverReadErrorIsFatal(t *testing.T) {
	port := &fakePort{}
	b := openFrameBus(t, port)
	port.mu.Lock()
	port.readErr = errors.New("link down")
	port.mu.Unlock()
	waitFor(t, "poll failure", func() bool { return b.Err() != nil })
	var ne *NativeError
	if !errors.As(b.Err(), &ne) || ne.Code != ErrHardwareNotResponding || !errors.Is(b.Err(), bus.ErrNative) {
		t.Fatalf("Err = %v", b.Err())
	}
}

func TestFrameDriverClientChecks(t *testing.T) {
	d := NewFrameDriver(&fakePort{})
	if rc := d.ClientConnect(1, "J1708:Baud=Auto"); rc != ErrInvalidProtocol {
		t.Fatalf("protocol check rc = %d", rc)
	}
	c := d.ClientConnect(1, "J1939:Baud=Auto")
	if c < 0 || c > 127 {
		t.Fatalf("client id %d", c)
	}
	if rc := d.ClientConnect(1, "J1939:Baud=Auto"); rc != ErrClientAlreadyConnected {
		t.Fatalf("second connect rc = %d", rc)
	}
	if rc := d.SendCommand(c+1, CmdSetAllFiltersStatesToPass, nil); rc != ErrInvalidClientID {
		t.Fatalf("wrong client rc = %d", rc)
	}
	if rc := d.SendCommand(c, Command(99), nil); rc != ErrCommandNotSupported {
		t.Fatalf("unknown command rc = %d", rc)
	}
	if rc := d.ClientDisconnect(c); rc != 0 {
		t.Fatalf("disconnect rc = %d", rc)
	}
	if rc := d.ReadMessage(c, make([]byte, 32), false); rc != -ErrInvalidClientID {
		t.Fatalf("read after disconnect rc = %d", rc)
	}
}

func TestCloseClosesFramePort(t *testing.T) {
	port := &fakePort{}
	b, err := Open(NewFrameDriver(port), Builtin()[0], 0xF9)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = b.Close()
	port.mu.Lock()
	defer port.mu.Unlock()
	if !port.closed {
		t.Fatalf("port left open")
	}
}

func mustPacket(t *testing.T, id uint32, data []byte) *packet.Packet {
	t.Helper()
	p, err := packet.Create(id, 0xF9, false, data)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return p
}

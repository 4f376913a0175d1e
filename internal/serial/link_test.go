package serial

import (
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-j1939-bus/internal/can"
)

type chunk struct {
	data []byte
	err  error
}

// pipePort feeds scripted reads in order and records writes.
type pipePort struct {
	mu     sync.Mutex
	reads  chan chunk
	writes [][]byte
	closed chan struct{}
	once   sync.Once
}

func newPipePort() *pipePort {
	return &pipePort{reads: make(chan chunk, 16), closed: make(chan struct{})}
}

func (p *pipePort) Read(b []byte) (int, error) {
	select {
	case c := <-p.reads:
		return copy(b, c.data), c.err
	case <-p.closed:
		return 0, io.EOF
	}
}

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (p *pipePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func readOne(t *testing.T, l *Link) can.Frame {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		var f can.Frame
		ok, err := l.ReadFrame(&f)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if ok {
			return f
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no frame received")
	return can.Frame{}
}

func TestLinkReadsAndWrites(t *testing.T) {
	p := newPipePort()
	l := NewLink(p)
	defer l.Close()

	var f can.Frame
	if ok, err := l.ReadFrame(&f); ok || err != nil {
		t.Fatalf("empty link returned ok=%v err=%v", ok, err)
	}
	wire := rxWire(0x18FECA00, []byte{1, 2, 3})
	p.reads <- chunk{data: wire[:5]}
	p.reads <- chunk{data: wire[5:]}
	if got := readOne(t, l); !sameFrame(got, frame(0x18FECA00, 1, 2, 3)) {
		t.Fatalf("got %v", got)
	}

	out := frame(0x18EAFFF9, 0xD3, 0xFE, 0x00)
	if err := l.WriteFrame(out); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.writes) != 1 || string(p.writes[0]) != string(Codec{}.Encode(out)) {
		t.Fatalf("writes % X", p.writes)
	}
}

func TestLinkBacksOffOnReadErrors(t *testing.T) {
	var (
		mu     sync.Mutex
		sleeps []time.Duration
	)
	old := sleepFn
	sleepFn = func(d time.Duration) { mu.Lock(); sleeps = append(sleeps, d); mu.Unlock() }
	defer func() { sleepFn = old }()

	p := newPipePort()
	l := NewLink(p)
	p.reads <- chunk{err: errors.New("framing")}
	p.reads <- chunk{err: errors.New("framing")}
	p.reads <- chunk{data: rxWire(0x18FECA00, []byte{1, 2, 3})}
	readOne(t, l)
	_ = l.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(sleeps) != 2 || sleeps[0] != backoffMin || sleeps[1] != 2*backoffMin {
		t.Fatalf("sleeps %v", sleeps)
	}
}

func TestLinkReportsFatalErrors(t *testing.T) {
	p := newPipePort()
	l := NewLink(p)
	defer l.Close()
	p.reads <- chunk{err: &os.PathError{Op: "read", Path: "/dev/ttyUSB0", Err: os.ErrClosed}}
	deadline := time.Now().Add(time.Second)
	for {
		var f can.Frame
		_, err := l.ReadFrame(&f)
		if err != nil {
			var perr *os.PathError
			if !errors.As(err, &perr) {
				t.Fatalf("unexpected error %v", err)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("fatal read error not reported")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLinkClose(t *testing.T) {
	l := NewLink(newPipePort())
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.WriteFrame(frame(1, 1, 2, 3)); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after close: %v", err)
	}
	var f can.Frame
	if _, err := l.ReadFrame(&f); !errors.Is(err, ErrClosed) {
		t.Fatalf("read after close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestOpenUsesHook(t *testing.T) {
	old := openPort
	defer func() { openPort = old }()
	openPort = func(string, int, time.Duration) (Port, error) { return nil, errors.New("no device") }
	if _, err := Open("/dev/null", 115200, time.Millisecond); err == nil {
		t.Fatalf("expected open error")
	}
	p := newPipePort()
	openPort = func(string, int, time.Duration) (Port, error) { return p, nil }
	l, err := Open("/dev/ttyUSB0", 115200, time.Millisecond)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = l.Close()
}

package rp1210

import (
	"bytes"
	"sync"
)

type call struct {
	cmd Command
	buf []byte
}

type readItem struct {
	msg []byte
	rc  int16
}

// fakeDriver scripts an adapter: queued receive items, recorded sends and
// commands, and configurable return codes.
type fakeDriver struct {
	mu sync.Mutex

	connectRC  int16
	commandRC  map[Command]int16
	sendRC     int16
	echo       bool
	noEcho     bool
	speed      string
	errText    map[int16]string
	tick       uint32
	protocol   string
	rx         []readItem
	sent       [][]byte
	commands   []call
	disconnect int
	closed     bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{connectRC: 3, commandRC: map[Command]int16{}, errText: map[int16]string{}}
}

func (f *fakeDriver) push(items ...readItem) {
	f.mu.Lock()
	f.rx = append(f.rx, items...)
	f.mu.Unlock()
}

func (f *fakeDriver) ClientConnect(_ int16, protocol string) int16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.protocol = protocol
	return f.connectRC
}

func (f *fakeDriver) ClientDisconnect(int16) int16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnect++
	return 0
}

func (f *fakeDriver) SendMessage(_ int16, msg []byte, _ bool) int16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, bytes.Clone(msg))
	if f.sendRC != 0 {
		return f.sendRC
	}
	if f.echo && !f.noEcho {
		h, data, err := decodeTx(msg)
		if err != nil {
			return ErrInvalidCommand
		}
		f.tick += 10
		f.rx = append(f.rx, readItem{msg: encodeRx(rxFrame{
			timestamp: f.tick, echo: true, id: h.id, priority: h.priority,
			source: h.source, dest: h.dest, data: data,
		})})
	}
	return 0
}

func (f *fakeDriver) ReadMessage(_ int16, buf []byte, _ bool) int16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.rx) == 0 {
		return 0
	}
	it := f.rx[0]
	f.rx = f.rx[1:]
	if it.rc != 0 {
		return it.rc
	}
	return int16(copy(buf, it.msg))
}

func (f *fakeDriver) SendCommand(_ int16, cmd Command, buf []byte) int16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, call{cmd: cmd, buf: bytes.Clone(buf)})
	if rc := f.commandRC[cmd]; rc != 0 {
		return rc
	}
	switch cmd {
	case CmdEchoTransmittedMessages:
		f.echo = buf[0] == EchoOn
	case CmdGetProtocolConnectionSpeed:
		if f.speed == "" {
			return ErrCommandNotSupported
		}
		copy(buf, f.speed)
	}
	return 0
}

func (f *fakeDriver) GetErrorMsg(code int16) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.errText[code]
	return s, ok
}

func (f *fakeDriver) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) snapshot() (sent [][]byte, commands []call, disconnect int, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...), append([]call(nil), f.commands...), f.disconnect, f.closed
}

func rxMsg(ts uint32, echo bool, id uint32, prio, src, dest uint8, data ...byte) readItem {
	return readItem{msg: encodeRx(rxFrame{timestamp: ts, echo: echo, id: id, priority: prio, source: src, dest: dest, data: data})}
}

package rp1210

import (
	"errors"
	"testing"
	"time"

	"github.com/kstaniek/go-j1939-bus/internal/packet"
)

func TestEncodeTx(t *testing.T) {
	tests := []struct {
		name string
		id   uint32
		want []byte
	}{
		{"pdu1 carries destination", 0xEA17, []byte{0x17, 0xEA, 0x00, 6, 0xF9, 0x17}},
		{"pdu2 has no destination", 0xFECA, []byte{0xCA, 0xFE, 0x00, 6, 0xF9, 0x00}},
		{"data page", 0x1FECA, []byte{0xCA, 0xFE, 0x01, 6, 0xF9, 0x00}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, _ := packet.Create(tc.id, 0xF9, false, []byte{1, 2, 3})
			got := encodeTx(p, []byte{1, 2, 3})
			if string(got[:6]) != string(tc.want) || string(got[6:]) != "\x01\x02\x03" {
				t.Fatalf("got % X", got)
			}
		})
	}
}

func TestDecodeRxRestoresDestination(t *testing.T) {
	buf := []byte{0, 0, 0x01, 0x00, 1, 0x00, 0xEA, 0x00, 6, 0x00, 0xF9, 0xEC, 0xFE, 0x00}
	f, err := decodeRx(buf)
	if err != nil {
		t.Fatalf("decodeRx: %v", err)
	}
	if f.timestamp != 256 || !f.echo || f.id != 0xEAF9 || f.priority != 6 || f.source != 0 || len(f.data) != 3 {
		t.Fatalf("decoded %+v", f)
	}
	if _, err := decodeRx(buf[:10]); !errors.Is(err, ErrShortMessage) {
		t.Fatalf("expected ErrShortMessage, got %v", err)
	}
}

func TestAdapterClock(t *testing.T) {
	now := time.Unix(1000, 0)
	c := newAdapterClock(1000, func() time.Time { return now })
	var prev time.Time
	for i, ts := range []uint32{100, 200, 50, 150} {
		got := c.wall(ts)
		if got.Before(prev) {
			t.Fatalf("sample %d went backwards: %v < %v", i, got, prev)
		}
		prev = got
		if i == 2 && c.recalibrations != 1 {
			t.Fatalf("expected recalibration at the third sample")
		}
	}
	if c.recalibrations != 1 {
		t.Fatalf("recalibrations = %d", c.recalibrations)
	}
}

func TestAdapterClockFollowsTicks(t *testing.T) {
	now := time.Unix(1000, 0)
	c := newAdapterClock(0, func() time.Time { return now })
	first := c.wall(1_000_000)
	if !first.Equal(now) {
		t.Fatalf("first sample should anchor at now, got %v", first)
	}
	if d := c.wall(1_500_000).Sub(first); d != 500*time.Millisecond {
		t.Fatalf("weight 0 should default to 1µs ticks, got %v", d)
	}
}

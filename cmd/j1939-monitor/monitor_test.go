package main

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/kstaniek/go-j1939-bus/internal/bus"
	"github.com/kstaniek/go-j1939-bus/internal/j1939"
	"github.com/kstaniek/go-j1939-bus/internal/packet"
)

func TestProbeCollectsClaims(t *testing.T) {
	b := bus.NewEcho(0xF9)
	defer b.Close()
	s := b.Read(time.Hour)
	go func() {
		defer s.Close()
		for p := range s.All() {
			if !p.Transmitted() || p.PGN() != j1939.PGNRequest {
				continue
			}
			for _, addr := range []uint8{0x17, 0x00} {
				data := binary.LittleEndian.AppendUint64(nil, uint64(addr)+1)
				claim, _ := packet.Create(j1939.PGNAddressClaimed|packet.GlobalAddress, addr, false, data)
				_ = b.Inject(claim)
			}
		}
	}()
	claims, err := probe(context.Background(), b, 50*time.Millisecond, quietLogger())
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if len(claims) != 2 || claims[0].Address != 0x00 || claims[1].Name != 0x18 {
		t.Fatalf("claims %v", claims)
	}
}

func TestCaptureThenReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traffic.cbor")
	src := bus.NewEcho(0xF9)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	if err := startCapture(ctx, src, path, quietLogger(), &wg); err != nil {
		t.Fatalf("startCapture: %v", err)
	}
	// Give capture.Run time to open its stream.
	time.Sleep(20 * time.Millisecond)
	for i := range 3 {
		p, _ := packet.Create(0xFECA, uint8(i), false, []byte{byte(i), 2, 3})
		if err := src.Inject(p); err != nil {
			t.Fatalf("Inject: %v", err)
		}
	}
	time.Sleep(20 * time.Millisecond)
	_ = src.Close()
	wg.Wait()

	dst := bus.NewEcho(0xF9)
	defer dst.Close()
	s := dst.Read(time.Second)
	n, err := replayInto(context.Background(), dst, path, quietLogger())
	if err != nil || n != 3 {
		t.Fatalf("replay n=%d err=%v", n, err)
	}
	for i := range 3 {
		p, ok := s.Next()
		if !ok || p.Source() != uint8(i) {
			t.Fatalf("replayed packet %d = %v", i, p)
		}
	}
}

func TestReplayRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk")
	if err := os.WriteFile(path, []byte("not a capture"), 0o600); err != nil {
		t.Fatal(err)
	}
	dst := bus.NewEcho(0xF9)
	defer dst.Close()
	if _, err := replayInto(context.Background(), dst, path, quietLogger()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestInjectorOfHardwareBus(t *testing.T) {
	if _, ok := injectorOf(bus.NewLogged(notInjectable{}, quietLogger(), 0, bus.LogNone)); ok {
		t.Fatalf("unexpected injector")
	}
}

type notInjectable struct{ bus.Bus }

func TestListenPort(t *testing.T) {
	if p, err := listenPort("[::]:20000"); err != nil || p != 20000 {
		t.Fatalf("port %d %v", p, err)
	}
	if _, err := listenPort("nonsense"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestMDNS(t *testing.T) {
	c := validConfig()
	c.backend, c.address, c.mdnsName = "echo", 0x80, "bench"
	meta := strings.Join(mdnsMeta(c), ",")
	if !strings.Contains(meta, "backend=echo") || !strings.Contains(meta, "address=0x80") {
		t.Fatalf("meta %q", meta)
	}
	if mdnsInstance(c) != "bench" {
		t.Fatalf("instance %q", mdnsInstance(c))
	}
	// Disabled is a no-op.
	cleanup, err := startMDNS(context.Background(), c, 20000)
	if err != nil {
		t.Fatalf("disabled: %v", err)
	}
	cleanup()

	boom := errors.New("no multicast")
	withHook(t, &registerMDNS, func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
		return nil, boom
	})
	c.mdnsEnable = true
	if _, err := startMDNS(context.Background(), c, 20000); !errors.Is(err, boom) {
		t.Fatalf("expected register error, got %v", err)
	}
}

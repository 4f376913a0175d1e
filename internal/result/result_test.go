package result

import (
	"errors"
	"slices"
	"strconv"
	"testing"

	"github.com/kstaniek/go-j1939-bus/internal/packet"
)

func mustAck(t *testing.T, src uint8) *packet.Acknowledgment {
	t.Helper()
	a, err := packet.NewAcknowledgment(src, packet.Nack, 0xF9, 0xFECA)
	if err != nil {
		t.Fatalf("NewAcknowledgment: %v", err)
	}
	return a
}

func TestFromOptionalRequiresExactlyOne(t *testing.T) {
	l, r := 1, "x"
	if _, err := FromOptional[int, string](nil, nil); !errors.Is(err, ErrNotExactlyOne) {
		t.Fatalf("neither: %v", err)
	}
	if _, err := FromOptional(&l, &r); !errors.Is(err, ErrNotExactlyOne) {
		t.Fatalf("both: %v", err)
	}
	e, err := FromOptional[int, string](&l, nil)
	if err != nil {
		t.Fatalf("left: %v", err)
	}
	if v, ok := e.Left(); !ok || v != 1 {
		t.Fatalf("left value %v %v", v, ok)
	}
	if _, ok := e.Right(); ok {
		t.Fatalf("left either reports a right value")
	}
	e, err = FromOptional[int](nil, &r)
	if err != nil {
		t.Fatalf("right: %v", err)
	}
	if v, ok := e.Right(); !ok || v != "x" {
		t.Fatalf("right value %v %v", v, ok)
	}
}

func TestResolveAndMap(t *testing.T) {
	l := Left[int, string](41)
	r := Right[int]("7")
	toStr := func(e Either[int, string]) string {
		return Resolve(e, strconv.Itoa, func(s string) string { return "r" + s })
	}
	if toStr(l) != "41" || toStr(r) != "r7" {
		t.Fatalf("resolve: %q %q", toStr(l), toStr(r))
	}
	m := Map(l, func(v int) int { return v + 1 }, func(s string) int { return len(s) })
	if v, ok := m.Left(); !ok || v != 42 {
		t.Fatalf("map left %v %v", v, ok)
	}
	m = Map(r, func(v int) int { return v }, func(s string) int { return len(s) })
	if v, ok := m.Right(); !ok || v != 1 {
		t.Fatalf("map right %v %v", v, ok)
	}
}

func TestEmptyResults(t *testing.T) {
	rr := EmptyRequest[*packet.Packet](false)
	if len(rr.Packets()) != 0 || len(rr.Acks()) != 0 || rr.RetryUsed() {
		t.Fatalf("empty request result not empty")
	}
	br := EmptyBus[*packet.Packet](false)
	if _, ok := br.Value(); ok {
		t.Fatalf("empty bus result has a value")
	}
	if !EmptyBus[int](true).RetryUsed() {
		t.Fatalf("retry flag lost")
	}
}

func TestFromEithersPartitionsInOrder(t *testing.T) {
	a1, a2 := mustAck(t, 0x00), mustAck(t, 0x17)
	in := []Response[int]{
		Left[int, *packet.Acknowledgment](1),
		Right[int](a1),
		Left[int, *packet.Acknowledgment](2),
		Right[int](a2),
		Left[int, *packet.Acknowledgment](3),
	}
	rr := FromEithers(true, in)
	if !slices.Equal(rr.Packets(), []int{1, 2, 3}) {
		t.Fatalf("packets %v", rr.Packets())
	}
	if acks := rr.Acks(); len(acks) != 2 || acks[0] != a1 || acks[1] != a2 {
		t.Fatalf("acks %v", acks)
	}
	if !rr.RetryUsed() {
		t.Fatalf("retry flag lost")
	}
	if got := slices.Collect(rr.All()); !slices.Equal(got, []int{1, 2, 3}) {
		t.Fatalf("All %v", got)
	}
	if n := len(rr.Eithers()); n != 5 {
		t.Fatalf("Eithers len %d", n)
	}
}

func TestBusRequestConversions(t *testing.T) {
	a := mustAck(t, 0x00)
	br := AckResult[int](a).WithRetryUsed(true)
	rr := br.ToRequestResult()
	if len(rr.Packets()) != 0 || len(rr.Acks()) != 1 || !rr.RetryUsed() {
		t.Fatalf("widened %+v", rr)
	}
	back := rr.ToBusResult()
	if got, ok := back.Ack(); !ok || got != a || !back.RetryUsed() {
		t.Fatalf("narrowed %+v", back)
	}

	rr = NewRequestResult(false, []int{5, 6}, []*packet.Acknowledgment{a})
	if v, ok := rr.ToBusResult().Data(); !ok || v != 5 {
		t.Fatalf("data should win over ack: %v %v", v, ok)
	}
	if !EmptyRequest[int](true).ToBusResult().Empty() {
		t.Fatalf("empty request should narrow to empty bus result")
	}
	if EmptyBus[int](false).ToRequestResult().Empty() != true {
		t.Fatalf("empty bus result should widen to empty request result")
	}
}

func TestNewRequestResultCopiesInputs(t *testing.T) {
	in := []int{1, 2}
	rr := NewRequestResult(false, in, nil)
	in[0] = 99
	if rr.Packets()[0] != 1 {
		t.Fatalf("request result aliases caller slice")
	}
}

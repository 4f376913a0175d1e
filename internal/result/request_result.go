package result

import (
	"iter"
	"slices"

	"github.com/kstaniek/go-j1939-bus/internal/packet"
)

// RequestResult is the outcome of a global request: every data response and
// every acknowledgment, each list in arrival order.
type RequestResult[T any] struct {
	packets   []T
	acks      []*packet.Acknowledgment
	retryUsed bool
}

// NewRequestResult copies packets and acks.
func NewRequestResult[T any](retryUsed bool, packets []T, acks []*packet.Acknowledgment) RequestResult[T] {
	return RequestResult[T]{packets: slices.Clone(packets), acks: slices.Clone(acks), retryUsed: retryUsed}
}

// FromEithers partitions responses into data and acknowledgments, keeping
// the relative order within each.
func FromEithers[T any](retryUsed bool, responses []Response[T]) RequestResult[T] {
	r := RequestResult[T]{retryUsed: retryUsed}
	for _, e := range responses {
		if v, ok := e.Left(); ok {
			r.packets = append(r.packets, v)
		} else if a, ok := e.Right(); ok {
			r.acks = append(r.acks, a)
		}
	}
	return r
}

// EmptyRequest is the result of a request nobody answered.
func EmptyRequest[T any](retryUsed bool) RequestResult[T] {
	return RequestResult[T]{retryUsed: retryUsed}
}

func (r RequestResult[T]) Packets() []T                   { return slices.Clone(r.packets) }
func (r RequestResult[T]) Acks() []*packet.Acknowledgment { return slices.Clone(r.acks) }
func (r RequestResult[T]) RetryUsed() bool                { return r.retryUsed }
func (r RequestResult[T]) Empty() bool                    { return len(r.packets) == 0 && len(r.acks) == 0 }

// Eithers returns the data responses followed by the acknowledgments.
func (r RequestResult[T]) Eithers() []Response[T] {
	out := make([]Response[T], 0, len(r.packets)+len(r.acks))
	for _, p := range r.packets {
		out = append(out, Left[T, *packet.Acknowledgment](p))
	}
	for _, a := range r.acks {
		out = append(out, Right[T](a))
	}
	return out
}

// ToBusResult keeps the first response: the first data packet if there is
// one, otherwise the first acknowledgment.
func (r RequestResult[T]) ToBusResult() BusResult[T] {
	switch {
	case len(r.packets) > 0:
		return DataResult(r.packets[0]).WithRetryUsed(r.retryUsed)
	case len(r.acks) > 0:
		return AckResult[T](r.acks[0]).WithRetryUsed(r.retryUsed)
	default:
		return EmptyBus[T](r.retryUsed)
	}
}

// All lazily yields the data responses.
func (r RequestResult[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, p := range r.packets {
			if !yield(p) {
				return
			}
		}
	}
}

package result

import "github.com/kstaniek/go-j1939-bus/internal/packet"

// Response is a data packet of type T or an acknowledgment.
type Response[T any] = Either[T, *packet.Acknowledgment]

// BusResult is the outcome of a destination-specific request: at most one
// response and whether a retry was needed. An empty result means nobody
// answered in time.
type BusResult[T any] struct {
	value     Response[T]
	retryUsed bool
}

// EmptyBus is the result of a request that got no response.
func EmptyBus[T any](retryUsed bool) BusResult[T] {
	return BusResult[T]{retryUsed: retryUsed}
}

// DataResult wraps a data response.
func DataResult[T any](v T) BusResult[T] {
	return BusResult[T]{value: Left[T, *packet.Acknowledgment](v)}
}

// AckResult wraps an acknowledgment response.
func AckResult[T any](a *packet.Acknowledgment) BusResult[T] {
	return BusResult[T]{value: Right[T](a)}
}

// Value returns the response, if any.
func (r BusResult[T]) Value() (Response[T], bool) { return r.value, r.value != nil }

// Data returns the data response, if the result holds one.
func (r BusResult[T]) Data() (T, bool) {
	if r.value == nil {
		var zero T
		return zero, false
	}
	return r.value.Left()
}

// Ack returns the acknowledgment, if the result holds one.
func (r BusResult[T]) Ack() (*packet.Acknowledgment, bool) {
	if r.value == nil {
		return nil, false
	}
	return r.value.Right()
}

func (r BusResult[T]) Empty() bool     { return r.value == nil }
func (r BusResult[T]) RetryUsed() bool { return r.retryUsed }

// WithRetryUsed returns a copy of r with the retry flag set to b.
func (r BusResult[T]) WithRetryUsed(b bool) BusResult[T] {
	r.retryUsed = b
	return r
}

// ToRequestResult widens r to a RequestResult with zero or one entries.
func (r BusResult[T]) ToRequestResult() RequestResult[T] {
	if r.value == nil {
		return EmptyRequest[T](r.retryUsed)
	}
	return FromEithers(r.retryUsed, []Response[T]{r.value})
}

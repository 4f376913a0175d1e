// Package result holds the outcome types of J1939 request/response
// exchanges: a two-variant Either and the BusResult/RequestResult aggregates
// built on it.
package result

import "errors"

// ErrNotExactlyOne is returned by FromOptional when zero or two sides are set.
var ErrNotExactlyOne = errors.New("result: either needs exactly one side")

// Either holds exactly one of an L or an R. The only implementations are the
// values returned by Left and Right.
type Either[L, R any] interface {
	Left() (L, bool)
	Right() (R, bool)
	sealed()
}

type left[L, R any] struct{ v L }

func (e left[L, R]) Left() (L, bool)  { return e.v, true }
func (e left[L, R]) Right() (R, bool) { var zero R; return zero, false }
func (left[L, R]) sealed()            {}

type right[L, R any] struct{ v R }

func (e right[L, R]) Left() (L, bool)  { var zero L; return zero, false }
func (e right[L, R]) Right() (R, bool) { return e.v, true }
func (right[L, R]) sealed()            {}

// Left wraps v as the left alternative.
func Left[L, R any](v L) Either[L, R] { return left[L, R]{v} }

// Right wraps v as the right alternative.
func Right[L, R any](v R) Either[L, R] { return right[L, R]{v} }

// FromOptional builds an Either from two optional values, exactly one of
// which must be non-nil.
func FromOptional[L, R any](l *L, r *R) (Either[L, R], error) {
	switch {
	case l != nil && r == nil:
		return Left[L, R](*l), nil
	case l == nil && r != nil:
		return Right[L, R](*r), nil
	default:
		return nil, ErrNotExactlyOne
	}
}

// Resolve collapses e to a single type.
func Resolve[L, R, X any](e Either[L, R], onLeft func(L) X, onRight func(R) X) X {
	switch v := e.(type) {
	case left[L, R]:
		return onLeft(v.v)
	case right[L, R]:
		return onRight(v.v)
	default:
		panic("result: nil Either")
	}
}

// Map transforms each side independently.
func Map[L, R, L2, R2 any](e Either[L, R], fl func(L) L2, fr func(R) R2) Either[L2, R2] {
	return Resolve(e,
		func(v L) Either[L2, R2] { return Left[L2, R2](fl(v)) },
		func(v R) Either[L2, R2] { return Right[L2, R2](fr(v)) },
	)
}

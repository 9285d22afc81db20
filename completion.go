package ivm

import "fmt"

// Completion is the outcome of an evaluation: either a result or a thrown
// JavaScript value, never both. Operations that could not produce an
// outcome at all (disposal, timeout) return a nil *Completion and an error.
type Completion[T any] struct {
	Complete bool
	Result   T
	Error    *JSError
}

// Completed wraps a normal result.
func Completed[T any](v T) *Completion[T] {
	return &Completion[T]{Complete: true, Result: v}
}

// Threw wraps a thrown value.
func Threw[T any](err *JSError) *Completion[T] {
	return &Completion[T]{Error: err}
}

// ExpectComplete returns the result of c, or an error if c threw or is nil.
func ExpectComplete[T any](c *Completion[T]) (T, error) {
	var zero T
	switch {
	case c == nil:
		return zero, ErrNoCompletion
	case !c.Complete:
		return zero, c.Error
	}
	return c.Result, nil
}

// ExpectThrow returns the thrown error of c, or an error if c completed
// normally or is nil.
func ExpectThrow[T any](c *Completion[T]) (*JSError, error) {
	switch {
	case c == nil:
		return nil, ErrNoCompletion
	case c.Complete:
		return nil, fmt.Errorf("expected a throw completion, got result %v", c.Result)
	}
	return c.Error, nil
}

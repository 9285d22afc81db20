package core

import (
	"errors"
	"fmt"
)

// ErrInterrupted is returned by Run/Call when execution was aborted through
// Isolate.Terminate.
var ErrInterrupted = errors.New("execution terminated")

// Exception is a JavaScript value thrown out of Run, Call or Eval.
type Exception struct {
	Value   Value  // the thrown value, nil if the engine cannot surface it
	Message string // engine rendering of the value
	Stack   string
}

func (e *Exception) Error() string {
	return e.Message
}

// CompileError reports a syntax error found while compiling.
type CompileError struct {
	Name    string // SyntaxError, ReferenceError...
	Message string
	Origin  string
}

func (e *CompileError) Error() string {
	if e.Origin == "" {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Name, e.Message, e.Origin)
}

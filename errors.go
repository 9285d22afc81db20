package ivm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cryguy/ivm/internal/esm"
)

var (
	// ErrDisposed is returned by every operation on a disposed agent,
	// including calls that were in flight when disposal started.
	ErrDisposed = errors.New("agent disposed during execution")
	// ErrTimeout is returned when a call exceeds its timeout.
	ErrTimeout = errors.New("execution timed out")
	// ErrReleased is returned when using a released handle.
	ErrReleased = errors.New("handle has been released")
	// ErrNonTransferable is returned when a value cannot cross the boundary
	// under the requested transfer mode.
	ErrNonTransferable = errors.New("non-transferable value")
	// ErrDeadlock is returned by ApplySyncPromise when the target agent is
	// already blocked in the calling chain.
	ErrDeadlock = errors.New("applySyncPromise would deadlock: target agent is waiting on this call")

	ErrNotLinked             = errors.New("module is not linked")
	ErrAgentMismatch         = errors.New("handle belongs to a different agent")
	ErrNoCompletion          = errors.New("no completion produced")
	ErrCompilationIncomplete = errors.New("module compilation incomplete")
	ErrModuleNotFound        = errors.New("module not found")
	// ErrEvaluationAborted is returned when evaluating a module whose first
	// evaluation was interrupted before producing a completion.
	ErrEvaluationAborted = errors.New("module evaluation was aborted")
	// ErrCatastrophic is returned after the engine failed in a way that
	// left the agent unusable.
	ErrCatastrophic = errors.New("engine failed catastrophically")
)

// JSError is a JavaScript exception or Error object seen from Go.
type JSError struct {
	Name    string
	Message string
	Stack   string
	// Value is a copy of the thrown value, when it could be copied.
	Value any
}

func (e *JSError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// LinkError reports a module request no linker could satisfy.
type LinkError struct {
	Specifier  string
	Referrer   string
	Attributes map[string]string
	Err        error
}

func (e *LinkError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cannot find module '%s'", e.Specifier)
	if e.Referrer != "" {
		fmt.Fprintf(&b, " imported from %s", e.Referrer)
	}
	if len(e.Attributes) > 0 {
		fmt.Fprintf(&b, " with attributes %s", esm.FormatAttributes(e.Attributes))
	}
	if e.Err != nil && !errors.Is(e.Err, ErrModuleNotFound) {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *LinkError) Unwrap() error {
	if e.Err == nil {
		return ErrModuleNotFound
	}
	return e.Err
}

// CompilationError is returned by FileLinker when a resolved file fails to
// compile. It matches ErrCompilationIncomplete and unwraps to the cause.
type CompilationError struct {
	Specifier string
	Path      string
	Cause     error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("Module compilation incomplete for %s at %s: %v", e.Specifier, e.Path, e.Cause)
}

func (e *CompilationError) Unwrap() []error {
	return []error{ErrCompilationIncomplete, e.Cause}
}

package core

// Value is an engine-native JavaScript value handle (goja.Value for the
// pure-Go backend, *v8go.Value for V8). Values are only meaningful inside
// the Context that produced them and must never be handed to another one.
type Value any

// HostFunc is a Go function callable from JavaScript. Returning an error
// throws it into the calling script: *Exception errors rethrow their
// original value, anything else is thrown as a plain Error.
type HostFunc func(args []Value) (Value, error)

// Context abstracts one JavaScript global environment (a realm) behind a
// common interface used by the root package. All methods must be called on
// the goroutine that owns the parent Isolate.
type Context interface {
	// Run executes a compiled script against this context's global object.
	Run(s Script) (Value, error)

	// Eval compiles and runs trusted bootstrap source in this context.
	Eval(source, name string) (Value, error)

	// Call invokes fn with the given receiver and arguments.
	Call(fn, this Value, args ...Value) (Value, error)

	// Get reads a property of an object value.
	Get(obj Value, key string) (Value, error)

	// Function wraps a Go function as a JavaScript function value.
	Function(name string, fn HostFunc) (Value, error)

	String(s string) Value
	Number(f float64) Value
	Bool(b bool) Value
	Undefined() Value

	// ToString converts a value with JavaScript String() semantics.
	ToString(v Value) string

	// IsUndefined reports whether v is the undefined value (or nil).
	IsUndefined(v Value) bool

	// RunMicrotasks pumps the microtask queue (Promise reactions).
	// V8: PerformMicrotaskCheckpoint, goja: jobs already ran at call exit.
	RunMicrotasks() error

	// Close releases the context. The context must not be used afterwards.
	Close()
}

// Script is a compiled, context-agnostic unit of code. It may be run in any
// Context created by the Isolate that compiled it.
type Script interface {
	Release()
}

// Origin carries diagnostic metadata for compiled code.
type Origin struct {
	Name         string
	LineOffset   int
	ColumnOffset int
}

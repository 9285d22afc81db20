package core

// Engine is the interface that engine implementations (goja, V8) must
// satisfy. The root ivm package delegates to one of these based on build
// tags.
type Engine interface {
	// Name identifies the engine in logs and metrics ("goja", "v8").
	Name() string

	// NewIsolate creates an isolated heap. The returned Isolate is bound to
	// the calling goroutine for everything except Terminate.
	NewIsolate(opts IsolateOptions) (Isolate, error)
}

// Isolate owns a heap, the contexts created in it and the scripts compiled
// against it.
type Isolate interface {
	// Compile parses source into a context-agnostic Script. Syntax errors
	// are reported as *CompileError.
	Compile(source string, origin Origin) (Script, error)

	// NewContext creates a fresh global environment.
	NewContext() (Context, error)

	// Terminate aborts whatever JavaScript is currently running. It is the
	// only method safe to call from any goroutine.
	Terminate()

	// ResetTermination re-arms the isolate after a Terminate so that later
	// executions are not aborted.
	ResetTermination()

	HeapStatistics() HeapStatistics

	// Dispose frees the isolate and every context it owns.
	Dispose()
}

// HeapStatistics mirrors the engine heap counters. Engines that cannot
// measure a field leave it zero.
type HeapStatistics struct {
	TotalHeapSize    uint64
	UsedHeapSize     uint64
	HeapSizeLimit    uint64
	ExternalMemory   uint64
	MallocedMemory   uint64
	NativeContexts   uint64
	DetachedContexts uint64
}

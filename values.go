package ivm

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
)

type undefinedType struct{}

func (undefinedType) String() string { return "undefined" }

// Undefined is the Go form of JavaScript undefined. JavaScript null maps
// to nil.
var Undefined any = undefinedType{}

// IsUndefined reports whether v is Undefined.
func IsUndefined(v any) bool {
	_, ok := v.(undefinedType)
	return ok
}

// RegExp is a copied regular expression.
type RegExp struct {
	Source string
	Flags  string
}

// MapEntry is one key/value pair of a Map.
type MapEntry struct {
	Key   any
	Value any
}

// Map is a copied JavaScript Map. Keys may be any copyable value and keep
// their insertion order.
type Map struct {
	Entries []MapEntry
}

// Get returns the value stored under a primitive key.
func (m *Map) Get(key any) (any, bool) {
	if key != nil && !reflect.TypeOf(key).Comparable() {
		return nil, false
	}
	for _, e := range m.Entries {
		if e.Key != nil && reflect.TypeOf(e.Key).Comparable() && e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Set is a copied JavaScript Set.
type Set struct {
	Values []any
}

// TypedArray is a copied ArrayBuffer view. Kind is the constructor name
// (Uint8Array, Float64Array, DataView...). Length counts elements, or
// bytes for a DataView.
type TypedArray struct {
	Kind   string
	Buffer []byte
	Offset int
	Length int
}

// Copy marks a value to be deep-copied when transferred, whatever the
// transfer mode of the call. It is the explicit copy handle admitted by the
// default transfer mode.
type Copy struct {
	value any
	data  []byte // encoded tree, set for copies taken from an ExternalCopy
}

// CopyOf wraps v for transfer by copy.
func CopyOf(v any) *Copy {
	return &Copy{value: v}
}

// HostFunc is a Go function callable from JavaScript. Arguments arrive as
// copies. The result is copied back; returning a *JSError throws it.
type HostFunc func(ctx context.Context, args ...any) (any, error)

// Callback exposes a HostFunc to sandboxed code. Passing a Callback into a
// realm yields a JavaScript function.
type Callback struct {
	id uint64
	fn HostFunc
}

var (
	callbacks      sync.Map // uint64 -> *Callback
	nextCallbackID atomic.Uint64
)

// NewCallback registers fn. Callbacks live for the lifetime of the process
// unless released.
func NewCallback(fn HostFunc) *Callback {
	cb := &Callback{id: nextCallbackID.Add(1), fn: fn}
	callbacks.Store(cb.id, cb)
	return cb
}

// Call invokes the callback directly.
func (cb *Callback) Call(ctx context.Context, args ...any) (any, error) {
	return cb.fn(ctx, args...)
}

// Release unregisters the callback. JavaScript functions already created
// from it start throwing.
func (cb *Callback) Release() {
	callbacks.Delete(cb.id)
}

func lookupCallback(id uint64) (*Callback, bool) {
	v, ok := callbacks.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Callback), true
}

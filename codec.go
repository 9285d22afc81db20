package ivm

import (
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"time"

	"github.com/bytedance/sonic"
)

// node is one vertex of the value tree exchanged with the prelude. See
// internal/prelude for the tag table.
type node struct {
	T     string   `json:"t"`
	ID    int      `json:"id,omitempty"`
	B     bool     `json:"b,omitempty"`
	N     *float64 `json:"n,omitempty"`
	S     string   `json:"s,omitempty"`
	Name  string   `json:"name,omitempty"`
	Stack string   `json:"stack,omitempty"`
	Items []*node  `json:"items,omitempty"`
	Keys  []string `json:"keys,omitempty"`
	Len   int      `json:"len,omitempty"`
	Off   int      `json:"off,omitempty"`
	Buf   *node    `json:"buf,omitempty"`
	H     uint64   `json:"h,omitempty"`
	Type  string   `json:"type,omitempty"`
	L     *int64   `json:"l,omitempty"`
	V     *node    `json:"v,omitempty"`
}

// envelope is the result of every prelude operation.
type envelope struct {
	OK bool     `json:"ok"`
	V  *node    `json:"v,omitempty"`
	E  *errDesc `json:"e,omitempty"`
}

// errDesc describes a thrown value.
type errDesc struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack"`
	Value   *node  `json:"value,omitempty"`
	Code    string `json:"code,omitempty"`
}

const codeNonTransferable = "nontransferable"

func (d *errDesc) jsError() *JSError {
	e := &JSError{Name: d.Name, Message: d.Message, Stack: d.Stack}
	if d.Value != nil {
		if v, err := decodeNode(d.Value); err == nil {
			e.Value = v
		}
	}
	return e
}

// err converts a failed envelope into the error returned to Go callers.
func (d *errDesc) err() error {
	if d.Code == codeNonTransferable {
		return fmt.Errorf("%w: %s", ErrNonTransferable, d.Message)
	}
	return d.jsError()
}

func describeGoError(err error) *errDesc {
	if je, ok := err.(*JSError); ok {
		d := &errDesc{Name: je.Name, Message: je.Message, Stack: je.Stack}
		if je.Value != nil {
			if n, err := newEncoder().encode(je.Value); err == nil {
				d.Value = n
			}
		}
		return d
	}
	return &errDesc{Name: "Error", Message: err.Error()}
}

func okEnvelope(n *node) *envelope   { return &envelope{OK: true, V: n} }
func failEnvelope(err error) *envelope { return &envelope{E: describeGoError(err)} }

func marshalJSON(v any) (string, error) {
	s, err := sonic.MarshalString(v)
	if err != nil {
		return "", fmt.Errorf("encoding boundary value: %w", err)
	}
	return s, nil
}

func unmarshalEnvelope(s string) (*envelope, error) {
	var env envelope
	if err := sonic.UnmarshalString(s, &env); err != nil {
		return nil, fmt.Errorf("decoding boundary value: %w", err)
	}
	return &env, nil
}

var undefinedNode = &node{T: "u"}

func numberNode(f float64) *node {
	switch {
	case math.IsNaN(f):
		return &node{T: "num", S: "NaN"}
	case math.IsInf(f, 1):
		return &node{T: "num", S: "Infinity"}
	case math.IsInf(f, -1):
		return &node{T: "num", S: "-Infinity"}
	case f == 0 && math.Signbit(f):
		return &node{T: "num", S: "-0"}
	}
	return &node{T: "num", N: &f}
}

// primitiveNode encodes values that are transferable in every mode.
func primitiveNode(v any) (*node, bool) {
	switch x := v.(type) {
	case nil:
		return &node{T: "n"}, true
	case undefinedType:
		return undefinedNode, true
	case bool:
		return &node{T: "b", B: x}, true
	case string:
		return &node{T: "s", S: x}, true
	case float64:
		return numberNode(x), true
	case *big.Int:
		if x == nil {
			return &node{T: "n"}, true
		}
		return &node{T: "big", S: x.String()}, true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return numberNode(float64(rv.Int())), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return numberNode(float64(rv.Uint())), true
	case reflect.Float32, reflect.Float64:
		return numberNode(rv.Float()), true
	case reflect.String:
		return &node{T: "s", S: rv.String()}, true
	case reflect.Bool:
		return &node{T: "b", B: rv.Bool()}, true
	}
	return nil, false
}

// handleNode encodes the boundary handles admitted by the default mode.
func handleNode(v any) (*node, bool, error) {
	switch x := v.(type) {
	case *Reference:
		if x.released.Load() {
			return nil, true, ErrReleased
		}
		return &node{T: "ref", H: x.id, Type: x.typ}, true, nil
	case *ExternalCopy:
		if x.released.Load() {
			return nil, true, ErrReleased
		}
		return &node{T: "ext", H: x.id}, true, nil
	case *Callback:
		return &node{T: "fn", H: x.id}, true, nil
	case *Copy:
		n, err := x.node()
		return n, true, err
	}
	return nil, false, nil
}

func (c *Copy) node() (*node, error) {
	if c.data != nil {
		return decodeTree(c.data)
	}
	return newEncoder().encode(c.value)
}

func decodeTree(data []byte) (*node, error) {
	var n node
	if err := sonic.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("decoding stored value: %w", err)
	}
	return &n, nil
}

// encodeValue encodes a Go value for transfer into a realm.
func encodeValue(v any, opts TransferOptions) (*node, error) {
	switch opts.Mode {
	case TransferDefault:
		if n, ok := primitiveNode(v); ok {
			return n, nil
		}
		if n, ok, err := handleNode(v); ok {
			return n, err
		}
		return nil, fmt.Errorf("%w: %T needs a transfer mode", ErrNonTransferable, v)
	case TransferCopy:
		return newEncoder().encode(v)
	case TransferExternalCopy:
		if ec, ok := v.(*ExternalCopy); ok {
			return encodeValue(ec, TransferOptions{})
		}
		ec, err := NewExternalCopy(v)
		if err != nil {
			return nil, err
		}
		return &node{T: "ext", H: ec.id}, nil
	case TransferReference:
		switch v.(type) {
		case *Reference, *Callback:
			n, _, err := handleNode(v)
			return n, err
		}
		return nil, fmt.Errorf("%w: only JavaScript values and callbacks can be passed by reference, got %T", ErrNonTransferable, v)
	}
	return nil, fmt.Errorf("unknown transfer mode %v", opts.Mode)
}

// identity keys values that alias when copied.
type identity struct {
	ptr  uintptr
	kind reflect.Kind
	typ  reflect.Type
	n    int
}

type encoder struct {
	seen map[identity]int
	next int
}

func newEncoder() *encoder {
	return &encoder{seen: make(map[identity]int)}
}

// remember returns the id of an already visited value, or assigns one.
func (e *encoder) remember(key identity) (id int, seen bool) {
	if id, ok := e.seen[key]; ok {
		return id, true
	}
	e.next++
	e.seen[key] = e.next
	return e.next, false
}

func pointerIdentity(v any) identity {
	rv := reflect.ValueOf(v)
	return identity{ptr: rv.Pointer(), kind: rv.Kind(), typ: rv.Type()}
}

// encode deep-copies v into a node tree.
func (e *encoder) encode(v any) (*node, error) {
	if n, ok := primitiveNode(v); ok {
		return n, nil
	}
	if n, ok, err := handleNode(v); ok {
		return n, err
	}
	switch x := v.(type) {
	case time.Time:
		if x.IsZero() {
			return &node{T: "date", S: "NaN"}, nil
		}
		ms := float64(x.UnixNano()) / 1e6
		return &node{T: "date", N: &ms}, nil
	case *RegExp:
		id, seen := e.remember(pointerIdentity(x))
		if seen {
			return &node{T: "alias", ID: id}, nil
		}
		return &node{T: "re", ID: id, S: x.Source, Name: x.Flags}, nil
	case *JSError:
		id, seen := e.remember(pointerIdentity(x))
		if seen {
			return &node{T: "alias", ID: id}, nil
		}
		return &node{T: "err", ID: id, Name: x.Name, S: x.Message, Stack: x.Stack}, nil
	case []byte:
		return e.encodeBytes(x), nil
	case *TypedArray:
		id, seen := e.remember(pointerIdentity(x))
		if seen {
			return &node{T: "alias", ID: id}, nil
		}
		return &node{T: "view", ID: id, Name: x.Kind, Buf: e.encodeBytes(x.Buffer), Off: x.Offset, Len: x.Length}, nil
	case *Map:
		id, seen := e.remember(pointerIdentity(x))
		if seen {
			return &node{T: "alias", ID: id}, nil
		}
		n := &node{T: "map", ID: id, Items: make([]*node, 0, 2*len(x.Entries))}
		for _, entry := range x.Entries {
			k, err := e.encode(entry.Key)
			if err != nil {
				return nil, err
			}
			val, err := e.encode(entry.Value)
			if err != nil {
				return nil, err
			}
			n.Items = append(n.Items, k, val)
		}
		return n, nil
	case *Set:
		id, seen := e.remember(pointerIdentity(x))
		if seen {
			return &node{T: "alias", ID: id}, nil
		}
		n := &node{T: "set", ID: id, Items: make([]*node, 0, len(x.Values))}
		for _, member := range x.Values {
			m, err := e.encode(member)
			if err != nil {
				return nil, err
			}
			n.Items = append(n.Items, m)
		}
		return n, nil
	}
	return e.encodeReflect(v)
}

func (e *encoder) encodeBytes(b []byte) *node {
	if len(b) > 0 {
		id, seen := e.remember(identity{ptr: reflect.ValueOf(b).Pointer(), kind: reflect.Slice, n: len(b)})
		if seen {
			return &node{T: "alias", ID: id}
		}
		return &node{T: "ab", ID: id, S: hex.EncodeToString(b)}
	}
	e.next++
	return &node{T: "ab", ID: e.next}
}

func (e *encoder) encodeReflect(v any) (*node, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		var id int
		if rv.Kind() == reflect.Slice && rv.Len() > 0 {
			var seen bool
			id, seen = e.remember(identity{ptr: rv.Pointer(), kind: reflect.Slice, typ: rv.Type(), n: rv.Len()})
			if seen {
				return &node{T: "alias", ID: id}, nil
			}
		} else {
			e.next++
			id = e.next
		}
		n := &node{T: "arr", ID: id, Len: rv.Len(), Items: make([]*node, rv.Len())}
		for i := range rv.Len() {
			item, err := e.encode(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			n.Items[i] = item
		}
		return n, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: map key type %s", ErrNonTransferable, rv.Type().Key())
		}
		if rv.IsNil() {
			return &node{T: "n"}, nil
		}
		id, seen := e.remember(identity{ptr: rv.Pointer(), kind: reflect.Map, typ: rv.Type()})
		if seen {
			return &node{T: "alias", ID: id}, nil
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		n := &node{T: "obj", ID: id, Keys: keys, Items: make([]*node, len(keys))}
		for i, k := range keys {
			item, err := e.encode(rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key())).Interface())
			if err != nil {
				return nil, err
			}
			n.Items[i] = item
		}
		return n, nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return &node{T: "n"}, nil
		}
	}
	return nil, fmt.Errorf("%w: %T cannot be copied", ErrNonTransferable, v)
}

// decodeNode converts a node tree into Go values. Local handles must have
// been adopted by the owning realm first.
func decodeNode(n *node) (any, error) {
	d := &decoder{ids: make(map[int]any)}
	return d.decode(n)
}

type decoder struct {
	ids map[int]any
}

func (d *decoder) remember(n *node, v any) any {
	if n.ID != 0 {
		d.ids[n.ID] = v
	}
	return v
}

func decodeNumber(n *node) float64 {
	switch n.S {
	case "NaN":
		return math.NaN()
	case "Infinity":
		return math.Inf(1)
	case "-Infinity":
		return math.Inf(-1)
	case "-0":
		return math.Copysign(0, -1)
	}
	if n.N == nil {
		return 0
	}
	return *n.N
}

func (d *decoder) decode(n *node) (any, error) {
	if n == nil {
		return Undefined, nil
	}
	switch n.T {
	case "u", "hole":
		return Undefined, nil
	case "n":
		return nil, nil
	case "b":
		return n.B, nil
	case "num":
		return decodeNumber(n), nil
	case "big":
		b, ok := new(big.Int).SetString(n.S, 10)
		if !ok {
			return nil, fmt.Errorf("decoding bigint %q", n.S)
		}
		return b, nil
	case "s":
		return n.S, nil
	case "alias":
		v, ok := d.ids[n.ID]
		if !ok {
			return nil, fmt.Errorf("decoding value: dangling alias %d", n.ID)
		}
		return v, nil
	case "date":
		if n.S == "NaN" {
			return d.remember(n, time.Time{}), nil
		}
		ms := decodeNumber(n)
		return d.remember(n, time.Unix(0, int64(ms*1e6)).UTC()), nil
	case "re":
		return d.remember(n, &RegExp{Source: n.S, Flags: n.Name}), nil
	case "err":
		return d.remember(n, &JSError{Name: n.Name, Message: n.S, Stack: n.Stack}), nil
	case "ab":
		b, err := hex.DecodeString(n.S)
		if err != nil {
			return nil, fmt.Errorf("decoding array buffer: %w", err)
		}
		return d.remember(n, b), nil
	case "view":
		buf, err := d.decode(n.Buf)
		if err != nil {
			return nil, err
		}
		b, ok := buf.([]byte)
		if !ok {
			return nil, fmt.Errorf("decoding %s: buffer is %T", n.Name, buf)
		}
		return d.remember(n, &TypedArray{Kind: n.Name, Buffer: b, Offset: n.Off, Length: n.Len}), nil
	case "arr":
		out := make([]any, n.Len)
		d.remember(n, out)
		for i := range out {
			out[i] = Undefined
		}
		for i, item := range n.Items {
			if i >= len(out) {
				break
			}
			v, err := d.decode(item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case "obj":
		out := make(map[string]any, len(n.Keys))
		d.remember(n, out)
		for i, k := range n.Keys {
			if i >= len(n.Items) {
				break
			}
			v, err := d.decode(n.Items[i])
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case "map":
		m := &Map{}
		d.remember(n, m)
		for i := 0; i+1 < len(n.Items); i += 2 {
			k, err := d.decode(n.Items[i])
			if err != nil {
				return nil, err
			}
			v, err := d.decode(n.Items[i+1])
			if err != nil {
				return nil, err
			}
			m.Entries = append(m.Entries, MapEntry{Key: k, Value: v})
		}
		return m, nil
	case "set":
		s := &Set{}
		d.remember(n, s)
		for _, item := range n.Items {
			v, err := d.decode(item)
			if err != nil {
				return nil, err
			}
			s.Values = append(s.Values, v)
		}
		return s, nil
	case "ref":
		ref, ok := lookupReference(n.H)
		if !ok {
			return nil, ErrReleased
		}
		return ref, nil
	case "ext":
		ec, ok := lookupExternal(n.H)
		if !ok {
			return nil, ErrReleased
		}
		return ec, nil
	case "fn":
		cb, ok := lookupCallback(n.H)
		if !ok {
			return nil, ErrReleased
		}
		return cb, nil
	}
	return nil, fmt.Errorf("decoding value: unexpected tag %q", n.T)
}

// adopt rewrites realm-local parts of a tree received from r into global
// handles: local handles become References, external snapshots become
// ExternalCopies.
func (r *Realm) adopt(n *node) {
	if n == nil {
		return
	}
	switch n.T {
	case "lref":
		ref := newReference(r, int64(n.H), n.Type)
		n.T, n.H = "ref", ref.id
		return
	case "extnew":
		ec, err := externalFromNode(n.V)
		if err != nil {
			r.agent.log.Debug("snapshotting external copy failed")
			n.T, n.V = "u", nil
			return
		}
		n.T, n.H, n.V = "ext", ec.id, nil
		return
	}
	for _, item := range n.Items {
		r.adopt(item)
	}
	r.adopt(n.Buf)
	r.adopt(n.V)
}

// localize annotates references in a tree about to enter r so that the
// realm owning a value can dereference it directly.
func (r *Realm) localize(n *node) {
	if n == nil {
		return
	}
	if n.T == "ref" {
		n.L = nil
		if ref, ok := lookupReference(n.H); ok {
			n.Type = ref.typ
			if ref.realm == r {
				local := ref.local
				n.L = &local
			}
		}
		return
	}
	for _, item := range n.Items {
		r.localize(item)
	}
	r.localize(n.Buf)
	r.localize(n.V)
}

package ivm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type refState struct {
	id       uint64
	realm    *Realm
	local    int64 // handle in the owning realm's table
	typ      string
	released atomic.Bool
}

// Reference is a handle to a value owned by a realm. The value stays where
// it is; property access and calls are performed by the owning agent.
//
// A Reference must be released when no longer needed, otherwise the owning
// realm keeps the value alive until the realm goes away.
type Reference struct {
	*refState
	unsafeInherit bool
}

var (
	references      sync.Map // uint64 -> *Reference
	nextReferenceID atomic.Uint64
)

func newReference(r *Realm, local int64, typ string) *Reference {
	ref := &Reference{refState: &refState{
		id:    nextReferenceID.Add(1),
		realm: r,
		local: local,
		typ:   typ,
	}}
	references.Store(ref.id, ref)
	r.agent.refs.Add(1)
	return ref
}

func lookupReference(id uint64) (*Reference, bool) {
	v, ok := references.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Reference), true
}

// WithUnsafeInherit returns a view of the same reference whose Get and Set
// run accessors and proxy traps instead of refusing them.
func (ref *Reference) WithUnsafeInherit() *Reference {
	return &Reference{refState: ref.refState, unsafeInherit: true}
}

// Typeof is the JavaScript typeof of the referenced value.
func (ref *Reference) Typeof() string { return ref.typ }

// Realm returns the realm owning the referenced value.
func (ref *Reference) Realm() *Realm { return ref.realm }

// Released reports whether Release was called or the owning realm is gone.
func (ref *Reference) Released() bool {
	return ref.released.Load() || ref.realm.released.Load()
}

// Release drops the reference. It is idempotent.
func (ref *Reference) Release() {
	if !ref.released.CompareAndSwap(false, true) {
		return
	}
	references.Delete(ref.id)
	r := ref.realm
	r.agent.refs.Add(-1)
	if ref.local == 0 || r.released.Load() {
		return
	}
	local := ref.local
	r.post(func() {
		if _, err := r.call("release", r.ctx.Number(float64(local))); err != nil {
			r.log.Debug("releasing handle failed", zap.Error(err))
		}
	})
}

// Get reads a property of the referenced object. Accessors and proxies are
// refused unless the reference was made with WithUnsafeInherit.
func (ref *Reference) Get(ctx context.Context, key any, opts GetOptions) (any, error) {
	k, err := encodeValue(key, TransferOptions{})
	if err != nil {
		return nil, fmt.Errorf("encoding key: %w", err)
	}
	n, err := ref.invoke(ctx, &refCall{op: "get", key: k, result: opts.Result, timeout: opts.Timeout})
	if err != nil {
		return nil, err
	}
	return decodeNode(n)
}

// Set writes a property of the referenced object.
func (ref *Reference) Set(ctx context.Context, key, value any, opts SetOptions) (bool, error) {
	k, err := encodeValue(key, TransferOptions{})
	if err != nil {
		return false, fmt.Errorf("encoding key: %w", err)
	}
	v, err := encodeValue(value, opts.Value)
	if err != nil {
		return false, err
	}
	n, err := ref.invoke(ctx, &refCall{op: "set", key: k, value: v, timeout: opts.Timeout})
	if err != nil {
		return false, err
	}
	return n != nil && n.T == "b" && n.B, nil
}

// Delete removes a property of the referenced object.
func (ref *Reference) Delete(ctx context.Context, key any) (bool, error) {
	k, err := encodeValue(key, TransferOptions{})
	if err != nil {
		return false, fmt.Errorf("encoding key: %w", err)
	}
	n, err := ref.invoke(ctx, &refCall{op: "delete", key: k})
	if err != nil {
		return false, err
	}
	return n != nil && n.T == "b" && n.B, nil
}

// Apply calls the referenced function with the given receiver and
// arguments. A thrown JavaScript value is returned as a *JSError.
func (ref *Reference) Apply(ctx context.Context, recv any, args []any, opts ApplyOptions) (any, error) {
	c, err := ref.applyCall(recv, args, opts)
	if err != nil {
		return nil, err
	}
	n, err := ref.invoke(ctx, c)
	if err != nil {
		return nil, err
	}
	return decodeNode(n)
}

// ApplyIgnored schedules a call and returns without waiting for it. Only
// encoding errors are reported.
func (ref *Reference) ApplyIgnored(ctx context.Context, recv any, args []any, opts ApplyOptions) error {
	if ref.Released() {
		return ErrReleased
	}
	c, err := ref.applyCall(recv, args, opts)
	if err != nil {
		return err
	}
	c.result = TransferOptions{Mode: TransferReference}
	go func() {
		n, err := ref.invoke(detach(ctx), c)
		if err != nil {
			ref.realm.log.Debug("ignored call failed", zap.Error(err))
			return
		}
		if n != nil && n.T == "ref" {
			if res, ok := lookupReference(n.H); ok {
				res.Release()
			}
		}
	}()
	return nil
}

// ApplySyncPromise calls the referenced function and, if it returns a
// promise, waits for it to settle. It fails with ErrDeadlock when the
// owning agent is blocked in the calling chain, since the promise could
// never settle.
func (ref *Reference) ApplySyncPromise(ctx context.Context, recv any, args []any, opts ApplyOptions) (any, error) {
	if activeFrame(ctx).holds(ref.realm.agent) {
		return nil, ErrDeadlock
	}
	opts.Result.Promise = true
	return ref.Apply(ctx, recv, args, opts)
}

// Copy deep-copies the referenced value.
func (ref *Reference) Copy(ctx context.Context) (any, error) {
	n, err := ref.invoke(ctx, &refCall{op: "copy"})
	if err != nil {
		return nil, err
	}
	return decodeNode(n)
}

func (ref *Reference) applyCall(recv any, args []any, opts ApplyOptions) (*refCall, error) {
	r, err := encodeValue(recv, opts.Arguments)
	if err != nil {
		return nil, fmt.Errorf("encoding receiver: %w", err)
	}
	c := &refCall{op: "apply", recv: r, args: make([]*node, len(args)), result: opts.Result, timeout: opts.Timeout}
	for i, a := range args {
		n, err := encodeValue(a, opts.Arguments)
		if err != nil {
			return nil, fmt.Errorf("encoding argument %d: %w", i, err)
		}
		c.args[i] = n
	}
	return c, nil
}

// refCall is one operation on a referenced value, with operands already in
// boundary form.
type refCall struct {
	op      string
	key     *node
	value   *node
	recv    *node
	args    []*node
	result  TransferOptions
	timeout time.Duration
}

// invoke runs c against the referenced value on the owning agent and
// returns the result in boundary form.
func (ref *Reference) invoke(ctx context.Context, c *refCall) (*node, error) {
	if ref.Released() {
		return nil, ErrReleased
	}
	r := ref.realm
	a := r.agent
	if c.result.Promise && activeFrame(ctx).holds(a) {
		return nil, ErrDeadlock
	}
	start := time.Now()
	var env *envelope
	err := a.exec(ctx, c.timeout, func(context.Context) error {
		var err error
		env, err = r.dispatch(ref.local, ref.unsafeInherit, c)
		return err
	})
	if err != nil {
		return nil, err
	}
	env, err = r.settled(ctx, env, c.timeout, start)
	if err != nil {
		return nil, err
	}
	if !env.OK {
		return nil, env.E.err()
	}
	if env.V == nil {
		return undefinedNode, nil
	}
	return env.V, nil
}

// dispatch performs c in the realm. Loop goroutine only.
func (r *Realm) dispatch(local int64, unsafe bool, c *refCall) (*envelope, error) {
	h := r.ctx.Number(float64(local))
	switch c.op {
	case "get":
		key, err := r.arg(c.key)
		if err != nil {
			return nil, err
		}
		return r.callEnvelope("get", h, key, r.ctx.Bool(unsafe),
			r.ctx.String(c.result.Mode.String()), r.ctx.Bool(c.result.Promise))
	case "set":
		key, err := r.arg(c.key)
		if err != nil {
			return nil, err
		}
		value, err := r.arg(c.value)
		if err != nil {
			return nil, err
		}
		return r.callEnvelope("set", h, key, value, r.ctx.Bool(unsafe))
	case "delete":
		key, err := r.arg(c.key)
		if err != nil {
			return nil, err
		}
		return r.callEnvelope("del", h, key, r.ctx.Bool(unsafe))
	case "apply":
		recv, err := r.arg(c.recv)
		if err != nil {
			return nil, err
		}
		items := c.args
		if items == nil {
			items = []*node{}
		}
		args, err := r.arg(&node{T: "arr", Len: len(items), Items: items})
		if err != nil {
			return nil, err
		}
		return r.callEnvelope("apply", h, recv, args,
			r.ctx.String(c.result.Mode.String()), r.ctx.Bool(c.result.Promise))
	case "copy":
		return r.callEnvelope("copy", h)
	}
	return nil, fmt.Errorf("unknown reference operation %q", c.op)
}

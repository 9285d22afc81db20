package ivm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/cryguy/ivm/internal/core"
	"github.com/cryguy/ivm/internal/eventloop"
	"github.com/cryguy/ivm/internal/prelude"
)

// Realm is one global environment of an agent. Scripts and modules run
// against exactly one realm; realms of an agent share compiled code but not
// globals.
type Realm struct {
	agent *Agent
	id    uint64
	ctx   core.Context
	log   *zap.Logger

	apiObj core.Value
	api    map[string]core.Value
	global *Reference

	released    atomic.Bool
	releasedCh  chan struct{}
	releaseOnce sync.Once

	promises *promiseTable
}

var apiMethods = []string{
	"exportValue", "describe", "get", "set", "del", "apply", "copy", "release", "settle",
	"moduleInstantiate", "moduleSynthetic", "moduleLink", "moduleEvaluate", "moduleNamespace",
}

func newRealm(a *Agent, id uint64, c core.Context) *Realm {
	return &Realm{
		agent:      a,
		id:         id,
		ctx:        c,
		log:        a.log.With(zap.Uint64("realm", id)),
		api:        make(map[string]core.Value, len(apiMethods)),
		releasedCh: make(chan struct{}),
		promises:   newPromiseTable(),
	}
}

// init evaluates the prelude and binds the host entry point. Runs on the
// loop goroutine.
func (r *Realm) init() error {
	factory, err := r.ctx.Eval(prelude.Source, prelude.Name)
	if err != nil {
		return fmt.Errorf("evaluating prelude: %w", err)
	}
	host, err := r.ctx.Function("host", r.host)
	if err != nil {
		return fmt.Errorf("binding host function: %w", err)
	}
	api, err := r.ctx.Call(factory, r.ctx.Undefined(), host, r.ctx.Number(float64(r.id)))
	if err != nil {
		return fmt.Errorf("starting prelude: %w", err)
	}
	r.apiObj = api
	for _, name := range apiMethods {
		fn, err := r.ctx.Get(api, name)
		if err != nil {
			return fmt.Errorf("reading prelude method %s: %w", name, err)
		}
		r.api[name] = fn
	}
	r.global = newReference(r, 0, "object")
	return nil
}

// Agent returns the agent owning the realm.
func (r *Realm) Agent() *Agent { return r.agent }

// ID identifies the realm within its agent.
func (r *Realm) ID() uint64 { return r.id }

// Global returns a reference to the realm's globalThis.
func (r *Realm) Global() *Reference { return r.global }

// Released reports whether the realm was released or its agent disposed.
func (r *Realm) Released() bool { return r.released.Load() }

// Release discards the realm. References into it fail with ErrReleased
// from now on.
func (r *Realm) Release() {
	if r.released.Load() {
		return
	}
	r.markReleased()
	r.agent.forgetRealm(r)
	r.post(func() { r.closeContext() })
}

func (r *Realm) markReleased() {
	r.releaseOnce.Do(func() {
		r.released.Store(true)
		close(r.releasedCh)
		if r.global != nil {
			r.global.Release()
		}
	})
}

func (r *Realm) closeContext() {
	if r.ctx != nil {
		r.ctx.Close()
	}
}

// post queues fn on the agent loop without waiting. Used for cleanup.
func (r *Realm) post(fn func()) {
	r.agent.loop.Post(eventloop.NewTask(fn))
}

// call invokes a prelude method. Loop goroutine only.
func (r *Realm) call(name string, args ...core.Value) (core.Value, error) {
	if r.released.Load() {
		return nil, ErrReleased
	}
	fn, ok := r.api[name]
	if !ok {
		return nil, fmt.Errorf("unknown prelude method %s", name)
	}
	return r.ctx.Call(fn, r.apiObj, args...)
}

// callEnvelope invokes a prelude method answering with an envelope and
// adopts the handles it carries.
func (r *Realm) callEnvelope(name string, args ...core.Value) (*envelope, error) {
	v, err := r.call(name, args...)
	if err != nil {
		var ex *core.Exception
		if errors.As(err, &ex) {
			return &envelope{E: r.describeException(ex)}, nil
		}
		return nil, err
	}
	env, err := unmarshalEnvelope(r.ctx.ToString(v))
	if err != nil {
		return nil, err
	}
	r.adoptEnvelope(env)
	return env, nil
}

func (r *Realm) adoptEnvelope(env *envelope) {
	if env.OK {
		r.adopt(env.V)
	} else if env.E != nil {
		r.adopt(env.E.Value)
	}
}

// arg encodes a node for a prelude call into this realm.
func (r *Realm) arg(n *node) (core.Value, error) {
	if n == nil {
		n = undefinedNode
	}
	r.localize(n)
	s, err := marshalJSON(n)
	if err != nil {
		return nil, err
	}
	return r.ctx.String(s), nil
}

// exportValue classifies a value produced in this realm.
func (r *Realm) exportValue(v core.Value, opts TransferOptions) (*envelope, error) {
	return r.callEnvelope("exportValue", v, r.ctx.String(opts.Mode.String()), r.ctx.Bool(opts.Promise))
}

var errorHead = regexp.MustCompile(`^([A-Za-z_$][\w$]*): ([\s\S]*)$`)

// describeException turns an engine exception into an error description.
func (r *Realm) describeException(ex *core.Exception) *errDesc {
	if ex.Value != nil {
		if v, err := r.call("describe", ex.Value); err == nil {
			var d errDesc
			if err := sonic.UnmarshalString(r.ctx.ToString(v), &d); err == nil {
				r.adopt(d.Value)
				return &d
			}
		}
	}
	d := &errDesc{Name: "Error", Message: ex.Message, Stack: ex.Stack}
	if m := errorHead.FindStringSubmatch(ex.Message); m != nil {
		d.Name, d.Message = m[1], m[2]
	}
	return d
}

// complete turns the envelope of a finished evaluation into a Completion,
// waiting for a promise result if one was requested.
func (r *Realm) complete(ctx context.Context, env *envelope, timeout time.Duration, start time.Time) (*Completion[any], error) {
	env, err := r.settled(ctx, env, timeout, start)
	if err != nil {
		return nil, err
	}
	if !env.OK {
		if env.E.Code == codeNonTransferable {
			return nil, env.E.err()
		}
		return Threw[any](env.E.jsError()), nil
	}
	v, err := decodeNode(env.V)
	if err != nil {
		return nil, err
	}
	return Completed(v), nil
}

// settled resolves an envelope holding a promise node by waiting for the
// realm to settle it.
func (r *Realm) settled(ctx context.Context, env *envelope, timeout time.Duration, start time.Time) (*envelope, error) {
	if !env.OK || env.V == nil || env.V.T != "promise" {
		return env, nil
	}
	if timeout <= 0 {
		timeout = r.agent.opts.DefaultTimeout
	}
	var remaining time.Duration
	if timeout > 0 {
		remaining = timeout - time.Since(start)
		if remaining <= 0 {
			r.promises.forget(env.V.H)
			return nil, ErrTimeout
		}
	}
	return r.promises.wait(ctx, env.V.H, remaining, r)
}

// host is the single entry point the prelude calls. It runs on the loop
// goroutine, inside whichever task is executing JavaScript.
func (r *Realm) host(args []core.Value) (core.Value, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("host: missing operation")
	}
	op := r.ctx.ToString(args[0])
	var payload string
	if len(args) > 1 {
		payload = r.ctx.ToString(args[1])
	}
	ctx := r.agent.currentCtx()
	switch op {
	case "refop":
		return r.hostRefop(ctx, payload)
	case "refrelease":
		var p struct {
			H uint64 `json:"h"`
		}
		if err := sonic.UnmarshalString(payload, &p); err != nil {
			return nil, fmt.Errorf("host refrelease: %w", err)
		}
		if ref, ok := lookupReference(p.H); ok {
			ref.Release()
		}
		return r.ctx.Undefined(), nil
	case "call":
		return r.hostCall(ctx, payload)
	case "extcopy":
		var p struct {
			H uint64 `json:"h"`
		}
		if err := sonic.UnmarshalString(payload, &p); err != nil {
			return nil, fmt.Errorf("host extcopy: %w", err)
		}
		ec, ok := lookupExternal(p.H)
		if !ok {
			return r.reply(nil, ErrReleased)
		}
		n, err := ec.node()
		return r.reply(n, err)
	case "extrelease":
		var p struct {
			H uint64 `json:"h"`
		}
		if err := sonic.UnmarshalString(payload, &p); err != nil {
			return nil, fmt.Errorf("host extrelease: %w", err)
		}
		if ec, ok := lookupExternal(p.H); ok {
			ec.Release()
		}
		return r.ctx.Undefined(), nil
	case "settle":
		var p struct {
			Pid uint64   `json:"pid"`
			Env envelope `json:"env"`
		}
		if err := sonic.UnmarshalString(payload, &p); err != nil {
			return nil, fmt.Errorf("host settle: %w", err)
		}
		r.adoptEnvelope(&p.Env)
		r.promises.deliver(p.Pid, &p.Env)
		return r.ctx.Undefined(), nil
	}
	return nil, fmt.Errorf("host: unknown operation %q", op)
}

// reply answers a host operation with an envelope for this realm. Errors
// that must unwind the running script are thrown instead.
func (r *Realm) reply(n *node, err error) (core.Value, error) {
	if err != nil {
		if r.mustUnwind(err) {
			return nil, err
		}
		return r.envelopeValue(failEnvelope(err))
	}
	return r.envelopeValue(okEnvelope(n))
}

func (r *Realm) envelopeValue(env *envelope) (core.Value, error) {
	if env.OK {
		if env.V == nil {
			env.V = undefinedNode
		}
		r.localize(env.V)
	}
	s, err := marshalJSON(env)
	if err != nil {
		return nil, err
	}
	return r.ctx.String(s), nil
}

func (r *Realm) mustUnwind(err error) bool {
	return errors.Is(err, core.ErrInterrupted) ||
		(r.agent.Disposed() && (errors.Is(err, ErrDisposed) || errors.Is(err, ErrCatastrophic)))
}

type refopPayload struct {
	H       uint64     `json:"h"`
	Op      string     `json:"op"`
	Flavor  string     `json:"flavor"`
	Pid     uint64     `json:"pid"`
	Key     *node      `json:"key"`
	Value   *node      `json:"value"`
	Recv    *node      `json:"recv"`
	Args    []*node    `json:"args"`
	Result  jsTransfer `json:"result"`
	Timeout float64    `json:"timeout"`
}

// hostRefop performs an operation requested through a sandbox-side
// Reference wrapper.
func (r *Realm) hostRefop(ctx context.Context, payload string) (core.Value, error) {
	var p refopPayload
	if err := sonic.UnmarshalString(payload, &p); err != nil {
		return nil, fmt.Errorf("host refop: %w", err)
	}
	result, err := p.Result.options()
	if err != nil {
		return r.reply(nil, err)
	}
	r.adopt(p.Key)
	r.adopt(p.Value)
	r.adopt(p.Recv)
	for _, a := range p.Args {
		r.adopt(a)
	}
	c := &refCall{
		op:      p.Op,
		key:     p.Key,
		value:   p.Value,
		recv:    p.Recv,
		args:    p.Args,
		result:  result,
		timeout: time.Duration(p.Timeout * float64(time.Millisecond)),
	}
	ref, ok := lookupReference(p.H)
	if !ok {
		if p.Flavor == "async" {
			r.settleLater(p.Pid, nil, ErrReleased)
			return r.ctx.Undefined(), nil
		}
		return r.reply(nil, ErrReleased)
	}

	switch p.Flavor {
	case "sync":
		n, err := ref.invoke(ctx, c)
		return r.reply(n, err)
	case "syncPromise":
		if activeFrame(ctx).holds(ref.realm.agent) {
			return r.reply(nil, ErrDeadlock)
		}
		c.result.Promise = true
		n, err := ref.invoke(ctx, c)
		return r.reply(n, err)
	case "ignored":
		go func() {
			if _, err := ref.invoke(detach(ctx), c); err != nil {
				r.log.Debug("ignored reference operation failed", zap.String("op", c.op), zap.Error(err))
			}
		}()
		return r.ctx.Undefined(), nil
	case "async":
		go func() {
			n, err := ref.invoke(detach(ctx), c)
			r.settleLater(p.Pid, n, err)
		}()
		return r.ctx.Undefined(), nil
	}
	return nil, fmt.Errorf("host refop: unknown flavor %q", p.Flavor)
}

// settleLater resolves a sandbox promise created by an async operation.
func (r *Realm) settleLater(pid uint64, n *node, err error) {
	env := okEnvelope(n)
	if err != nil {
		env = failEnvelope(err)
	} else if n == nil {
		env.V = undefinedNode
	}
	ctx := context.Background()
	err = r.agent.exec(ctx, 0, func(context.Context) error {
		if r.released.Load() {
			return nil
		}
		if env.OK {
			r.localize(env.V)
		}
		s, err := marshalJSON(env)
		if err != nil {
			return err
		}
		_, err = r.call("settle", r.ctx.Number(float64(pid)), r.ctx.String(s))
		return err
	})
	if err != nil && !errors.Is(err, ErrDisposed) {
		r.log.Debug("settling async operation failed", zap.Error(err))
	}
}

// hostCall invokes a Callback on behalf of sandboxed code.
func (r *Realm) hostCall(ctx context.Context, payload string) (core.Value, error) {
	var p struct {
		H    uint64  `json:"h"`
		Args []*node `json:"args"`
	}
	if err := sonic.UnmarshalString(payload, &p); err != nil {
		return nil, fmt.Errorf("host call: %w", err)
	}
	cb, ok := lookupCallback(p.H)
	if !ok {
		return r.reply(nil, ErrReleased)
	}
	args := make([]any, len(p.Args))
	for i, n := range p.Args {
		r.adopt(n)
		v, err := decodeNode(n)
		if err != nil {
			return r.reply(nil, err)
		}
		args[i] = v
	}
	if f := callerFrame(ctx); f != nil {
		withRealm := *f
		withRealm.realm = r
		ctx = context.WithValue(ctx, frameKey{}, &withRealm)
	}
	result, err := cb.fn(ctx, args...)
	if err != nil {
		return r.reply(nil, err)
	}
	n, err := newEncoder().encode(result)
	return r.reply(n, err)
}

// promiseTable pairs promise results delivered by a realm with the Go
// callers waiting for them. Results may arrive before the waiter.
type promiseTable struct {
	mu      sync.Mutex
	results map[uint64]*envelope
	waiters map[uint64]chan *envelope
}

func newPromiseTable() *promiseTable {
	return &promiseTable{
		results: make(map[uint64]*envelope),
		waiters: make(map[uint64]chan *envelope),
	}
}

func (t *promiseTable) deliver(pid uint64, env *envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.waiters[pid]; ok {
		delete(t.waiters, pid)
		ch <- env
		return
	}
	t.results[pid] = env
}

func (t *promiseTable) forget(pid uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.results, pid)
	delete(t.waiters, pid)
}

func (t *promiseTable) wait(ctx context.Context, pid uint64, timeout time.Duration, r *Realm) (*envelope, error) {
	t.mu.Lock()
	if env, ok := t.results[pid]; ok {
		delete(t.results, pid)
		t.mu.Unlock()
		return env, nil
	}
	ch := make(chan *envelope, 1)
	t.waiters[pid] = ch
	t.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case env := <-ch:
		return env, nil
	case <-expired:
		t.forget(pid)
		if r.agent.opts.Metrics != nil {
			r.agent.opts.Metrics.IncTimeout()
		}
		return nil, ErrTimeout
	case <-ctx.Done():
		t.forget(pid)
		return nil, ctx.Err()
	case <-r.agent.disposed:
		return nil, r.agent.disposedErr()
	case <-r.releasedCh:
		return nil, ErrReleased
	}
}

package ivm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cryguy/ivm/internal/eventloop"
)

const (
	// TimersCapabilitySpecifier is the scheduling capability behind the
	// timers module: schedule("now") reads the host clock in milliseconds
	// and schedule("wake", at) asks to be woken no later than at.
	TimersCapabilitySpecifier = "ivm:capability/timers"
	// TimersSpecifier exports setTimeout, setInterval, clearTimeout and
	// clearInterval.
	TimersSpecifier = "ivm:timers"
)

// timersSource keeps every logical timer of a realm in one queue ordered by
// deadline, then by creation. The host only ever holds the earliest
// deadline.
const timersSource = `import schedule from "ivm:capability/timers";

const queue = [];
const active = new Map();
let nextId = 1;
let seq = 0;
let armed = Infinity;

function before(a, b) {
	return a.deadline < b.deadline || (a.deadline === b.deadline && a.seq < b.seq);
}

function arm(deadline) {
	if (deadline < armed) {
		armed = deadline;
		schedule("wake", deadline);
	}
}

function insert(timer) {
	let lo = 0;
	let hi = queue.length;
	while (lo < hi) {
		const mid = (lo + hi) >>> 1;
		if (before(queue[mid], timer)) {
			lo = mid + 1;
		} else {
			hi = mid;
		}
	}
	queue.splice(lo, 0, timer);
	arm(timer.deadline);
}

function add(fn, delay, args, repeat) {
	if (typeof fn !== "function") {
		throw new TypeError("Callback must be a function");
	}
	delay = Number(delay);
	if (!(delay > 0)) {
		delay = 0;
	}
	if (repeat && delay < 1) {
		delay = 1;
	}
	const timer = { id: nextId++, fn, args, delay, repeat, cleared: false, seq: seq++, deadline: schedule("now") + delay };
	active.set(timer.id, timer);
	insert(timer);
	return timer.id;
}

export function setTimeout(fn, delay, ...args) {
	return add(fn, delay, args, false);
}

export function setInterval(fn, delay, ...args) {
	return add(fn, delay, args, true);
}

export function clearTimeout(id) {
	const timer = active.get(id);
	if (timer !== undefined) {
		active.delete(id);
		timer.cleared = true;
	}
}

export const clearInterval = clearTimeout;

export function install() {
	globalThis.setTimeout = setTimeout;
	globalThis.setInterval = setInterval;
	globalThis.clearTimeout = clearTimeout;
	globalThis.clearInterval = clearInterval;
}

export function pending() {
	return active.size;
}

export function runTimers() {
	armed = Infinity;
	const now = schedule("now");
	const limit = seq;
	let failed = false;
	let error;
	while (queue.length > 0 && queue[0].deadline <= now && queue[0].seq < limit) {
		const timer = queue.shift();
		if (timer.cleared) {
			continue;
		}
		if (!timer.repeat) {
			active.delete(timer.id);
		}
		try {
			timer.fn(...timer.args);
		} catch (e) {
			if (!failed) {
				failed = true;
				error = e;
			}
		}
		if (timer.repeat && !timer.cleared) {
			timer.seq = seq++;
			timer.deadline = schedule("now") + timer.delay;
			insert(timer);
		}
	}
	if (queue.length > 0) {
		arm(queue[0].deadline);
	}
	if (failed) {
		throw error;
	}
}
`

// Timers gives realms of one agent setTimeout and friends. The sandbox keeps
// its own timer queue; the host side is a single coalescing wakeup per
// realm.
type Timers struct {
	agent      *Agent
	start      time.Time
	capability *Module
	module     *Module
	callback   *Callback

	mu     sync.Mutex
	realms map[*Realm]*realmTimers
	closed bool
}

type realmTimers struct {
	wake *eventloop.Wakeup
	run  *Reference
}

// NewTimers compiles the timers modules for agent.
func NewTimers(ctx context.Context, agent *Agent) (*Timers, error) {
	t := &Timers{
		agent:  agent,
		start:  time.Now(),
		realms: make(map[*Realm]*realmTimers),
	}
	capability, err := agent.CreateCapability(ctx, t.schedule, CapabilityOptions{Origin: TimersCapabilitySpecifier})
	if err != nil {
		return nil, fmt.Errorf("creating timers capability: %w", err)
	}
	t.capability = capability
	t.callback = capability.capability

	c, err := agent.CompileModule(ctx, timersSource, ModuleOptions{Filename: TimersSpecifier})
	if err != nil {
		return nil, fmt.Errorf("compiling timers module: %w", err)
	}
	if t.module, err = ExpectComplete(c); err != nil {
		return nil, fmt.Errorf("compiling timers module: %w", err)
	}
	return t, nil
}

// Linker serves the two timers specifiers.
func (t *Timers) Linker() Linker {
	return PreloadedLinker{
		TimersCapabilitySpecifier: t.capability,
		TimersSpecifier:           t.module,
	}
}

// Install evaluates the timers module in realm and defines its functions on
// the realm's global object.
func (t *Timers) Install(ctx context.Context, realm *Realm) error {
	if err := t.module.Link(ctx, realm, t.Linker()); err != nil {
		return fmt.Errorf("linking timers: %w", err)
	}
	c, err := t.module.Evaluate(ctx, realm, EvaluateOptions{})
	if err != nil {
		return fmt.Errorf("evaluating timers: %w", err)
	}
	if _, err := ExpectComplete(c); err != nil {
		return fmt.Errorf("evaluating timers: %w", err)
	}
	_, err = t.call(ctx, realm, "install")
	return err
}

// call invokes an export of the timers module in realm.
func (t *Timers) call(ctx context.Context, realm *Realm, name string) (any, error) {
	ns, err := t.module.Namespace(ctx, realm)
	if err != nil {
		return nil, err
	}
	defer ns.Release()
	v, err := ns.Get(ctx, name, GetOptions{Result: TransferOptions{Mode: TransferReference}})
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	fn, ok := v.(*Reference)
	if !ok {
		return nil, fmt.Errorf("timers export %s is not a function", name)
	}
	defer fn.Release()
	return fn.Apply(ctx, Undefined, nil, ApplyOptions{})
}

// Pending returns how many timers of realm are still scheduled.
func (t *Timers) Pending(ctx context.Context, realm *Realm) (int, error) {
	n, err := t.call(ctx, realm, "pending")
	if err != nil {
		return 0, err
	}
	f, _ := n.(float64)
	return int(f), nil
}

// Close stops every wakeup. Timers still queued in the sandbox never fire.
func (t *Timers) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	realms := t.realms
	t.realms = make(map[*Realm]*realmTimers)
	t.mu.Unlock()

	for _, rt := range realms {
		rt.wake.Stop()
		if rt.run != nil {
			rt.run.Release()
		}
	}
	t.callback.Release()
}

func (t *Timers) elapsed() float64 {
	return float64(time.Since(t.start)) / float64(time.Millisecond)
}

// schedule is the capability function.
func (t *Timers) schedule(ctx context.Context, args ...any) (any, error) {
	op, _ := argAt(args, 0).(string)
	switch op {
	case "now":
		return t.elapsed(), nil
	case "wake":
		at, ok := argAt(args, 1).(float64)
		if !ok {
			return nil, &JSError{Name: "TypeError", Message: "wake deadline must be a number"}
		}
		realm := CallerRealm(ctx)
		if realm == nil {
			return nil, errors.New("timers: wake requested outside of a realm")
		}
		if rt := t.state(realm); rt != nil {
			rt.wake.Schedule(t.start.Add(time.Duration(at * float64(time.Millisecond))))
		}
		return Undefined, nil
	}
	return nil, &JSError{Name: "TypeError", Message: fmt.Sprintf("unknown timers operation %q", op)}
}

func argAt(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return Undefined
}

func (t *Timers) state(realm *Realm) *realmTimers {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	rt, ok := t.realms[realm]
	if !ok {
		rt = &realmTimers{}
		rt.wake = eventloop.NewWakeup(func() { t.fire(realm) })
		t.realms[realm] = rt
	}
	return rt
}

func (t *Timers) forget(realm *Realm) {
	t.mu.Lock()
	rt, ok := t.realms[realm]
	delete(t.realms, realm)
	t.mu.Unlock()
	if !ok {
		return
	}
	rt.wake.Stop()
	if rt.run != nil {
		rt.run.Release()
	}
}

// runner returns the realm's runTimers function, resolving it on first use.
func (t *Timers) runner(ctx context.Context, realm *Realm, rt *realmTimers) (*Reference, error) {
	t.mu.Lock()
	run := rt.run
	t.mu.Unlock()
	if run != nil {
		return run, nil
	}
	ns, err := t.module.Namespace(ctx, realm)
	if err != nil {
		return nil, err
	}
	defer ns.Release()
	v, err := ns.Get(ctx, "runTimers", GetOptions{Result: TransferOptions{Mode: TransferReference}})
	if err != nil {
		return nil, err
	}
	run, ok := v.(*Reference)
	if !ok {
		return nil, errors.New("timers export runTimers is not a function")
	}
	t.mu.Lock()
	if rt.run == nil {
		rt.run = run
	} else {
		run.Release()
		run = rt.run
	}
	t.mu.Unlock()
	return run, nil
}

// fire runs the due timers of realm. Called from the wakeup goroutine.
func (t *Timers) fire(realm *Realm) {
	t.mu.Lock()
	rt, ok := t.realms[realm]
	t.mu.Unlock()
	if !ok {
		return
	}
	ctx := context.Background()
	run, err := t.runner(ctx, realm, rt)
	if err == nil {
		_, err = run.Apply(ctx, Undefined, nil, ApplyOptions{})
	}
	var jsErr *JSError
	switch {
	case err == nil:
	case errors.As(err, &jsErr):
		realm.log.Warn("timer callback failed", zap.Error(err))
	case errors.Is(err, ErrReleased), errors.Is(err, ErrDisposed), errors.Is(err, ErrCatastrophic):
		t.forget(realm)
	default:
		realm.log.Warn("running timers failed", zap.Error(err))
	}
}

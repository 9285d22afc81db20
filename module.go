package ivm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cryguy/ivm/internal/codecache"
	"github.com/cryguy/ivm/internal/core"
	"github.com/cryguy/ivm/internal/esm"
)

// Request is one import of a module: a specifier plus import attributes.
type Request = esm.Request

// ModuleOptions sets the origin of a compiled module.
type ModuleOptions = ScriptOptions

// CapabilityOptions configures CreateCapability.
type CapabilityOptions struct {
	// Origin names the capability in errors and logs, usually the
	// specifier it is exposed under.
	Origin string
}

// Module is a compiled ES module, or a capability backed by a Go function.
// A module is linked and evaluated separately in every realm it is used in.
type Module struct {
	agent    *Agent
	id       string
	origin   string
	requests []Request

	script     core.Script // nil for capabilities
	capability *Callback

	mu        sync.Mutex
	instances map[*Realm]*moduleInstance
}

type moduleInstance struct {
	linked     bool
	evaluating chan struct{}
	completion *Completion[any]
	aborted    error
}

var (
	sharedCacheOnce sync.Once
	sharedCache     codecache.Store
)

// defaultModuleCache is the in-memory cache used by agents without one.
func defaultModuleCache() codecache.Store {
	sharedCacheOnce.Do(func() {
		c, err := codecache.NewLRU(512)
		if err != nil {
			panic(err)
		}
		sharedCache = c
	})
	return sharedCache
}

func (a *Agent) moduleCache() codecache.Store {
	if a.opts.ModuleCache != nil {
		return a.opts.ModuleCache
	}
	return defaultModuleCache()
}

func newModule(a *Agent, origin string) *Module {
	return &Module{
		agent:     a,
		id:        uuid.NewString(),
		origin:    origin,
		instances: make(map[*Realm]*moduleInstance),
	}
}

// CompileModule compiles an ES module. Syntax errors, including top-level
// await, are returned as a throw completion.
func (a *Agent) CompileModule(ctx context.Context, code string, opts ModuleOptions) (*Completion[*Module], error) {
	if a.Disposed() {
		return nil, a.disposedErr()
	}
	origin := opts.origin()
	entry, err := a.lower(code, origin.Name)
	if err != nil {
		var syn *esm.SyntaxError
		if errors.As(err, &syn) {
			if a.opts.Metrics != nil {
				a.opts.Metrics.IncCompileFailure("module")
			}
			a.log.Debug("module compilation failed", zap.String("module", origin.Name), zap.Error(err))
			return Threw[*Module](&JSError{
				Name:    "SyntaxError",
				Message: syn.Message,
				Stack:   fmt.Sprintf("SyntaxError: %s\n    at %s:%d:%d", syn.Message, syn.File, syn.Line+origin.LineOffset, syn.Column),
			}), nil
		}
		return nil, err
	}

	var (
		compiled   core.Script
		compileErr *core.CompileError
	)
	err = a.exec(ctx, 0, func(context.Context) error {
		s, err := a.iso.Compile(entry.Lowered, origin)
		if errors.As(err, &compileErr) {
			return nil
		}
		compiled = s
		return err
	})
	if err != nil {
		return nil, err
	}
	if compileErr != nil {
		if a.opts.Metrics != nil {
			a.opts.Metrics.IncCompileFailure("module")
		}
		return Threw[*Module](compileErrorJS(compileErr, origin.Name)), nil
	}
	m := newModule(a, origin.Name)
	m.requests = entry.Requests
	m.script = compiled
	return Completed(m), nil
}

// lower transforms module source into a factory function, going through the
// module cache.
func (a *Agent) lower(code, name string) (*codecache.Entry, error) {
	cache := a.moduleCache()
	key := codecache.Key(code)
	if e, ok := cache.Get(key); ok {
		a.log.Debug("module cache hit", zap.String("module", name))
		return e, nil
	}
	lowered, err := esm.Lower(code, name)
	if err != nil {
		return nil, err
	}
	e := &codecache.Entry{Lowered: lowered.Source, Requests: lowered.Requests}
	if err := cache.Put(key, e); err != nil {
		a.log.Warn("storing module in cache failed", zap.String("module", name), zap.Error(err))
	}
	return e, nil
}

// CreateCapability exposes fn as a module whose default export is a
// function calling fn. Arguments and the result are copied.
func (a *Agent) CreateCapability(ctx context.Context, fn HostFunc, opts CapabilityOptions) (*Module, error) {
	if a.Disposed() {
		return nil, a.disposedErr()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := newModule(a, opts.Origin)
	m.capability = NewCallback(fn)
	return m, nil
}

// Origin is the filename or capability origin of the module.
func (m *Module) Origin() string { return m.origin }

// Requests lists the module's imports in source order, duplicates included.
func (m *Module) Requests() []Request {
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

func (m *Module) instance(realm *Realm) *moduleInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.instances[realm]
}

// Linked reports whether the module is linked in realm.
func (m *Module) Linked(realm *Realm) bool {
	inst := m.instance(realm)
	return inst != nil && inst.linked
}

// Link resolves the module's dependency graph with linker and links every
// module of it in realm. The linker is asked once per distinct request;
// modules already linked in realm are not walked again, so calling Link on
// a linked module does nothing.
func (m *Module) Link(ctx context.Context, realm *Realm, linker Linker) error {
	if realm.agent != m.agent {
		return ErrAgentMismatch
	}
	if realm.released.Load() {
		return ErrReleased
	}
	if m.Linked(realm) {
		return nil
	}
	w := &linkWalk{
		realm:   realm,
		linker:  linker,
		memo:    make(map[string]*resolution),
		visited: make(map[*Module]bool),
		deps:    make(map[*Module][]*Module),
	}
	if err := w.visit(ctx, m); err != nil {
		return err
	}
	return m.agent.exec(ctx, 0, func(context.Context) error {
		return w.commit()
	})
}

type resolution struct {
	done chan struct{}
	mod  *Module
	err  error
}

type linkWalk struct {
	realm  *Realm
	linker Linker

	mu   sync.Mutex
	memo map[string]*resolution

	visited map[*Module]bool
	order   []*Module
	deps    map[*Module][]*Module
}

// visit walks the graph depth first, recording modules in post order so
// dependencies come before their importers. Requests of one module are
// resolved in parallel.
func (w *linkWalk) visit(ctx context.Context, m *Module) error {
	if w.visited[m] {
		return nil
	}
	w.visited[m] = true
	if m.Linked(w.realm) {
		return nil
	}
	resolved := make([]*Module, len(m.requests))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range m.requests {
		g.Go(func() error {
			dep, err := w.resolve(gctx, m, req)
			resolved[i] = dep
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, dep := range resolved {
		if err := w.visit(ctx, dep); err != nil {
			return err
		}
	}
	w.deps[m] = resolved
	w.order = append(w.order, m)
	return nil
}

func isRelative(specifier string) bool {
	return strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../") || strings.HasPrefix(specifier, "/")
}

// resolve asks the linker for req once per walk. Relative specifiers are
// keyed by their referrer as well, since the same text names different
// files from different directories.
func (w *linkWalk) resolve(ctx context.Context, referrer *Module, req Request) (*Module, error) {
	key := req.Key()
	if isRelative(req.Specifier) {
		key = referrer.origin + "\x00" + key
	}
	w.mu.Lock()
	if r, ok := w.memo[key]; ok {
		w.mu.Unlock()
		select {
		case <-r.done:
			return r.mod, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r := &resolution{done: make(chan struct{})}
	w.memo[key] = r
	w.mu.Unlock()
	defer close(r.done)

	a := referrer.agent
	mod, err := w.linker.Resolve(ctx, req.Specifier, req.Attributes, referrer)
	outcome := "resolved"
	switch {
	case err != nil:
		outcome = "error"
		r.err = fmt.Errorf("resolving %q from %s: %w", req.Specifier, referrer.origin, err)
	case mod == nil:
		outcome = "missing"
		r.err = &LinkError{Specifier: req.Specifier, Referrer: referrer.origin, Attributes: req.Attributes}
	case mod.agent != a:
		outcome = "error"
		r.err = fmt.Errorf("resolving %q from %s: %w", req.Specifier, referrer.origin, ErrAgentMismatch)
	default:
		r.mod = mod
	}
	if a.opts.Metrics != nil {
		a.opts.Metrics.ObserveResolution(outcome)
	}
	a.log.Debug("module request resolved",
		zap.String("specifier", req.Specifier),
		zap.String("referrer", referrer.origin),
		zap.String("outcome", outcome))
	return r.mod, r.err
}

// commit instantiates and links the walked modules. Runs on the loop.
func (w *linkWalk) commit() error {
	for _, m := range w.order {
		if err := m.instantiate(w.realm); err != nil {
			return err
		}
	}
	for _, m := range w.order {
		if m.Linked(w.realm) {
			continue
		}
		// The lowered source requires each dependency by its request key.
		pairs := make([][2]string, len(m.requests))
		for i, req := range m.requests {
			pairs[i] = [2]string{req.Key(), w.deps[m][i].id}
		}
		s, err := marshalJSON(pairs)
		if err != nil {
			return err
		}
		if _, err := w.realm.call("moduleLink", w.realm.ctx.String(m.id), w.realm.ctx.String(s)); err != nil {
			return fmt.Errorf("linking %s: %w", m.origin, err)
		}
		m.mu.Lock()
		m.instances[w.realm].linked = true
		m.mu.Unlock()
	}
	return nil
}

// instantiate creates the module record in realm. Loop goroutine only.
func (m *Module) instantiate(realm *Realm) error {
	if m.instance(realm) != nil {
		return nil
	}
	if m.capability != nil {
		s, err := marshalJSON(&node{T: "fn", H: m.capability.id})
		if err != nil {
			return err
		}
		if _, err := realm.call("moduleSynthetic", realm.ctx.String(m.id), realm.ctx.String(s)); err != nil {
			return fmt.Errorf("instantiating capability %s: %w", m.origin, err)
		}
	} else {
		factory, err := realm.ctx.Run(m.script)
		if err != nil {
			return fmt.Errorf("instantiating %s: %w", m.origin, err)
		}
		if _, err := realm.call("moduleInstantiate", realm.ctx.String(m.id), factory); err != nil {
			return fmt.Errorf("instantiating %s: %w", m.origin, err)
		}
	}
	m.mu.Lock()
	m.instances[realm] = &moduleInstance{}
	m.mu.Unlock()
	return nil
}

// Evaluate runs the module body and its dependencies in realm. The first
// completion is recorded: later calls return the same *Completion without
// running anything. If the first evaluation was interrupted before it
// completed, later calls fail with ErrEvaluationAborted.
func (m *Module) Evaluate(ctx context.Context, realm *Realm, opts EvaluateOptions) (*Completion[any], error) {
	if realm.agent != m.agent {
		return nil, ErrAgentMismatch
	}
	for {
		inst := m.instance(realm)
		if inst == nil || !inst.linked {
			return nil, ErrNotLinked
		}
		m.mu.Lock()
		switch {
		case inst.completion != nil:
			c := inst.completion
			m.mu.Unlock()
			return c, nil
		case inst.aborted != nil:
			err := inst.aborted
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %w", ErrEvaluationAborted, err)
		case inst.evaluating != nil:
			ch := inst.evaluating
			m.mu.Unlock()
			if activeFrame(ctx).holds(m.agent) {
				return nil, ErrDeadlock
			}
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		inst.evaluating = make(chan struct{})
		m.mu.Unlock()

		c, err := m.evaluate(ctx, realm, opts)

		m.mu.Lock()
		if err != nil {
			inst.aborted = err
		} else {
			inst.completion = c
		}
		close(inst.evaluating)
		inst.evaluating = nil
		m.mu.Unlock()
		if err != nil {
			m.agent.log.Debug("module evaluation aborted", zap.String("module", m.origin), zap.Error(err))
		}
		return c, err
	}
}

func (m *Module) evaluate(ctx context.Context, realm *Realm, opts EvaluateOptions) (*Completion[any], error) {
	start := time.Now()
	var env *envelope
	err := m.agent.exec(ctx, opts.Timeout, func(context.Context) error {
		var err error
		env, err = realm.callEnvelope("moduleEvaluate", realm.ctx.String(m.id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return realm.complete(ctx, env, opts.Timeout, start)
}

// Namespace returns a live reference to the module's exports in realm.
func (m *Module) Namespace(ctx context.Context, realm *Realm) (*Reference, error) {
	if realm.agent != m.agent {
		return nil, ErrAgentMismatch
	}
	if !m.Linked(realm) {
		return nil, ErrNotLinked
	}
	var env *envelope
	err := m.agent.exec(ctx, 0, func(context.Context) error {
		var err error
		env, err = realm.callEnvelope("moduleNamespace", realm.ctx.String(m.id))
		return err
	})
	if err != nil {
		return nil, err
	}
	if !env.OK {
		return nil, env.E.err()
	}
	ref, ok := lookupReference(env.V.H)
	if !ok {
		return nil, ErrReleased
	}
	return ref, nil
}

package ivm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Linker resolves an import request made by referrer. Returning a nil
// module and a nil error means the specifier is unknown; Link then fails
// with a *LinkError.
type Linker interface {
	Resolve(ctx context.Context, specifier string, attrs map[string]string, referrer *Module) (*Module, error)
}

// LinkerFunc adapts a function to Linker.
type LinkerFunc func(ctx context.Context, specifier string, attrs map[string]string, referrer *Module) (*Module, error)

func (f LinkerFunc) Resolve(ctx context.Context, specifier string, attrs map[string]string, referrer *Module) (*Module, error) {
	return f(ctx, specifier, attrs, referrer)
}

// PreloadedLinker serves a fixed specifier table. Attributes are ignored.
type PreloadedLinker map[string]*Module

func (p PreloadedLinker) Resolve(_ context.Context, specifier string, _ map[string]string, _ *Module) (*Module, error) {
	return p[specifier], nil
}

// CompositeLinker asks each linker in turn and returns the first module
// found. An error stops the search.
type CompositeLinker []Linker

func (c CompositeLinker) Resolve(ctx context.Context, specifier string, attrs map[string]string, referrer *Module) (*Module, error) {
	for _, l := range c {
		m, err := l.Resolve(ctx, specifier, attrs, referrer)
		if err != nil {
			return nil, err
		}
		if m != nil {
			return m, nil
		}
	}
	return nil, nil
}

// CachedLinker memoizes another linker by specifier and attributes, so
// every referrer importing the same request shares one resolution.
// Concurrent lookups of a request still being resolved wait for it.
// Failures are not cached.
type CachedLinker struct {
	next  Linker
	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]*Module
}

// NewCachedLinker wraps next.
func NewCachedLinker(next Linker) *CachedLinker {
	return &CachedLinker{next: next, cache: make(map[string]*Module)}
}

func (c *CachedLinker) Resolve(ctx context.Context, specifier string, attrs map[string]string, referrer *Module) (*Module, error) {
	key := Request{Specifier: specifier, Attributes: attrs}.Key()
	c.mu.RLock()
	m, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return m, nil
	}
	v, err := shared(ctx, &c.group, key, func(ctx context.Context) (any, error) {
		m, err := c.next.Resolve(ctx, specifier, attrs, referrer)
		if err != nil || m == nil {
			return m, err
		}
		c.mu.Lock()
		c.cache[key] = m
		c.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	m, _ = v.(*Module)
	return m, nil
}

// shared runs fn once for concurrent callers with the same key. fn ignores
// the cancellation of whichever caller started it; each caller stops waiting
// when its own ctx is done.
func shared(ctx context.Context, g *singleflight.Group, key string, fn func(context.Context) (any, error)) (any, error) {
	work := context.WithoutCancel(ctx)
	ch := g.DoChan(key, func() (any, error) { return fn(work) })
	select {
	case r := <-ch:
		return r.Val, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports how many resolutions are cached.
func (c *CachedLinker) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// PathResolver maps an import to a file path. An empty path means the
// specifier is not a file it knows about.
type PathResolver func(specifier string, referrer *Module) (string, error)

// FileLinker compiles modules from files. Each path is read and compiled
// once; modules compiled from the same path are shared by every referrer.
type FileLinker struct {
	agent    *Agent
	resolve  PathResolver
	readFile func(string) ([]byte, error)
	group    singleflight.Group

	mu      sync.Mutex
	modules map[string]*Module
}

// NewFileLinker returns a linker compiling files found by resolve into
// modules of agent.
func NewFileLinker(agent *Agent, resolve PathResolver) *FileLinker {
	return &FileLinker{
		agent:    agent,
		resolve:  resolve,
		readFile: os.ReadFile,
		modules:  make(map[string]*Module),
	}
}

func (l *FileLinker) Resolve(ctx context.Context, specifier string, _ map[string]string, referrer *Module) (*Module, error) {
	path, err := l.resolve(specifier, referrer)
	if err != nil {
		return nil, fmt.Errorf("resolving path of %q: %w", specifier, err)
	}
	if path == "" {
		return nil, nil
	}
	l.mu.Lock()
	m, ok := l.modules[path]
	l.mu.Unlock()
	if ok {
		return m, nil
	}
	v, err := shared(ctx, &l.group, path, func(ctx context.Context) (any, error) {
		return l.compile(ctx, specifier, path)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Module), nil
}

func (l *FileLinker) compile(ctx context.Context, specifier, path string) (*Module, error) {
	src, err := l.readFile(path)
	if err != nil {
		return nil, &CompilationError{Specifier: specifier, Path: path, Cause: err}
	}
	c, err := l.agent.CompileModule(ctx, string(src), ModuleOptions{Filename: path})
	if err != nil {
		return nil, &CompilationError{Specifier: specifier, Path: path, Cause: err}
	}
	m, err := ExpectComplete(c)
	if err != nil {
		return nil, &CompilationError{Specifier: specifier, Path: path, Cause: err}
	}
	l.mu.Lock()
	l.modules[path] = m
	l.mu.Unlock()
	l.agent.log.Debug("module compiled from file", zap.String("module", path))
	return m, nil
}

var moduleExtensions = []string{"", ".js", ".mjs"}

// ResolveRelative resolves relative and absolute specifiers against the
// referrer's directory, or root for the entry module, trying the .js and
// .mjs extensions. Bare specifiers are left to other linkers.
func ResolveRelative(root string) PathResolver {
	return func(specifier string, referrer *Module) (string, error) {
		if !isRelative(specifier) {
			return "", nil
		}
		base := root
		if referrer != nil && filepath.IsAbs(referrer.Origin()) {
			base = filepath.Dir(referrer.Origin())
		}
		target := specifier
		if !filepath.IsAbs(target) {
			target = filepath.Join(base, filepath.FromSlash(specifier))
		}
		for _, ext := range moduleExtensions {
			p := target
			if ext != "" {
				if strings.HasSuffix(target, ext) {
					continue
				}
				p += ext
			}
			info, err := os.Stat(p)
			switch {
			case err == nil && !info.IsDir():
				return p, nil
			case err != nil && !errors.Is(err, fs.ErrNotExist):
				return "", err
			}
		}
		return "", nil
	}
}

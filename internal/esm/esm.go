// Package esm lowers ES module source into a function body the engines can
// run as a classic script, and extracts the module's dependency requests.
package esm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	esbuild "github.com/evanw/esbuild/pkg/api"
)

// Request is one static import or re-export of a module, in source order.
type Request struct {
	Specifier  string
	Attributes map[string]string
}

// Key returns the memoization key of the request: the specifier followed by
// its attributes sorted by name.
func (r Request) Key() string {
	if len(r.Attributes) == 0 {
		return r.Specifier
	}
	return r.Specifier + " " + FormatAttributes(r.Attributes)
}

// FormatAttributes renders attributes as a JSON-like object with sorted keys.
func FormatAttributes(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(k))
		b.WriteByte(':')
		b.WriteString(strconv.Quote(attrs[k]))
	}
	b.WriteByte('}')
	return b.String()
}

// Lowered is the result of Lower.
type Lowered struct {
	// Source evaluates to function(exports, require, module).
	Source   string
	Requests []Request
}

// SyntaxError reports a parse failure with its position in the module.
type SyntaxError struct {
	File    string
	Line    int
	Column  int
	Message string
}

func (e *SyntaxError) Error() string {
	if e.Line == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (%s:%d:%d)", e.Message, e.File, e.Line, e.Column)
}

const (
	wrapperHead = "(function (exports, require, module) {\"use strict\";\n"
	wrapperTail = "\n})"
)

// metafile is the part of esbuild's metafile that lists import records.
type metafile struct {
	Inputs map[string]struct {
		Imports []struct {
			Path string `json:"path"`
			Kind string `json:"kind"`
		} `json:"imports"`
	} `json:"inputs"`
}

// requestCollector marks every static import external and rewrites its path
// to the request key, so the lowered require calls name the exact
// (specifier, attributes) pair.
type requestCollector struct {
	mu    sync.Mutex
	byKey map[string]Request
	order []string
}

func (c *requestCollector) plugin() esbuild.Plugin {
	return esbuild.Plugin{
		Name: "ivm-requests",
		Setup: func(build esbuild.PluginBuild) {
			build.OnResolve(esbuild.OnResolveOptions{Filter: ".*"}, c.resolve)
		},
	}
}

func (c *requestCollector) resolve(args esbuild.OnResolveArgs) (esbuild.OnResolveResult, error) {
	if args.Kind != esbuild.ResolveJSImportStatement {
		return esbuild.OnResolveResult{Path: args.Path, External: true}, nil
	}
	req := Request{Specifier: args.Path}
	if len(args.With) > 0 {
		req.Attributes = make(map[string]string, len(args.With))
		for k, v := range args.With {
			req.Attributes[k] = v
		}
	}
	key := req.Key()
	c.mu.Lock()
	if _, ok := c.byKey[key]; !ok {
		c.byKey[key] = req
		c.order = append(c.order, key)
	}
	c.mu.Unlock()
	return esbuild.OnResolveResult{Path: key, External: true}, nil
}

// requests lists the static import records of the module in source order,
// one per record. The metafile keeps repeated imports of one key; without
// it each key is listed once.
func (c *requestCollector) requests(meta string) []Request {
	var keys []string
	var m metafile
	if meta != "" && sonic.UnmarshalString(meta, &m) == nil {
		for _, in := range m.Inputs {
			for _, imp := range in.Imports {
				if imp.Kind != "import-statement" {
					continue
				}
				if _, ok := c.byKey[imp.Path]; ok {
					keys = append(keys, imp.Path)
				}
			}
		}
	}
	if keys == nil {
		keys = c.order
	}
	var out []Request
	for _, k := range keys {
		out = append(out, c.byKey[k])
	}
	return out
}

// Lower converts source to a CommonJS body with esbuild and wraps it so that
// evaluating the result yields the module factory. Each static import becomes
// a require of its request key. Top-level await is rejected because the
// factory runs synchronously.
func Lower(source, name string) (*Lowered, error) {
	collector := &requestCollector{byKey: make(map[string]Request)}
	result := esbuild.Build(esbuild.BuildOptions{
		Stdin: &esbuild.StdinOptions{
			Contents:   source,
			Sourcefile: name,
			Loader:     esbuild.LoaderJS,
		},
		Bundle:      true,
		Write:       false,
		Metafile:    true,
		Format:      esbuild.FormatCommonJS,
		Target:      esbuild.ES2020,
		Platform:    esbuild.PlatformNeutral,
		TreeShaking: esbuild.TreeShakingFalse,
		LogLevel:    esbuild.LogLevelSilent,
		Plugins:     []esbuild.Plugin{collector.plugin()},
	})
	if len(result.Errors) > 0 {
		return nil, syntaxError(name, result.Errors[0])
	}
	if len(result.OutputFiles) == 0 {
		return nil, fmt.Errorf("lowering %s: no output", name)
	}
	return &Lowered{
		Source:   wrapperHead + string(result.OutputFiles[0].Contents) + wrapperTail,
		Requests: collector.requests(result.Metafile),
	}, nil
}

func syntaxError(name string, msg esbuild.Message) error {
	e := &SyntaxError{File: name, Message: msg.Text}
	if msg.Location != nil {
		e.Line = msg.Location.Line
		e.Column = msg.Location.Column
		if msg.Location.File != "" {
			e.File = msg.Location.File
		}
	}
	return e
}

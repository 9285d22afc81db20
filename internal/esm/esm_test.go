package esm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func specifiers(reqs []Request) []string {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.Specifier
	}
	return out
}

func TestLower_WrapsFactory(t *testing.T) {
	l, err := Lower(`export function right() { return "hello"; }`, "right.js")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(l.Source, "(function (exports, require, module) {"))
	assert.True(t, strings.HasSuffix(l.Source, "})"))
	assert.Contains(t, l.Source, "module.exports")
	assert.Empty(t, l.Requests)
}

func TestLower_RequestsInOrder(t *testing.T) {
	src := `
import { a } from "./a.js";
import b from 'b';
export { c } from "c";
export * from "d";
import "./side-effect.js";
globalThis.x = a + b;
`
	l, err := Lower(src, "main.js")
	require.NoError(t, err)
	assert.Equal(t, []string{"./a.js", "b", "c", "d", "./side-effect.js"}, specifiers(l.Requests))
}

func TestLower_DuplicateRequestsPreserved(t *testing.T) {
	src := `
import { a } from "shared";
import { b } from "shared";
globalThis.x = a + b;
`
	l, err := Lower(src, "main.js")
	require.NoError(t, err)
	assert.Equal(t, []string{"shared", "shared"}, specifiers(l.Requests))
}

func TestLower_Attributes(t *testing.T) {
	src := `import data from "./data.json" with { type: "json" };
globalThis.data = data;`
	l, err := Lower(src, "main.js")
	require.NoError(t, err)
	require.Len(t, l.Requests, 1)
	assert.Equal(t, map[string]string{"type": "json"}, l.Requests[0].Attributes)
	assert.Equal(t, `./data.json {"type":"json"}`, l.Requests[0].Key())
}

func TestLower_IgnoresStringsAndComments(t *testing.T) {
	src := `
// import nope from "commented";
const s = 'import x from "quoted"';
import real from "real";
globalThis.s = s + real;
`
	l, err := Lower(src, "main.js")
	require.NoError(t, err)
	assert.Equal(t, []string{"real"}, specifiers(l.Requests))
}

func TestLower_SyntaxError(t *testing.T) {
	_, err := Lower("export function {", "broken.js")
	require.Error(t, err)
	var syn *SyntaxError
	require.ErrorAs(t, err, &syn)
	assert.Equal(t, "broken.js", syn.File)
	assert.Equal(t, 1, syn.Line)
}

func TestLower_TopLevelAwaitRejected(t *testing.T) {
	_, err := Lower(`await Promise.resolve(1);`, "tla.js")
	require.Error(t, err)
}

func TestFormatAttributes_Sorted(t *testing.T) {
	got := FormatAttributes(map[string]string{"type": "json", "integrity": "x"})
	assert.Equal(t, `{"integrity":"x","type":"json"}`, got)
}

func TestRequestKey_NoAttributes(t *testing.T) {
	assert.Equal(t, "left", Request{Specifier: "left"}.Key())
}

func TestLower_ImportShapedTextIsNotARequest(t *testing.T) {
	src := "// import \"dep\"\nconst s = 'import \"dep\" with { type: \"json\" }';\nimport { x } from \"dep\";\nglobalThis.v = s + x;"
	l, err := Lower(src, "main.js")
	require.NoError(t, err)
	assert.Equal(t, []Request{{Specifier: "dep"}}, l.Requests)
}

func TestLower_RequireCarriesRequestKey(t *testing.T) {
	src := `import j from "x" with { type: "json" };
import p from "x";
globalThis.out = j + "|" + p;`
	l, err := Lower(src, "main.js")
	require.NoError(t, err)
	require.Len(t, l.Requests, 2)
	assert.Equal(t, map[string]string{"type": "json"}, l.Requests[0].Attributes)
	assert.Nil(t, l.Requests[1].Attributes)
	assert.Regexp(t, "require\\([\"'`]x \\{", l.Source)
	assert.Regexp(t, "require\\([\"'`]x[\"'`]\\)", l.Source)
}

// Package codecache stores lowered module sources so that compiling the same
// module text twice skips the esbuild transform.
package codecache

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/cryguy/ivm/internal/esm"
)

// Entry is the cached result of lowering one module source.
type Entry struct {
	Lowered  string        `json:"lowered"`
	Requests []esm.Request `json:"requests"`
}

// Store is a module cache. Implementations must be safe for concurrent use.
type Store interface {
	Get(key string) (*Entry, bool)
	Put(key string, e *Entry) error
}

// Key derives the cache key of a module source.
func Key(source string) string {
	sum := sha256.Sum256([]byte("esm-v2\x00" + source))
	return hex.EncodeToString(sum[:])
}

//go:build v8

package ivm

import (
	"github.com/cryguy/ivm/internal/core"
	"github.com/cryguy/ivm/internal/v8engine"
)

func newEngine() core.Engine {
	return v8engine.New()
}

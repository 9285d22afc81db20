//go:build !v8

package ivm

import (
	"github.com/cryguy/ivm/internal/core"
	"github.com/cryguy/ivm/internal/gojaengine"
)

func newEngine() core.Engine {
	return gojaengine.New()
}

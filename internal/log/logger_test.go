// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBaseIsChainable(t *testing.T) {
	// level methods must be callable directly off Base()
	assert.NotPanics(t, func() {
		Base().Debug().Str("k", "v").Msg("chained off the shared logger")
	})
}

func TestWithComponent(t *testing.T) {
	l := WithComponent("test")
	assert.NotPanics(t, func() { l.Info().Msg("component logger works") })
}

package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamsAreIndependent(t *testing.T) {
	var ops, diag bytes.Buffer
	SetLogWriters(Writers{Ops: &ops, Diag: &diag})
	defer SetLogWriters(Writers{})

	Opsf("smoothing fell back: %s", "no neighbours")
	Diagf("extracted %d vertices", 12)
	Tracef("iteration %d", 1)

	assert.Contains(t, ops.String(), "smoothing fell back: no neighbours")
	assert.NotContains(t, ops.String(), "extracted")
	assert.Contains(t, diag.String(), "[labelmesh] ")
	assert.Contains(t, diag.String(), "extracted 12 vertices")
}

func TestDisabledStreamsDoNotPanic(t *testing.T) {
	SetLogWriters(Writers{})
	Opsf("dropped")
	Diagf("dropped")
	Tracef("dropped")
}

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpacing(t *testing.T) {
	s, err := parseSpacing("0.7, 0.7,2.5")
	require.NoError(t, err)
	assert.Equal(t, [3]float64{0.7, 0.7, 2.5}, s)

	s, err = parseSpacing("2")
	require.NoError(t, err)
	assert.Equal(t, [3]float64{2, 2, 2}, s)

	_, err = parseSpacing("1,2")
	assert.Error(t, err)
	_, err = parseSpacing("1,a,2")
	assert.Error(t, err)
}

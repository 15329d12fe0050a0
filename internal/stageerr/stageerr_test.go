package stageerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStageErrorClassification(t *testing.T) {
	err := InvalidParameter(StageFilter, "stepSize", 0.3, "must be in (0, 0.25]")

	assert.True(t, errors.Is(err, ErrInvalidParameter))
	assert.False(t, errors.Is(err, ErrEmptyMesh))
	assert.Equal(t, StageFilter, StageOf(err))
	assert.Equal(t, "label-filter: invalid parameter: stepSize=0.3: must be in (0, 0.25]", err.Error())
}

func TestStageErrorThroughWrapping(t *testing.T) {
	err := fmt.Errorf("pipeline run: %w", EmptyMesh(StageCleaner, "triangles", "soup has no triangles"))

	assert.True(t, errors.Is(err, ErrEmptyMesh))
	assert.Equal(t, StageCleaner, StageOf(err))
	assert.Equal(t, "", StageOf(errors.New("plain")))
}

func TestMissingInputUnwrapsCause(t *testing.T) {
	cause := errors.New("no such file or directory")
	err := MissingInput(StageLoader, "dir", "/nope", cause)

	assert.True(t, errors.Is(err, ErrMissingInput))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "dir=/nope")
}

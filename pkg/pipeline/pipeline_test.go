package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labelmesh/internal/models"
	"labelmesh/internal/stageerr"
	"labelmesh/pkg/config"
	"labelmesh/pkg/diffusion"
	"labelmesh/pkg/stl"
	"labelmesh/pkg/volume"
)

const (
	size  = 10
	label = 2
)

// inBlock reports whether a voxel lies in the labelled 4x4x4 block.
func inBlock(x, y, z int) bool {
	return x >= 3 && x <= 6 && y >= 3 && y <= 6 && z >= 3 && z <= 6
}

func labelVolume(t *testing.T, spacing models.Spacing) *models.ScalarVolume {
	data := make([]float64, size*size*size)
	for z := 0; z < size; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				if inBlock(x, y, z) {
					data[z*size*size+y*size+x] = label
				} else if x == 0 {
					// another label that must be ignored
					data[z*size*size+y*size+x] = 5
				}
			}
		}
	}
	vol, err := volume.New(data, size, size, size, spacing)
	require.NoError(t, err)
	return vol
}

// createTestSlices writes the label volume as one 8-bit PNG per z index
func createTestSlices(t *testing.T, dir string) {
	require.NoError(t, os.MkdirAll(dir, 0755))
	for z := 0; z < size; z++ {
		img := image.NewGray(image.Rect(0, 0, size, size))
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				if inBlock(x, y, z) {
					img.SetGray(x, y, color.Gray{Y: label})
				}
			}
		}
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("slice_%d.png", z)))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
	}
}

func testParams() *Params {
	p := DefaultParams()
	p.TargetLabel = label
	return p
}

func TestRunLabelBlock(t *testing.T) {
	p := New(testParams())
	res, err := p.Run(context.Background(), labelVolume(t, models.Spacing{X: 1, Y: 1, Z: 1}))
	require.NoError(t, err)

	m := res.Metrics
	assert.Equal(t, p.RunID(), m.RunID)
	assert.Equal(t, 64, m.LabelVoxels)
	assert.Greater(t, m.FilterRMSE, 0.0)
	assert.Greater(t, m.SoupTriangles, 0)
	assert.Greater(t, m.RemovedVertices, 0)
	assert.Equal(t, 1, m.Components)
	assert.Equal(t, m.CleanVertices, res.Mesh.VertexCount())
	assert.Equal(t, m.CleanTriangles, res.Mesh.TriangleCount())
	assert.True(t, m.Closed)
	assert.True(t, res.Mesh.IsClosed())
	assert.Greater(t, m.EnclosedVolume, 0.0)
	assert.Greater(t, m.SurfaceArea, 0.0)
	assert.Greater(t, m.EdgeLengthMean, 0.0)
	assert.Empty(t, m.SmoothingWarning)
	assert.Greater(t, m.MaxDisplacement, 0.0)
	assert.LessOrEqual(t, m.MeanDisplacement, m.MaxDisplacement)

	var stages []string
	for _, d := range m.Durations {
		stages = append(stages, d.Stage)
	}
	assert.Equal(t, []string{stageerr.StageFilter, stageerr.StageExtractor, stageerr.StageCleaner, stageerr.StageSmoother}, stages)
	assert.Equal(t, m, p.GetMetrics())
}

func TestRunIsDeterministic(t *testing.T) {
	vol := labelVolume(t, models.Spacing{X: 1, Y: 1, Z: 1})
	a, err := New(testParams()).Run(context.Background(), vol)
	require.NoError(t, err)
	b, err := New(testParams()).Run(context.Background(), vol)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(a.Mesh, b.Mesh))
	assert.Empty(t, cmp.Diff(a.Metrics, b.Metrics, cmpopts.IgnoreFields(Metrics{}, "RunID", "Durations")))
}

func TestRunApplyAffine(t *testing.T) {
	spacing := models.Spacing{X: 1, Y: 1, Z: 2}
	vol := labelVolume(t, spacing)
	plain, err := New(testParams()).Run(context.Background(), vol)
	require.NoError(t, err)

	vol.Affine[3] = 100
	params := testParams()
	params.ApplyAffine = true
	moved, err := New(params).Run(context.Background(), vol)
	require.NoError(t, err)

	require.Equal(t, plain.Mesh.VertexCount(), moved.Mesh.VertexCount())
	for i, v := range plain.Mesh.Vertices {
		w := moved.Mesh.Vertices[i]
		assert.InDelta(t, v.X+100, w.X, 1e-9)
		assert.InDelta(t, v.Y, w.Y, 1e-9)
		assert.InDelta(t, v.Z, w.Z, 1e-9)
	}
}

func TestRunMissingLabel(t *testing.T) {
	params := testParams()
	params.TargetLabel = 7
	_, err := New(params).Run(context.Background(), labelVolume(t, models.Spacing{X: 1, Y: 1, Z: 1}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, stageerr.ErrEmptyMesh))
	assert.Equal(t, stageerr.StageCleaner, stageerr.StageOf(err))
}

func TestRunInvalidStageParams(t *testing.T) {
	params := testParams()
	params.Filter.StepSize = 0.3
	_, err := New(params).Run(context.Background(), labelVolume(t, models.Spacing{X: 1, Y: 1, Z: 1}))
	assert.True(t, errors.Is(err, stageerr.ErrInvalidParameter))
	assert.Equal(t, stageerr.StageFilter, stageerr.StageOf(err))

	_, err = New(testParams()).Run(context.Background(), nil)
	assert.True(t, errors.Is(err, stageerr.ErrMissingInput))
}

func TestRunSmoothingWarningDoesNotFail(t *testing.T) {
	params := testParams()
	params.Smoothing.PassBand = 5
	res, err := New(params).Run(context.Background(), labelVolume(t, models.Spacing{X: 1, Y: 1, Z: 1}))
	require.NoError(t, err)
	assert.NotEmpty(t, res.Metrics.SmoothingWarning)
	assert.Zero(t, res.Metrics.MaxDisplacement)
	assert.True(t, res.Mesh.IsClosed())

	// a skipped smoothing pass is still timed
	durations := res.Metrics.Durations
	require.NotEmpty(t, durations)
	assert.Equal(t, stageerr.StageSmoother, durations[len(durations)-1].Stage)
}

func TestTimedRecordsFailingAndInfallibleStages(t *testing.T) {
	p := New(testParams())
	ran := false
	p.timedStep(stageerr.StageSmoother, func() { ran = true })
	assert.True(t, ran)

	failure := errors.New("filter failed")
	err := p.timed(stageerr.StageFilter, func() error { return failure })
	assert.Same(t, failure, err)
	assert.NoError(t, p.timed(stageerr.StageCleaner, func() error { return nil }))

	var stages []string
	for _, d := range p.GetMetrics().Durations {
		stages = append(stages, d.Stage)
	}
	assert.Equal(t, []string{stageerr.StageSmoother, stageerr.StageFilter, stageerr.StageCleaner}, stages)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(testParams()).Run(ctx, labelVolume(t, models.Spacing{X: 1, Y: 1, Z: 1}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	tmpDir := t.TempDir()
	inputDir := filepath.Join(tmpDir, "input")
	createTestSlices(t, inputDir)

	params := testParams()
	params.InputDir = inputDir
	params.OutputFile = filepath.Join(tmpDir, "out", "mesh.stl")
	params.SaveIntermediaryResults = true
	params.IntermediaryDir = filepath.Join(tmpDir, "intermediary")

	p := New(params)
	require.NoError(t, p.Process(context.Background()))

	m, header, err := stl.Load(params.OutputFile)
	require.NoError(t, err)
	assert.Equal(t, "labelmesh "+p.RunID(), header)
	assert.True(t, m.IsClosed())
	assert.Equal(t, p.GetMetrics().CleanTriangles, m.TriangleCount())

	metrics := p.GetMetrics()
	require.Len(t, metrics.Durations, 6)
	assert.Equal(t, stageerr.StageLoader, metrics.Durations[0].Stage)
	assert.Equal(t, stageerr.StageExporter, metrics.Durations[5].Stage)
	assert.Equal(t, 64, metrics.LabelVoxels)

	runDir := p.IntermediaryDir()
	assert.Equal(t, filepath.Join(params.IntermediaryDir, p.RunID()), runDir)
	for _, name := range []string{
		filepath.Join("01_label_field", "slice_z_000.png"),
		filepath.Join("02_filtered_field", "slice_z_009.png"),
		"03_soup.stl",
		"04_clean.stl",
		"05_smoothing_convergence.png",
	} {
		_, err := os.Stat(filepath.Join(runDir, name))
		assert.NoError(t, err, name)
	}

	soup, _, err := stl.Load(filepath.Join(runDir, "03_soup.stl"))
	require.NoError(t, err)
	assert.Equal(t, metrics.SoupTriangles, soup.TriangleCount())
}

func TestProcessMissingInput(t *testing.T) {
	params := testParams()
	params.InputDir = filepath.Join(t.TempDir(), "absent")
	params.OutputFile = filepath.Join(t.TempDir(), "mesh.stl")
	err := New(params).Process(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, stageerr.ErrMissingInput))
}

func TestNewAssignsRunIDs(t *testing.T) {
	a, b := New(testParams()), New(testParams())
	assert.NotEqual(t, a.RunID(), b.RunID())
	assert.Len(t, a.RunID(), 36)
	assert.Empty(t, a.IntermediaryDir())
}

func TestParamsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Input.TargetLabel = 4
	cfg.Input.Spacing = [3]float64{0.5, 0.5, 2}
	cfg.Diffusion.Option = "flux-limited"
	cfg.Smoothing.BoundarySmoothing = false
	cfg.Output.ASCII = true

	params, err := ParamsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 4, params.TargetLabel)
	assert.Equal(t, models.Spacing{X: 0.5, Y: 0.5, Z: 2}, params.Spacing)
	assert.Equal(t, diffusion.FluxLimited, params.Filter.Option)
	assert.False(t, params.Smoothing.SmoothBoundaryEdges)
	assert.True(t, params.Smoothing.SmoothFeatureEdges)
	assert.True(t, params.Export.ASCII)
	assert.NoError(t, params.Smoothing.Validate())
	assert.NoError(t, params.Filter.Validate())

	cfg.Diffusion.Option = "linear"
	_, err = ParamsFromConfig(cfg)
	assert.True(t, errors.Is(err, stageerr.ErrInvalidParameter))

	cfg = config.DefaultConfig()
	cfg.Extraction.Stride = 0
	_, err = ParamsFromConfig(cfg)
	assert.Equal(t, stageerr.StageConfig, stageerr.StageOf(err))
}

func TestMetricsString(t *testing.T) {
	res, err := New(testParams()).Run(context.Background(), labelVolume(t, models.Spacing{X: 1, Y: 1, Z: 1}))
	require.NoError(t, err)
	out := res.Metrics.String()
	assert.Contains(t, out, "Run ID: "+res.Metrics.RunID)
	assert.Contains(t, out, "Label voxels: 64")
	assert.NotContains(t, out, "Smoothing skipped")
	var total time.Duration
	for _, d := range res.Metrics.Durations {
		total += d.Duration
	}
	assert.Equal(t, total, res.Metrics.TotalDuration())
}

// Package pipeline runs the label meshing stages in order: load, binarize,
// filter, extract, clean, smooth and export.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"labelmesh/internal/logging"
	"labelmesh/internal/models"
	"labelmesh/internal/stageerr"
	"labelmesh/pkg/config"
	"labelmesh/pkg/diffusion"
	"labelmesh/pkg/export"
	"labelmesh/pkg/isosurface"
	"labelmesh/pkg/mesh"
	"labelmesh/pkg/smoothing"
	"labelmesh/pkg/volume"
)

// Params holds the pipeline configuration.
type Params struct {
	// InputDir is the directory containing one label image per z index
	InputDir string

	// OutputFile is where the mesh is written; the extension picks the format
	OutputFile string

	// TargetLabel is the label whose surface is extracted
	TargetLabel int

	// Spacing is the physical voxel size of the loaded slices
	Spacing models.Spacing

	Filter     diffusion.Params
	Extraction isosurface.Params

	// ToleranceFactor times the smallest spacing is the vertex merge distance
	ToleranceFactor float64

	Smoothing smoothing.Params
	Export    export.Options

	// ApplyAffine maps the mesh through the volume affine instead of
	// leaving it in spacing-scaled voxel coordinates
	ApplyAffine bool

	// SaveIntermediaryResults determines whether to save intermediary processing results.
	SaveIntermediaryResults bool

	// IntermediaryDir is the parent of the per-run intermediary directory.
	IntermediaryDir string

	// PreviewFormat is the image format of slice previews
	PreviewFormat string

	// Verbose prints the numbered processing steps
	Verbose bool
}

// DefaultParams returns the stage defaults for unit spacing.
func DefaultParams() *Params {
	return &Params{
		TargetLabel:     1,
		Spacing:         models.Spacing{X: 1, Y: 1, Z: 1},
		Filter:          diffusion.DefaultParams(),
		Extraction:      isosurface.DefaultParams(),
		ToleranceFactor: mesh.DefaultToleranceFactor,
		Smoothing:       smoothing.DefaultParams(),
		PreviewFormat:   "png",
	}
}

// ParamsFromConfig converts a validated configuration into pipeline
// parameters. Input and output paths are left for the caller.
func ParamsFromConfig(cfg *config.Config) (*Params, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	option, err := diffusion.ParseOption(cfg.Diffusion.Option)
	if err != nil {
		return nil, err
	}
	s := cfg.Input.Spacing
	return &Params{
		TargetLabel: cfg.Input.TargetLabel,
		Spacing:     models.Spacing{X: s[0], Y: s[1], Z: s[2]},
		Filter: diffusion.Params{
			Iterations:  cfg.Diffusion.Iterations,
			Conductance: cfg.Diffusion.Conductance,
			StepSize:    cfg.Diffusion.StepSize,
			Option:      option,
		},
		Extraction: isosurface.Params{
			IsoLevel: cfg.Extraction.IsoLevel,
			Stride:   cfg.Extraction.Stride,
			Pad:      cfg.Extraction.Pad,
		},
		ToleranceFactor: cfg.Cleaning.ToleranceFactor,
		Smoothing: smoothing.Params{
			Iterations:             cfg.Smoothing.Iterations,
			PassBand:               cfg.Smoothing.PassBand,
			SmoothNonManifoldEdges: cfg.Smoothing.NonManifoldSmoothing,
			SmoothFeatureEdges:     cfg.Smoothing.FeatureEdgeSmoothing,
			SmoothBoundaryEdges:    cfg.Smoothing.BoundarySmoothing,
			FeatureAngle:           cfg.Smoothing.FeatureAngle,
			Normalize:              cfg.Smoothing.NormalizeCoordinates,
		},
		Export:                  export.Options{ASCII: cfg.Output.ASCII},
		SaveIntermediaryResults: cfg.Output.SaveIntermediaryResults,
		PreviewFormat:           cfg.Output.PreviewFormat,
		Verbose:                 cfg.Output.Verbose,
	}, nil
}

// StageDuration is the wall time of one stage.
type StageDuration struct {
	Stage    string
	Duration time.Duration
}

// Metrics describes a pipeline run.
type Metrics struct {
	RunID string

	// LabelVoxels is the number of voxels carrying the target label
	LabelVoxels int

	// FilterRMSE is the root mean square change made by the filter
	FilterRMSE float64

	SoupVertices   int
	SoupTriangles  int
	CleanVertices  int
	CleanTriangles int

	// RemovedVertices and RemovedTriangles count what cleaning dropped
	RemovedVertices  int
	RemovedTriangles int

	// Components is the number of components found before keeping one
	Components int

	EdgeLengthMean float64
	EdgeLengthStd  float64
	SurfaceArea    float64
	EnclosedVolume float64
	Closed         bool

	// MeanDisplacement and MaxDisplacement summarize the per-iteration
	// largest vertex movement during smoothing
	MeanDisplacement float64
	MaxDisplacement  float64

	// SmoothingWarning is set when smoothing was skipped
	SmoothingWarning string

	Durations []StageDuration
}

// Result is the outcome of Run.
type Result struct {
	Mesh    *mesh.Mesh
	Metrics Metrics
}

// Pipeline runs the meshing stages for one set of parameters.
type Pipeline struct {
	params  *Params
	runID   string
	metrics Metrics

	// intermediary output directory of this run
	outDir string
}

// New creates a pipeline with a fresh run ID.
func New(params *Params) *Pipeline {
	id := uuid.NewString()
	p := &Pipeline{
		params:  params,
		runID:   id,
		metrics: Metrics{RunID: id},
	}
	if params.SaveIntermediaryResults {
		p.outDir = filepath.Join(params.IntermediaryDir, id)
	}
	return p
}

// RunID returns the identifier of this pipeline's run.
func (p *Pipeline) RunID() string { return p.runID }

// IntermediaryDir returns the directory receiving intermediary results,
// or "" when they are not saved.
func (p *Pipeline) IntermediaryDir() string { return p.outDir }

// GetMetrics returns the metrics of the last run.
func (p *Pipeline) GetMetrics() Metrics { return p.metrics }

// Process loads the slice stack from InputDir, meshes it and writes the
// result to OutputFile.
func (p *Pipeline) Process(ctx context.Context) error {
	p.step(1, "Loading label slices...")
	start := time.Now()
	vol, err := volume.LoadSliceStack(p.params.InputDir, p.params.Spacing)
	if err != nil {
		return fmt.Errorf("failed to load slices: %w", err)
	}
	loadTime := time.Since(start)

	res, err := p.Run(ctx, vol)
	if err != nil {
		return err
	}
	p.metrics.Durations = append([]StageDuration{{Stage: stageerr.StageLoader, Duration: loadTime}}, p.metrics.Durations...)

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cancelled before export: %w", err)
	}
	p.step(7, "Writing mesh...")
	opts := p.params.Export
	if opts.Header == "" {
		opts.Header = p.header()
	}
	err = p.timed(stageerr.StageExporter, func() error {
		return export.Save(p.params.OutputFile, res.Mesh, opts)
	})
	if err != nil {
		return fmt.Errorf("failed to export mesh: %w", err)
	}
	return nil
}

// Run meshes an in-memory label volume. Metrics are reset at the start of
// every run. Cancellation is checked between stages.
func (p *Pipeline) Run(ctx context.Context, vol *models.ScalarVolume) (*Result, error) {
	p.metrics = Metrics{RunID: p.runID}
	if err := volume.Validate(vol); err != nil {
		return nil, err
	}
	params := p.params

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("cancelled before binarize: %w", err)
	}
	p.step(2, fmt.Sprintf("Selecting label %d...", params.TargetLabel))
	labels := volume.Binarize(vol, params.TargetLabel)
	p.metrics.LabelVoxels = volume.CountAbove(labels, 1)
	logging.Diagf("label %d: %d of %d voxels", params.TargetLabel, p.metrics.LabelVoxels, labels.Len())
	if p.metrics.LabelVoxels == 0 {
		logging.Opsf("label %d not found; volume has labels %v", params.TargetLabel, volume.Labels(vol))
	}
	p.saveOverlay("01_label_field", vol, labels)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("cancelled before filter: %w", err)
	}
	p.step(3, "Filtering label field...")
	var filtered *models.ScalarVolume
	err := p.timed(stageerr.StageFilter, func() (err error) {
		filtered, err = diffusion.Filter(labels, params.Filter)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter label field: %w", err)
	}
	p.metrics.FilterRMSE = floats.Distance(labels.Data, filtered.Data, 2) / math.Sqrt(float64(labels.Len()))
	p.savePreview("02_filtered_field", filtered)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("cancelled before extraction: %w", err)
	}
	p.step(4, "Extracting isosurface...")
	var soup *mesh.Soup
	err = p.timed(stageerr.StageExtractor, func() (err error) {
		soup, err = isosurface.Extract(filtered, params.Extraction)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to extract isosurface: %w", err)
	}
	p.metrics.SoupVertices = soup.VertexCount()
	p.metrics.SoupTriangles = soup.TriangleCount()
	p.saveSoup("03_soup.stl", soup)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("cancelled before cleaning: %w", err)
	}
	p.step(5, "Cleaning surface...")
	var clean *mesh.Mesh
	var report mesh.CleanReport
	err = p.timed(stageerr.StageCleaner, func() (err error) {
		tol := mesh.CleanParams{Tolerance: params.ToleranceFactor * vol.Spacing.Min()}
		clean, report, err = mesh.CleanWithReport(soup, tol)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to clean surface: %w", err)
	}
	p.metrics.CleanVertices = clean.VertexCount()
	p.metrics.CleanTriangles = clean.TriangleCount()
	p.metrics.RemovedVertices = report.InputVertices - clean.VertexCount()
	p.metrics.RemovedTriangles = report.InputTriangles - clean.TriangleCount()
	p.metrics.Components = report.Components
	p.saveMesh("04_clean.stl", clean)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("cancelled before smoothing: %w", err)
	}
	p.step(6, "Smoothing surface...")
	var smoothed smoothing.Result
	p.timedStep(stageerr.StageSmoother, func() {
		smoothed = smoothing.Smooth(clean, params.Smoothing)
	})
	if smoothed.Warning != nil {
		p.metrics.SmoothingWarning = smoothed.Warning.Error()
	}
	if d := smoothed.MaxDisplacement; len(d) > 0 {
		p.metrics.MeanDisplacement = stat.Mean(d, nil)
		p.metrics.MaxDisplacement = floats.Max(d)
		p.saveConvergencePlot("05_smoothing_convergence.png", d)
	}

	out := smoothed.Mesh
	if params.ApplyAffine {
		if err := out.Transform(voxelToWorld(vol)); err != nil {
			return nil, fmt.Errorf("failed to apply affine: %w", err)
		}
	}

	summary := mesh.Summarize(out)
	p.metrics.EdgeLengthMean = summary.EdgeLengthMean
	p.metrics.EdgeLengthStd = summary.EdgeLengthStd
	p.metrics.SurfaceArea = summary.Area
	p.metrics.EnclosedVolume = summary.Volume
	p.metrics.Closed = summary.Closed
	logging.Opsf("run %s: %d vertices, %d triangles, closed=%t", p.runID,
		out.VertexCount(), out.TriangleCount(), summary.Closed)

	return &Result{Mesh: out, Metrics: p.metrics}, nil
}

// voxelToWorld returns the transform from spacing-scaled voxel coordinates
// to the volume's physical frame: affine * diag(1/spacing).
func voxelToWorld(vol *models.ScalarVolume) *mat.Dense {
	inv := mat.NewDiagDense(4, []float64{1 / vol.Spacing.X, 1 / vol.Spacing.Y, 1 / vol.Spacing.Z, 1})
	var t mat.Dense
	t.Mul(volume.AffineMatrix(vol.Affine), inv)
	return &t
}

// header is the STL header of this run's meshes.
func (p *Pipeline) header() string {
	return "labelmesh " + p.runID
}

func (p *Pipeline) step(n int, msg string) {
	if p.params.Verbose {
		fmt.Printf("Step %d: %s\n", n, msg)
	}
}

// timed runs fn and records its duration under stage.
func (p *Pipeline) timed(stage string, fn func() error) error {
	var err error
	p.timedStep(stage, func() { err = fn() })
	return err
}

// timedStep is timed for stages that cannot fail.
func (p *Pipeline) timedStep(stage string, fn func()) {
	start := time.Now()
	fn()
	d := time.Since(start)
	p.metrics.Durations = append(p.metrics.Durations, StageDuration{Stage: stage, Duration: d})
	logging.Diagf("%s took %v", stage, d)
}

// TotalDuration sums the stage durations.
func (m Metrics) TotalDuration() time.Duration {
	var total time.Duration
	for _, d := range m.Durations {
		total += d.Duration
	}
	return total
}

// String formats the metrics as an indented report.
func (m Metrics) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "  Run ID: %s\n", m.RunID)
	fmt.Fprintf(&b, "  Label voxels: %d\n", m.LabelVoxels)
	fmt.Fprintf(&b, "  Filter RMSE: %.4f\n", m.FilterRMSE)
	fmt.Fprintf(&b, "  Soup: %d vertices, %d triangles\n", m.SoupVertices, m.SoupTriangles)
	fmt.Fprintf(&b, "  Clean: %d vertices, %d triangles (%d components, removed %d vertices, %d triangles)\n",
		m.CleanVertices, m.CleanTriangles, m.Components, m.RemovedVertices, m.RemovedTriangles)
	fmt.Fprintf(&b, "  Edge length: %.4f ± %.4f\n", m.EdgeLengthMean, m.EdgeLengthStd)
	fmt.Fprintf(&b, "  Surface area: %.4f\n", m.SurfaceArea)
	fmt.Fprintf(&b, "  Enclosed volume: %.4f (closed: %t)\n", m.EnclosedVolume, m.Closed)
	fmt.Fprintf(&b, "  Smoothing displacement: mean %.6f, max %.6f\n", m.MeanDisplacement, m.MaxDisplacement)
	if m.SmoothingWarning != "" {
		fmt.Fprintf(&b, "  Smoothing skipped: %s\n", m.SmoothingWarning)
	}
	for _, d := range m.Durations {
		fmt.Fprintf(&b, "  %s: %v\n", d.Stage, d.Duration)
	}
	return b.String()
}

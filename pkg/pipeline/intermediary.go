package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/unixpickle/model3d/model3d"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"labelmesh/internal/logging"
	"labelmesh/internal/models"
	"labelmesh/pkg/mesh"
	"labelmesh/pkg/stl"
	"labelmesh/pkg/visualization"
)

// Intermediary results never fail a run; errors are logged and the run
// continues.

// savePreview writes every z slice of v into the stage directory.
func (p *Pipeline) savePreview(stage string, v *models.ScalarVolume) {
	if !p.params.SaveIntermediaryResults {
		return
	}
	dir := filepath.Join(p.outDir, stage)
	viewer := visualization.NewViewer(v)
	if err := viewer.SaveSliceSequence("z", dir, p.params.PreviewFormat); err != nil {
		logging.Opsf("Warning: failed to save %s previews: %v", stage, err)
		return
	}
	logging.Diagf("saved %d %s previews to %s", v.Depth, stage, dir)
}

// saveOverlay writes every z slice of vol with the voxels set in labels
// blended in red.
func (p *Pipeline) saveOverlay(stage string, vol, labels *models.ScalarVolume) {
	if !p.params.SaveIntermediaryResults {
		return
	}
	dir := filepath.Join(p.outDir, stage)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.Opsf("Warning: failed to create intermediary directory: %v", err)
		return
	}
	viewer := visualization.NewViewer(vol)
	for z := 0; z < vol.Depth; z++ {
		img, err := viewer.Overlay(labels, visualization.ViewState{Axis: "z", Position: z})
		if err == nil {
			err = viewer.SaveSlice(img, filepath.Join(dir, fmt.Sprintf("slice_z_%03d.%s", z, previewExt(p.params.PreviewFormat))))
		}
		if err != nil {
			logging.Opsf("Warning: failed to save %s slice %d: %v", stage, z, err)
			return
		}
	}
	logging.Diagf("saved %d %s previews to %s", vol.Depth, stage, dir)
}

func previewExt(format string) string {
	format = strings.TrimPrefix(strings.ToLower(format), ".")
	if format == "" {
		return "png"
	}
	return format
}

// saveSoup writes the unmerged marching cubes output as binary STL.
func (p *Pipeline) saveSoup(name string, s *mesh.Soup) {
	if !p.params.SaveIntermediaryResults {
		return
	}
	p.saveTriangles(name, stl.FromSoup(s))
}

// saveMesh writes m as binary STL into the run directory.
func (p *Pipeline) saveMesh(name string, m *mesh.Mesh) {
	if !p.params.SaveIntermediaryResults {
		return
	}
	p.saveTriangles(name, stl.FromMesh(m))
}

func (p *Pipeline) saveTriangles(name string, triangles []*model3d.Triangle) {
	if err := os.MkdirAll(p.outDir, 0755); err != nil {
		logging.Opsf("Warning: failed to create intermediary directory: %v", err)
		return
	}
	if err := stl.SaveToSTL(filepath.Join(p.outDir, name), triangles, p.header()); err != nil {
		logging.Opsf("Warning: failed to save %s: %v", name, err)
		return
	}
	logging.Diagf("saved %d triangles to %s", len(triangles), name)
}

// saveConvergencePlot charts the largest vertex movement per smoothing
// iteration.
func (p *Pipeline) saveConvergencePlot(name string, displacement []float64) {
	if !p.params.SaveIntermediaryResults {
		return
	}
	if err := os.MkdirAll(p.outDir, 0755); err != nil {
		logging.Opsf("Warning: failed to create intermediary directory: %v", err)
		return
	}
	if err := convergencePlot(displacement, filepath.Join(p.outDir, name)); err != nil {
		logging.Opsf("Warning: failed to save %s: %v", name, err)
	}
}

func convergencePlot(displacement []float64, filename string) error {
	pl := plot.New()
	pl.Title.Text = "Taubin smoothing convergence"
	pl.X.Label.Text = "Iteration"
	pl.Y.Label.Text = "Max displacement (mm)"

	pts := make(plotter.XYs, len(displacement))
	for i, d := range displacement {
		pts[i] = plotter.XY{X: float64(i + 1), Y: d}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("failed to build line: %w", err)
	}
	line.Width = vg.Points(1)
	pl.Add(line)
	pl.Add(plotter.NewGrid())

	return pl.Save(8*vg.Inch, 4*vg.Inch, filename)
}

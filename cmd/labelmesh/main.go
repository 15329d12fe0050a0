package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"labelmesh/internal/logging"
	"labelmesh/internal/models"
	"labelmesh/pkg/config"
	"labelmesh/pkg/pipeline"
	"labelmesh/pkg/visualization"
	"labelmesh/pkg/volume"
)

func main() {
	// Parse command line arguments
	inputDir := flag.String("input", "", "Directory containing one label image per slice")
	outputName := flag.String("output", "output.stl", "Output mesh file (.stl, .obj or .ply)")
	configPath := flag.String("config", "labelmesh.yaml", "Configuration file")
	targetLabel := flag.Int("label", 1, "Label value to mesh")
	spacingFlag := flag.String("spacing", "1,1,1", "Voxel spacing in mm as x,y,z")
	isoLevel := flag.Float64("iso", 0.5, "Isolevel on the filtered label field")
	stride := flag.Int("stride", 1, "Marching cubes stride in voxels")
	diffusionIterations := flag.Int("diffusion-iterations", 5, "Anisotropic diffusion iterations")
	smoothIterations := flag.Int("smooth-iterations", 30, "Taubin smoothing iterations")
	passBand := flag.Float64("pass-band", 0.1, "Taubin pass band in (0, 2)")
	saveIntermediary := flag.Bool("save-intermediary", false, "Save intermediary results during processing")
	intermediaryDir := flag.String("intermediary-dir", "intermediary_results", "Directory to save intermediary results")
	extractSlices := flag.Bool("extract-slices", false, "Save the label volume slices along all axes")
	slicesDir := flag.String("slices-dir", "label_slices", "Directory to save extracted slices")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to -config and exit")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	// Validate inputs
	if *inputDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Flags given on the command line override the file
	var flagErr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "label":
			cfg.Input.TargetLabel = *targetLabel
		case "spacing":
			s, err := parseSpacing(*spacingFlag)
			if err != nil {
				flagErr = err
				return
			}
			cfg.Input.Spacing = s
		case "iso":
			cfg.Extraction.IsoLevel = *isoLevel
		case "stride":
			cfg.Extraction.Stride = *stride
		case "diffusion-iterations":
			cfg.Diffusion.Iterations = *diffusionIterations
		case "smooth-iterations":
			cfg.Smoothing.Iterations = *smoothIterations
		case "pass-band":
			cfg.Smoothing.PassBand = *passBand
		case "save-intermediary":
			cfg.Output.SaveIntermediaryResults = *saveIntermediary
		}
	})
	if flagErr != nil {
		log.Fatalf("Invalid flag: %v", flagErr)
	}

	outputPath := *outputName
	if filepath.Ext(outputPath) == "" {
		outputPath += "." + strings.ToLower(cfg.Output.Format)
	}

	writers := logging.Writers{Ops: os.Stderr}
	if cfg.Output.Verbose {
		writers.Diag = os.Stderr
	}
	logging.SetLogWriters(writers)

	fmt.Println("================================")
	fmt.Println("LABELMESH: SURFACE MESHES FROM LABELLED VOLUMES")
	fmt.Println("Anisotropic diffusion, marching cubes and Taubin smoothing")
	fmt.Println("================================")

	params, err := pipeline.ParamsFromConfig(cfg)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	params.InputDir = *inputDir
	params.OutputFile = outputPath
	params.IntermediaryDir = *intermediaryDir

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	p := pipeline.New(params)

	fmt.Printf("Meshing label %d (run %s)...\n", cfg.Input.TargetLabel, p.RunID())
	startTime := time.Now()
	if err := p.Process(ctx); err != nil {
		log.Fatalf("Meshing failed: %v", err)
	}
	processingTime := time.Since(startTime)

	metrics := p.GetMetrics()
	fmt.Printf("\nMeshing completed successfully in %.2f seconds!\n", processingTime.Seconds())
	fmt.Printf("Output mesh saved to: %s\n\n", outputPath)

	fmt.Printf("Mesh Metrics:\n")
	fmt.Printf("=============\n")
	fmt.Print(metrics.String())

	if *extractSlices {
		fmt.Println("\nExtracting label slices along all axes...")
		vol, err := volume.LoadSliceStack(*inputDir, params.Spacing)
		if err != nil {
			log.Fatalf("Failed to reload slices: %v", err)
		}
		saveSlices(vol, *slicesDir, cfg.Output.PreviewFormat)
		fmt.Println("Slice extraction completed!")
	}

	// Print information about intermediary results if saved
	if params.SaveIntermediaryResults {
		fmt.Println("\nIntermediary results saved to:")
		fmt.Printf("%s\n", p.IntermediaryDir())
		fmt.Println("The following stages were saved:")
		fmt.Println("- 01_label_field: Binary field of the target label")
		fmt.Println("- 02_filtered_field: Field after anisotropic diffusion")
		fmt.Println("- 03_soup.stl: Raw marching cubes output")
		fmt.Println("- 04_clean.stl: Merged, single component surface")
		fmt.Println("- 05_smoothing_convergence.png: Largest vertex movement per smoothing iteration")
	}
}

func saveSlices(vol *models.ScalarVolume, dir, format string) {
	viewer := visualization.NewViewer(vol)
	for _, axis := range []string{"x", "y", "z"} {
		axisDir := filepath.Join(dir, axis)
		fmt.Printf("Saving %s-axis slices to: %s\n", axis, axisDir)
		if err := viewer.SaveSliceSequence(axis, axisDir, format); err != nil {
			log.Printf("Warning: Failed to save %s-axis slices: %v", axis, err)
		}
	}
}

// parseSpacing parses "x,y,z" or a single value applied to all axes.
func parseSpacing(s string) ([3]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) == 1 {
		parts = []string{parts[0], parts[0], parts[0]}
	}
	if len(parts) != 3 {
		return [3]float64{}, fmt.Errorf("spacing %q: expected x,y,z", s)
	}
	var out [3]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return [3]float64{}, fmt.Errorf("spacing %q: %w", s, err)
		}
		out[i] = v
	}
	return out, nil
}

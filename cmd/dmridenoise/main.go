package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dmridenoise/internal/models"
	"dmridenoise/pkg/config"
	"dmridenoise/pkg/diag"
	"dmridenoise/pkg/nifti"
	"dmridenoise/pkg/noise"
	"dmridenoise/pkg/pipeline"
	"dmridenoise/pkg/visualization"
)

// options holds the settings that can come from either the command line or a
// YAML config file. A flag the user passed always wins over the file.
type options struct {
	noiseEst       string
	sigmaPath      string
	noiseMapPath   string
	coils          int
	blockSpec      string
	angular        int
	iterations     int
	order          int
	b0Threshold    float64
	symmetric      bool
	noSubsample    bool
	cores          int
	saveSigma      bool
	saveStabilized bool
	verbose        bool
}

// applyConfig fills in values from the config file for every option the user
// did not set explicitly on the command line. set holds the flag names that
// were present on the command line.
func (o *options) applyConfig(cfg *config.Config, set map[string]bool) {
	if !set["noise-est"] {
		o.noiseEst = cfg.Noise.Strategy
	}
	if !set["sigma"] && cfg.Noise.SigmaPath != "" {
		o.sigmaPath = cfg.Noise.SigmaPath
	}
	if !set["noise-map"] && cfg.Noise.NoiseMapPath != "" {
		o.noiseMapPath = cfg.Noise.NoiseMapPath
	}
	if !set["coils"] {
		o.coils = cfg.Processing.Coils
	}
	if !set["block"] {
		o.blockSpec = fmt.Sprintf("%d,%d,%d", cfg.Block.Sx, cfg.Block.Sy, cfg.Block.Sz)
	}
	if !set["angular"] {
		o.angular = cfg.Block.Angular
	}
	if !set["iterations"] {
		o.iterations = cfg.Processing.Iterations
	}
	if !set["smoothing-order"] {
		o.order = cfg.Processing.SmoothingOrder
	}
	if !set["b0-threshold"] {
		o.b0Threshold = cfg.Processing.B0Threshold
	}
	if !set["symmetric"] {
		o.symmetric = cfg.Processing.Symmetric
	}
	if !set["no-subsample"] {
		o.noSubsample = !cfg.Processing.Subsample
	}
	if !set["cores"] {
		o.cores = cfg.Processing.Workers
	}
	if !set["save-sigma"] {
		o.saveSigma = cfg.Output.SaveSigma
	}
	if !set["save-stabilized"] {
		o.saveStabilized = cfg.Output.SaveStabilized
	}
	if !set["verbose"] {
		o.verbose = cfg.Output.Verbose
	}
}

// pipelineParams converts the resolved options into run parameters.
func (o *options) pipelineParams(data *models.Volume4D, mask *models.Mask3D, table *models.GradientTable, src noise.Source) (pipeline.Params, error) {
	sx, sy, sz, err := parseBlock(o.blockSpec)
	if err != nil {
		return pipeline.Params{}, fmt.Errorf("invalid -block: %w", err)
	}
	return pipeline.Params{
		Data:           data,
		Mask:           mask,
		Table:          table,
		Coils:          o.coils,
		NoiseSource:    src,
		Block:          models.BlockDescriptor{Sx: sx, Sy: sy, Sz: sz, NAngular: o.angular},
		SmoothingOrder: o.order,
		Iterations:     o.iterations,
		Symmetric:      o.symmetric,
		Subsample:      !o.noSubsample,
		Workers:        o.cores,
	}, nil
}

func main() {
	defaults := config.DefaultConfig()
	var opts options

	// Parse command line arguments
	input := flag.String("input", "", "Input 4D diffusion-weighted volume (.nii or .nii.gz)")
	bval := flag.String("bval", "", "FSL-style b-value file")
	bvec := flag.String("bvec", "", "FSL-style b-vector file")
	maskPath := flag.String("mask", "", "Optional 3D mask volume (default: all voxels)")
	output := flag.String("output", "denoised.nii.gz", "Output volume path")
	configPath := flag.String("config", "", "Optional YAML configuration file")
	createConfig := flag.String("create-config", "", "Write a default configuration file to the given path and exit")
	force := flag.Bool("force", false, "Overwrite the output file if it exists")

	flag.StringVar(&opts.noiseEst, "noise-est", defaults.Noise.Strategy, "Noise estimation strategy: local or global")
	flag.StringVar(&opts.sigmaPath, "sigma", "", "Externally supplied sigma volume (overrides -noise-est)")
	flag.StringVar(&opts.noiseMapPath, "noise-map", "", "Externally supplied noise-only volume (overrides -noise-est)")

	flag.IntVar(&opts.coils, "coils", defaults.Processing.Coils, "Receiver coil count N (1 for SENSE-type reconstruction)")
	flag.StringVar(&opts.blockSpec, "block", fmt.Sprintf("%d,%d,%d", defaults.Block.Sx, defaults.Block.Sy, defaults.Block.Sz), "Spatial block size as sx,sy,sz")
	flag.IntVar(&opts.angular, "angular", defaults.Block.Angular, "Angular neighbors per anchor direction")
	flag.IntVar(&opts.iterations, "iterations", defaults.Processing.Iterations, "Reweighting iteration count")
	flag.IntVar(&opts.order, "smoothing-order", defaults.Processing.SmoothingOrder, "Angular smoothing order for the reference signal (0 disables)")
	flag.Float64Var(&opts.b0Threshold, "b0-threshold", defaults.Processing.B0Threshold, "b-value at or below which a volume counts as b0")
	flag.BoolVar(&opts.symmetric, "symmetric", defaults.Processing.Symmetric, "Acquisition samples antipodal direction pairs")
	flag.BoolVar(&opts.noSubsample, "no-subsample", false, "Process every direction as its own anchor (slower, more robust)")
	flag.IntVar(&opts.cores, "cores", defaults.Processing.Workers, "Number of CPU cores to use")

	flag.BoolVar(&opts.saveSigma, "save-sigma", false, "Write the estimated sigma map next to the output")
	flag.BoolVar(&opts.saveStabilized, "save-stabilized", false, "Write the stabilized volume next to the output")
	qcDir := flag.String("qc-dir", "", "Directory for QC slice images of the sigma map")
	flag.BoolVar(&opts.verbose, "verbose", defaults.Output.Verbose, "Verbose logging")
	flag.Parse()

	if *createConfig != "" {
		if err := config.CreateDefaultConfigFile(*createConfig); err != nil {
			log.Fatalf("Failed to write config file: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *createConfig)
		return
	}

	// Validate inputs
	if *input == "" || *bval == "" || *bvec == "" {
		flag.Usage()
		os.Exit(1)
	}

	// Config file values fill in every option the command line left at its
	// default; explicit flags win.
	if *configPath != "" {
		cfg, err := config.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		set := make(map[string]bool)
		flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
		opts.applyConfig(cfg, set)
	}

	// Overwrite protection on the output path
	if !*force {
		if _, err := os.Stat(*output); err == nil {
			log.Fatalf("Output file %s already exists (use -force to overwrite)", *output)
		}
	}

	dc := diag.New(opts.verbose)

	data, err := nifti.ReadVolume(*input)
	if err != nil {
		log.Fatalf("Failed to read input volume: %v", err)
	}
	dc.Log.Infof("Loaded %dx%dx%d volume with %d gradient volumes", data.Nx, data.Ny, data.Nz, data.Ng)

	table, err := models.LoadGradientTable(*bval, *bvec, opts.b0Threshold)
	if err != nil {
		log.Fatalf("Failed to load gradient table: %v", err)
	}

	var mask *models.Mask3D
	if *maskPath != "" {
		mask, err = nifti.ReadMask(*maskPath)
		if err != nil {
			log.Fatalf("Failed to read mask: %v", err)
		}
	}

	src, err := selectNoiseSource(opts.noiseEst, opts.sigmaPath, opts.noiseMapPath)
	if err != nil {
		log.Fatalf("%v", err)
	}

	params, err := opts.pipelineParams(data, mask, table, src)
	if err != nil {
		log.Fatalf("%v", err)
	}

	dc.Log.Info("Starting denoising pipeline...")
	startTime := time.Now()
	result, err := pipeline.Process(params, dc)
	if err != nil {
		log.Fatalf("Denoising failed: %v", err)
	}
	dc.Log.Infof("Denoising completed in %.2f seconds", time.Since(startTime).Seconds())

	if err := nifti.WriteVolume4D(*output, result.Denoised); err != nil {
		log.Fatalf("Failed to write output: %v", err)
	}
	dc.Log.Infof("Denoised volume saved to %s", *output)

	base := strings.TrimSuffix(strings.TrimSuffix(*output, ".gz"), ".nii")
	if opts.saveSigma {
		p := base + "_sigma.nii.gz"
		if err := nifti.WriteVolume3D(p, result.Sigma.ReconcileTo3D()); err != nil {
			log.Fatalf("Failed to write sigma map: %v", err)
		}
		dc.Log.Infof("Sigma map saved to %s", p)
	}
	if opts.saveStabilized {
		p := base + "_stabilized.nii.gz"
		if err := nifti.WriteVolume4D(p, result.Stabilized); err != nil {
			log.Fatalf("Failed to write stabilized volume: %v", err)
		}
		dc.Log.Infof("Stabilized volume saved to %s", p)
	}
	if result.NoiseMask != nil && opts.saveSigma {
		nm, _ := models.NewVolume3D(data.Nx, data.Ny, data.Nz)
		for i, in := range result.NoiseMask.Data {
			if in {
				nm.Data[i] = 1
			}
		}
		p := base + "_noisemask.nii.gz"
		if err := nifti.WriteVolume3D(p, nm); err != nil {
			log.Fatalf("Failed to write noise mask: %v", err)
		}
		dc.Log.Infof("Noise voxel mask saved to %s", p)
	}

	if *qcDir != "" {
		viewer := visualization.NewViewer(result.Sigma.ReconcileTo3D())
		for _, axis := range []string{"x", "y", "z"} {
			axisDir := filepath.Join(*qcDir, "sigma", axis)
			if err := viewer.SaveSliceSequence(axis, axisDir); err != nil {
				dc.Log.Warnf("Failed to save %s-axis QC slices: %v", axis, err)
			}
		}
		dc.Log.Infof("QC images saved to %s", *qcDir)
	}

	// End-of-run diagnostics summary
	if warnings := dc.Warnings(); len(warnings) > 0 {
		fmt.Println("\nWarnings:")
		for _, w := range warnings {
			fmt.Printf("  - %s\n", w)
		}
	}
	if n := dc.BlockFailures(); n > 0 {
		fmt.Printf("\n%d blocks fell back to their stabilized input.\n", n)
	}
}

// selectNoiseSource maps the mutually exclusive CLI options onto a noise
// strategy. Supplying both a sigma volume and a noise map is a configuration
// error.
func selectNoiseSource(strategy, sigmaPath, noiseMapPath string) (noise.Source, error) {
	if sigmaPath != "" && noiseMapPath != "" {
		return noise.Source{}, fmt.Errorf("-sigma and -noise-map are mutually exclusive")
	}
	switch {
	case sigmaPath != "":
		v, err := nifti.ReadVolume(sigmaPath)
		if err != nil {
			return noise.Source{}, fmt.Errorf("failed to read sigma volume: %w", err)
		}
		if v.Ng == 1 {
			return noise.FromSigmaVolume3D(v.Frame(0)), nil
		}
		return noise.FromSigmaVolume4D(v), nil
	case noiseMapPath != "":
		v, err := nifti.ReadVolume(noiseMapPath)
		if err != nil {
			return noise.Source{}, fmt.Errorf("failed to read noise map: %w", err)
		}
		if v.Ng == 1 {
			return noise.FromNoiseMap3D(v.Frame(0)), nil
		}
		return noise.FromNoiseMap4D(v), nil
	case strategy == "global":
		return noise.GlobalPIESNO(), nil
	case strategy == "local":
		return noise.LocalStd(), nil
	}
	return noise.Source{}, fmt.Errorf("unknown noise estimation strategy %q (want local or global)", strategy)
}

// parseBlock parses a sx,sy,sz block size argument.
func parseBlock(spec string) (int, int, int, error) {
	parts := strings.Split(spec, ",")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("want sx,sy,sz, got %q", spec)
	}
	var dims [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return 0, 0, 0, err
		}
		dims[i] = v
	}
	return dims[0], dims[1], dims[2], nil
}

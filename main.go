package main

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/nvr-ai/seg-eval/benchmark"
	"github.com/nvr-ai/seg-eval/checkpoint"
	"github.com/nvr-ai/seg-eval/dataset"
	"github.com/nvr-ai/seg-eval/evaluation"
	"github.com/nvr-ai/seg-eval/images"
	"github.com/nvr-ai/seg-eval/inference"
	"github.com/nvr-ai/seg-eval/inference/providers"
	"github.com/nvr-ai/seg-eval/ledger"
	"github.com/nvr-ai/seg-eval/onnx"
	"github.com/nvr-ai/seg-eval/palette"
	"github.com/nvr-ai/seg-eval/profiler"
)

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		log.Printf("❌ %v", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	restored, err := checkpoint.Load(opts.RestoreFrom)
	if err != nil {
		return err
	}
	if !restored.Found {
		return &evaluation.ConfigurationError{Field: "restore_from", Reason: "no model found at " + opts.RestoreFrom}
	}

	p, err := palette.Lookup(opts.Palette)
	if err != nil {
		return &evaluation.ConfigurationError{Field: "palette", Reason: "unknown", Err: err}
	}

	width, height, err := parseInputSize(opts.InputSize)
	if err != nil {
		return &evaluation.ConfigurationError{Field: "input_size", Reason: "must be WxH", Err: err}
	}
	input := images.DefaultInputConfig(width, height)

	entries, err := loadEntries(opts)
	if err != nil {
		return err
	}

	printBanner(opts, restored, len(entries))

	if opts.Benchmark > 0 {
		return runBenchmark(ctx, opts, restored.Path, entries)
	}

	seg, err := newSegmenter(opts, restored.Path, input)
	if err != nil {
		return err
	}
	if c, ok := seg.(io.Closer); ok {
		defer c.Close()
	}

	prof := profiler.NewRuntimeProfiler(profiler.ProfilingOptions{ReportInterval: opts.ProfileInterval})
	prof.Start()
	defer prof.Stop()

	deps := evaluation.Dependencies{
		Source:    dataset.NewListSource(entries),
		Segmenter: seg,
		Palette:   p,
		Profiler:  prof,
	}

	if opts.Ledger != "" {
		l, err := ledger.Open(opts.Ledger)
		if err != nil {
			return err
		}
		defer l.Close()
		deps.Recorder = l
	}

	cfg := opts.Config
	cfg.RestoreFrom = restored.Path
	e, err := evaluation.New(cfg, deps)
	if err != nil {
		return err
	}

	report, err := e.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Mean IoU: %.3f\n", report.MeanIoU)
	fmt.Printf("💾 %s of predictions written to %s\n", humanize.Bytes(uint64(report.BytesWritten)), cfg.OutputDir)
	prof.Report(os.Stdout)

	if opts.ReportJSON != "" {
		if err := writeReport(opts.ReportJSON, report); err != nil {
			return err
		}
		fmt.Printf("📋 report saved to %s\n", opts.ReportJSON)
	}
	return nil
}

// loadEntries reads the data list, or pairs the image and label directories
// when no list is given.
func loadEntries(opts options) ([]dataset.Entry, error) {
	if opts.DataList != "" {
		return dataset.LoadList(opts.DataDir, opts.DataList)
	}

	imageDir, labelDir := opts.ImageDir, opts.LabelDir
	if imageDir == "" {
		imageDir = filepath.Join(opts.DataDir, "JPEGImages")
	}
	if labelDir == "" {
		labelDir = filepath.Join(opts.DataDir, "SegmentationClass")
	}
	return dataset.ListFromDirectories(imageDir, labelDir)
}

// newSegmenter builds the model backend named by opts.Backend.
func newSegmenter(opts options, modelPath string, input images.InputConfig) (inference.Segmenter, error) {
	switch strings.ToLower(opts.Backend) {
	case "", "ort":
		provider, err := providers.NewProviderForBackend(opts.Provider)
		if err != nil {
			return nil, &evaluation.ConfigurationError{Field: "provider", Reason: "unsupported", Err: err}
		}
		seg, err := inference.NewORTSegmenter(inference.ORTConfig{
			ModelPath:   modelPath,
			Input:       input,
			NumClasses:  opts.NumClasses,
			Provider:    provider,
			LibraryPath: opts.LibraryPath,
		})
		if err != nil {
			return nil, err
		}
		return seg, nil
	case "gocv":
		backend, target, err := dnnPlacement(opts.Provider)
		if err != nil {
			return nil, &evaluation.ConfigurationError{Field: "provider", Reason: "unsupported by gocv", Err: err}
		}
		seg, err := onnx.NewSegmenter(onnx.Config{
			ModelPath:  modelPath,
			Input:      input,
			NumClasses: opts.NumClasses,
			Backend:    backend,
			Target:     target,
		})
		if err != nil {
			return nil, err
		}
		return seg, nil
	default:
		return nil, &evaluation.ConfigurationError{Field: "backend", Reason: fmt.Sprintf("unknown backend %q (want ort or gocv)", opts.Backend)}
	}
}

// dnnPlacement maps a provider name onto an OpenCV DNN backend and target.
func dnnPlacement(provider string) (backend, target string, err error) {
	switch strings.ToLower(provider) {
	case "", "cpu":
		return "opencv", "cpu", nil
	case "cuda":
		return "cuda", "cuda", nil
	case "openvino":
		return "openvino", "cpu", nil
	default:
		return "", "", fmt.Errorf("provider %q", provider)
	}
}

func runBenchmark(ctx context.Context, opts options, modelPath string, entries []dataset.Entry) error {
	n := opts.Benchmark
	if n > len(entries) {
		n = len(entries)
	}
	corpus := make([]image.Image, 0, n)
	for _, e := range entries[:n] {
		img, err := dataset.DecodeImageFile(e.Image)
		if err != nil {
			return err
		}
		corpus = append(corpus, img)
	}

	suite := benchmark.NewSuite(func(input images.InputConfig) (inference.Segmenter, error) {
		return newSegmenter(opts, modelPath, input)
	}, corpus)
	for _, s := range benchmark.QuickScenarios(opts.Benchmark) {
		suite.AddScenario(s)
	}

	if err := suite.RunAll(ctx); err != nil {
		log.Printf("⚠️ benchmark: %v", err)
	}
	for _, r := range suite.Results() {
		fmt.Printf("📊 %s: %.2f FPS, p95 %v\n", r.Scenario.Name, r.FramesPerSecond, r.P95Latency)
	}

	path, err := suite.SaveResults(filepath.Join(opts.OutputDir, "benchmark"))
	if err != nil {
		return err
	}
	fmt.Printf("📋 benchmark results saved to %s\n", path)
	return nil
}

func writeReport(path string, report evaluation.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func printBanner(opts options, restored checkpoint.Restored, samples int) {
	fmt.Printf("\n🚀 Segmentation Evaluation\n")
	fmt.Printf("=====================================\n")
	fmt.Printf("   🎯 Model: %s (step %d)\n", restored.Path, restored.Step)
	fmt.Printf("   🤖 Backend: %s on %s\n", opts.Backend, opts.Provider)
	fmt.Printf("   📁 Samples: %s listed, %s requested\n", humanize.Comma(int64(samples)), humanize.Comma(int64(opts.Steps)))
	fmt.Printf("   🎨 Palette: %s, %d classes\n", opts.Palette, opts.NumClasses)
	fmt.Printf("   📏 Input size: %s\n", opts.InputSize)
	fmt.Printf("   💾 Output directory: %s\n", opts.OutputDir)
	if opts.Ledger != "" {
		fmt.Printf("   📋 Ledger: %s\n", opts.Ledger)
	}
	fmt.Printf("=====================================\n\n")
}

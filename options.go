package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/seg-eval/evaluation"
)

// DefaultRestoreFrom is where training leaves its checkpoints.
const DefaultRestoreFrom = "./checkpoints/deeplab_lfov_10k/"

// options is everything the CLI can be told, from flags or a YAML file.
type options struct {
	evaluation.Config `yaml:",inline"`

	DataDir         string        `yaml:"data_dir"`
	ImageDir        string        `yaml:"image_dir"`
	LabelDir        string        `yaml:"label_dir"`
	Palette         string        `yaml:"palette"`
	Backend         string        `yaml:"backend"`
	Provider        string        `yaml:"provider"`
	InputSize       string        `yaml:"input_size"`
	LibraryPath     string        `yaml:"library_path"`
	Ledger          string        `yaml:"ledger"`
	ReportJSON      string        `yaml:"report_json"`
	ProfileInterval time.Duration `yaml:"profile_interval"`
	Benchmark       int           `yaml:"benchmark"`
}

func defaultOptions() options {
	cfg := evaluation.DefaultConfig()
	cfg.RestoreFrom = DefaultRestoreFrom
	return options{
		Config:    cfg,
		Palette:   "dressup",
		Backend:   "ort",
		Provider:  "cpu",
		InputSize: "321x321",
	}
}

// bind registers every flag on fs, writing into o.
func bind(fs *flag.FlagSet, o *options) {
	fs.StringVar(&o.DataDir, "data-dir", o.DataDir, "Directory the data list paths are relative to")
	fs.StringVar(&o.DataList, "data-list", o.DataList, "File listing image and label pairs; empty pairs -image-dir with -label-dir")
	fs.StringVar(&o.ImageDir, "image-dir", o.ImageDir, "Image directory when no data list is given (default {data-dir}/JPEGImages)")
	fs.StringVar(&o.LabelDir, "label-dir", o.LabelDir, "Label directory when no data list is given (default {data-dir}/SegmentationClass)")
	fs.StringVar(&o.RestoreFrom, "restore-from", o.RestoreFrom, "Model file or checkpoint directory")
	fs.StringVar(&o.OutputDir, "save-dir", o.OutputDir, "Where to save predicted masks")
	fs.IntVar(&o.Steps, "num-steps", o.Steps, "Number of images to evaluate")
	fs.IntVar(&o.NumClasses, "num-classes", o.NumClasses, "Number of classes")
	fs.StringVar(&o.Palette, "palette", o.Palette, "Palette of the visual outputs (dressup or voc)")
	fs.StringVar(&o.Backend, "backend", o.Backend, "Model backend (ort or gocv)")
	fs.StringVar(&o.Provider, "provider", o.Provider, "Execution provider (cpu, cuda, coreml or openvino)")
	fs.StringVar(&o.InputSize, "input-size", o.InputSize, "Model input size as WxH")
	fs.StringVar(&o.LibraryPath, "ort-library", o.LibraryPath, "ONNX Runtime shared library path")
	fs.IntVar(&o.ReportInterval, "report-interval", o.ReportInterval, "Steps between progress reports")
	fs.DurationVar(&o.StepTimeout, "step-timeout", o.StepTimeout, "Timeout of one model invocation (0 disables)")
	fs.IntVar(&o.Writers, "writers", o.Writers, "Goroutines writing predictions")
	fs.IntVar(&o.Prefetch.Capacity, "prefetch", o.Prefetch.Capacity, "Samples decoded ahead of the model")
	fs.BoolVar(&o.ResizeToLabel, "resize-to-label", o.ResizeToLabel, "Rescale predictions to the label size before scoring")
	fs.BoolVar(&o.SkipVisuals, "skip-visuals", o.SkipVisuals, "Write only raw predictions")
	fs.StringVar(&o.Ledger, "ledger", o.Ledger, "SQLite file recording the run")
	fs.StringVar(&o.ReportJSON, "report-json", o.ReportJSON, "Write the final report as JSON to this file")
	fs.DurationVar(&o.ProfileInterval, "profile-interval", o.ProfileInterval, "Interval of profiler reports (0 disables)")
	fs.IntVar(&o.Benchmark, "benchmark", o.Benchmark, "Benchmark the model with this many iterations per input size instead of evaluating")
}

// parseOptions parses the command line. With -config the YAML file is read
// first and explicitly set flags override it.
func parseOptions(args []string) (options, error) {
	fromFlags := defaultOptions()
	fs := flag.NewFlagSet("seg-eval", flag.ContinueOnError)
	bind(fs, &fromFlags)
	configPath := fs.String("config", "", "YAML configuration file")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if *configPath == "" {
		return fromFlags, nil
	}

	opts, err := loadOptions(*configPath)
	if err != nil {
		return options{}, err
	}

	overrides := flag.NewFlagSet("overrides", flag.ContinueOnError)
	bind(overrides, &opts)
	var setErr error
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" || setErr != nil {
			return
		}
		setErr = overrides.Set(f.Name, f.Value.String())
	})
	if setErr != nil {
		return options{}, setErr
	}
	return opts, nil
}

// loadOptions reads a YAML file on top of the defaults.
func loadOptions(path string) (options, error) {
	opts := defaultOptions()

	data, err := os.ReadFile(path)
	if err != nil {
		return options{}, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return options{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return opts, nil
}

// parseInputSize parses "WxH".
func parseInputSize(s string) (width, height int, err error) {
	if _, err := fmt.Sscanf(s, "%dx%d", &width, &height); err != nil {
		return 0, 0, fmt.Errorf("input size %q: %w", s, err)
	}
	if width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("input size %q must be positive", s)
	}
	return width, height, nil
}

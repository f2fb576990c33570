// Package evaluation runs a segmentation model over a validation set and
// scores it with a streaming confusion matrix.
package evaluation

import (
	"os"
	"time"

	"github.com/nvr-ai/seg-eval/dataset"
	"github.com/nvr-ai/seg-eval/metrics"
)

// Defaults of the DeepLab-LargeFOV validation run.
const (
	DefaultSteps          = 1000
	DefaultNumClasses     = 18
	DefaultOutputDir      = "./images_val/"
	DefaultReportInterval = 100
	DefaultWriters        = 2
)

// Config controls an evaluation run.
type Config struct {
	// RestoreFrom is the checkpoint the model was restored from. Recorded in
	// the ledger and required so a run is always traceable to a model.
	RestoreFrom string `json:"restore_from" yaml:"restore_from"`
	// DataList names the list file the samples came from, for the ledger.
	DataList string `json:"data_list" yaml:"data_list"`
	// OutputDir receives {step}_vis.png and {step}.png per step.
	OutputDir string `json:"output_dir" yaml:"output_dir"`
	// Steps is the exact number of samples to evaluate.
	Steps int `json:"steps" yaml:"steps"`
	// NumClasses is the number of classes scored (at most 256, the range of a raw PNG).
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// IgnoreLabel is the ground truth value excluded from scoring; nil means 255.
	IgnoreLabel *int32 `json:"ignore_label,omitempty" yaml:"ignore_label,omitempty"`
	// ReportInterval emits progress every this many steps, step 0 included.
	ReportInterval int `json:"report_interval" yaml:"report_interval"`
	// StepTimeout bounds one model invocation; 0 disables the timeout.
	// A timed out invocation is abandoned, not interrupted: the segmenter
	// stays busy until it returns, so closing the segmenter afterwards
	// blocks until then.
	StepTimeout time.Duration `json:"step_timeout" yaml:"step_timeout"`
	// Writers is the number of goroutines decoding and writing outputs.
	Writers int `json:"writers" yaml:"writers"`
	// Prefetch configures the background sample queue. Its Limit is set to Steps.
	Prefetch dataset.PrefetchOptions `json:"prefetch" yaml:"prefetch"`
	// ResizeToLabel rescales predictions to the label size before scoring.
	ResizeToLabel bool `json:"resize_to_label" yaml:"resize_to_label"`
	// SkipVisuals skips the colored {step}_vis.png; raw predictions are always written.
	SkipVisuals bool `json:"skip_visuals" yaml:"skip_visuals"`
}

// DefaultConfig returns the DeepLab-LargeFOV validation settings.
func DefaultConfig() Config {
	return Config{
		OutputDir:      DefaultOutputDir,
		Steps:          DefaultSteps,
		NumClasses:     DefaultNumClasses,
		ReportInterval: DefaultReportInterval,
		Writers:        DefaultWriters,
	}
}

// Validate checks the configuration and creates the output directory.
//
// Returns:
//   - error: A *ConfigurationError naming the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.RestoreFrom == "":
		return &ConfigurationError{Field: "restore_from", Reason: "a checkpoint path is required"}
	case c.Steps <= 0:
		return &ConfigurationError{Field: "steps", Reason: "must be positive"}
	case c.NumClasses <= 0 || c.NumClasses > 256:
		return &ConfigurationError{Field: "num_classes", Reason: "must be in [1, 256]"}
	case c.ReportInterval < 0:
		return &ConfigurationError{Field: "report_interval", Reason: "must not be negative"}
	case c.StepTimeout < 0:
		return &ConfigurationError{Field: "step_timeout", Reason: "must not be negative"}
	case c.Writers < 0:
		return &ConfigurationError{Field: "writers", Reason: "must not be negative"}
	case c.Prefetch.Capacity < 0 || c.Prefetch.Workers < 0:
		return &ConfigurationError{Field: "prefetch", Reason: "capacity and workers must not be negative"}
	case c.OutputDir == "":
		return &ConfigurationError{Field: "output_dir", Reason: "an output directory is required"}
	}
	if err := os.MkdirAll(c.OutputDir, 0o755); err != nil {
		return &ConfigurationError{Field: "output_dir", Reason: "cannot be created", Err: err}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.ReportInterval == 0 {
		c.ReportInterval = DefaultReportInterval
	}
	if c.Writers == 0 {
		c.Writers = DefaultWriters
	}
	c.Prefetch.Limit = c.Steps
	return c
}

func (c Config) ignoreLabel() int32 {
	if c.IgnoreLabel == nil {
		return metrics.DefaultIgnoreLabel
	}
	return *c.IgnoreLabel
}

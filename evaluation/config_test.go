package evaluation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/seg-eval/metrics"
	"github.com/nvr-ai/seg-eval/palette"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 1000, cfg.Steps)
	assert.Equal(t, 18, cfg.NumClasses)
	assert.Equal(t, "./images_val/", cfg.OutputDir)
	assert.Equal(t, 100, cfg.ReportInterval)
	assert.Equal(t, metrics.DefaultIgnoreLabel, cfg.ignoreLabel())

	ignore := int32(0)
	cfg.IgnoreLabel = &ignore
	assert.Equal(t, int32(0), cfg.ignoreLabel())
}

func TestValidateCreatesOutputDir(t *testing.T) {
	cfg := testConfig(t, 1)
	require.NoError(t, cfg.Validate())
	assert.DirExists(t, cfg.OutputDir)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"no checkpoint", func(c *Config) { c.RestoreFrom = "" }, "restore_from"},
		{"zero steps", func(c *Config) { c.Steps = 0 }, "steps"},
		{"zero classes", func(c *Config) { c.NumClasses = 0 }, "num_classes"},
		{"too many classes", func(c *Config) { c.NumClasses = 257 }, "num_classes"},
		{"negative interval", func(c *Config) { c.ReportInterval = -1 }, "report_interval"},
		{"negative timeout", func(c *Config) { c.StepTimeout = -1 }, "step_timeout"},
		{"negative writers", func(c *Config) { c.Writers = -2 }, "writers"},
		{"negative prefetch", func(c *Config) { c.Prefetch.Workers = -1 }, "prefetch"},
		{"no output dir", func(c *Config) { c.OutputDir = "" }, "output_dir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, 1)
			tt.mutate(&cfg)

			err := cfg.Validate()
			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestValidateOutputDirBlocked(t *testing.T) {
	cfg := testConfig(t, 1)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	cfg.OutputDir = filepath.Join(blocker, "out")

	err := cfg.Validate()
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "output_dir", cfgErr.Field)
	assert.Error(t, errors.Unwrap(cfgErr))
}

func TestWithDefaults(t *testing.T) {
	cfg := testConfig(t, 7)
	cfg.ReportInterval = 0
	cfg.Writers = 0

	cfg = cfg.withDefaults()
	assert.Equal(t, DefaultReportInterval, cfg.ReportInterval)
	assert.Equal(t, DefaultWriters, cfg.Writers)
	assert.Equal(t, 7, cfg.Prefetch.Limit)
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	cfg := testConfig(t, 1)
	var cfgErr *ConfigurationError

	_, err := New(cfg, Dependencies{Segmenter: echo})
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "source", cfgErr.Field)

	_, err = New(cfg, Dependencies{Source: samples(1, [][]int32{{0}})})
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "segmenter", cfgErr.Field)
}

func TestNewRejectsSmallPalette(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.NumClasses = palette.VOC.Len() + 1

	_, err := New(cfg, Dependencies{Source: samples(1, [][]int32{{0}}), Segmenter: echo, Palette: palette.VOC})
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "palette", cfgErr.Field)
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.True(t, StateAborted.Terminal())
	assert.False(t, StateReporting.Terminal())
}

func TestErrorMessages(t *testing.T) {
	err := &DataExhaustedError{Processed: 3, Requested: 10}
	assert.Equal(t, "data exhausted after 3 of 10 steps", err.Error())

	inner := errors.New("disk full")
	perr := &PersistenceError{Step: 4, Path: "/tmp/4.png", Err: inner}
	assert.Contains(t, perr.Error(), "/tmp/4.png")
	assert.True(t, errors.Is(perr, inner))
}

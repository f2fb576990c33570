package onnx

import (
	"fmt"
	"strings"

	"gocv.io/x/gocv"

	"github.com/nvr-ai/seg-eval/images"
)

// Config for the OpenCV DNN segmenter
type Config struct {
	// ModelPath is the ONNX model file.
	ModelPath string `json:"model_path" yaml:"model_path"`
	// Input is the model input size and normalization.
	Input images.InputConfig `json:"input" yaml:"input"`
	// NumClasses is the number of logit planes the model emits.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// Backend is the DNN backend: default, opencv, openvino or cuda.
	Backend string `json:"backend" yaml:"backend"`
	// Target is the DNN target: cpu, fp16, cuda or cuda_fp16.
	Target string `json:"target" yaml:"target"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ModelPath == "" {
		return fmt.Errorf("model path is required")
	}
	if c.NumClasses <= 0 {
		return fmt.Errorf("invalid class count %d", c.NumClasses)
	}
	if _, err := parseBackend(c.Backend); err != nil {
		return err
	}
	if _, err := parseTarget(c.Target); err != nil {
		return err
	}
	return c.Input.Validate()
}

var backends = map[string]gocv.NetBackendType{
	"":         gocv.NetBackendOpenCV,
	"default":  gocv.NetBackendDefault,
	"opencv":   gocv.NetBackendOpenCV,
	"openvino": gocv.NetBackendOpenVINO,
	"cuda":     gocv.NetBackendCUDA,
}

var targets = map[string]gocv.NetTargetType{
	"":          gocv.NetTargetCPU,
	"cpu":       gocv.NetTargetCPU,
	"fp16":      gocv.NetTargetFP16,
	"cuda":      gocv.NetTargetCUDA,
	"cuda_fp16": gocv.NetTargetCUDAFP16,
}

func parseBackend(name string) (gocv.NetBackendType, error) {
	b, ok := backends[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("unknown dnn backend %q", name)
	}
	return b, nil
}

func parseTarget(name string) (gocv.NetTargetType, error) {
	t, ok := targets[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("unknown dnn target %q", name)
	}
	return t, nil
}

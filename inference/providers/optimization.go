// Package providers - ONNX Runtime session optimization settings.
package providers

import (
	"fmt"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
)

// OptimizationConfig contains the ONNX Runtime session settings applied before
// execution providers are registered.
type OptimizationConfig struct {
	// GraphOptimizationLevel controls the level of graph optimization
	GraphOptimizationLevel ort.GraphOptimizationLevel `json:"graph_optimization_level" yaml:"graph_optimization_level"`

	// ExecutionMode controls sequential vs parallel execution
	ExecutionMode ort.ExecutionMode `json:"execution_mode" yaml:"execution_mode"`

	// IntraOpNumThreads sets threads for parallelizing ops (0 lets the runtime decide)
	IntraOpNumThreads int `json:"intra_op_num_threads" yaml:"intra_op_num_threads"`

	// InterOpNumThreads sets threads for parallelizing independent ops (0 lets the runtime decide)
	InterOpNumThreads int `json:"inter_op_num_threads" yaml:"inter_op_num_threads"`
}

// DefaultOptimizationConfig returns the settings used for evaluation runs.
//
// Segmentation backbones are a single deep chain of convolutions, so the graph
// runs sequentially and the CPU budget goes to intra-op parallelism.
func DefaultOptimizationConfig() OptimizationConfig {
	return OptimizationConfig{
		GraphOptimizationLevel: ort.GraphOptimizationLevelEnableExtended,
		ExecutionMode:          ort.ExecutionModeSequential,
		IntraOpNumThreads:      maxInt(1, runtime.NumCPU()/2),
		InterOpNumThreads:      1,
	}
}

// Apply writes the settings to session options.
//
// Arguments:
//   - options: The session options to configure.
//
// Returns:
//   - error: The first setting ONNX Runtime rejected.
func (c OptimizationConfig) Apply(options *ort.SessionOptions) error {
	if err := options.SetGraphOptimizationLevel(c.GraphOptimizationLevel); err != nil {
		return fmt.Errorf("failed to set graph optimization level: %w", err)
	}
	if err := options.SetExecutionMode(c.ExecutionMode); err != nil {
		return fmt.Errorf("failed to set execution mode: %w", err)
	}
	if err := options.SetIntraOpNumThreads(c.IntraOpNumThreads); err != nil {
		return fmt.Errorf("failed to set intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(c.InterOpNumThreads); err != nil {
		return fmt.Errorf("failed to set inter-op threads: %w", err)
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

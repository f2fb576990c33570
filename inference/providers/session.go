// Package providers - Inference sessions.
package providers

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var envMu sync.Mutex

// Session represents a model session from the onnxruntime with one float32
// input and one float32 output tensor bound to it.
type Session struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
}

// Run executes the model on the current contents of Input, writing Output.
func (s *Session) Run() error {
	if s.Session == nil {
		return fmt.Errorf("session is closed")
	}
	return s.Session.Run()
}

// Close releases the resources associated with the Session.
func (s *Session) Close() error {
	if s.Input != nil {
		s.Input.Destroy()
		s.Input = nil
	}
	if s.Output != nil {
		s.Output.Destroy()
		s.Output = nil
	}
	if s.Session != nil {
		err := s.Session.Destroy()
		s.Session = nil
		if err != nil {
			return fmt.Errorf("error destroying ORT session: %w", err)
		}
	}
	return nil
}

// SessionArgs represents the arguments for creating a new session.
type SessionArgs struct {
	// The path to the ONNX model file.
	ModelPath string
	// The input node name.
	InputName string
	// The output node name.
	OutputName string
	// The input tensor shape, e.g. [1, 3, H, W].
	InputShape []int64
	// The output tensor shape, e.g. [1, C, H, W].
	OutputShape []int64
	// LibraryPath overrides GetSharedLibPath.
	LibraryPath string
	// Optimization settings; the zero value uses DefaultOptimizationConfig.
	Optimization *OptimizationConfig
}

// initEnvironment loads the native runtime once per process.
func initEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libPath == "" {
		p, err := GetSharedLibPath()
		if err != nil {
			return err
		}
		libPath = p
	}
	if _, err := os.Stat(libPath); err != nil {
		return fmt.Errorf("ONNX Runtime library not found at %s: %w", libPath, err)
	}

	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("error initializing ORT environment: %w", err)
	}
	return nil
}

// NewSession creates a new ONNX Runtime session.
//
// Order of operations:
//  1. Environment setup: loads the native library once per process.
//  2. Tensor allocation: fixed-shape buffers for input and output.
//  3. Session options: optimization settings, then the execution provider.
//  4. Session creation: loads the model and binds the tensors.
//
// Arguments:
//   - provider: The execution provider for the session.
//   - args: The arguments for the session.
//
// Returns:
//   - *Session: Session holding the native session and its tensors. The caller must Close it.
//   - error: An error if the session creation fails.
func NewSession(provider ExecutionProvider, args SessionArgs) (*Session, error) {
	if provider == nil {
		provider = NewCPUProvider()
	}
	if args.ModelPath == "" {
		return nil, fmt.Errorf("model path is required")
	}
	if err := initEnvironment(args.LibraryPath); err != nil {
		return nil, err
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(args.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(args.OutputShape...))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}
	cleanup := func() {
		input.Destroy()
		output.Destroy()
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("error creating ORT session options: %w", err)
	}
	defer options.Destroy()

	opt := DefaultOptimizationConfig()
	if args.Optimization != nil {
		opt = *args.Optimization
	}
	if err := opt.Apply(options); err != nil {
		cleanup()
		return nil, err
	}
	if err := provider.Append(options); err != nil {
		cleanup()
		return nil, err
	}

	session, err := ort.NewAdvancedSession(
		args.ModelPath,
		[]string{args.InputName},
		[]string{args.OutputName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("error creating ORT session: %w", err)
	}

	return &Session{
		Session: session,
		Input:   input,
		Output:  output,
	}, nil
}

// Package providers - Execution providers for ONNX Runtime sessions.
package providers

import (
	"fmt"
	"sort"
	"strings"

	ort "github.com/yalue/onnxruntime_go"
)

// ProviderBackend represents different ONNX Runtime execution providers
type ProviderBackend string

// ProviderOptions is a marker interface for provider-specific config.
type ProviderOptions interface {
	isProviderOptions()
}

// ExecutionProvider represents the contract that all execution providers must implement.
type ExecutionProvider interface {
	// Backend names the provider.
	Backend() ProviderBackend
	// Options returns the provider-specific options.
	Options() ProviderOptions
	// Append registers the provider on the session options.
	Append(options *ort.SessionOptions) error
}

var constructors = map[ProviderBackend]func() ExecutionProvider{
	CPUProviderBackend:      func() ExecutionProvider { return NewCPUProvider() },
	CUDAProviderBackend:     func() ExecutionProvider { return NewCUDAProvider(CUDAOptions{}) },
	CoreMLProviderBackend:   func() ExecutionProvider { return NewCoreMLProvider(CoreMLOptions{}) },
	OpenVINOProviderBackend: func() ExecutionProvider { return NewOpenVINOProvider(OpenVINOOptions{}) },
}

// ParseBackend resolves a backend name, case-insensitively. The empty string
// selects the CPU provider.
//
// Arguments:
//   - name: The backend name.
//
// Returns:
//   - ProviderBackend: The backend.
//   - error: An error if no provider is registered under the name.
func ParseBackend(name string) (ProviderBackend, error) {
	if name == "" {
		return CPUProviderBackend, nil
	}
	backend := ProviderBackend(strings.ToLower(name))
	if _, ok := constructors[backend]; !ok {
		return "", fmt.Errorf("unknown execution provider %q (available: %s)", name, strings.Join(Backends(), ", "))
	}
	return backend, nil
}

// Backends returns the registered backend names, sorted.
func Backends() []string {
	out := make([]string, 0, len(constructors))
	for b := range constructors {
		out = append(out, string(b))
	}
	sort.Strings(out)
	return out
}

// NewProvider creates a new provider based on the required options.
//
// Arguments:
//   - options: The options for the provider. The concrete type selects the backend.
//
// Returns:
//   - ExecutionProvider: The new provider.
//   - error: An error if the options type is not supported.
func NewProvider(options ProviderOptions) (ExecutionProvider, error) {
	switch opts := options.(type) {
	case nil:
		return NewCPUProvider(), nil
	case CPUOptions:
		return NewCPUProvider(), nil
	case CoreMLOptions:
		return NewCoreMLProvider(opts), nil
	case OpenVINOOptions:
		return NewOpenVINOProvider(opts), nil
	case CUDAOptions:
		return NewCUDAProvider(opts), nil
	default:
		return nil, fmt.Errorf("unsupported provider options type: %T", opts)
	}
}

// NewProviderForBackend creates a provider with default options for a backend name.
func NewProviderForBackend(name string) (ExecutionProvider, error) {
	backend, err := ParseBackend(name)
	if err != nil {
		return nil, err
	}
	return constructors[backend](), nil
}

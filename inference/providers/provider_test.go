package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBackend(t *testing.T) {
	b, err := ParseBackend("")
	require.NoError(t, err)
	assert.Equal(t, CPUProviderBackend, b)

	b, err = ParseBackend("CoreML")
	require.NoError(t, err)
	assert.Equal(t, CoreMLProviderBackend, b)

	_, err = ParseBackend("tpu")
	assert.Error(t, err)

	assert.Equal(t, []string{"coreml", "cpu", "cuda", "openvino"}, Backends())
}

func TestNewProvider(t *testing.T) {
	cases := []struct {
		options ProviderOptions
		backend ProviderBackend
	}{
		{nil, CPUProviderBackend},
		{CPUOptions{}, CPUProviderBackend},
		{CUDAOptions{DeviceID: 1}, CUDAProviderBackend},
		{CoreMLOptions{}, CoreMLProviderBackend},
		{OpenVINOOptions{DeviceType: "GPU"}, OpenVINOProviderBackend},
	}
	for _, c := range cases {
		p, err := NewProvider(c.options)
		require.NoError(t, err)
		assert.Equal(t, c.backend, p.Backend())
	}

	p, err := NewProviderForBackend("openvino")
	require.NoError(t, err)
	assert.Equal(t, OpenVINOOptions{}, p.Options())
}

func TestCoreMLFlags(t *testing.T) {
	assert.Equal(t, uint32(0), CoreMLOptions{}.Flags())
	assert.Equal(t, uint32(0x001|0x010), CoreMLOptions{CPUOnly: true, MLProgram: true}.Flags())
	assert.Equal(t, uint32(0x002|0x004|0x008), CoreMLOptions{
		EnableOnSubgraphs:        true,
		RequireANE:               true,
		RequireStaticInputShapes: true,
	}.Flags())
}

func TestOpenVINOToMap(t *testing.T) {
	assert.Empty(t, OpenVINOOptions{}.ToMap())
	assert.Equal(t, map[string]string{
		"device_type":    "GPU",
		"precision":      "FP16",
		"num_of_threads": "4",
	}, OpenVINOOptions{DeviceType: "GPU", Precision: "FP16", NumOfThreads: 4}.ToMap())
}

func TestCUDAToMap(t *testing.T) {
	m, err := CUDAOptions{DeviceID: 2, GPUMemLimit: 1 << 30, ArenaExtendStrategy: 1, CudnnConvAlgoSearch: 1}.ToMap()
	require.NoError(t, err)
	assert.Equal(t, "2", m["device_id"])
	assert.Equal(t, "1073741824", m["gpu_mem_limit"])
	assert.Equal(t, "kSameAsRequested", m["arena_extend_strategy"])
	assert.Equal(t, "HEURISTIC", m["cudnn_conv_algo_search"])
	assert.Equal(t, "0", m["do_copy_in_default_stream"])

	_, err = CUDAOptions{CudnnConvAlgoSearch: 3}.ToMap()
	assert.Error(t, err)
	_, err = CUDAOptions{ArenaExtendStrategy: 2}.ToMap()
	assert.Error(t, err)
}

func TestGetSharedLibPathOverride(t *testing.T) {
	t.Setenv(LibraryPathEnv, "/opt/ort/libonnxruntime.so")
	p, err := GetSharedLibPath()
	require.NoError(t, err)
	assert.Equal(t, "/opt/ort/libonnxruntime.so", p)
}

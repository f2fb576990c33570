package inference

import (
	"context"
	"image"
	"log"
	"sync"

	"github.com/pkg/errors"

	"github.com/nvr-ai/seg-eval/images"
	"github.com/nvr-ai/seg-eval/inference/providers"
	"github.com/nvr-ai/seg-eval/mask"
)

// ORTConfig configures an ONNX Runtime segmenter.
type ORTConfig struct {
	// ModelPath is the ONNX model file.
	ModelPath string `json:"model_path" yaml:"model_path"`
	// InputName is the model input node (default "input").
	InputName string `json:"input_name" yaml:"input_name"`
	// OutputName is the model logits node (default "output").
	OutputName string `json:"output_name" yaml:"output_name"`
	// Input is the preprocessing applied to every image.
	Input images.InputConfig `json:"input" yaml:"input"`
	// NumClasses is the number of logit planes the model emits.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// Provider selects the execution provider; nil runs on CPU.
	Provider providers.ExecutionProvider `json:"-" yaml:"-"`
	// Optimization overrides the session settings.
	Optimization *providers.OptimizationConfig `json:"optimization,omitempty" yaml:"optimization,omitempty"`
	// LibraryPath overrides the ONNX Runtime shared library location.
	LibraryPath string `json:"library_path" yaml:"library_path"`
}

func (c *ORTConfig) defaults() {
	if c.InputName == "" {
		c.InputName = "input"
	}
	if c.OutputName == "" {
		c.OutputName = "output"
	}
}

// Validate checks the configuration.
func (c ORTConfig) Validate() error {
	if c.ModelPath == "" {
		return errors.New("model path is required")
	}
	if c.NumClasses <= 0 {
		return errors.Errorf("invalid class count %d", c.NumClasses)
	}
	return c.Input.Validate()
}

// InputShape returns the [1, 3, H, W] model input shape.
func (c ORTConfig) InputShape() []int64 {
	return []int64{1, 3, int64(c.Input.Height), int64(c.Input.Width)}
}

// OutputShape returns the [1, C, H, W] logits shape.
func (c ORTConfig) OutputShape() []int64 {
	return []int64{1, int64(c.NumClasses), int64(c.Input.Height), int64(c.Input.Width)}
}

// ORTSegmenter runs a segmentation model with ONNX Runtime. The session binds
// a single input and output tensor, so predictions are serialized.
type ORTSegmenter struct {
	mu      sync.Mutex
	cfg     ORTConfig
	session *providers.Session
}

// NewORTSegmenter loads the model and allocates its tensors.
//
// Arguments:
//   - cfg: The segmenter configuration.
//
// Returns:
//   - *ORTSegmenter: The segmenter. The caller must Close it.
//   - error: An error if the configuration is invalid or the session cannot be created.
func NewORTSegmenter(cfg ORTConfig) (*ORTSegmenter, error) {
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid onnxruntime segmenter config")
	}

	session, err := providers.NewSession(cfg.Provider, providers.SessionArgs{
		ModelPath:    cfg.ModelPath,
		InputName:    cfg.InputName,
		OutputName:   cfg.OutputName,
		InputShape:   cfg.InputShape(),
		OutputShape:  cfg.OutputShape(),
		LibraryPath:  cfg.LibraryPath,
		Optimization: cfg.Optimization,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", cfg.ModelPath)
	}

	backend := providers.CPUProviderBackend
	if cfg.Provider != nil {
		backend = cfg.Provider.Backend()
	}
	log.Printf("✅ onnxruntime session ready: %s (%s, %dx%d, %d classes)",
		cfg.ModelPath, backend, cfg.Input.Width, cfg.Input.Height, cfg.NumClasses)

	return &ORTSegmenter{cfg: cfg, session: session}, nil
}

// Predict segments each image in the batch.
//
// Arguments:
//   - ctx: Checked between images; a running forward pass is not interrupted.
//   - batch: The images to segment.
//
// Returns:
//   - []mask.Mask: One mask per image, at the image size.
//   - error: An error if preprocessing, the forward pass or the argmax fails.
func (s *ORTSegmenter) Predict(ctx context.Context, batch []image.Image) ([]mask.Mask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil, errors.New("segmenter is closed")
	}

	out := make([]mask.Mask, 0, len(batch))
	for i, img := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := images.Preprocess(img, s.cfg.Input, s.session.Input.GetData()); err != nil {
			return nil, errors.Wrapf(err, "preprocess image %d", i)
		}
		if err := s.session.Run(); err != nil {
			return nil, errors.Wrapf(err, "run image %d", i)
		}
		m, err := Argmax(s.session.Output.GetData(), s.cfg.NumClasses, s.cfg.Input.Height, s.cfg.Input.Width)
		if err != nil {
			return nil, errors.Wrapf(err, "image %d", i)
		}
		b := img.Bounds()
		out = append(out, mask.ResizeNearest(m, b.Dy(), b.Dx()))
	}
	return out, nil
}

// Close releases the session. It waits for an in-flight Predict to return.
func (s *ORTSegmenter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil
	}
	err := s.session.Close()
	s.session = nil
	return err
}

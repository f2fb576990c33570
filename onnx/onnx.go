// Package onnx runs segmentation models through the OpenCV DNN module.
package onnx

import (
	"context"
	"fmt"
	"image"
	"log"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"github.com/nvr-ai/seg-eval/images"
	"github.com/nvr-ai/seg-eval/inference"
	"github.com/nvr-ai/seg-eval/mask"
)

// Segmenter handles ONNX model inference using gocv.ReadNet()
type Segmenter struct {
	cfg    Config
	mu     sync.Mutex
	net    gocv.Net
	closed bool
}

// NewSegmenter loads the model and selects the DNN backend and target.
//
// Arguments:
//   - cfg: The segmenter configuration.
//
// Returns:
//   - *Segmenter: The segmenter. The caller must Close it.
//   - error: An error if the configuration is invalid or the model cannot be loaded.
func NewSegmenter(cfg Config) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dnn segmenter config: %w", err)
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model file not found: %w", err)
	}

	backend, err := parseBackend(cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("invalid dnn segmenter config: %w", err)
	}
	target, err := parseTarget(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("invalid dnn segmenter config: %w", err)
	}

	net := gocv.ReadNet(cfg.ModelPath, "")
	if net.Empty() {
		return nil, fmt.Errorf("failed to load ONNX model: %s", cfg.ModelPath)
	}
	net.SetPreferableBackend(backend)
	net.SetPreferableTarget(target)

	log.Printf("✅ DNN segmenter initialized with model: %s", cfg.ModelPath)
	log.Printf("📋 Input shape: %dx%d, %d classes", cfg.Input.Width, cfg.Input.Height, cfg.NumClasses)

	return &Segmenter{cfg: cfg, net: net}, nil
}

// Predict segments each image in the batch.
func (s *Segmenter) Predict(ctx context.Context, batch []image.Image) ([]mask.Mask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("segmenter is closed")
	}

	out := make([]mask.Mask, 0, len(batch))
	for i, img := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := s.predict(img)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Segmenter) predict(img image.Image) (mask.Mask, error) {
	// ImageToMatRGB stores pixels in OpenCV's BGR order.
	src, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return mask.Mask{}, fmt.Errorf("convert image: %w", err)
	}
	defer src.Close()

	blob := s.blob(src)
	defer blob.Close()

	s.net.SetInput(blob, "")
	logits := s.net.Forward("")
	defer logits.Close()

	data, err := logits.DataPtrFloat32()
	if err != nil {
		return mask.Mask{}, fmt.Errorf("read logits: %w", err)
	}
	classes, height, width, err := logitsLayout(logits.Size())
	if err != nil {
		return mask.Mask{}, err
	}
	if classes != s.cfg.NumClasses {
		return mask.Mask{}, fmt.Errorf("model emits %d classes, configured for %d", classes, s.cfg.NumClasses)
	}

	m, err := inference.Argmax(data, classes, height, width)
	if err != nil {
		return mask.Mask{}, err
	}
	b := img.Bounds()
	return mask.ResizeNearest(m, b.Dy(), b.Dx()), nil
}

// blob resizes the image to the model input and subtracts the channel mean.
func (s *Segmenter) blob(src gocv.Mat) gocv.Mat {
	in := s.cfg.Input
	mean := in.Mean
	swapRB := in.Order == images.ChannelOrderRGB
	scale := float64(in.Scale)
	if scale == 0 {
		scale = 1
	}
	return gocv.BlobFromImage(
		src,
		scale,
		image.Pt(in.Width, in.Height),
		gocv.NewScalar(float64(mean[0]), float64(mean[1]), float64(mean[2]), 0),
		swapRB,
		false,
	)
}

// logitsLayout reads [1, C, H, W] from a DNN output shape.
func logitsLayout(dims []int) (classes, height, width int, err error) {
	if len(dims) != 4 || dims[0] != 1 {
		return 0, 0, 0, fmt.Errorf("unexpected logits shape %v, want [1 C H W]", dims)
	}
	return dims[1], dims[2], dims[3], nil
}

// Close releases resources
func (s *Segmenter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.net.Close(); err != nil {
		return err
	}
	log.Printf("🔒 DNN segmenter closed")
	return nil
}

var _ inference.Segmenter = (*Segmenter)(nil)

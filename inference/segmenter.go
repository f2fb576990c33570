// Package inference - Model boundary for semantic segmentation.
package inference

import (
	"context"
	"image"

	"github.com/nvr-ai/seg-eval/mask"
)

// Segmenter produces one class-index mask per input image. Masks have the
// size of their image.
type Segmenter interface {
	Predict(ctx context.Context, batch []image.Image) ([]mask.Mask, error)
}

// SegmenterFunc adapts a function to the Segmenter interface.
type SegmenterFunc func(ctx context.Context, batch []image.Image) ([]mask.Mask, error)

// Predict calls f.
func (f SegmenterFunc) Predict(ctx context.Context, batch []image.Image) ([]mask.Mask, error) {
	return f(ctx, batch)
}

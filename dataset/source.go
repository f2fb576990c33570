// Package dataset - Validation samples and the sources that produce them.
package dataset

import (
	"context"
	"image"

	"github.com/nvr-ai/seg-eval/mask"
	"github.com/pkg/errors"
)

// ErrExhausted is returned once a source has no more samples to give.
var ErrExhausted = errors.New("dataset exhausted")

// Sample is one validation image with its ground truth labels.
type Sample struct {
	// Index is the position of the sample in its source.
	Index int
	// ImagePath is where the image was read from, if it came from disk.
	ImagePath string
	// LabelPath is where the labels were read from, if they came from disk.
	LabelPath string
	// Image is the decoded input image.
	Image image.Image
	// Label holds one class index per image pixel.
	Label mask.Mask
}

// Source is a finite, randomly addressable collection of samples.
type Source interface {
	// Len returns the number of samples.
	Len() int
	// Load decodes the sample at index. Load must be safe for concurrent use.
	Load(ctx context.Context, index int) (Sample, error)
}

// SliceSource serves samples that are already in memory.
type SliceSource []Sample

// Len returns the number of samples.
func (s SliceSource) Len() int {
	return len(s)
}

// Load returns the sample at index.
func (s SliceSource) Load(ctx context.Context, index int) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	if index < 0 || index >= len(s) {
		return Sample{}, errors.Wrapf(ErrExhausted, "index %d of %d", index, len(s))
	}
	sample := s[index]
	sample.Index = index
	return sample, nil
}

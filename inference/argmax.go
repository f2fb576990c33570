package inference

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/seg-eval/mask"
)

// ErrNonFiniteLogits is returned when a model emits NaN or infinite scores.
var ErrNonFiniteLogits = errors.New("non-finite logits")

// Argmax reduces CHW class scores to a mask holding the highest scoring class
// per pixel. Ties resolve to the lowest class index.
//
// Arguments:
//   - logits: Scores laid out as [classes, height, width].
//   - classes: The number of score planes.
//   - height: The mask height.
//   - width: The mask width.
//
// Returns:
//   - mask.Mask: The class-index mask.
//   - error: An error if the layout does not match the data or a score is not finite.
func Argmax(logits []float32, classes, height, width int) (mask.Mask, error) {
	if classes <= 0 || height < 0 || width < 0 {
		return mask.Mask{}, errors.Errorf("invalid logits layout %dx%dx%d", classes, height, width)
	}
	n := classes * height * width
	if len(logits) < n {
		return mask.Mask{}, errors.Errorf("logits hold %d values, layout %dx%dx%d needs %d",
			len(logits), classes, height, width, n)
	}
	if height == 0 || width == 0 {
		return mask.New(height, width), nil
	}
	for i, v := range logits[:n] {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return mask.Mask{}, errors.Wrapf(ErrNonFiniteLogits, "class %d at pixel %d", i/(height*width), i%(height*width))
		}
	}

	t := tensor.New(tensor.WithShape(classes, height, width), tensor.WithBacking(logits[:n]))
	idx, err := t.Argmax(0)
	if err != nil {
		return mask.Mask{}, errors.Wrap(err, "argmax")
	}
	out := mask.New(height, width)
	switch data := idx.Data().(type) {
	case []int:
		for i, c := range data {
			out.Pix[i] = int32(c)
		}
	case int:
		// a single pixel may come back as a scalar
		out.Pix[0] = int32(data)
	default:
		return mask.Mask{}, errors.Errorf("argmax returned %T", data)
	}
	return out, nil
}

package mask

import (
	"fmt"
	"image"
	"image/png"
	"io"

	"github.com/pkg/errors"
)

// FromImage converts a decoded label image into a mask.
//
// Paletted images (the usual encoding of segmentation ground truth) contribute
// their palette indices; gray images their intensity. Any other image model is
// read through its red channel, which matches how single-channel labels saved
// as RGB are stored.
//
// Arguments:
//   - img: The decoded label image.
//
// Returns:
//   - Mask: The class index mask.
func FromImage(img image.Image) Mask {
	b := img.Bounds()
	m := New(b.Dy(), b.Dx())

	switch src := img.(type) {
	case *image.Paletted:
		for y := 0; y < m.Height; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+m.Width]
			for x, v := range row {
				m.Pix[y*m.Width+x] = int32(v)
			}
		}
	case *image.Gray:
		for y := 0; y < m.Height; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+m.Width]
			for x, v := range row {
				m.Pix[y*m.Width+x] = int32(v)
			}
		}
	case *image.Gray16:
		for y := 0; y < m.Height; y++ {
			for x := 0; x < m.Width; x++ {
				m.Pix[y*m.Width+x] = int32(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	default:
		for y := 0; y < m.Height; y++ {
			for x := 0; x < m.Width; x++ {
				r, _, _, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				m.Pix[y*m.Width+x] = int32(r >> 8)
			}
		}
	}

	return m
}

// ToGray converts the mask to an 8-bit single channel image.
//
// Returns:
//   - *image.Gray: The image whose intensities are the class indices.
//   - error: An error if a value does not fit in a byte.
func (m Mask) ToGray() (*image.Gray, error) {
	img := image.NewGray(m.Bounds())
	for r := 0; r < m.Height; r++ {
		for c := 0; c < m.Width; c++ {
			v := m.Pix[r*m.Width+c]
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("class index %d at (%d,%d) does not fit in 8 bits", v, r, c)
			}
			img.Pix[r*img.Stride+c] = uint8(v)
		}
	}
	return img, nil
}

// EncodeRaw writes the mask as a single channel PNG of class indices.
func EncodeRaw(w io.Writer, m Mask) error {
	img, err := m.ToGray()
	if err != nil {
		return errors.Wrap(err, "encode raw mask")
	}
	if err := png.Encode(w, img); err != nil {
		return errors.Wrap(err, "encode raw mask")
	}
	return nil
}

// DecodeRaw reads a PNG label image into a mask.
func DecodeRaw(r io.Reader) (Mask, error) {
	img, err := png.Decode(r)
	if err != nil {
		return Mask{}, errors.Wrap(err, "decode raw mask")
	}
	return FromImage(img), nil
}

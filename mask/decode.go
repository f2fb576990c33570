package mask

import (
	"image"
	"image/color"

	"github.com/nvr-ai/seg-eval/palette"
)

// Background is the color of pixels the palette cannot render.
var Background = color.RGBA{0, 0, 0, 255}

// Decode renders a class index mask as an RGB image.
//
// Cells with an index the palette has a color for take that color. Every other
// cell, including ignore sentinels like 255, is left at Background. The
// decoder cannot tell a legitimate background pixel from an unlabeled one;
// both render black. Consumers rely on this, so out of range values are
// neither clamped nor reported.
//
// Decode does not modify m and keeps no state, so it is safe to call
// concurrently on independent inputs.
//
// Arguments:
//   - m: The class index mask.
//   - p: The palette to render with.
//
// Returns:
//   - *image.RGBA: An image with the same width and height as m.
func Decode(m Mask, p *palette.Palette) *image.RGBA {
	img := image.NewRGBA(m.Bounds())
	if m.Empty() {
		return img
	}

	n := int32(p.Len())
	for r := 0; r < m.Height; r++ {
		row := m.Pix[r*m.Width : (r+1)*m.Width]
		off := r * img.Stride
		for c, v := range row {
			px := Background
			if v >= 0 && v < n {
				px = p.ColorOf(int(v))
			}
			i := off + c*4
			img.Pix[i+0] = px.R
			img.Pix[i+1] = px.G
			img.Pix[i+2] = px.B
			img.Pix[i+3] = px.A
		}
	}

	return img
}

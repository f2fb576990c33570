package images

import (
	"fmt"
	"image"

	"github.com/nfnt/resize"
)

// MeanBGR is the per-channel mean, in BGR order, subtracted from inputs of
// Caffe-trained DeepLab models.
var MeanBGR = [3]float32{104.00698793, 116.66876762, 122.67891434}

// ChannelOrder is the order channels are written to the tensor in.
type ChannelOrder string

const (
	// ChannelOrderBGR writes blue, green, red planes (Caffe convention).
	ChannelOrderBGR ChannelOrder = "bgr"
	// ChannelOrderRGB writes red, green, blue planes.
	ChannelOrderRGB ChannelOrder = "rgb"
)

// InputConfig describes the tensor a segmentation model expects.
type InputConfig struct {
	// Width of the model input in pixels.
	Width int `json:"width" yaml:"width"`
	// Height of the model input in pixels.
	Height int `json:"height" yaml:"height"`
	// Order of the channel planes.
	Order ChannelOrder `json:"order" yaml:"order"`
	// Mean is subtracted from each channel, given in Order.
	Mean [3]float32 `json:"mean" yaml:"mean"`
	// Scale multiplies each channel after mean subtraction.
	Scale float32 `json:"scale" yaml:"scale"`
}

// DefaultInputConfig returns the DeepLab input layout for the given size:
// BGR planes with the Caffe mean removed and no scaling.
func DefaultInputConfig(width, height int) InputConfig {
	return InputConfig{
		Width:  width,
		Height: height,
		Order:  ChannelOrderBGR,
		Mean:   MeanBGR,
		Scale:  1,
	}
}

// Size returns the number of float32 values in a [3, Height, Width] tensor.
func (c InputConfig) Size() int {
	return 3 * c.Width * c.Height
}

// Validate checks the configuration.
func (c InputConfig) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("invalid input size %dx%d", c.Width, c.Height)
	}
	if c.Order != ChannelOrderBGR && c.Order != ChannelOrderRGB {
		return fmt.Errorf("invalid channel order %q", c.Order)
	}
	return nil
}

// Preprocess resizes img to the model input size and writes it as CHW planes
// into dst.
//
// Arguments:
//   - img: The image to prepare.
//   - cfg: The input layout.
//   - dst: The destination tensor data, at least cfg.Size() long.
//
// Returns:
//   - error: An error if dst is too small or the configuration is invalid.
func Preprocess(img image.Image, cfg InputConfig, dst []float32) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	channelSize := cfg.Width * cfg.Height
	if len(dst) < channelSize*3 {
		return fmt.Errorf("destination tensor only holds %d floats, needs %d", len(dst), channelSize*3)
	}

	b := img.Bounds()
	if b.Dx() != cfg.Width || b.Dy() != cfg.Height {
		img = resize.Resize(uint(cfg.Width), uint(cfg.Height), img, resize.Bilinear)
		b = img.Bounds()
	}

	first := dst[0:channelSize]
	second := dst[channelSize : channelSize*2]
	third := dst[channelSize*2 : channelSize*3]

	scale := cfg.Scale
	if scale == 0 {
		scale = 1
	}

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			c0, c2 := float32(bl>>8), float32(r>>8)
			if cfg.Order == ChannelOrderRGB {
				c0, c2 = c2, c0
			}
			first[i] = (c0 - cfg.Mean[0]) * scale
			second[i] = (float32(g>>8) - cfg.Mean[1]) * scale
			third[i] = (c2 - cfg.Mean[2]) * scale
			i++
		}
	}

	return nil
}

package palette

import (
	"fmt"
	"image/color"
	"sort"
)

// Dressup is the 18 class human parsing palette (background plus clothing and body parts).
var Dressup = MustNew("dressup", []color.RGBA{
	{0, 0, 0, 255},
	{128, 0, 0, 255},
	{255, 0, 0, 255},
	{170, 0, 51, 255},
	{255, 85, 0, 255},
	{0, 128, 0, 255},
	{0, 85, 85, 255},
	{0, 0, 85, 255},
	{0, 85, 0, 255},
	{255, 255, 0, 255},
	{255, 170, 0, 255},
	{0, 0, 255, 255},
	{85, 255, 170, 255},
	{170, 255, 85, 255},
	{51, 170, 221, 255},
	{0, 255, 255, 255},
	{85, 51, 0, 255},
	{52, 86, 128, 255},
}, []string{
	"background", "hat", "hair", "sunglasses", "upper-clothes", "skirt",
	"pants", "dress", "belt", "left-shoe", "right-shoe", "face",
	"left-leg", "right-leg", "left-arm", "right-arm", "bag", "scarf",
})

// VOC is the 21 class Pascal VOC palette.
var VOC = MustNew("voc", vocColors(21), []string{
	"background", "aeroplane", "bicycle", "bird", "boat", "bottle", "bus",
	"car", "cat", "chair", "cow", "diningtable", "dog", "horse", "motorbike",
	"person", "pottedplant", "sheep", "sofa", "train", "tvmonitor",
})

// vocColors builds the bit-interleaved Pascal VOC color map.
func vocColors(n int) []color.RGBA {
	colors := make([]color.RGBA, n)
	for i := 0; i < n; i++ {
		var r, g, b uint8
		c := i
		for j := 0; j < 8; j++ {
			r |= uint8((c>>0)&1) << (7 - j)
			g |= uint8((c>>1)&1) << (7 - j)
			b |= uint8((c>>2)&1) << (7 - j)
			c >>= 3
		}
		colors[i] = color.RGBA{r, g, b, 255}
	}
	return colors
}

var builtin = map[string]*Palette{
	Dressup.Name(): Dressup,
	VOC.Name():     VOC,
}

// Lookup returns a built-in palette by name.
//
// Arguments:
//   - name: The palette identifier ("dressup" or "voc").
//
// Returns:
//   - *Palette: The palette.
//   - error: An error if no palette is registered under that name.
func Lookup(name string) (*Palette, error) {
	p, ok := builtin[name]
	if !ok {
		return nil, fmt.Errorf("unknown palette %q, available: %v", name, Names())
	}
	return p, nil
}

// Names returns the sorted names of the built-in palettes.
func Names() []string {
	names := make([]string, 0, len(builtin))
	for name := range builtin {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

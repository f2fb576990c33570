// Package palette - Class index to color lookup tables used for mask visualization.
package palette

import (
	"fmt"
	"image/color"
)

// Class represents one segmentation label and the color it is rendered with.
type Class struct {
	// The integer index produced by the model.
	Index int
	// The human-readable label.
	Name string
	// The color used when rendering the class.
	Color color.RGBA
}

// Palette is an immutable, densely indexed table of classes.
//
// Index 0 is conventionally the background class. A palette is safe for
// concurrent use because nothing mutates it after construction.
type Palette struct {
	name      string
	classes   []Class
	nameToIdx map[string]int
}

// New creates a palette from an ordered list of colors and optional names.
//
// Arguments:
//   - name: Identifier of the palette (e.g. "dressup").
//   - colors: The colors, where colors[i] renders class i.
//   - names: Optional class names; when non-empty must have len(colors) entries.
//
// Returns:
//   - *Palette: The palette, holding its own copy of the inputs.
//   - error: An error if the palette is empty or the names do not line up.
func New(name string, colors []color.RGBA, names []string) (*Palette, error) {
	if len(colors) == 0 {
		return nil, fmt.Errorf("palette %q has no colors", name)
	}
	if len(names) != 0 && len(names) != len(colors) {
		return nil, fmt.Errorf("palette %q has %d colors but %d names", name, len(colors), len(names))
	}

	p := &Palette{
		name:      name,
		classes:   make([]Class, len(colors)),
		nameToIdx: make(map[string]int, len(names)),
	}
	for i, c := range colors {
		c.A = 255
		p.classes[i] = Class{Index: i, Color: c}
		if len(names) != 0 {
			p.classes[i].Name = names[i]
			p.nameToIdx[names[i]] = i
		}
	}

	return p, nil
}

// MustNew is like New but panics on error. Used for the built-in tables.
func MustNew(name string, colors []color.RGBA, names []string) *Palette {
	p, err := New(name, colors, names)
	if err != nil {
		panic(err)
	}
	return p
}

// Name returns the palette identifier.
func (p *Palette) Name() string {
	return p.name
}

// Len returns the number of classes the palette can render.
func (p *Palette) Len() int {
	return len(p.classes)
}

// Contains reports whether idx has a color in this palette.
func (p *Palette) Contains(idx int) bool {
	return idx >= 0 && idx < len(p.classes)
}

// ColorOf returns the color for a class index.
//
// The result is only defined for 0 <= idx < Len(); callers filter out of range
// indices before calling (see mask.Decode). An out of range index panics.
//
// Arguments:
//   - idx: The class index.
//
// Returns:
//   - color.RGBA: The opaque color for the class.
func (p *Palette) ColorOf(idx int) color.RGBA {
	return p.classes[idx].Color
}

// ClassName returns the label of a class, or an empty string if unknown.
func (p *Palette) ClassName(idx int) string {
	if !p.Contains(idx) {
		return ""
	}
	return p.classes[idx].Name
}

// IndexOf returns the class index for a label name.
func (p *Palette) IndexOf(name string) (int, bool) {
	idx, ok := p.nameToIdx[name]
	return idx, ok
}

// Classes returns a copy of the class table.
func (p *Palette) Classes() []Class {
	out := make([]Class, len(p.classes))
	copy(out, p.classes)
	return out
}

// Package mask - Class index matrices produced by segmentation models and their rendering.
package mask

import (
	"fmt"
	"image"
)

// Mask is a 2-D grid of class indices stored row-major.
//
// Values are expected in [0, numClasses) but a mask does not know its class
// count; ground truth masks routinely carry an ignore sentinel such as 255.
type Mask struct {
	// Height is the number of rows.
	Height int `json:"height"`
	// Width is the number of columns.
	Width int `json:"width"`
	// Pix holds Height*Width class indices, row-major.
	Pix []int32 `json:"pix"`
}

// New allocates a zero filled mask.
//
// Arguments:
//   - height: The number of rows.
//   - width: The number of columns.
//
// Returns:
//   - Mask: A mask of the given shape with every cell set to class 0.
func New(height, width int) Mask {
	if height < 0 || width < 0 {
		panic(fmt.Sprintf("mask: negative shape %dx%d", height, width))
	}
	return Mask{Height: height, Width: width, Pix: make([]int32, height*width)}
}

// FromRows builds a mask from a slice of rows.
//
// Arguments:
//   - rows: The rows of the mask; every row must have the same length.
//
// Returns:
//   - Mask: The mask holding a copy of rows.
//   - error: An error if the rows are ragged.
func FromRows(rows [][]int32) (Mask, error) {
	if len(rows) == 0 {
		return Mask{}, nil
	}
	width := len(rows[0])
	m := New(len(rows), width)
	for r, row := range rows {
		if len(row) != width {
			return Mask{}, fmt.Errorf("ragged mask: row %d has %d columns, want %d", r, len(row), width)
		}
		copy(m.Pix[r*width:(r+1)*width], row)
	}
	return m, nil
}

// MustFromRows is like FromRows but panics on ragged input.
func MustFromRows(rows [][]int32) Mask {
	m, err := FromRows(rows)
	if err != nil {
		panic(err)
	}
	return m
}

// At returns the class index at row r, column c.
func (m Mask) At(r, c int) int32 {
	return m.Pix[r*m.Width+c]
}

// Set stores a class index at row r, column c.
func (m Mask) Set(r, c int, v int32) {
	m.Pix[r*m.Width+c] = v
}

// Len returns the number of cells.
func (m Mask) Len() int {
	return m.Height * m.Width
}

// Empty reports whether the mask has no cells.
func (m Mask) Empty() bool {
	return m.Height == 0 || m.Width == 0
}

// SameShape reports whether two masks have identical dimensions.
func (m Mask) SameShape(o Mask) bool {
	return m.Height == o.Height && m.Width == o.Width
}

// Bounds returns the mask rectangle in image coordinates.
func (m Mask) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

// Clone returns a deep copy.
func (m Mask) Clone() Mask {
	out := Mask{Height: m.Height, Width: m.Width, Pix: make([]int32, len(m.Pix))}
	copy(out.Pix, m.Pix)
	return out
}

// String returns the shape of the mask.
func (m Mask) String() string {
	return fmt.Sprintf("%dx%d", m.Height, m.Width)
}

// ResizeNearest rescales a mask with nearest-neighbor sampling.
//
// Interpolating filters would blend neighbouring class ids into ids that mean
// something else, so masks are only ever resized this way.
//
// Arguments:
//   - m: The source mask.
//   - height: The target number of rows.
//   - width: The target number of columns.
//
// Returns:
//   - Mask: A new mask of the requested shape.
func ResizeNearest(m Mask, height, width int) Mask {
	if m.Height == height && m.Width == width {
		return m.Clone()
	}
	out := New(height, width)
	if m.Empty() {
		return out
	}
	for r := 0; r < height; r++ {
		sr := r * m.Height / height
		for c := 0; c < width; c++ {
			sc := c * m.Width / width
			out.Pix[r*width+c] = m.Pix[sr*m.Width+sc]
		}
	}
	return out
}

/**
 * Pixel buffers for captcha images
 *
 * A Buffer is an immutable row-major raster of packed ARGB values
 * (alpha in the highest byte). A Canvas is its mutable counterpart used
 * while painting; Freeze hands the raster over to a Buffer.
 */

package pixel

import (
	"github.com/adverant/nexus/captchasolve-worker/internal/errors"
)

// Buffer is an immutable ARGB raster.
type Buffer struct {
	width  int
	height int
	pix    []uint32
}

// New validates the dimensions and copies pix into a new Buffer.
// name identifies the buffer in the returned error.
func New(name string, width, height int, pix []uint32) (*Buffer, error) {
	if err := validate(name, width, height, len(pix)); err != nil {
		return nil, err
	}
	cp := make([]uint32, len(pix))
	copy(cp, pix)
	return &Buffer{width: width, height: height, pix: cp}, nil
}

// Filled returns a width x height buffer with every pixel set to argb.
func Filled(width, height int, argb uint32) (*Buffer, error) {
	c, err := NewCanvas(width, height)
	if err != nil {
		return nil, err
	}
	c.Fill(argb)
	return c.Freeze(), nil
}

func validate(name string, width, height, n int) error {
	if width <= 0 || height <= 0 || n != width*height {
		return errors.NewInvalidBufferError(name, width, height, n)
	}
	return nil
}

// Validate reports whether b is a usable buffer. A nil buffer is invalid.
func Validate(name string, b *Buffer) error {
	if b == nil {
		return errors.NewInvalidBufferError(name, 0, 0, 0)
	}
	return validate(name, b.width, b.height, len(b.pix))
}

// Width returns the width in pixels.
func (b *Buffer) Width() int { return b.width }

// Height returns the height in pixels.
func (b *Buffer) Height() int { return b.height }

// Len returns width*height.
func (b *Buffer) Len() int { return len(b.pix) }

// At returns the pixel at (x, y). The coordinates must be in bounds.
func (b *Buffer) At(x, y int) uint32 {
	return b.pix[y*b.width+x]
}

// Index returns the pixel at flat row-major index i.
func (b *Buffer) Index(i int) uint32 {
	return b.pix[i]
}

// InBounds reports whether (x, y) lies inside the buffer.
func (b *Buffer) InBounds(x, y int) bool {
	return x >= 0 && y >= 0 && x < b.width && y < b.height
}

// Pixels returns a copy of the raster.
func (b *Buffer) Pixels() []uint32 {
	cp := make([]uint32, len(b.pix))
	copy(cp, b.pix)
	return cp
}

// Canvas returns a mutable copy of b.
func (b *Buffer) Canvas() *Canvas {
	return &Canvas{width: b.width, height: b.height, pix: b.Pixels()}
}

// Equal reports whether both buffers have the same size and pixels.
func (b *Buffer) Equal(o *Buffer) bool {
	if b == nil || o == nil {
		return b == o
	}
	if b.width != o.width || b.height != o.height {
		return false
	}
	for i, p := range b.pix {
		if o.pix[i] != p {
			return false
		}
	}
	return true
}

// Canvas is a mutable ARGB raster.
type Canvas struct {
	width  int
	height int
	pix    []uint32
}

// NewCanvas allocates a transparent canvas.
func NewCanvas(width, height int) (*Canvas, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.NewInvalidBufferError("canvas", width, height, 0)
	}
	return &Canvas{width: width, height: height, pix: make([]uint32, width*height)}, nil
}

func (c *Canvas) Width() int  { return c.width }
func (c *Canvas) Height() int { return c.height }

func (c *Canvas) At(x, y int) uint32 {
	return c.pix[y*c.width+x]
}

func (c *Canvas) Set(x, y int, argb uint32) {
	c.pix[y*c.width+x] = argb
}

// Fill sets every pixel to argb.
func (c *Canvas) Fill(argb uint32) {
	for i := range c.pix {
		c.pix[i] = argb
	}
}

// FillColumns sets columns [x0, x1) to argb, clipped to the canvas.
func (c *Canvas) FillColumns(x0, x1 int, argb uint32) {
	if x0 < 0 {
		x0 = 0
	}
	if x1 > c.width {
		x1 = c.width
	}
	for y := 0; y < c.height; y++ {
		row := c.pix[y*c.width : (y+1)*c.width]
		for x := x0; x < x1; x++ {
			row[x] = argb
		}
	}
}

// Over alpha-composites src over the pixel at (x, y).
func (c *Canvas) Over(x, y int, src uint32) {
	i := y*c.width + x
	c.pix[i] = Over(src, c.pix[i])
}

// Freeze transfers the raster to an immutable Buffer. The canvas must not
// be used afterwards.
func (c *Canvas) Freeze() *Buffer {
	b := &Buffer{width: c.width, height: c.height, pix: c.pix}
	c.pix = nil
	return b
}

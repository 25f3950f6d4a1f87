/**
 * Compositor - paints the background strip and the foreground cutout
 * into one canvas.
 *
 * The result feeds both the disorder search (one composite per candidate
 * offset) and the recognizer (Render, scaled to the model input size).
 */

package compositor

import (
	"math"

	"github.com/nfnt/resize"

	"github.com/adverant/nexus/captchasolve-worker/internal/errors"
	"github.com/adverant/nexus/captchasolve-worker/internal/pixel"
)

// Options controls canvas sizing and painting.
type Options struct {
	// BackgroundColor fills the canvas before painting.
	BackgroundColor uint32
	// NoiseMargin columns on each horizontal edge are reset to BackgroundColor.
	NoiseMargin int

	// TargetHeight is the canvas height; the canvas width is derived from
	// the foreground aspect ratio plus Padding on both sides.
	TargetHeight int
	Padding      int
	MaxWidth     int

	// OutputWidth x OutputHeight is the size Render scales to.
	OutputWidth  int
	OutputHeight int
}

// DefaultOptions returns the canvas geometry of the 4chan-style slider captcha.
func DefaultOptions() Options {
	return Options{
		BackgroundColor: 0xFFEEEEEE,
		NoiseMargin:     4,
		TargetHeight:    80,
		Padding:         16,
		MaxWidth:        300,
		OutputWidth:     300,
		OutputHeight:    80,
	}
}

// Composite fills a canvasWidth x canvasHeight canvas with the background
// colour, paints bg shifted left by offset (rounded to whole pixels), paints
// fg at the origin and blanks the noise margins. bg may be nil.
func Composite(fg, bg *pixel.Buffer, offset float32, canvasWidth, canvasHeight int, opts Options) (*pixel.Buffer, error) {
	if err := pixel.Validate("foreground", fg); err != nil {
		return nil, err
	}
	if bg != nil {
		if err := pixel.Validate("background", bg); err != nil {
			return nil, err
		}
	}
	canvas, err := pixel.NewCanvas(canvasWidth, canvasHeight)
	if err != nil {
		return nil, err
	}

	canvas.Fill(opts.BackgroundColor)
	if bg != nil {
		paint(canvas, bg, shift(offset))
	}
	paint(canvas, fg, 0)

	if m := opts.NoiseMargin; m > 0 {
		canvas.FillColumns(0, m, opts.BackgroundColor)
		canvas.FillColumns(canvasWidth-m, canvasWidth, opts.BackgroundColor)
	}
	return canvas.Freeze(), nil
}

// paint draws src over canvas so that canvas x maps to src x+dx.
func paint(canvas *pixel.Canvas, src *pixel.Buffer, dx int) {
	h := min(canvas.Height(), src.Height())
	x0 := max(0, -dx)
	x1 := min(canvas.Width(), src.Width()-dx)
	for y := 0; y < h; y++ {
		for x := x0; x < x1; x++ {
			canvas.Over(x, y, src.At(x+dx, y))
		}
	}
}

func shift(offset float32) int {
	f := float64(offset)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int(math.Round(f))
}

// CanvasSize derives the painting canvas for a foreground of the given size:
// TargetHeight tall, and wide enough for the foreground scaled to that
// height plus padding, capped at MaxWidth.
func CanvasSize(fgWidth, fgHeight int, opts Options) (int, int, error) {
	if fgWidth <= 0 || fgHeight <= 0 {
		return 0, 0, errors.NewInvalidBufferError("foreground", fgWidth, fgHeight, 0)
	}
	scale := float64(opts.TargetHeight) / float64(fgHeight)
	w := int(float64(fgWidth)*scale + float64(opts.Padding*2))
	if opts.MaxWidth > 0 && w >= opts.MaxWidth {
		w = opts.MaxWidth
	}
	return w, opts.TargetHeight, nil
}

// Render composites fg and bg on a CanvasSize canvas and scales the result
// to OutputWidth x OutputHeight with bilinear filtering.
func Render(fg, bg *pixel.Buffer, offset float32, opts Options) (*pixel.Buffer, error) {
	if err := pixel.Validate("foreground", fg); err != nil {
		return nil, err
	}
	cw, ch, err := CanvasSize(fg.Width(), fg.Height(), opts)
	if err != nil {
		return nil, err
	}
	composite, err := Composite(fg, bg, offset, cw, ch, opts)
	if err != nil {
		return nil, err
	}
	if cw == opts.OutputWidth && ch == opts.OutputHeight {
		return composite, nil
	}

	scaled := resize.Resize(uint(opts.OutputWidth), uint(opts.OutputHeight), composite.ToNRGBA(), resize.Bilinear)
	return pixel.FromImage("render", scaled)
}

// Package disorder scores how cleanly a composited captcha lines up.
//
// Dark pixels are grouped into 4-connected components, small components are
// dropped as noise and the survivors form a binary mask. The score is the
// share of vertical mask transitions per labelled pixel: aligned glyph strokes
// run straight down and produce few transitions.
package disorder

import (
	"github.com/adverant/nexus/captchasolve-worker/internal/pixel"
)

// Options holds the labelling thresholds.
type Options struct {
	// DarkThreshold: a pixel is dark when its red channel is below this value.
	DarkThreshold int
	// MinComponentSize: components with fewer pixels are discarded.
	MinComponentSize int
}

// DefaultOptions returns the thresholds the answer fixtures were produced with.
func DefaultOptions() Options {
	return Options{
		DarkThreshold:    64,
		MinComponentSize: 24,
	}
}

// Mask marks the pixels of every surviving dark component with 1.
type Mask struct {
	Width  int
	Height int
	Bits   []uint8
}

// Label thresholds buf on the red channel and flood-fills the dark pixels.
// Components are discovered in index order so the mask is reproducible.
func Label(buf *pixel.Buffer, opts Options) (*Mask, error) {
	if err := pixel.Validate("composite", buf); err != nil {
		return nil, err
	}

	w, h := buf.Width(), buf.Height()
	n := w * h
	dark := make([]bool, n)
	for i := 0; i < n; i++ {
		dark[i] = pixel.R(buf.Index(i)) < opts.DarkThreshold
	}

	mask := &Mask{Width: w, Height: h, Bits: make([]uint8, n)}
	visited := make([]bool, n)
	queue := make([]int, 0, 256)

	for start := 0; start < n; start++ {
		if !dark[start] || visited[start] {
			continue
		}

		// BFS; queue doubles as the component member list.
		queue = append(queue[:0], start)
		visited[start] = true
		for head := 0; head < len(queue); head++ {
			i := queue[head]
			x := i % w
			if x > 0 {
				queue = visit(queue, dark, visited, i-1)
			}
			if x < w-1 {
				queue = visit(queue, dark, visited, i+1)
			}
			if i >= w {
				queue = visit(queue, dark, visited, i-w)
			}
			if i+w < n {
				queue = visit(queue, dark, visited, i+w)
			}
		}

		if len(queue) < opts.MinComponentSize {
			continue
		}
		for _, i := range queue {
			mask.Bits[i] = 1
		}
	}
	return mask, nil
}

func visit(queue []int, dark, visited []bool, j int) []int {
	if !dark[j] || visited[j] {
		return queue
	}
	visited[j] = true
	return append(queue, j)
}

// Score returns transitions/total over every pixel that has a row below it,
// where a transition is a label change to the pixel below and total counts
// labelled pixels. A zero total is treated as 1.
func (m *Mask) Score() float32 {
	var transitions, total int
	for i, n := 0, len(m.Bits)-m.Width; i < n; i++ {
		if m.Bits[i] != m.Bits[i+m.Width] {
			transitions++
		}
		if m.Bits[i] != 0 {
			total++
		}
	}
	if total == 0 {
		total = 1
	}
	return float32(transitions) / float32(total)
}

// Count returns the number of labelled pixels.
func (m *Mask) Count() int {
	c := 0
	for _, b := range m.Bits {
		c += int(b)
	}
	return c
}

// Score labels buf and returns its disorder.
func Score(buf *pixel.Buffer, opts Options) (float32, error) {
	m, err := Label(buf, opts)
	if err != nil {
		return 0, err
	}
	return m.Score(), nil
}

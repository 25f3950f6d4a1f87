/**
 * Offset search
 *
 * Two interchangeable strategies find the horizontal shift that lines the
 * slider background up with the foreground:
 *   - boundary: cross-correlate foreground transparency checkpoints with
 *     the binarized background (BestOffset)
 *   - disorder: composite every candidate offset and keep the one whose
 *     dark strokes are the least fragmented (BestOffsetByDisorder)
 * Callers pick one strategy per challenge.
 */

package align

import (
	"fmt"

	"github.com/adverant/nexus/captchasolve-worker/internal/boundary"
	"github.com/adverant/nexus/captchasolve-worker/internal/compositor"
	"github.com/adverant/nexus/captchasolve-worker/internal/disorder"
	"github.com/adverant/nexus/captchasolve-worker/internal/errors"
	"github.com/adverant/nexus/captchasolve-worker/internal/pixel"
)

// Strategy selects the offset search.
type Strategy string

const (
	StrategyBoundary Strategy = "boundary"
	StrategyDisorder Strategy = "disorder"
)

// ParseStrategy maps a configuration string onto a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyBoundary, StrategyDisorder:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown alignment strategy %q", s)
}

// Candidate is a trial offset and its quality. Score is the checkpoint
// match count for the boundary strategy and 1/(1+Disorder) for the
// disorder strategy.
type Candidate struct {
	Offset   int
	Score    float32
	Disorder float32
}

// Options configures both strategies.
type Options struct {
	Strategy Strategy

	// BlackSumThreshold binarizes background samples (R+G+B <= threshold is Black).
	BlackSumThreshold int
	// SliderScale maps the 0-100 percentage onto the slider domain.
	SliderScale float32

	// DisorderFrom and DisorderTo bound the disorder search, both inclusive.
	DisorderFrom int
	DisorderTo   int
	// Workers caps concurrent candidate evaluations; <= 0 means one.
	Workers int

	Compositor compositor.Options
	Disorder   disorder.Options
}

// DefaultOptions returns the boundary strategy with the historical constants.
func DefaultOptions() Options {
	return Options{
		Strategy:          StrategyBoundary,
		BlackSumThreshold: pixel.DefaultBlackSumThreshold,
		SliderScale:       0.5,
		DisorderFrom:      0,
		DisorderTo:        -50,
		Workers:           4,
		Compositor:        compositor.DefaultOptions(),
		Disorder:          disorder.DefaultOptions(),
	}
}

// BestOffset slides the checkpoints across bg for every offset in
// [0, slideWidth] and counts the checkpoints whose class matches the
// background pixel under them. Samples outside bg are skipped. The highest
// count wins; ties keep the smallest offset.
//
// A non-positive slideWidth is degenerate and yields the zero Candidate
// without error.
func BestOffset(checkpoints []boundary.Checkpoint, bg *pixel.Buffer, slideWidth int, opts Options) (Candidate, error) {
	if bg == nil {
		return Candidate{}, errors.NewEmptyInputError("background")
	}
	if err := pixel.Validate("background", bg); err != nil {
		return Candidate{}, err
	}
	if len(checkpoints) == 0 {
		return Candidate{}, errors.NewEmptyInputError("checkpoints")
	}
	if slideWidth <= 0 {
		return Candidate{}, nil
	}

	best := Candidate{Offset: 0, Score: -1}
	for s := 0; s <= slideWidth; s++ {
		matches := 0
		for _, c := range checkpoints {
			x := c.X + s
			if !bg.InBounds(x, c.Y) {
				continue
			}
			if pixel.Classify(bg.At(x, c.Y), opts.BlackSumThreshold) == c.Class {
				matches++
			}
		}
		if score := float32(matches); score > best.Score {
			best = Candidate{Offset: s, Score: score}
		}
	}
	return best, nil
}

// SliderValue converts an offset into the slider's percentage domain:
// offset/slideWidth*100, scaled by SliderScale. slideWidth is treated as
// at least 1.
func SliderValue(offset, slideWidth int, opts Options) float32 {
	return float32(offset) * 100 / float32(max(slideWidth, 1)) * opts.SliderScale
}

// Package boundary finds the transparency edges of a slider foreground and
// records the binarized colour found at each edge.
package boundary

import (
	"github.com/adverant/nexus/captchasolve-worker/internal/pixel"
)

// Checkpoint is a transparency-boundary crossing with its colour class.
type Checkpoint struct {
	X     int
	Y     int
	Class pixel.Class
}

// Options holds the extraction thresholds.
type Options struct {
	// AlphaThreshold: alpha above this value counts as opaque.
	AlphaThreshold int
	// BlackSumThreshold: R+G+B at or below this value is Black.
	BlackSumThreshold int
}

// DefaultOptions returns the thresholds the answer fixtures were produced with.
func DefaultOptions() Options {
	return Options{
		AlphaThreshold:    pixel.DefaultAlphaThreshold,
		BlackSumThreshold: pixel.DefaultBlackSumThreshold,
	}
}

// Extract scans fg in row-major order and emits a checkpoint at every
// pixel whose opacity differs from the previous pixel's. The running state
// starts opaque, so a leading transparent pixel is a transition.
//
// An empty result is valid and means the image has no usable boundary.
func Extract(fg *pixel.Buffer, opts Options) ([]Checkpoint, error) {
	if err := pixel.Validate("foreground", fg); err != nil {
		return nil, err
	}

	var checkpoints []Checkpoint
	opaque := true
	w := fg.Width()
	for i, n := 0, fg.Len(); i < n; i++ {
		p := fg.Index(i)
		a := pixel.A(p) > opts.AlphaThreshold
		if a == opaque {
			continue
		}
		checkpoints = append(checkpoints, Checkpoint{
			X:     i % w,
			Y:     i / w,
			Class: pixel.Classify(p, opts.BlackSumThreshold),
		})
		opaque = a
	}
	return checkpoints, nil
}

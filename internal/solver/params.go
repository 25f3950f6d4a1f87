package solver

import (
	"github.com/adverant/nexus/captchasolve-worker/internal/align"
	"github.com/adverant/nexus/captchasolve-worker/internal/boundary"
	"github.com/adverant/nexus/captchasolve-worker/internal/compositor"
	"github.com/adverant/nexus/captchasolve-worker/internal/sequence"
)

// Params collects every tunable of the solving pipeline.
type Params struct {
	Boundary   boundary.Options
	Compositor compositor.Options
	Align      align.Options
	Sequence   sequence.Options
	Charset    sequence.Charset

	// Retention is the fraction of a column's peak probability an entry
	// must exceed to be decoded.
	Retention float32

	// NoiseThreshold is the largest opaque cluster removed before the
	// boundary search. 0 disables noise removal.
	NoiseThreshold int

	// WidthDiff converts a 0..1 slider position into a pixel offset.
	WidthDiff float32
}

// DefaultParams returns the configuration used for the 4chan slider captcha.
func DefaultParams() Params {
	a := align.DefaultOptions()
	return Params{
		Boundary:       boundary.DefaultOptions(),
		Compositor:     a.Compositor,
		Align:          a,
		Sequence:       sequence.DefaultOptions(),
		Charset:        sequence.DefaultCharset(),
		Retention:      sequence.DefaultRetention,
		NoiseThreshold: 1,
		WidthDiff:      50,
	}
}

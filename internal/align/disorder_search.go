package align

import (
	"context"
	"sync"

	"github.com/adverant/nexus/captchasolve-worker/internal/compositor"
	"github.com/adverant/nexus/captchasolve-worker/internal/disorder"
	"github.com/adverant/nexus/captchasolve-worker/internal/errors"
	"github.com/adverant/nexus/captchasolve-worker/internal/pixel"
)

type evaluation struct {
	disorder float32
	err      error
}

// BestOffsetByDisorder composites fg over bg at every offset from
// DisorderFrom to DisorderTo (inclusive, stepping towards DisorderTo) and
// returns the offset with the lowest disorder. Ties keep the first offset
// in iteration order.
//
// Candidates are scored on up to opts.Workers goroutines; the reduction is
// sequential so the result does not depend on scheduling.
func BestOffsetByDisorder(ctx context.Context, fg, bg *pixel.Buffer, opts Options) (Candidate, error) {
	if err := pixel.Validate("foreground", fg); err != nil {
		return Candidate{}, err
	}
	if bg == nil {
		return Candidate{}, errors.NewEmptyInputError("background")
	}
	if err := pixel.Validate("background", bg); err != nil {
		return Candidate{}, err
	}
	cw, ch, err := compositor.CanvasSize(fg.Width(), fg.Height(), opts.Compositor)
	if err != nil {
		return Candidate{}, err
	}

	offsets := offsetRange(opts.DisorderFrom, opts.DisorderTo)
	results := make([]evaluation, len(offsets))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < max(opts.Workers, 1); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				results[idx] = evaluate(fg, bg, offsets[idx], cw, ch, opts)
			}
		}()
	}

dispatch:
	for idx := range offsets {
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- idx:
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return Candidate{}, err
	}

	best := Candidate{}
	found := false
	for idx, r := range results {
		if r.err != nil {
			return Candidate{}, r.err
		}
		if !found || r.disorder < best.Disorder {
			best = Candidate{Offset: offsets[idx], Disorder: r.disorder}
			found = true
		}
	}
	best.Score = 1 / (1 + best.Disorder)
	return best, nil
}

func evaluate(fg, bg *pixel.Buffer, offset, cw, ch int, opts Options) evaluation {
	composite, err := compositor.Composite(fg, bg, float32(offset), cw, ch, opts.Compositor)
	if err != nil {
		return evaluation{err: err}
	}
	d, err := disorder.Score(composite, opts.Disorder)
	return evaluation{disorder: d, err: err}
}

// offsetRange lists from..to inclusive in iteration order.
func offsetRange(from, to int) []int {
	step := 1
	if to < from {
		step = -1
	}
	out := make([]int, 0, abs(to-from)+1)
	for s := from; ; s += step {
		out = append(out, s)
		if s == to {
			return out
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

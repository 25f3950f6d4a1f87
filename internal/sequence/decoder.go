// Package sequence decodes per-column symbol distributions into ranked
// answer strings.
//
// Decoding expands every combination of column entries, collapses repeats
// of the same symbol in nearby columns (CTC style), averages the kept
// probabilities into a confidence and ranks the distinct texts of a valid
// answer length.
package sequence

import (
	"math"
	"sort"
	"unicode/utf8"

	"github.com/adverant/nexus/captchasolve-worker/internal/errors"
)

// Recognized is a decoded answer candidate.
type Recognized struct {
	Text       string
	Confidence float32
}

// Options configures Decode.
type Options struct {
	// CollapseWindow: a repeat within this many columns of the previous
	// kept symbol is the same character.
	CollapseWindow int
	// ValidLengths lists the accepted answer lengths in characters.
	ValidLengths []int
	// BeamWidth caps the partial paths kept after each column, ranked by
	// prefix probability. 0 keeps every path.
	BeamWidth int
}

// DefaultOptions returns the 4chan captcha decoding rules.
func DefaultOptions() Options {
	return Options{
		CollapseWindow: 2,
		ValidLengths:   []int{5, 6},
		BeamWidth:      4096,
	}
}

// path is a partial decoding with repeats already collapsed. Paths that
// agree on text, last kept symbol and its column have identical futures,
// so only the one with the largest kept sum matters.
type path struct {
	text    string
	last    string
	lastCol int
	n       int
	sum     float32
	// logProb is the log prefix probability: every entry taken, blank
	// entries included.
	logProb float64
}

type pathKey struct {
	text    string
	last    string
	lastCol int
	n       int
}

func (p path) key() pathKey {
	return pathKey{text: p.text, last: p.last, lastCol: p.lastCol, n: p.n}
}

func (p path) mean() float32 {
	if p.n == 0 {
		return 0
	}
	return p.sum / float32(p.n)
}

// extend takes entry e at column c. A blank, or a repeat of the last kept
// symbol within window columns, leaves the text unchanged.
func (p path) extend(e Entry, c, window int) path {
	prob := sanitize(e.Probability)
	next := p
	next.logProb += math.Log(float64(prob))
	if e.Symbol == "" {
		return next
	}
	if p.n > 0 && e.Symbol == p.last && c-p.lastCol <= window {
		return next
	}
	next.text += e.Symbol
	next.last = e.Symbol
	next.lastCol = c
	next.n++
	next.sum += prob
	return next
}

// Decode expands columns into candidate texts and returns them ranked by
// confidence, highest first, ties ordered by text. An empty result means
// nothing of a valid length was decoded.
func Decode(columns []Distribution, opts Options) ([]Recognized, error) {
	if len(columns) == 0 {
		return nil, errors.NewEmptyInputError("columns")
	}

	maxLen := 0
	for _, l := range opts.ValidLengths {
		maxLen = max(maxLen, l)
	}

	paths := []path{{}}
	for c, dist := range columns {
		if !hasSymbol(dist) {
			continue
		}

		next := make([]path, 0, len(paths)*len(dist))
		index := make(map[pathKey]int, len(paths)*len(dist))
		for _, p := range paths {
			for _, e := range dist {
				child := p.extend(e, c, opts.CollapseWindow)
				// texts only grow, so an overlong one can never qualify
				if utf8.RuneCountInString(child.text) > maxLen {
					continue
				}
				k := child.key()
				if i, seen := index[k]; seen {
					next[i].sum = max(next[i].sum, child.sum)
					next[i].logProb = max(next[i].logProb, child.logProb)
					continue
				}
				index[k] = len(next)
				next = append(next, child)
			}
		}
		paths = prune(next, opts.BeamWidth)
	}

	best := make(map[string]float32)
	for _, p := range paths {
		if p.n == 0 || !validLength(p.text, opts.ValidLengths) {
			continue
		}
		conf := p.mean()
		if prev, seen := best[p.text]; !seen || conf > prev {
			best[p.text] = conf
		}
	}

	out := make([]Recognized, 0, len(best))
	for text, conf := range best {
		out = append(out, Recognized{Text: text, Confidence: conf})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Text < out[j].Text
	})
	return out, nil
}

func hasSymbol(dist Distribution) bool {
	for _, e := range dist {
		if e.Symbol != "" {
			return true
		}
	}
	return false
}

// prune keeps the width paths with the highest prefix probability, so a
// prefix that read noise columns as blank outranks one that kept the
// noise. Ties prefer the higher kept mean; the sort is stable so equal
// paths keep expansion order.
func prune(paths []path, width int) []path {
	if width <= 0 || len(paths) <= width {
		return paths
	}
	sort.SliceStable(paths, func(i, j int) bool {
		if paths[i].logProb != paths[j].logProb {
			return paths[i].logProb > paths[j].logProb
		}
		return paths[i].mean() > paths[j].mean()
	})
	return paths[:width]
}

func validLength(text string, lengths []int) bool {
	n := utf8.RuneCountInString(text)
	for _, l := range lengths {
		if n == l {
			return true
		}
	}
	return false
}

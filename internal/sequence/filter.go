package sequence

import "math"

// DefaultRetention keeps entries above 5% of the column maximum.
const DefaultRetention = 0.05

// Entry is one candidate symbol for a column. The blank has Symbol "".
type Entry struct {
	Symbol      string
	Probability float32
}

// Distribution is the filtered candidate list of one column.
type Distribution []Entry

// FromProbabilities converts a columns x classes probability matrix into
// distributions. Each row is divided by its maximum and entries whose
// relative probability exceeds ratio are kept, in class order. Rows with no
// positive finite maximum produce an empty distribution, so column indices
// stay aligned with the model output.
func FromProbabilities(rows [][]float32, cs Charset, ratio float32) []Distribution {
	out := make([]Distribution, len(rows))
	for c, row := range rows {
		var peak float32
		for _, p := range row {
			if p = sanitize(p); p > peak {
				peak = p
			}
		}
		if peak <= 0 {
			continue
		}

		var dist Distribution
		for i, p := range row {
			rel := sanitize(p) / peak
			if rel > ratio {
				dist = append(dist, Entry{Symbol: cs.Symbol(i), Probability: rel})
			}
		}
		out[c] = dist
	}
	return out
}

// sanitize maps NaN and infinities to 0 and clamps to [0, 1].
func sanitize(p float32) float32 {
	f := float64(p)
	switch {
	case math.IsNaN(f), math.IsInf(f, 0), p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

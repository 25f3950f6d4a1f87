package sequence

import (
	stderrors "errors"
	"math"
	"testing"
	"unicode/utf8"

	"github.com/adverant/nexus/captchasolve-worker/internal/errors"
)

func near(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-5
}

func TestDecodeCollapsesAdjacentRepeats(t *testing.T) {
	columns := []Distribution{
		{{Symbol: "A", Probability: 0.9}},
		{{Symbol: "A", Probability: 0.92}},
		{{Symbol: "B", Probability: 0.8}},
	}
	opts := DefaultOptions()
	opts.ValidLengths = []int{2}

	got, err := Decode(columns, opts)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != 1 || got[0].Text != "AB" {
		t.Fatalf("Decode = %+v, want [AB]", got)
	}
	if !near(got[0].Confidence, 0.85) {
		t.Errorf("confidence = %v, want 0.85", got[0].Confidence)
	}
}

func TestDecodeCollapseWindow(t *testing.T) {
	tests := []struct {
		name    string
		columns []Distribution
		want    string
	}{
		{
			name: "gap of two collapses",
			columns: []Distribution{
				{{Symbol: "A", Probability: 1}},
				nil,
				{{Symbol: "A", Probability: 1}},
				{{Symbol: "B", Probability: 1}},
			},
			want: "AB",
		},
		{
			name: "gap of three repeats",
			columns: []Distribution{
				{{Symbol: "A", Probability: 1}},
				nil,
				{{Symbol: "", Probability: 1}},
				{{Symbol: "A", Probability: 1}},
			},
			want: "AA",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.ValidLengths = []int{2}
			got, err := Decode(tt.columns, opts)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || got[0].Text != tt.want {
				t.Errorf("Decode = %+v, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeBlankBranches(t *testing.T) {
	// Every column may be blank, so both "A" and "AB" are reachable.
	columns := []Distribution{
		{{Symbol: "A", Probability: 0.9}, {Symbol: "", Probability: 0.2}},
		{{Symbol: "B", Probability: 0.6}, {Symbol: "", Probability: 0.7}},
	}
	opts := DefaultOptions()
	opts.ValidLengths = []int{1, 2}

	got, err := Decode(columns, opts)
	if err != nil {
		t.Fatal(err)
	}
	texts := map[string]float32{}
	for _, r := range got {
		texts[r.Text] = r.Confidence
	}
	if !near(texts["A"], 0.9) || !near(texts["AB"], 0.75) || !near(texts["B"], 0.6) {
		t.Errorf("decoded %v", texts)
	}
	if got[0].Text != "A" {
		t.Errorf("top answer %q, want A", got[0].Text)
	}
}

func TestDecodeResultInvariants(t *testing.T) {
	symbols := []string{"0", "2", "A", "D", "K"}
	var columns []Distribution
	for c := 0; c < 7; c++ {
		var dist Distribution
		for k := 0; k < 3; k++ {
			s := symbols[(c+k*2)%len(symbols)]
			dist = append(dist, Entry{Symbol: s, Probability: float32(10-k*3-c%4) / 10})
		}
		if c%3 == 2 {
			dist = append(dist, Entry{Symbol: "", Probability: 0.5})
		}
		columns = append(columns, dist)
	}

	got, err := Decode(columns, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 {
		t.Fatal("expected candidates")
	}
	seen := map[string]bool{}
	for i, r := range got {
		if seen[r.Text] {
			t.Errorf("duplicate text %q", r.Text)
		}
		seen[r.Text] = true
		if n := utf8.RuneCountInString(r.Text); n != 5 && n != 6 {
			t.Errorf("text %q has length %d", r.Text, n)
		}
		if i > 0 && r.Confidence > got[i-1].Confidence {
			t.Errorf("confidence increases at %d: %v > %v", i, r.Confidence, got[i-1].Confidence)
		}
	}
}

func TestDecodeBeamKeepsTopAnswer(t *testing.T) {
	columns := []Distribution{
		{{Symbol: "K", Probability: 0.95}, {Symbol: "0", Probability: 0.1}},
		{{Symbol: "", Probability: 1}},
		{{Symbol: "4", Probability: 0.9}, {Symbol: "2", Probability: 0.2}},
		{{Symbol: "", Probability: 1}},
		{{Symbol: "X", Probability: 0.97}, {Symbol: "Y", Probability: 0.15}},
		{{Symbol: "", Probability: 1}},
		{{Symbol: "A", Probability: 0.88}, {Symbol: "G", Probability: 0.3}},
		{{Symbol: "", Probability: 1}},
		{{Symbol: "M", Probability: 0.91}, {Symbol: "N", Probability: 0.25}},
	}
	full, err := Decode(columns, Options{CollapseWindow: 2, ValidLengths: []int{5}})
	if err != nil {
		t.Fatal(err)
	}
	beam, err := Decode(columns, Options{CollapseWindow: 2, ValidLengths: []int{5}, BeamWidth: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(full) != 32 {
		t.Errorf("unbounded decode found %d answers, want 32", len(full))
	}
	if len(beam) == 0 || beam[0] != full[0] || full[0].Text != "K4XAM" {
		t.Errorf("beam top %+v, full top %+v", beam, full[0])
	}
	if len(beam) > 3 {
		t.Errorf("beam of 3 produced %d answers", len(beam))
	}
}

func TestDecodeEmptyInput(t *testing.T) {
	if _, err := Decode(nil, DefaultOptions()); !stderrors.Is(err, errors.ErrEmptyInput) {
		t.Errorf("Decode(nil) err = %v", err)
	}

	got, err := Decode([]Distribution{nil, {{Symbol: ""}}}, DefaultOptions())
	if err != nil || len(got) != 0 {
		t.Errorf("blank-only columns: %+v, %v", got, err)
	}
}

func TestDecodeSanitizesProbabilities(t *testing.T) {
	nan := float32(math.NaN())
	columns := []Distribution{
		{{Symbol: "A", Probability: nan}},
		{{Symbol: "B", Probability: 3}},
	}
	opts := DefaultOptions()
	opts.ValidLengths = []int{2}
	got, err := Decode(columns, opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !near(got[0].Confidence, 0.5) {
		t.Errorf("Decode = %+v, want AB at 0.5", got)
	}
}

func TestFromProbabilities(t *testing.T) {
	cs := DefaultCharset()
	row := make([]float32, cs.Size())
	row[cs.IndexOf("A")] = 0.8
	row[cs.IndexOf("K")] = 0.04 // 5% of max exactly, dropped
	row[cs.IndexOf("X")] = 0.2
	row[cs.Blank] = 0.1

	dead := make([]float32, cs.Size())
	dead[0] = float32(math.Inf(1))

	got := FromProbabilities([][]float32{row, dead}, cs, DefaultRetention)
	if len(got) != 2 {
		t.Fatalf("got %d distributions", len(got))
	}
	want := Distribution{
		{Symbol: "A", Probability: 1},
		{Symbol: "X", Probability: 0.25},
		{Symbol: "", Probability: 0.125},
	}
	if len(got[0]) != len(want) {
		t.Fatalf("distribution = %+v, want %+v", got[0], want)
	}
	for i := range want {
		if got[0][i].Symbol != want[i].Symbol || !near(got[0][i].Probability, want[i].Probability) {
			t.Errorf("entry %d = %+v, want %+v", i, got[0][i], want[i])
		}
	}
	if len(got[1]) != 0 {
		t.Errorf("non-finite row produced %+v", got[1])
	}
}

func TestCharset(t *testing.T) {
	cs := DefaultCharset()
	if cs.Size() != 22 {
		t.Errorf("Size = %d, want 22", cs.Size())
	}
	if cs.Symbol(0) != "0" || cs.Symbol(20) != "Y" {
		t.Errorf("Symbol(0)=%q Symbol(20)=%q", cs.Symbol(0), cs.Symbol(20))
	}
	for _, i := range []int{21, -1, 40} {
		if s := cs.Symbol(i); s != "" {
			t.Errorf("Symbol(%d) = %q, want blank", i, s)
		}
	}
	if cs.IndexOf("Q") != 13 || cs.IndexOf("") != 21 || cs.IndexOf("Z") != -1 {
		t.Errorf("IndexOf mismatch")
	}
}

func TestObservedRows(t *testing.T) {
	cs := DefaultCharset()
	opts := DefaultOptions()
	opts.ValidLengths = []int{3}
	rows := cs.ObservedRows([]string{"k", "?", "x", "x"}, []float64{0.8, 0.9, 1.5, 0.6}, opts.CollapseWindow)

	want := []struct {
		class int
		conf  float32
	}{
		{cs.IndexOf("K"), 0.8},
		{cs.IndexOf("X"), 1},
		{cs.IndexOf("X"), 0.6},
	}
	stride := 1 + opts.CollapseWindow
	if len(rows) != stride*len(want) {
		t.Fatalf("got %d rows, want %d", len(rows), stride*len(want))
	}
	for i, w := range want {
		sym := rows[stride*i]
		if !near(sym[w.class], w.conf) || !near(sym[cs.Blank], 1-w.conf) {
			t.Errorf("row %d = %v, want %v on class %d", stride*i, sym, w.conf, w.class)
		}
		for j := 1; j < stride; j++ {
			if rows[stride*i+j][cs.Blank] != 1 {
				t.Errorf("row %d should be pure blank", stride*i+j)
			}
		}
	}

	decoded, err := Decode(FromProbabilities(rows, cs, 0.5), opts)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(decoded) == 0 || decoded[0].Text != "KXX" {
		t.Errorf("decoded = %+v, want KXX first", decoded)
	}
}

// modelRows builds a 75-column probability matrix shaped like recognizer
// output: mostly blank, noise columns where "0" shows weakly, and each
// answer symbol followed by a stretched tail and a weak alternative.
func modelRows(cs Charset, answer, alternatives string, leadNoise int) [][]float32 {
	const width = 75
	row := func(vals map[string]float32) []float32 {
		r := make([]float32, cs.Size())
		for sym, p := range vals {
			r[cs.IndexOf(sym)] = p
		}
		return r
	}
	blank := func() []float32 { return row(map[string]float32{"": 1}) }
	noise := func() []float32 { return row(map[string]float32{"": 0.9, "0": 0.09}) }

	var rows [][]float32
	for i := 0; i < leadNoise; i++ {
		rows = append(rows, noise())
	}
	for i, r := range answer {
		sym, alt := string(r), string(alternatives[i])
		rows = append(rows,
			row(map[string]float32{sym: 0.7, alt: 0.14, "": 0.16}),
			row(map[string]float32{sym: 0.45, "": 0.55}),
			blank(),
			noise(),
			blank(),
		)
	}
	for len(rows) < width {
		if len(rows)%2 == 0 {
			rows = append(rows, noise())
		} else {
			rows = append(rows, blank())
		}
	}
	return rows
}

func TestDecodeBeamMatchesUnboundedOnBlankHeavyInput(t *testing.T) {
	cs := DefaultCharset()

	spaced := func(lead int, answer string) []Distribution {
		var cols []Distribution
		for i := 0; i < lead; i++ {
			cols = append(cols, Distribution{{Symbol: "0", Probability: 0.1}, {Symbol: "", Probability: 1}})
		}
		for _, r := range answer {
			cols = append(cols, Distribution{{Symbol: string(r), Probability: 1}}, nil, nil)
		}
		return cols
	}

	tests := []struct {
		name    string
		columns []Distribution
		want    string
	}{
		{"leading noise before spaced symbols", spaced(13, "ADGHJ"), "ADGHJ"},
		{"model shaped five symbols", FromProbabilities(modelRows(cs, "KX4AM", "YY2DN", 13), cs, 0.05), "KX4AM"},
		{"model shaped six symbols", FromProbabilities(modelRows(cs, "PQ08RS", "RR24TT", 8), cs, 0.05), "PQ08RS"},
		{"model shaped repeated symbol", FromProbabilities(modelRows(cs, "HHJKW", "NNMXV", 20), cs, 0.05), "HHJKW"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unbounded := DefaultOptions()
			unbounded.BeamWidth = 0
			full, err := Decode(tt.columns, unbounded)
			if err != nil {
				t.Fatalf("unbounded Decode: %v", err)
			}
			if len(full) == 0 || full[0].Text != tt.want {
				t.Fatalf("unbounded top = %+v, want %q", full, tt.want)
			}

			for _, width := range []int{DefaultOptions().BeamWidth, 32} {
				opts := DefaultOptions()
				opts.BeamWidth = width
				got, err := Decode(tt.columns, opts)
				if err != nil {
					t.Fatalf("Decode(beam=%d): %v", width, err)
				}
				if len(got) == 0 {
					t.Fatalf("beam=%d returned no answers, unbounded top %+v", width, full[0])
				}
				if got[0] != full[0] {
					t.Errorf("beam=%d top = %+v, want %+v", width, got[0], full[0])
				}
			}
		})
	}
}

func TestDecodeDropsOverlongPrefixes(t *testing.T) {
	// Seven certain symbols can never form a 5 or 6 character answer.
	var cols []Distribution
	for _, r := range "ADGHJKM" {
		cols = append(cols, Distribution{{Symbol: string(r), Probability: 1}}, nil, nil)
	}
	got, err := Decode(cols, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("Decode = %+v, want no answers", got)
	}
}

package sequence

import "strings"

// Charset maps model output classes to answer symbols.
type Charset struct {
	// Symbols lists one symbol per model class. The entry at Blank is
	// ignored.
	Symbols []string
	// Blank is the index of the CTC blank class.
	Blank int
}

// DefaultCharset is the 4chan captcha alphabet. The model emits 22 classes:
// the 21 answer symbols followed by the blank.
func DefaultCharset() Charset {
	return Charset{
		Symbols: []string{
			"0", "2", "4", "8", "A", "D", "G", "H", "J", "K", "M",
			"N", "P", "Q", "R", "S", "T", "V", "W", "X", "Y", "",
		},
		Blank: 21,
	}
}

// Size returns the number of model classes.
func (c Charset) Size() int { return len(c.Symbols) }

// Symbol returns the symbol for class i; blank and out-of-range classes map
// to the empty string.
func (c Charset) Symbol(i int) string {
	if i == c.Blank || i < 0 || i >= len(c.Symbols) {
		return ""
	}
	return c.Symbols[i]
}

// IndexOf returns the class index of symbol, the blank index for "", or -1.
func (c Charset) IndexOf(symbol string) int {
	if symbol == "" {
		return c.Blank
	}
	for i, s := range c.Symbols {
		if i != c.Blank && s == symbol {
			return i
		}
	}
	return -1
}

// ObservedRows turns symbols read by a text recognizer into rows shaped
// like model output: per symbol, its confidence on the symbol class and the
// remainder on blank, then window pure blank rows so a repeated symbol
// lands outside the collapse window. Symbols are upper-cased; ones outside
// the charset are dropped.
func (c Charset) ObservedRows(symbols []string, confidences []float64, window int) [][]float32 {
	var rows [][]float32
	for i, s := range symbols {
		idx := c.IndexOf(strings.ToUpper(s))
		if idx < 0 || idx == c.Blank {
			continue
		}
		var conf float32
		if i < len(confidences) {
			conf = float32(min(max(confidences[i], 0), 1))
		}

		row := make([]float32, c.Size())
		row[idx] = conf
		row[c.Blank] += 1 - conf
		rows = append(rows, row)

		for j := 0; j < max(window, 1); j++ {
			blank := make([]float32, c.Size())
			blank[c.Blank] = 1
			rows = append(rows, blank)
		}
	}
	return rows
}

/**
 * OCR Types - symbol-level results shared by the Tesseract tier
 */

package processor

// OCRSymbol is one recognised glyph with its box.
type OCRSymbol struct {
	Text        string
	Confidence  float64 // 0..1
	BoundingBox BoundingBox
}

// BoundingBox represents coordinates of a region
type BoundingBox struct {
	X      int
	Y      int
	Width  int
	Height int
}

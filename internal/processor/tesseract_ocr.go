/**
 * Tesseract OCR - offline recognizer tier
 *
 * Reads the rendered captcha one symbol at a time and turns each symbol
 * box into a probability row shaped like the model output, so the same
 * decoder ranks the answer.
 */

package processor

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"sort"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/captchasolve-worker/internal/pixel"
	"github.com/adverant/nexus/captchasolve-worker/internal/sequence"
)

// TesseractRecognizerName identifies the Tesseract tier in results.
const TesseractRecognizerName = "tesseract"

// TesseractRecognizer implements solver.Recognizer with gosseract.
type TesseractRecognizer struct {
	language  string
	charset   sequence.Charset
	whitelist string
}

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	Language string
	Charset  sequence.Charset
}

// NewTesseractRecognizer creates a new Tesseract recognizer
func NewTesseractRecognizer(cfg *TesseractConfig) (*TesseractRecognizer, error) {
	if cfg == nil {
		cfg = &TesseractConfig{}
	}
	if cfg.Language == "" {
		cfg.Language = "eng"
	}
	if cfg.Charset.Size() == 0 {
		cfg.Charset = sequence.DefaultCharset()
	}

	whitelist := strings.Join(cfg.Charset.Symbols, "")
	if whitelist == "" {
		return nil, fmt.Errorf("charset has no symbols")
	}

	return &TesseractRecognizer{
		language:  cfg.Language,
		charset:   cfg.Charset,
		whitelist: whitelist,
	}, nil
}

// Name implements solver.Recognizer.
func (t *TesseractRecognizer) Name() string { return TesseractRecognizerName }

// Recognize implements solver.Recognizer.
func (t *TesseractRecognizer) Recognize(ctx context.Context, img *pixel.Buffer) ([][]float32, error) {
	if err := pixel.Validate("render", img); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	symbols, err := t.readSymbols(img)
	if err != nil {
		return nil, err
	}
	return symbolRows(symbols, t.charset), nil
}

func (t *TesseractRecognizer) readSymbols(img *pixel.Buffer) ([]OCRSymbol, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img.ToNRGBA()); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(t.language); err != nil {
		return nil, fmt.Errorf("failed to set language: %w", err)
	}
	if err := client.SetWhitelist(t.whitelist); err != nil {
		return nil, fmt.Errorf("failed to set whitelist: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_LINE); err != nil {
		return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	if err := client.SetImageFromBytes(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_SYMBOL)
	if err != nil {
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	symbols := make([]OCRSymbol, 0, len(boxes))
	for _, b := range boxes {
		symbols = append(symbols, OCRSymbol{
			Text:       strings.TrimSpace(b.Word),
			Confidence: b.Confidence / 100,
			BoundingBox: BoundingBox{
				X:      b.Box.Min.X,
				Y:      b.Box.Min.Y,
				Width:  b.Box.Dx(),
				Height: b.Box.Dy(),
			},
		})
	}
	return symbols, nil
}

// symbolRows orders symbols left to right and renders them as observed
// rows over cs, spaced for the default collapse window.
func symbolRows(symbols []OCRSymbol, cs sequence.Charset) [][]float32 {
	sorted := make([]OCRSymbol, len(symbols))
	copy(sorted, symbols)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].BoundingBox.X < sorted[j].BoundingBox.X
	})

	texts := make([]string, len(sorted))
	confs := make([]float64, len(sorted))
	for i, s := range sorted {
		texts[i] = s.Text
		confs[i] = s.Confidence
	}
	return cs.ObservedRows(texts, confs, sequence.DefaultOptions().CollapseWindow)
}

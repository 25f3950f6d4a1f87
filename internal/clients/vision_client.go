/**
 * Vision Client - MageAgent vision text extraction tier
 *
 * MageAgent picks a vision model and returns the text it reads with one
 * confidence for the whole answer. The text is rendered into observed rows
 * so the sequence decoder ranks it like model output.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/adverant/nexus/captchasolve-worker/internal/logging"
	"github.com/adverant/nexus/captchasolve-worker/internal/pixel"
	"github.com/adverant/nexus/captchasolve-worker/internal/sequence"
)

// VisionRecognizerName identifies the vision tier in results.
const VisionRecognizerName = "vision"

// VisionClient handles communication with the MageAgent vision endpoint
type VisionClient struct {
	baseURL        string
	httpClient     *http.Client
	charset        sequence.Charset
	collapseWindow int
	preferAccuracy bool
	logger         *logging.Logger
}

// VisionOCRRequest represents a request to extract text from an image
type VisionOCRRequest struct {
	Image          string                 `json:"image"`  // Base64 encoded PNG
	Format         string                 `json:"format"` // "base64"
	PreferAccuracy bool                   `json:"preferAccuracy"`
	Language       string                 `json:"language"`
	Metadata       map[string]interface{} `json:"metadata"`
	JobID          string                 `json:"jobId,omitempty"`
}

// VisionOCRResponse represents the response from MageAgent
type VisionOCRResponse struct {
	Success bool          `json:"success"`
	Data    VisionOCRData `json:"data"`
	Message string        `json:"message"`
}

// VisionOCRData contains the extracted text and model metadata
type VisionOCRData struct {
	Text           string  `json:"text"`
	Confidence     float64 `json:"confidence"`
	ModelUsed      string  `json:"modelUsed"`
	ProcessingTime int64   `json:"processingTime"` // milliseconds
}

// NewVisionClient creates a new vision client decoding over cs.
func NewVisionClient(baseURL string, cs sequence.Charset, collapseWindow int) *VisionClient {
	return &VisionClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second, // Vision tasks can take time
		},
		charset:        cs,
		collapseWindow: collapseWindow,
		preferAccuracy: true,
		logger:         logging.NewLogger("VisionClient"),
	}
}

// Name implements solver.Recognizer.
func (c *VisionClient) Name() string { return VisionRecognizerName }

// Recognize implements solver.Recognizer.
func (c *VisionClient) Recognize(ctx context.Context, img *pixel.Buffer) ([][]float32, error) {
	if err := pixel.Validate("render", img); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img.ToNRGBA()); err != nil {
		return nil, fmt.Errorf("failed to encode render: %w", err)
	}

	resp, err := c.ExtractText(ctx, &VisionOCRRequest{
		Image:          base64.StdEncoding.EncodeToString(buf.Bytes()),
		Format:         "base64",
		PreferAccuracy: c.preferAccuracy,
		Language:       "en",
		Metadata: map[string]interface{}{
			"source":  "captchasolve-worker",
			"charset": strings.Join(c.charset.Symbols, ""),
		},
	})
	if err != nil {
		return nil, err
	}

	return textRows(resp.Data.Text, resp.Data.Confidence, c.charset, c.collapseWindow), nil
}

// textRows spreads one answer-level confidence over every symbol of text,
// ignoring whitespace.
func textRows(text string, confidence float64, cs sequence.Charset, window int) [][]float32 {
	var symbols []string
	var confs []float64
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		symbols = append(symbols, string(r))
		confs = append(confs, confidence)
	}
	return cs.ObservedRows(symbols, confs, window)
}

// ExtractText extracts text from an image using MageAgent's dynamic vision model selection
func (c *VisionClient) ExtractText(ctx context.Context, req *VisionOCRRequest) (*VisionOCRResponse, error) {
	c.logger.Debug("Requesting text extraction from MageAgent",
		"preferAccuracy", req.PreferAccuracy,
		"imageSize", len(req.Image))

	endpoint := fmt.Sprintf("%s/api/internal/vision/extract-text", c.baseURL)

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "captchasolve-worker")
	httpReq.Header.Set("X-Request-ID", fmt.Sprintf("captcha-%d", time.Now().UnixNano()))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to MageAgent failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("MageAgent returned error status %d: %s", resp.StatusCode, string(body))
	}

	var ocrResp VisionOCRResponse
	if err := json.Unmarshal(body, &ocrResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if !ocrResp.Success {
		return nil, fmt.Errorf("MageAgent operation failed: %s", ocrResp.Message)
	}

	c.logger.Info("Text extraction complete",
		"modelUsed", ocrResp.Data.ModelUsed,
		"confidence", ocrResp.Data.Confidence,
		"processingTime", ocrResp.Data.ProcessingTime)

	return &ocrResp, nil
}

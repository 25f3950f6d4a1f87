/**
 * Solve job payloads
 *
 * Images arrive either decoded ({"width","height","pixels"} where pixels
 * is a JSON array of packed ARGB values or a base64 string of big-endian
 * ARGB bytes), as a raw captcha document, or as a URL serving one.
 */

package queue

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/adverant/nexus/captchasolve-worker/internal/errors"
	"github.com/adverant/nexus/captchasolve-worker/internal/pixel"
	"github.com/adverant/nexus/captchasolve-worker/internal/processor"
)

// TaskTypeSolve is the Asynq task type for solve jobs.
const TaskTypeSolve = "captcha:solve"

// ImagePayload is a decoded ARGB raster.
type ImagePayload struct {
	Width  int      `json:"width"`
	Height int      `json:"height"`
	Pixels []uint32 `json:"-"` // set by UnmarshalJSON
}

// UnmarshalJSON accepts pixels as a number array or a base64 string.
func (p *ImagePayload) UnmarshalJSON(data []byte) error {
	type Alias ImagePayload
	aux := &struct {
		Pixels json.RawMessage `json:"pixels"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal image: %w", err)
	}

	raw := bytes.TrimSpace(aux.Pixels)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		return fmt.Errorf("image has no pixels")

	case raw[0] == '"':
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return fmt.Errorf("failed to unmarshal pixel string: %w", err)
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("failed to decode base64 pixels: %w", err)
		}
		buf, err := pixel.FromBytes("pixels", p.Width, p.Height, decoded)
		if err != nil {
			return err
		}
		p.Pixels = buf.Pixels()

	case raw[0] == '[':
		if err := json.Unmarshal(raw, &p.Pixels); err != nil {
			return fmt.Errorf("failed to unmarshal pixel array: %w", err)
		}

	default:
		return fmt.Errorf("pixels must be either an array or a base64 string")
	}

	return nil
}

// MarshalJSON writes pixels as a base64 string.
func (p ImagePayload) MarshalJSON() ([]byte, error) {
	var encoded string
	if buf, err := pixel.New("pixels", p.Width, p.Height, p.Pixels); err == nil {
		encoded = base64.StdEncoding.EncodeToString(buf.Bytes())
	}
	return json.Marshal(struct {
		Width  int    `json:"width"`
		Height int    `json:"height"`
		Pixels string `json:"pixels"`
	}{p.Width, p.Height, encoded})
}

// Buffer validates the raster.
func (p *ImagePayload) Buffer(name string) (*pixel.Buffer, error) {
	if p == nil {
		return nil, nil
	}
	return pixel.New(name, p.Width, p.Height, p.Pixels)
}

// SolveJob is the queue payload of one solve request.
type SolveJob struct {
	JobID         string                 `json:"jobId"`
	Challenge     string                 `json:"challenge,omitempty"`
	Foreground    *ImagePayload          `json:"foreground,omitempty"`
	Background    *ImagePayload          `json:"background,omitempty"`
	Captcha       json.RawMessage        `json:"captcha,omitempty"`
	CaptchaURL    string                 `json:"captchaUrl,omitempty"`
	SliderValue   *float32               `json:"sliderValue,omitempty"`
	Probabilities [][]float32            `json:"probabilities,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// DecodeSolveJob parses a payload. A missing job id is generated; a
// malformed one is rejected.
func DecodeSolveJob(data []byte) (*SolveJob, error) {
	var job SolveJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, errors.NewInvalidPayloadError("", "malformed JSON", err)
	}
	if err := job.normalize(); err != nil {
		return nil, err
	}
	return &job, nil
}

func (j *SolveJob) normalize() error {
	if j.JobID == "" {
		j.JobID = uuid.New().String()
		return nil
	}
	if _, err := uuid.Parse(j.JobID); err != nil {
		return errors.NewInvalidPayloadError(j.JobID, "job id is not a UUID", err)
	}
	return nil
}

// Request converts the payload into a processor request.
func (j *SolveJob) Request() (*processor.SolveRequest, error) {
	fg, err := j.Foreground.Buffer("foreground")
	if err != nil {
		return nil, errors.NewInvalidPayloadError(j.JobID, "bad foreground", err)
	}
	bg, err := j.Background.Buffer("background")
	if err != nil {
		return nil, errors.NewInvalidPayloadError(j.JobID, "bad background", err)
	}
	if fg == nil && bg != nil {
		return nil, errors.NewInvalidPayloadError(j.JobID, "background without foreground", nil)
	}

	doc, err := captchaDocument(j.Captcha)
	if err != nil {
		return nil, errors.NewInvalidPayloadError(j.JobID, "bad captcha document", err)
	}

	if fg == nil && len(doc) == 0 && j.CaptchaURL == "" {
		return nil, errors.NewInvalidPayloadError(j.JobID, "no foreground, captcha or captchaUrl", nil)
	}

	return &processor.SolveRequest{
		JobID:         j.JobID,
		Challenge:     j.Challenge,
		Foreground:    fg,
		Background:    bg,
		CaptchaInfo:   doc,
		CaptchaURL:    j.CaptchaURL,
		SliderValue:   j.SliderValue,
		Probabilities: j.Probabilities,
		Metadata:      j.Metadata,
	}, nil
}

// captchaDocument accepts the document inline or as a JSON string.
func captchaDocument(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] != '"' {
		return raw, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return []byte(s), nil
}

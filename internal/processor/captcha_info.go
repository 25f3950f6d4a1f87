/**
 * Raw captcha documents
 *
 * The captcha endpoint answers with a JSON document carrying the
 * foreground ("img") and optional slider background ("bg") as base64 PNGs.
 */

package processor

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/adverant/nexus/captchasolve-worker/internal/pixel"
)

// NoopChallenge marks a document that carries no captcha to solve.
const NoopChallenge = "noop"

// defaultTTLSeconds applies when the document has no ttl.
const defaultTTLSeconds = 120

// CaptchaInfo is the raw captcha document.
type CaptchaInfo struct {
	Error           string `json:"error,omitempty"`
	Cooldown        int    `json:"cd,omitempty"`
	Background      string `json:"bg,omitempty"`
	BackgroundWidth int    `json:"bg_width,omitempty"`
	CooldownUntil   int64  `json:"cd_until,omitempty"`
	Challenge       string `json:"challenge,omitempty"`
	Image           string `json:"img,omitempty"`
	ImageWidth      int    `json:"img_width,omitempty"`
	ImageHeight     int    `json:"img_height,omitempty"`
	ValidUntil      int64  `json:"valid_until,omitempty"`
	TTL             *int   `json:"ttl,omitempty"`
}

// ParseCaptchaInfo decodes a raw captcha document.
func ParseCaptchaInfo(data []byte) (*CaptchaInfo, error) {
	var info CaptchaInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse captcha document: %w", err)
	}
	return &info, nil
}

// IsNoopChallenge reports whether challenge is the noop marker.
func IsNoopChallenge(challenge string) bool {
	return strings.EqualFold(challenge, NoopChallenge)
}

// TTLDuration returns how long the challenge stays valid.
func (c *CaptchaInfo) TTLDuration() time.Duration {
	ttl := defaultTTLSeconds
	if c.TTL != nil {
		ttl = *c.TTL
	}
	return time.Duration(ttl) * time.Second
}

// Validate rejects documents that cannot be solved: server errors,
// cooldowns, noop challenges and documents without an image.
func (c *CaptchaInfo) Validate() error {
	switch {
	case c.Error != "":
		return fmt.Errorf("captcha endpoint returned error: %s", c.Error)
	case c.Cooldown > 0:
		return fmt.Errorf("captcha on cooldown for %ds", c.Cooldown)
	case IsNoopChallenge(c.Challenge):
		return fmt.Errorf("noop challenge")
	case c.Image == "":
		return fmt.Errorf("captcha document has no image")
	}
	return nil
}

// Images decodes the foreground and, when present, the background.
func (c *CaptchaInfo) Images() (fg, bg *pixel.Buffer, err error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}

	fg, err = decodePNG("foreground", c.Image)
	if err != nil {
		return nil, nil, err
	}
	if c.ImageWidth > 0 && c.ImageHeight > 0 && (fg.Width() != c.ImageWidth || fg.Height() != c.ImageHeight) {
		return nil, nil, fmt.Errorf("foreground is %dx%d, document says %dx%d",
			fg.Width(), fg.Height(), c.ImageWidth, c.ImageHeight)
	}

	if c.Background == "" {
		return fg, nil, nil
	}
	bg, err = decodePNG("background", c.Background)
	if err != nil {
		return nil, nil, err
	}
	if c.BackgroundWidth > 0 && bg.Width() != c.BackgroundWidth {
		return nil, nil, fmt.Errorf("background is %d wide, document says %d", bg.Width(), c.BackgroundWidth)
	}
	return fg, bg, nil
}

func decodePNG(name, encoded string) (*pixel.Buffer, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid base64: %w", name, err)
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: invalid PNG: %w", name, err)
	}
	return pixel.FromImage(name, img)
}

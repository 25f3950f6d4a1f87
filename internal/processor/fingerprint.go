package processor

import (
	"github.com/adverant/nexus/captchasolve-worker/internal/pixel"
)

// Fingerprint summarises a rendered captcha as the share of black pixels in
// each of dims vertical bands. It returns nil for an empty image or one
// without black pixels, neither of which can be compared by cosine distance.
func Fingerprint(img *pixel.Buffer, dims int) []float32 {
	if dims <= 0 || pixel.Validate("image", img) != nil {
		return nil
	}

	w, h := img.Width(), img.Height()
	vec := make([]float32, dims)
	ink := false
	for i := range vec {
		x0 := i * w / dims
		x1 := max((i+1)*w/dims, x0+1)

		black, total := 0, 0
		for x := x0; x < x1; x++ {
			for y := 0; y < h; y++ {
				if pixel.Classify(img.At(x, y), pixel.DefaultBlackSumThreshold) == pixel.Black {
					black++
				}
				total++
			}
		}
		if total > 0 {
			vec[i] = float32(black) / float32(total)
		}
		if vec[i] > 0 {
			ink = true
		}
	}
	if !ink {
		return nil
	}
	return vec
}

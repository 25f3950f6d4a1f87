package boundary

import (
	"github.com/adverant/nexus/captchasolve-worker/internal/pixel"
)

// noiseAlpha is the opacity cut used when clustering noise; unlike the
// extractor it is inclusive.
const noiseAlpha = 128

// RemoveNoise returns a copy of buf in which every 4-connected cluster of
// opaque pixels (alpha >= 128) with at most maxClusterSize members is made
// fully transparent. Clusters are discovered in row-major order.
func RemoveNoise(buf *pixel.Buffer, maxClusterSize int) (*pixel.Buffer, error) {
	if err := pixel.Validate("noise", buf); err != nil {
		return nil, err
	}
	if maxClusterSize <= 0 {
		return buf, nil
	}

	w, h := buf.Width(), buf.Height()
	out := buf.Canvas()
	marked := make([]bool, w*h)
	stack := make([]int, 0, 64)
	cluster := make([]int, 0, 64)

	for start := range marked {
		if marked[start] || pixel.A(buf.Index(start)) < noiseAlpha {
			continue
		}

		cluster = cluster[:0]
		stack = append(stack[:0], start)
		marked[start] = true
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			cluster = append(cluster, i)

			x, y := i%w, i/w
			for _, n := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				if n[0] < 0 || n[1] < 0 || n[0] >= w || n[1] >= h {
					continue
				}
				j := n[1]*w + n[0]
				if marked[j] || pixel.A(buf.Index(j)) < noiseAlpha {
					continue
				}
				marked[j] = true
				stack = append(stack, j)
			}
		}

		if len(cluster) <= maxClusterSize {
			for _, i := range cluster {
				out.Set(i%w, i/w, 0)
			}
		}
	}
	return out.Freeze(), nil
}

package pixel

// Default thresholds shared by the boundary extractor and the offset search.
const (
	// DefaultAlphaThreshold: a pixel is opaque when its alpha exceeds this value.
	DefaultAlphaThreshold = 128

	// DefaultBlackSumThreshold splits the 0..765 R+G+B range in half.
	DefaultBlackSumThreshold = 384
)

// Class is a binarized luminance classification.
type Class uint8

const (
	White Class = iota
	Black
)

func (c Class) String() string {
	if c == Black {
		return "black"
	}
	return "white"
}

// A, R, G and B extract the 8-bit channels of a packed ARGB value.
func A(p uint32) int { return int(p >> 24 & 0xff) }
func R(p uint32) int { return int(p >> 16 & 0xff) }
func G(p uint32) int { return int(p >> 8 & 0xff) }
func B(p uint32) int { return int(p & 0xff) }

// Pack builds an ARGB value from 8-bit channels.
func Pack(a, r, g, b int) uint32 {
	return uint32(a&0xff)<<24 | uint32(r&0xff)<<16 | uint32(g&0xff)<<8 | uint32(b&0xff)
}

// Classify returns Black when R+G+B <= blackSum, White otherwise.
func Classify(p uint32, blackSum int) Class {
	if R(p)+G(p)+B(p) <= blackSum {
		return Black
	}
	return White
}

// Over composites src over dst with straight (non-premultiplied) alpha.
func Over(src, dst uint32) uint32 {
	sa := A(src)
	switch sa {
	case 0xff:
		return src
	case 0:
		return dst
	}
	da := A(dst)
	inv := 0xff - sa
	outA := sa + (da*inv+127)/255
	if outA == 0 {
		return 0
	}
	// Weight destination by its own coverage so transparent dst does not darken.
	dw := da * inv / 255
	blend := func(s, d int) int {
		return (s*sa + d*dw + outA/2) / outA
	}
	return Pack(outA, blend(R(src), R(dst)), blend(G(src), G(dst)), blend(B(src), B(dst)))
}

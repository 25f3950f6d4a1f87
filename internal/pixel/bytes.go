package pixel

import (
	"encoding/binary"

	"github.com/adverant/nexus/captchasolve-worker/internal/errors"
)

// BytesPerPixel is the size of one big-endian ARGB value.
const BytesPerPixel = 4

// Bytes serialises the raster as big-endian ARGB, row-major.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, len(b.pix)*BytesPerPixel)
	for i, p := range b.pix {
		binary.BigEndian.PutUint32(out[i*BytesPerPixel:], p)
	}
	return out
}

// FromBytes is the inverse of Bytes.
func FromBytes(name string, width, height int, data []byte) (*Buffer, error) {
	if len(data)%BytesPerPixel != 0 {
		return nil, errors.NewInvalidBufferError(name, width, height, len(data)/BytesPerPixel)
	}
	n := len(data) / BytesPerPixel
	if err := validate(name, width, height, n); err != nil {
		return nil, err
	}
	pix := make([]uint32, n)
	for i := range pix {
		pix[i] = binary.BigEndian.Uint32(data[i*BytesPerPixel:])
	}
	return &Buffer{width: width, height: height, pix: pix}, nil
}

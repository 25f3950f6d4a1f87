/**
 * Composited image codec
 *
 * Rendered captchas are persisted as zstd-compressed big-endian ARGB.
 * Width and height travel alongside in their own columns.
 */

package storage

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/adverant/nexus/captchasolve-worker/internal/errors"
	"github.com/adverant/nexus/captchasolve-worker/internal/pixel"
)

var (
	zstdEncPool = sync.Pool{New: func() any { return mustNewZstdEncoder() }}
	zstdDecPool = sync.Pool{New: func() any { return mustNewZstdDecoder() }}
)

func mustNewZstdEncoder() *zstd.Encoder {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderConcurrency(1),
		zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
	)
	if err != nil {
		panic(err)
	}
	return enc
}

func mustNewZstdDecoder() *zstd.Decoder {
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderLowmem(true),
	)
	if err != nil {
		panic(err)
	}
	return dec
}

// EncodeImage compresses img for the composited_images table.
func EncodeImage(img *pixel.Buffer) ([]byte, error) {
	if err := pixel.Validate("image", img); err != nil {
		return nil, err
	}
	enc := zstdEncPool.Get().(*zstd.Encoder)
	defer zstdEncPool.Put(enc)
	return enc.EncodeAll(img.Bytes(), nil), nil
}

// DecodeImage is the inverse of EncodeImage.
func DecodeImage(data []byte, width, height int) (*pixel.Buffer, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.NewInvalidBufferError("image", width, height, 0)
	}
	dec := zstdDecPool.Get().(*zstd.Decoder)
	defer zstdDecPool.Put(dec)

	raw, err := dec.DecodeAll(data, make([]byte, 0, width*height*pixel.BytesPerPixel))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress image: %w", err)
	}
	return pixel.FromBytes("image", width, height, raw)
}

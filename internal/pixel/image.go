package pixel

import (
	"image"
	"image/color"
)

// ToNRGBA converts b to a standard library image for scaling and encoding.
func (b *Buffer) ToNRGBA() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, b.width, b.height))
	for y := 0; y < b.height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < b.width; x++ {
			p := b.pix[y*b.width+x]
			o := x * 4
			row[o] = uint8(R(p))
			row[o+1] = uint8(G(p))
			row[o+2] = uint8(B(p))
			row[o+3] = uint8(A(p))
		}
	}
	return img
}

// FromImage converts any image.Image into a Buffer, un-premultiplying
// alpha through color.NRGBAModel.
func FromImage(name string, img image.Image) (*Buffer, error) {
	bounds := img.Bounds()
	c, err := NewCanvas(bounds.Dx(), bounds.Dy())
	if err != nil {
		return nil, err
	}

	if nrgba, ok := img.(*image.NRGBA); ok {
		for y := 0; y < c.height; y++ {
			off := y * nrgba.Stride
			for x := 0; x < c.width; x++ {
				o := off + x*4
				c.Set(x, y, Pack(int(nrgba.Pix[o+3]), int(nrgba.Pix[o]), int(nrgba.Pix[o+1]), int(nrgba.Pix[o+2])))
			}
		}
		return c.Freeze(), nil
	}

	for y := 0; y < c.height; y++ {
		for x := 0; x < c.width; x++ {
			n := color.NRGBAModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
			c.Set(x, y, Pack(int(n.A), int(n.R), int(n.G), int(n.B)))
		}
	}
	return c.Freeze(), nil
}

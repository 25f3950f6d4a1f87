package pixel

import (
	stderrors "errors"
	"image"
	"image/color"
	"testing"

	"github.com/adverant/nexus/captchasolve-worker/internal/errors"
)

func TestNewRejectsBadDimensions(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		n             int
	}{
		{"zero width", 0, 3, 0},
		{"zero height", 3, 0, 0},
		{"negative", -1, 2, 2},
		{"short pixels", 2, 2, 3},
		{"long pixels", 2, 2, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("fg", tt.width, tt.height, make([]uint32, tt.n))
			if !stderrors.Is(err, errors.ErrInvalidBuffer) {
				t.Errorf("New(%d,%d,len=%d) err = %v, want InvalidBuffer", tt.width, tt.height, tt.n, err)
			}
		})
	}
}

func TestNewCopiesInput(t *testing.T) {
	pix := []uint32{1, 2, 3, 4}
	b, err := New("fg", 2, 2, pix)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pix[0] = 99
	if b.At(0, 0) != 1 {
		t.Errorf("buffer aliased caller slice: At(0,0) = %d", b.At(0, 0))
	}
	out := b.Pixels()
	out[3] = 99
	if b.At(1, 1) != 4 {
		t.Errorf("Pixels() exposed internal slice")
	}
}

func TestValidateNil(t *testing.T) {
	if err := Validate("bg", nil); !stderrors.Is(err, errors.ErrInvalidBuffer) {
		t.Errorf("Validate(nil) = %v", err)
	}
}

func TestChannelsAndPack(t *testing.T) {
	p := Pack(0x80, 0x11, 0x22, 0x33)
	if p != 0x80112233 {
		t.Fatalf("Pack = %#x", p)
	}
	if A(p) != 0x80 || R(p) != 0x11 || G(p) != 0x22 || B(p) != 0x33 {
		t.Errorf("channels = %x %x %x %x", A(p), R(p), G(p), B(p))
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		p    uint32
		want Class
	}{
		{Pack(255, 0, 0, 0), Black},
		{Pack(255, 128, 128, 128), Black}, // sum 384
		{Pack(255, 129, 128, 128), White}, // sum 385
		{Pack(255, 255, 255, 255), White},
	}
	for _, tt := range tests {
		if got := Classify(tt.p, DefaultBlackSumThreshold); got != tt.want {
			t.Errorf("Classify(%#x) = %v, want %v", tt.p, got, tt.want)
		}
	}
}

func TestOver(t *testing.T) {
	bg := Pack(255, 200, 200, 200)

	if got := Over(Pack(255, 10, 20, 30), bg); got != Pack(255, 10, 20, 30) {
		t.Errorf("opaque over = %#x", got)
	}
	if got := Over(Pack(0, 10, 20, 30), bg); got != bg {
		t.Errorf("transparent over = %#x", got)
	}
	half := Over(Pack(128, 0, 0, 0), bg)
	if A(half) != 255 {
		t.Errorf("alpha over opaque dst = %d, want 255", A(half))
	}
	if r := R(half); r < 95 || r > 105 {
		t.Errorf("half blend red = %d, want ~100", r)
	}
	if got := Over(Pack(128, 40, 50, 60), 0); R(got) != 40 || A(got) != 128 {
		t.Errorf("over transparent dst = %#x", got)
	}
}

func TestCanvasFreezeAndFillColumns(t *testing.T) {
	c, err := NewCanvas(5, 2)
	if err != nil {
		t.Fatal(err)
	}
	c.Fill(1)
	c.FillColumns(-2, 1, 7)
	c.FillColumns(4, 9, 7)
	b := c.Freeze()

	for y := 0; y < 2; y++ {
		for x := 0; x < 5; x++ {
			want := uint32(1)
			if x == 0 || x == 4 {
				want = 7
			}
			if b.At(x, y) != want {
				t.Errorf("(%d,%d) = %d, want %d", x, y, b.At(x, y), want)
			}
		}
	}
}

func TestImageRoundTrip(t *testing.T) {
	src, _ := New("fg", 2, 1, []uint32{Pack(255, 1, 2, 3), Pack(10, 200, 100, 50)})
	back, err := FromImage("fg", src.ToNRGBA())
	if err != nil {
		t.Fatal(err)
	}
	if !back.Equal(src) {
		t.Errorf("round trip mismatch: %v vs %v", back.Pixels(), src.Pixels())
	}

	gray := image.NewGray(image.Rect(0, 0, 1, 1))
	gray.Set(0, 0, color.Gray{Y: 90})
	g, err := FromImage("gray", gray)
	if err != nil {
		t.Fatal(err)
	}
	if g.At(0, 0) != Pack(255, 90, 90, 90) {
		t.Errorf("gray conversion = %#x", g.At(0, 0))
	}
}

func TestBytesRoundTrip(t *testing.T) {
	src, _ := New("fg", 2, 1, []uint32{0xFF010203, 0x0A0B0C0D})
	data := src.Bytes()
	if len(data) != 8 || data[0] != 0xFF || data[7] != 0x0D {
		t.Fatalf("bytes = % x", data)
	}
	back, err := FromBytes("fg", 2, 1, data)
	if err != nil {
		t.Fatal(err)
	}
	if !back.Equal(src) {
		t.Errorf("round trip mismatch: %v", back.Pixels())
	}

	for _, bad := range [][]byte{data[:7], data[:4]} {
		if _, err := FromBytes("fg", 2, 1, bad); !stderrors.Is(err, errors.ErrInvalidBuffer) {
			t.Errorf("len %d: err = %v", len(bad), err)
		}
	}
}

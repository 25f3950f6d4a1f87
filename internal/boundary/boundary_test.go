package boundary

import (
	stderrors "errors"
	"testing"

	"github.com/adverant/nexus/captchasolve-worker/internal/errors"
	"github.com/adverant/nexus/captchasolve-worker/internal/pixel"
)

const (
	blank = 0x00FFFFFF
	ink   = 0xFF101010
	paper = 0xFFF0F0F0
)

func mustBuffer(t *testing.T, w, h int, pix []uint32) *pixel.Buffer {
	t.Helper()
	b, err := pixel.New("test", w, h, pix)
	if err != nil {
		t.Fatalf("pixel.New: %v", err)
	}
	return b
}

func TestExtractTransitions(t *testing.T) {
	// Row-major: blank blank ink paper / blank ink blank blank
	fg := mustBuffer(t, 4, 2, []uint32{
		blank, blank, ink, paper,
		blank, ink, blank, blank,
	})

	got, err := Extract(fg, DefaultOptions())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	want := []Checkpoint{
		{X: 0, Y: 0, Class: pixel.White}, // opaque -> blank (state starts opaque)
		{X: 2, Y: 0, Class: pixel.Black}, // blank -> ink
		{X: 0, Y: 1, Class: pixel.White}, // paper -> blank across the row break
		{X: 1, Y: 1, Class: pixel.Black},
		{X: 2, Y: 1, Class: pixel.White},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d checkpoints %+v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("checkpoint %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestExtractUniformImagesHaveNoBoundary(t *testing.T) {
	opaque := mustBuffer(t, 3, 3, []uint32{ink, ink, ink, ink, ink, ink, ink, ink, ink})
	got, err := Extract(opaque, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("fully opaque image produced %d checkpoints", len(got))
	}

	// Fully transparent flips once at the first pixel and never again.
	transparent := mustBuffer(t, 2, 2, []uint32{blank, blank, blank, blank})
	got, err = Extract(transparent, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].X != 0 || got[0].Y != 0 {
		t.Errorf("fully transparent image checkpoints = %+v", got)
	}
}

func TestExtractAlphaThresholdIsExclusive(t *testing.T) {
	fg := mustBuffer(t, 2, 1, []uint32{pixel.Pack(128, 0, 0, 0), pixel.Pack(129, 0, 0, 0)})
	got, err := Extract(fg, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	// alpha 128 is transparent, alpha 129 opaque
	if len(got) != 2 || got[0].X != 0 || got[1].X != 1 {
		t.Errorf("checkpoints = %+v", got)
	}
}

func TestExtractCheckpointsInBounds(t *testing.T) {
	w, h := 7, 5
	pix := make([]uint32, w*h)
	for i := range pix {
		if (i*7+i/3)%5 < 2 {
			pix[i] = ink
		} else {
			pix[i] = blank
		}
	}
	fg := mustBuffer(t, w, h, pix)
	got, err := Extract(fg, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 {
		t.Fatal("expected checkpoints on a striped image")
	}
	for _, c := range got {
		if !fg.InBounds(c.X, c.Y) {
			t.Errorf("checkpoint %+v out of bounds", c)
		}
	}
}

func TestExtractInvalidBuffer(t *testing.T) {
	if _, err := Extract(nil, DefaultOptions()); !stderrors.Is(err, errors.ErrInvalidBuffer) {
		t.Errorf("Extract(nil) err = %v", err)
	}
}

func TestRemoveNoise(t *testing.T) {
	// A lone opaque pixel at (0,0) and a three-pixel bar on the bottom row.
	buf := mustBuffer(t, 3, 3, []uint32{
		ink, blank, blank,
		blank, blank, blank,
		ink, ink, ink,
	})

	out, err := RemoveNoise(buf, 1)
	if err != nil {
		t.Fatal(err)
	}
	if out.At(0, 0) != 0 {
		t.Errorf("isolated pixel kept: %#x", out.At(0, 0))
	}
	for x := 0; x < 3; x++ {
		if out.At(x, 2) != ink {
			t.Errorf("bar pixel %d removed", x)
		}
	}
	if buf.At(0, 0) != ink {
		t.Error("input buffer was mutated")
	}

	same, err := RemoveNoise(buf, 0)
	if err != nil || !same.Equal(buf) {
		t.Errorf("maxClusterSize 0 should be a no-op, err=%v", err)
	}
}

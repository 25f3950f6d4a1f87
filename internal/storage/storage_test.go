package storage

import (
	"bytes"
	"context"
	stderrors "errors"
	"testing"

	"github.com/adverant/nexus/captchasolve-worker/internal/errors"
	"github.com/adverant/nexus/captchasolve-worker/internal/pixel"
)

func TestImageCodecRoundTrip(t *testing.T) {
	img, err := pixel.Filled(300, 80, 0xFFEEEEEE)
	if err != nil {
		t.Fatal(err)
	}
	c := img.Canvas()
	c.Set(10, 5, 0xFF000000)
	c.Set(299, 79, 0x80123456)
	img = c.Freeze()

	data, err := EncodeImage(img)
	if err != nil {
		t.Fatalf("EncodeImage: %v", err)
	}
	if len(data) >= img.Len()*pixel.BytesPerPixel {
		t.Errorf("compressed %d bytes, raw is %d", len(data), img.Len()*pixel.BytesPerPixel)
	}

	back, err := DecodeImage(data, 300, 80)
	if err != nil {
		t.Fatalf("DecodeImage: %v", err)
	}
	if !back.Equal(img) {
		t.Error("decoded image differs")
	}
}

func TestImageCodecErrors(t *testing.T) {
	if _, err := EncodeImage(nil); !stderrors.Is(err, errors.ErrInvalidBuffer) {
		t.Errorf("EncodeImage(nil) err = %v", err)
	}

	img, _ := pixel.Filled(4, 4, 0xFFFFFFFF)
	data, _ := EncodeImage(img)

	tests := []struct {
		name          string
		data          []byte
		width, height int
	}{
		{"wrong dimensions", data, 5, 4},
		{"zero width", data, 0, 4},
		{"not zstd", []byte("plain bytes"), 4, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeImage(tt.data, tt.width, tt.height); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSanitizeConfidence(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0.9632000000000001, 0.9632},
		{0.12346, 0.1235},
		{-0.5, 0},
		{1.7, 1},
		{0, 0},
	}
	for _, tt := range tests {
		if got := sanitizeConfidence(tt.in); got != tt.want {
			t.Errorf("sanitizeConfidence(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeJSONForPostgres(t *testing.T) {
	in := []byte(`{"challenge":"a\u0000b","note":"x\u001fy"}`)
	want := []byte(`{"challenge":"ab","note":"x y"}`)
	if got := sanitizeJSONForPostgres(in); !bytes.Equal(got, want) {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestBestMatch(t *testing.T) {
	points := []*VectorPoint{
		{Score: 0.99, Metadata: map[string]interface{}{"job_id": "j0"}},
		{Score: 0.98, Metadata: map[string]interface{}{"job_id": "j1", "answer": "KX4AM", "challenge": "c1", "confidence": 0.8}},
		{Score: 0.97, Metadata: map[string]interface{}{"job_id": "j2", "answer": "DGHJK"}},
	}

	tests := []struct {
		name      string
		threshold float32
		wantJob   string
	}{
		{"skips points without an answer", 0.9, "j1"},
		{"threshold above every score", 0.995, ""},
		{"threshold between scores", 0.985, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bestMatch(points, tt.threshold)
			if tt.wantJob == "" {
				if got != nil {
					t.Errorf("got %+v, want nil", got)
				}
				return
			}
			if got == nil || got.JobID != tt.wantJob || got.Answer != "KX4AM" || got.Challenge != "c1" {
				t.Errorf("got %+v", got)
			}
		})
	}
}

func TestPayloadConversion(t *testing.T) {
	meta := map[string]interface{}{
		"job_id":     "j1",
		"width":      300,
		"confidence": float32(0.5),
		"solved":     true,
	}
	back := fromPayload(toPayload(meta))
	if back["job_id"] != "j1" || back["width"] != int64(300) || back["confidence"] != 0.5 || back["solved"] != true {
		t.Errorf("payload round trip = %v", back)
	}
}

func TestStorageManagerWithoutIndex(t *testing.T) {
	sm := &StorageManager{}
	got, err := sm.FindSimilar(context.Background(), []float32{1, 2, 3}, 0.5)
	if err != nil || got != nil {
		t.Errorf("FindSimilar = %v, %v", got, err)
	}
	if sm.FingerprintDims() != 0 {
		t.Errorf("FingerprintDims = %d", sm.FingerprintDims())
	}
	if _, err := sm.StoreSolution(context.Background(), &SolutionInput{}); err == nil {
		t.Error("expected error for missing update")
	}
}

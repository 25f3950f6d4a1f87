package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adverant/nexus/captchasolve-worker/internal/sequence"
)

func TestVisionRecognizeSendsPNGAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/internal/vision/extract-text" {
			http.NotFound(w, r)
			return
		}
		var req VisionOCRRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		raw, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil {
			http.Error(w, "bad base64", http.StatusBadRequest)
			return
		}
		if _, err := png.Decode(bytes.NewReader(raw)); err != nil {
			http.Error(w, "not a png", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(VisionOCRResponse{
			Success: true,
			Data:    VisionOCRData{Text: "k x 4", Confidence: 0.7, ModelUsed: "vision-small"},
		})
	}))
	defer srv.Close()

	cs := sequence.DefaultCharset()
	window := sequence.DefaultOptions().CollapseWindow
	c := NewVisionClient(srv.URL, cs, window)
	if c.Name() != VisionRecognizerName {
		t.Errorf("Name = %q", c.Name())
	}

	rows, err := c.Recognize(context.Background(), testImage(t))
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	stride := 1 + window
	if len(rows) != 3*stride {
		t.Fatalf("got %d rows, want %d", len(rows), 3*stride)
	}
	for i, sym := range []string{"K", "X", "4"} {
		if got := rows[i*stride][cs.IndexOf(sym)]; got != 0.7 {
			t.Errorf("row %d %s = %v, want 0.7", i*stride, sym, got)
		}
	}
}

func TestVisionRecognizeErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}},
		{"unsuccessful", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(VisionOCRResponse{Success: false, Message: "no model"})
		}},
		{"garbage", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html>"))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := NewVisionClient(srv.URL, sequence.DefaultCharset(), 2)
			if _, err := c.Recognize(context.Background(), testImage(t)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestVisionRecognizeRejectsInvalidImage(t *testing.T) {
	c := NewVisionClient("http://unused", sequence.DefaultCharset(), 2)
	if _, err := c.Recognize(context.Background(), nil); err == nil {
		t.Error("expected an error for a nil image")
	}
}

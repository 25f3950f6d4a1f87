package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adverant/nexus/captchasolve-worker/internal/pixel"
)

func testImage(t *testing.T) *pixel.Buffer {
	t.Helper()
	// 2x2: red channel 0, 238, 119, 255
	b, err := pixel.New("render", 2, 2, []uint32{
		pixel.Pack(255, 0, 0, 0), pixel.Pack(255, 238, 0, 0),
		pixel.Pack(255, 119, 0, 0), pixel.Pack(255, 255, 0, 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestModelInputIsColumnMajor(t *testing.T) {
	req, err := ModelInput(testImage(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Shape) != 4 || req.Shape[1] != 2 || req.Shape[2] != 2 {
		t.Errorf("shape = %v", req.Shape)
	}
	// column 0: (0,0) then (0,1); column 1: (1,0) then (1,1)
	want := []float32{1, 0.5, 0, 0}
	for i, w := range want {
		if d := req.Data[i] - w; d > 1e-6 || d < -1e-6 {
			t.Errorf("data[%d] = %v, want %v", i, req.Data[i], w)
		}
	}
}

func TestPredictSynchronous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/internal/captcha/predict" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req PredictRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Data) != 4 {
			http.Error(w, "bad tensor", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(PredictResponse{
			Success: true,
			Data:    PredictData{Probabilities: [][]float32{{0.1, 0.9}, {0.8, 0.2}}, ModelUsed: "ctc-v2"},
		})
	}))
	defer srv.Close()

	c := NewInferenceClient(srv.URL)
	rows, err := c.Recognize(context.Background(), testImage(t))
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if len(rows) != 2 || rows[0][1] != 0.9 {
		t.Errorf("rows = %v", rows)
	}
	if c.Name() != InferenceRecognizerName {
		t.Errorf("Name = %q", c.Name())
	}
}

func TestPredictAsyncPollsTask(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/internal/captcha/predict":
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte(`{"success":true,"data":{"taskId":"t-1"}}`))
		case r.URL.Path == "/api/tasks/t-1":
			if polls.Add(1) < 2 {
				w.Write([]byte(`{"success":true,"data":{"task":{"id":"t-1","status":"processing"}}}`))
				return
			}
			w.Write([]byte(`{"success":true,"data":{"task":{"id":"t-1","status":"completed","result":{"probabilities":[[0.5,0.5]],"modelUsed":"ctc-v2"}}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewInferenceClient(srv.URL)
	c.pollInterval = 5 * time.Millisecond
	data, err := c.Predict(context.Background(), &PredictRequest{Shape: []int{1, 1, 1, 1}, Data: []float32{0}})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if data.ModelUsed != "ctc-v2" || len(data.Probabilities) != 1 {
		t.Errorf("data = %+v", data)
	}
	if polls.Load() < 2 {
		t.Errorf("polled %d times", polls.Load())
	}
}

func TestPredictErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"server error", http.StatusInternalServerError, "boom", "status 500"},
		{"unsuccessful", http.StatusOK, `{"success":false,"message":"model not loaded"}`, "model not loaded"},
		{"bad json", http.StatusOK, `{`, "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewInferenceClient(srv.URL).Predict(context.Background(), &PredictRequest{})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestHealthCheck(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer healthy.Close()
	if err := NewInferenceClient(healthy.URL).HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	if err := NewInferenceClient(down.URL).HealthCheck(context.Background()); err == nil {
		t.Error("expected failure on 503")
	}
}

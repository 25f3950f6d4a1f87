/**
 * Inference Client - captcha recognition model service
 *
 * Sends the rendered 300x80 captcha as a [1, W, H, 1] float tensor and
 * receives a columns x classes probability matrix. The service answers
 * either synchronously (200) or with a task to poll (202 Accepted).
 */

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/adverant/nexus/captchasolve-worker/internal/logging"
	"github.com/adverant/nexus/captchasolve-worker/internal/pixel"
)

// InferenceRecognizerName identifies the model tier in results.
const InferenceRecognizerName = "inference"

// inputRedScale maps the red channel onto the model's 0..1 ink intensity.
const inputRedScale = 238

// InferenceClient handles communication with the inference service
type InferenceClient struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	logger       *logging.Logger
}

// PredictRequest is the model input tensor.
type PredictRequest struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	JobID string    `json:"jobId,omitempty"`
}

// PredictResponse represents a synchronous response from the predict endpoint
type PredictResponse struct {
	Success bool        `json:"success"`
	Data    PredictData `json:"data"`
	Message string      `json:"message"`
}

// PredictData contains the probability matrix and model metadata
type PredictData struct {
	Probabilities  [][]float32 `json:"probabilities"`
	ModelUsed      string      `json:"modelUsed"`
	ProcessingTime int64       `json:"processingTime"` // milliseconds
}

// PredictAsyncResponse represents a 202 Accepted response with a task id
type PredictAsyncResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		TaskID string `json:"taskId"`
	} `json:"data"`
}

// TaskStatusResponse represents the response from polling /api/tasks/:taskId
type TaskStatusResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Task TaskInfo `json:"task"`
	} `json:"data"`
	Message string `json:"message"`
}

// TaskInfo contains detailed task information
type TaskInfo struct {
	ID       string          `json:"id"`
	Status   string          `json:"status"`   // "pending", "processing", "completed", "failed"
	Progress int             `json:"progress"` // 0-100
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// NewInferenceClient creates a new inference client
func NewInferenceClient(baseURL string) *InferenceClient {
	return &InferenceClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		pollInterval: 250 * time.Millisecond,
		logger:       logging.NewLogger("InferenceClient"),
	}
}

// Name implements solver.Recognizer.
func (c *InferenceClient) Name() string { return InferenceRecognizerName }

// Recognize implements solver.Recognizer.
func (c *InferenceClient) Recognize(ctx context.Context, img *pixel.Buffer) ([][]float32, error) {
	req, err := ModelInput(img)
	if err != nil {
		return nil, err
	}
	data, err := c.Predict(ctx, req)
	if err != nil {
		return nil, err
	}
	return data.Probabilities, nil
}

// ModelInput converts a rendered captcha into the model tensor. The model
// reads the image transposed, so data is laid out column by column, and
// each value is clamp(1 - R/238, 0, 1).
func ModelInput(img *pixel.Buffer) (*PredictRequest, error) {
	if err := pixel.Validate("render", img); err != nil {
		return nil, err
	}
	w, h := img.Width(), img.Height()
	data := make([]float32, 0, w*h)
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			v := 1 - float32(pixel.R(img.At(x, y)))/inputRedScale
			data = append(data, min(max(v, 0), 1))
		}
	}
	return &PredictRequest{Shape: []int{1, w, h, 1}, Data: data}, nil
}

// Predict runs the model on req, waiting for the task when the service
// answers asynchronously.
func (c *InferenceClient) Predict(ctx context.Context, req *PredictRequest) (*PredictData, error) {
	endpoint := fmt.Sprintf("%s/api/internal/captcha/predict", c.baseURL)

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "captchasolve-worker")
	httpReq.Header.Set("X-Request-ID", fmt.Sprintf("predict-%d", time.Now().UnixNano()))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to inference service failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var predResp PredictResponse
		if err := json.Unmarshal(body, &predResp); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		if !predResp.Success {
			return nil, fmt.Errorf("inference failed: %s", predResp.Message)
		}
		c.logger.Debug("Prediction complete",
			"jobId", req.JobID,
			"modelUsed", predResp.Data.ModelUsed,
			"columns", len(predResp.Data.Probabilities))
		return &predResp.Data, nil

	case http.StatusAccepted:
		var asyncResp PredictAsyncResponse
		if err := json.Unmarshal(body, &asyncResp); err != nil {
			return nil, fmt.Errorf("failed to parse async response: %w", err)
		}
		if !asyncResp.Success || asyncResp.Data.TaskID == "" {
			return nil, fmt.Errorf("inference async operation failed: %s", asyncResp.Message)
		}
		c.logger.Info("Async prediction task created", "jobId", req.JobID, "taskId", asyncResp.Data.TaskID)
		return c.WaitForTask(ctx, asyncResp.Data.TaskID)

	default:
		return nil, fmt.Errorf("inference service returned error status %d: %s", resp.StatusCode, string(body))
	}
}

// GetTaskStatus polls for the status of an async task
func (c *InferenceClient) GetTaskStatus(ctx context.Context, taskID string) (*TaskStatusResponse, error) {
	endpoint := fmt.Sprintf("%s/api/tasks/%s", c.baseURL, taskID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %w", err)
	}
	req.Header.Set("X-Source", "captchasolve-worker")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read status response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status check failed with status %d: %s", resp.StatusCode, string(body))
	}

	var statusResp TaskStatusResponse
	if err := json.Unmarshal(body, &statusResp); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w", err)
	}
	return &statusResp, nil
}

// WaitForTask polls the task status until completion or ctx is done
func (c *InferenceClient) WaitForTask(ctx context.Context, taskID string) (*PredictData, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled while waiting for task: %w", ctx.Err())

		case <-ticker.C:
			status, err := c.GetTaskStatus(ctx, taskID)
			if err != nil {
				c.logger.Warn("Failed to get task status", "taskId", taskID, "error", err)
				continue
			}

			task := status.Data.Task
			switch task.Status {
			case "completed":
				var data PredictData
				if err := json.Unmarshal(task.Result, &data); err != nil {
					return nil, fmt.Errorf("failed to parse task result: %w", err)
				}
				return &data, nil

			case "failed":
				return nil, fmt.Errorf("task failed: %s", task.Error)

			case "pending", "processing":
				continue

			default:
				c.logger.Warn("Unknown task status", "taskId", taskID, "status", task.Status)
			}
		}
	}
}

// HealthCheck verifies the inference service is reachable
func (c *InferenceClient) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/api/health", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check failed with status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

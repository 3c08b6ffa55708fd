// Package inference talks to the remote object detection service.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fbn/imgrec/overlay-server/internal/detection"
	"github.com/fbn/imgrec/overlay-server/internal/metrics"
	"github.com/fbn/imgrec/overlay-server/pkg/types"
)

const healthyStatus = "pass"

// Client calls the inference service. Requests are not retried.
type Client struct {
	endpoint string
	client   *http.Client
	metrics  *metrics.Metrics
}

// NewClient creates a client for the service at endpoint. m may be nil.
func NewClient(endpoint string, timeout time.Duration, m *metrics.Metrics) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
		metrics: m,
	}
}

// Endpoint returns the base URL of the service.
func (c *Client) Endpoint() string {
	return c.endpoint
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.metrics != nil {
		c.metrics.InferenceRequests.Add(1)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.failed()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		c.failed()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s %s returned %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

func (c *Client) failed() {
	if c.metrics != nil {
		c.metrics.InferenceErrors.Add(1)
	}
}

// Health reports whether the service answers its healthcheck with status "pass".
func (c *Client) Health(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/healthcheck", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var health types.HealthCheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, fmt.Errorf("decode healthcheck: %w", err)
	}
	return health.Status == healthyStatus, nil
}

// UploadVideo uploads a video file and returns the file id assigned by the service.
func (c *Client) UploadVideo(ctx context.Context, name string, video io.Reader) (string, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	fw, err := w.CreateFormFile("video", "@"+name)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(fw, video); err != nil {
		return "", fmt.Errorf("read video: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/video/upload", &b)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var upload types.UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&upload); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if upload.FileID == "" {
		return "", fmt.Errorf("upload response carries no fileId")
	}
	return upload.FileID, nil
}

// PredictVideo fetches the per-frame detections of an uploaded video.
// trackingThreshold is forwarded as is; 0 disables tracking on the service side.
func (c *Client) PredictVideo(ctx context.Context, fileID string, trackingThreshold float64) (*types.VideoRecognitionResult, []byte, error) {
	q := url.Values{}
	q.Set("fileId", fileID)
	q.Set("trackingThreshold", strconv.FormatFloat(trackingThreshold, 'f', -1, 64))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/video/predict?"+q.Encode(), nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.failed()
		return nil, nil, fmt.Errorf("read prediction: %w", err)
	}
	result, err := detection.DecodeVideoResult(raw)
	if err != nil {
		c.failed()
		return nil, nil, fmt.Errorf("prediction for %s: %w", fileID, err)
	}
	return result, raw, nil
}

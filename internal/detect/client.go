// Package detect is the HTTP client for the external object-detection API.
package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"wabridge/internal/metrics"
)

// Detection is a single recognized object.
type Detection struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// Result is the response of POST /api/detect.
type Result struct {
	Success         bool        `json:"success"`
	ObjectsDetected int         `json:"objects_detected"`
	Detections      []Detection `json:"detections"`
	Location        string      `json:"location"`
	Timestamp       string      `json:"timestamp"`
}

// LastSeen is the response of GET /api/objects/{name}/last-seen.
type LastSeen struct {
	ObjectName string  `json:"object_name"`
	Location   string  `json:"location"`
	Timestamp  string  `json:"timestamp"`
	Confidence float64 `json:"confidence"`
}

// StatusError is returned for non-2xx API responses; it carries the status
// code and response body so callers can log them.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("detection API returned %d: %s", e.StatusCode, e.Body)
}

// Client talks to the detection API. Requests are single best-effort attempts;
// retrying is the caller's decision.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Logger  *slog.Logger
}

func New(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger,
	}
}

// Detect submits an image or document to the detection API as a multipart
// request with fields "file" and "location".
func (c *Client) Detect(ctx context.Context, data []byte, mimeType, filename, location string) (*Result, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := createFilePart(writer, "file", filename, mimeType)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("write file part: %w", err)
	}
	if err := writer.WriteField("location", location); err != nil {
		return nil, fmt.Errorf("write location field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/detect", &buf)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	metrics.DetectLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("detect request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode detect response: %w", err)
	}
	return &result, nil
}

// LastSeen queries the last known location of an object.
func (c *Client) LastSeen(ctx context.Context, object string) (*LastSeen, error) {
	endpoint := fmt.Sprintf("%s/api/objects/%s/last-seen", c.baseURL, url.PathEscape(object))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("last-seen request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var ls LastSeen
	if err := json.Unmarshal(body, &ls); err != nil {
		return nil, fmt.Errorf("decode last-seen response: %w", err)
	}
	return &ls, nil
}

// createFilePart builds a form-file part with an explicit content type.
// multipart.Writer.CreateFormFile hardcodes application/octet-stream.
func createFilePart(w *multipart.Writer, field, filename, contentType string) (io.Writer, error) {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	return w.CreatePart(h)
}

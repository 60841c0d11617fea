// File: internal/classifier/client.go
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/plantscan/internal/config"
)

// imageField is the multipart form field the service reads the image from.
const imageField = "image"

// Client talks to the remote image classification service. Each call is a
// single attempt; retry policy belongs to the caller.
type Client struct {
	endpoint         string
	apiKey           string
	mode             config.ClassifierMode
	maxResponseBytes int64
	httpClient       *http.Client
	logger           *zap.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient initializes the client.
func NewClient(cfg config.ClassifierConfig, logger *zap.Logger, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid classifier configuration: %w", err)
	}
	maxBytes := cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}

	c := &Client{
		endpoint:         cfg.Endpoint,
		apiKey:           cfg.APIKey,
		mode:             cfg.Mode,
		maxResponseBytes: maxBytes,
		httpClient:       &http.Client{Timeout: cfg.Timeout},
		logger:           logger.Named("classifier"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Classify sends the image reference to the service. In multipart mode a
// local file reference is uploaded instead of sent by name.
func (c *Client) Classify(ctx context.Context, req Request) (Result, error) {
	if c.mode == config.ModeMultipart && req.IsLocal() {
		f, err := os.Open(req.LocalPath())
		if err != nil {
			return nil, fmt.Errorf("failed to open captured image for upload: %w", err)
		}
		defer f.Close()
		return c.ClassifyImage(ctx, filepath.Base(f.Name()), f)
	}

	body, err := json.Marshal(map[string]string{"imageUrl": req.Reference()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}
	c.logger.Debug("Classifying image reference", zap.String("reference", req.Reference()))
	return c.post(ctx, "application/json", bytes.NewReader(body))
}

// ClassifyImage uploads image bytes as a multipart form.
func (c *Client) ClassifyImage(ctx context.Context, filename string, image io.Reader) (Result, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(imageField, filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart field: %w", err)
	}
	n, err := io.Copy(part, image)
	if err != nil {
		return nil, fmt.Errorf("failed to read image for upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}
	c.logger.Debug("Uploading image for classification", zap.String("filename", filename), zap.Int64("bytes", n))
	return c.post(ctx, mw.FormDataContentType(), &buf)
}

func (c *Client) post(ctx context.Context, contentType string, body io.Reader) (Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	startTime := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Warn("Classification request failed", zap.Error(err))
		return nil, &TransportError{Endpoint: c.endpoint, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes+1))
	if err != nil {
		return nil, &TransportError{Endpoint: c.endpoint, Err: fmt.Errorf("failed to read response body: %w", err)}
	}
	if int64(len(respBody)) > c.maxResponseBytes {
		return nil, &ServiceError{Status: resp.StatusCode, Body: fmt.Sprintf("response exceeds %d bytes", c.maxResponseBytes)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.handleAPIError(resp.StatusCode, respBody)
	}

	result, err := decodeResult(resp.StatusCode, respBody)
	if err != nil {
		c.logger.Error("Classification service returned an invalid result", zap.Error(err))
		return nil, err
	}

	fields := []zap.Field{zap.Duration("duration", time.Since(startTime)), zap.Int("predictions", len(result))}
	if top, ok := result.Top(); ok {
		fields = append(fields, zap.String("top_label", top.Label), zap.Float64("top_score", top.Score))
	}
	c.logger.Info("Classification complete", fields...)
	return result, nil
}

func (c *Client) handleAPIError(statusCode int, body []byte) error {
	c.logger.Error("Classification service returned error status", zap.Int("status", statusCode), zap.String("response", truncateBody(body)))
	return &ServiceError{Status: statusCode, Body: truncateBody(body)}
}

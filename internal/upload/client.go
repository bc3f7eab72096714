// Package upload sends event documents to a collection endpoint as
// multipart/form-data and interprets the collector's answer.
package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openresearch/studykit/internal/logger"
)

// maxResponseBytes bounds how much of a collector answer is read.
const maxResponseBytes = 1 << 20

// Uploader is what the sync policy needs from a transport.
type Uploader interface {
	Upload(ctx context.Context, p Payload) (*Result, error)
}

// Client posts payloads to one endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	log      *logger.Logger
}

// NewClient creates a client. A nil httpClient uses http.DefaultClient.
func NewClient(endpoint string, httpClient *http.Client, log *logger.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		endpoint: endpoint,
		http:     httpClient,
		log:      logger.OrNop(log),
	}
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

// Upload performs one POST. A nil error means the collector confirmed
// success; transport errors, non-2xx answers, undecodable bodies and
// unconfirmed results are all returned as errors.
func (c *Client) Upload(ctx context.Context, p Payload) (*Result, error) {
	req, err := NewRequest(ctx, c.endpoint, p)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	latency := time.Since(start)
	if err != nil {
		c.log.Warn("upload request failed",
			"user_key", p.UserKey,
			"error", err,
			"latency_ms", latency.Milliseconds(),
		)
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Warn("upload rejected",
			"user_key", p.UserKey,
			"status", resp.StatusCode,
			"latency_ms", latency.Milliseconds(),
		)
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	res, err := ParseResponse(body)
	if err != nil {
		c.log.Warn("upload not confirmed",
			"user_key", p.UserKey,
			"status", resp.StatusCode,
			"error", err,
		)
		return res, err
	}

	c.log.Info("upload confirmed",
		"user_key", p.UserKey,
		"bytes", len(p.Document),
		"path", res.Path,
		"latency_ms", latency.Milliseconds(),
	)
	return res, nil
}

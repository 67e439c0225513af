// Package extractor calls the subagent inference service over HTTP and
// normalizes its failure modes into the studio error taxonomy.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/metrics"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/studio"
)

// maxResponseBytes bounds how much of an extractor response we will read.
const maxResponseBytes = 4 << 20

// Config holds the inference service endpoint settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client implements studio.Extractor against the inference service's
// POST /v1/extract endpoint.
type Client struct {
	baseURL string
	timeout time.Duration
	httpc   *http.Client
	logger  *zap.Logger
}

// NewClient builds a Client. httpc may be nil to use a default client; the
// per-call timeout comes from cfg, not from the http.Client.
func NewClient(cfg Config, httpc *http.Client, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("extractor: base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if httpc == nil {
		httpc = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: cfg.BaseURL, timeout: cfg.Timeout, httpc: httpc, logger: logger}, nil
}

type extractRequest struct {
	Subagent string `json:"subagent"`
	Content  string `json:"content"`
}

type extractResponse struct {
	Observables []string `json:"observables"`
}

// Extract runs one subagent over the content. Timeouts map to
// ErrExtractorTimeout, transport failures and 5xx to ErrExtractorUnavailable,
// unparseable responses to ErrExtractorMalformed.
func (c *Client) Extract(ctx context.Context, subagentName, content string) (studio.Extraction, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(extractRequest{Subagent: subagentName, Content: content})
	if err != nil {
		return studio.Extraction{}, fmt.Errorf("marshal extract request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/extract", bytes.NewReader(body))
	if err != nil {
		return studio.Extraction{}, fmt.Errorf("build extract request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return studio.Extraction{}, fmt.Errorf("subagent %s: %w", subagentName, studio.ErrExtractorTimeout)
		}
		if errors.Is(err, context.Canceled) {
			return studio.Extraction{}, err
		}
		return studio.Extraction{}, fmt.Errorf("subagent %s: %v: %w", subagentName, err, studio.ErrExtractorUnavailable)
	}
	defer resp.Body.Close()
	metrics.ObserveExtraction(subagentName, time.Since(start))

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return studio.Extraction{}, fmt.Errorf("subagent %s: status %d: %w", subagentName, resp.StatusCode, studio.ErrExtractorUnavailable)
	default:
		return studio.Extraction{}, fmt.Errorf("subagent %s: status %d: %w", subagentName, resp.StatusCode, studio.ErrExtractorMalformed)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return studio.Extraction{}, fmt.Errorf("subagent %s: read response: %w", subagentName, studio.ErrExtractorUnavailable)
	}

	var parsed extractResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		c.logger.Debug("extractor returned unparseable body",
			zap.String("subagent", subagentName),
			zap.Int("bytes", len(raw)))
		return studio.Extraction{}, fmt.Errorf("subagent %s: decode response: %w", subagentName, studio.ErrExtractorMalformed)
	}
	return studio.Extraction{Observables: parsed.Observables}, nil
}

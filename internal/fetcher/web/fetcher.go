// Package web is a plain HTTP implementation of the content fetcher seam.
// The production scraping pipeline (rendering, boilerplate removal) lives in
// a separate service; this fetcher captures enough for local ingestion.
package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/studio"
)

const maxBodyBytes = 8 << 20

var titlePattern = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

// Config controls fetch behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher implements studio.ContentFetcher with net/http.
type Fetcher struct {
	cfg   Config
	httpc *http.Client
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "huntable-studio/0.1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Fetcher{cfg: cfg, httpc: &http.Client{Timeout: cfg.Timeout}}
}

// Fetch retrieves the URL. The raw body is preserved for archiving; Content
// carries the body as text with the page title split out.
func (f *Fetcher) Fetch(ctx context.Context, url string) (studio.FetchedContent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return studio.FetchedContent{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.httpc.Do(req)
	if err != nil {
		return studio.FetchedContent{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return studio.FetchedContent{}, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return studio.FetchedContent{}, fmt.Errorf("read %s: %w", url, err)
	}

	finalURL := url
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return studio.FetchedContent{
		URL:     finalURL,
		Title:   extractTitle(raw),
		Content: string(raw),
		Raw:     raw,
	}, nil
}

func extractTitle(body []byte) string {
	m := titlePattern.FindSubmatch(body)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(string(m[1]))
}

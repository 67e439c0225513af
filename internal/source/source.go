// Package source ingests configured content sources: a periodic checker that
// enqueues fetch tasks, and the handler that captures and persists them.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/studio"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/workflow"
)

// Source is one configured content location checked on a schedule.
type Source struct {
	Name string `json:"name" mapstructure:"name"`
	URL  string `json:"url" mapstructure:"url"`
}

// TaskPayload is the queued body of a source_check task.
type TaskPayload struct {
	SourceName string `json:"source_name"`
	URL        string `json:"url"`
}

// Checker enqueues one source_check task per configured source at each tick.
type Checker struct {
	sources  []Source
	interval time.Duration
	enqueuer workflow.Enqueuer
	logger   *zap.Logger
}

// NewChecker builds a Checker. interval <= 0 defaults to 15 minutes.
func NewChecker(sources []Source, interval time.Duration, enqueuer workflow.Enqueuer, logger *zap.Logger) *Checker {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{sources: sources, interval: interval, enqueuer: enqueuer, logger: logger}
}

// Run checks immediately, then on every tick until the context finishes.
func (c *Checker) Run(ctx context.Context) {
	if len(c.sources) == 0 {
		c.logger.Info("no sources configured, checker idle")
		<-ctx.Done()
		return
	}
	c.checkAll(ctx)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkAll(ctx)
		}
	}
}

func (c *Checker) checkAll(ctx context.Context) {
	for _, src := range c.sources {
		payload := TaskPayload{SourceName: src.Name, URL: src.URL}
		if _, err := c.enqueuer.Submit(ctx, studio.TaskKindSourceCheck, payload); err != nil {
			c.logger.Error("source check enqueue failed",
				zap.String("source", src.Name), zap.Error(err))
			continue
		}
		c.logger.Debug("source check enqueued", zap.String("source", src.Name))
	}
}

// Handler executes one source_check task: fetch the page, archive the raw
// capture, and upsert the article row under its canonical URL.
type Handler struct {
	fetcher  studio.ContentFetcher
	articles studio.ArticleStore
	blobs    studio.BlobStore
	hasher   studio.Hasher
	clock    studio.Clock
	prefix   string
	logger   *zap.Logger
}

// NewHandler builds a Handler. blobs may be nil to skip raw archiving.
func NewHandler(
	fetcher studio.ContentFetcher,
	articles studio.ArticleStore,
	blobs studio.BlobStore,
	hasher studio.Hasher,
	clock studio.Clock,
	prefix string,
	logger *zap.Logger,
) *Handler {
	if prefix == "" {
		prefix = "captures"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		fetcher:  fetcher,
		articles: articles,
		blobs:    blobs,
		hasher:   hasher,
		clock:    clock,
		prefix:   prefix,
		logger:   logger,
	}
}

// Handle fetches and persists one source. Fetch failures return an error so
// the broker retries with backoff; a source that stays down dead-letters.
func (h *Handler) Handle(ctx context.Context, claim studio.Claim) error {
	var payload TaskPayload
	if err := json.Unmarshal(claim.Task.Payload, &payload); err != nil {
		h.logger.Error("source check payload unreadable, dropping",
			zap.String("task_id", claim.Task.ID), zap.Error(err))
		return nil
	}

	fetched, err := h.fetcher.Fetch(ctx, payload.URL)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", payload.URL, err)
	}

	if h.blobs != nil && len(fetched.Raw) > 0 {
		digest, err := h.hasher.Hash(fetched.Raw)
		if err != nil {
			return fmt.Errorf("hash capture: %w", err)
		}
		objectPath := path.Join(h.prefix, payload.SourceName, digest+".html")
		uri, err := h.blobs.PutObject(ctx, objectPath, "text/html", fetched.Raw)
		if err != nil {
			return fmt.Errorf("archive capture: %w", err)
		}
		h.logger.Debug("raw capture archived",
			zap.String("source", payload.SourceName),
			zap.String("uri", uri))
	}

	id, err := h.articles.UpsertArticle(ctx, studio.Article{
		CanonicalURL: fetched.URL,
		Title:        fetched.Title,
		Content:      fetched.Content,
		FetchedAt:    h.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("upsert article: %w", err)
	}

	h.logger.Info("source captured",
		zap.String("source", payload.SourceName),
		zap.String("article_id", id),
		zap.String("url", fetched.URL))
	return nil
}

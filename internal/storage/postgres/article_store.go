package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/studio"
)

// ArticleStore implements studio.ArticleStore over Postgres.
type ArticleStore struct {
	pool  querier
	idGen studio.IDGenerator
}

// NewArticleStore constructs a store from an existing pool.
func NewArticleStore(pool querier, idGen studio.IDGenerator) (*ArticleStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if idGen == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	return &ArticleStore{pool: pool, idGen: idGen}, nil
}

// Close releases the underlying pool resources.
func (s *ArticleStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const articleColumns = `id, canonical_url, title, content, fetched_at`

// GetArticle returns the article by id.
func (s *ArticleStore) GetArticle(ctx context.Context, id string) (studio.Article, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE id = $1`, id)
	return scanArticle(row, id)
}

// GetArticleByURL returns the article whose canonical URL matches exactly.
func (s *ArticleStore) GetArticleByURL(ctx context.Context, canonicalURL string) (studio.Article, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE canonical_url = $1`, canonicalURL)
	return scanArticle(row, canonicalURL)
}

// UpsertArticle inserts the article or refreshes the existing row under the
// same canonical URL, preserving its id. Returns the row id.
func (s *ArticleStore) UpsertArticle(ctx context.Context, article studio.Article) (string, error) {
	id := article.ID
	if id == "" {
		var err error
		if id, err = s.idGen.NewID(); err != nil {
			return "", fmt.Errorf("generate article id: %w", err)
		}
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO articles (id, canonical_url, title, content, fetched_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (canonical_url) DO UPDATE
SET title = EXCLUDED.title,
    content = EXCLUDED.content,
    fetched_at = EXCLUDED.fetched_at
RETURNING id`,
		id, article.CanonicalURL, article.Title, article.Content, article.FetchedAt)
	var storedID string
	if err := row.Scan(&storedID); err != nil {
		return "", fmt.Errorf("upsert article: %w", err)
	}
	return storedID, nil
}

func scanArticle(row pgx.Row, key string) (studio.Article, error) {
	var a studio.Article
	err := row.Scan(&a.ID, &a.CanonicalURL, &a.Title, &a.Content, &a.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return studio.Article{}, fmt.Errorf("article %s: %w", key, studio.ErrNotFound)
	}
	if err != nil {
		return studio.Article{}, fmt.Errorf("scan article: %w", err)
	}
	return a, nil
}

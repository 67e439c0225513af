// Package memory provides in-memory store implementations for tests and
// local development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/id/uuid"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/studio"
)

// ArticleStore keeps articles in memory with a canonical-URL index.
type ArticleStore struct {
	mu    sync.RWMutex
	idGen studio.IDGenerator
	byID  map[string]studio.Article
	byURL map[string]string
}

// NewArticleStore creates an empty ArticleStore. A nil idGen falls back to
// UUID generation, matching the postgres store's id behavior.
func NewArticleStore(idGen studio.IDGenerator) *ArticleStore {
	if idGen == nil {
		idGen = uuid.New()
	}
	return &ArticleStore{
		idGen: idGen,
		byID:  make(map[string]studio.Article),
		byURL: make(map[string]string),
	}
}

// GetArticle returns the article by id.
func (s *ArticleStore) GetArticle(_ context.Context, id string) (studio.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	article, ok := s.byID[id]
	if !ok {
		return studio.Article{}, fmt.Errorf("article %s: %w", id, studio.ErrNotFound)
	}
	return article, nil
}

// GetArticleByURL returns the article whose canonical URL matches exactly.
func (s *ArticleStore) GetArticleByURL(_ context.Context, canonicalURL string) (studio.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byURL[canonicalURL]
	if !ok {
		return studio.Article{}, fmt.Errorf("article url %s: %w", canonicalURL, studio.ErrNotFound)
	}
	return s.byID[id], nil
}

// UpsertArticle inserts or replaces by canonical URL and returns the row id.
// An empty incoming id gets a generated one unless the URL already has a row.
func (s *ArticleStore) UpsertArticle(_ context.Context, article studio.Article) (string, error) {
	if article.CanonicalURL == "" {
		return "", fmt.Errorf("article canonical url is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existingID, ok := s.byURL[article.CanonicalURL]; ok {
		article.ID = existingID
	} else if article.ID == "" {
		id, err := s.idGen.NewID()
		if err != nil {
			return "", fmt.Errorf("generate article id: %w", err)
		}
		article.ID = id
	}
	s.byID[article.ID] = article
	s.byURL[article.CanonicalURL] = article.ID
	return article.ID, nil
}

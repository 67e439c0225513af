// Package resolver turns an evaluation URL into article content, preferring
// live rows over static snapshots so fixtures never mask fresh data.
package resolver

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/snapshot"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/studio"
)

// localArticlePattern matches the studio's own article URLs, e.g.
// https://studio.internal/articles/0198f1c2-...; capture group 1 is the id.
var localArticlePattern = regexp.MustCompile(`/articles/([A-Za-z0-9-]+)$`)

// Resolved is article content plus where it came from.
type Resolved struct {
	Reference studio.ArticleReference
	Title     string
	Content   string
}

// Resolver resolves URLs for subagent evaluations.
type Resolver struct {
	articles  studio.ArticleStore
	snapshots studio.SnapshotStore
	hasher    studio.Hasher
	logger    *zap.Logger
}

// New builds a Resolver. hasher may be nil, which disables drift detection.
func New(articles studio.ArticleStore, snapshots studio.SnapshotStore, hasher studio.Hasher, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{articles: articles, snapshots: snapshots, hasher: hasher, logger: logger}
}

// Resolve tries, in order: a live article under the canonical URL, a live
// article referenced by a local /articles/{id} URL, then the subagent's
// static snapshot. When both a live row and a snapshot exist the live row
// wins; content drift between the two is logged, never an error.
func (r *Resolver) Resolve(ctx context.Context, subagentName, url string) (Resolved, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return Resolved{}, &studio.ResolutionError{URL: url}
	}

	snap, hasSnap := r.snapshots.Lookup(subagentName, url)

	article, found, err := r.liveArticle(ctx, url)
	if err != nil {
		return Resolved{}, err
	}
	if found {
		if hasSnap {
			r.warnOnDrift(subagentName, article, snap)
		}
		return Resolved{
			Reference: studio.ArticleReference{
				ArticleID:  article.ID,
				Provenance: studio.ProvenanceLive,
			},
			Title:   article.Title,
			Content: article.Content,
		}, nil
	}

	if hasSnap {
		return Resolved{
			Reference: studio.ArticleReference{
				SnapshotKey: snapshot.Key(subagentName, url),
				Provenance:  studio.ProvenanceStatic,
			},
			Title:   snap.Title,
			Content: snap.Content,
		}, nil
	}

	return Resolved{}, &studio.ResolutionError{URL: url}
}

func (r *Resolver) liveArticle(ctx context.Context, url string) (studio.Article, bool, error) {
	article, err := r.articles.GetArticleByURL(ctx, url)
	switch {
	case err == nil:
		return article, true, nil
	case !studio.IsNotFound(err):
		return studio.Article{}, false, fmt.Errorf("lookup article by url: %w", err)
	}

	if m := localArticlePattern.FindStringSubmatch(url); m != nil {
		article, err = r.articles.GetArticle(ctx, m[1])
		switch {
		case err == nil:
			return article, true, nil
		case !studio.IsNotFound(err):
			return studio.Article{}, false, fmt.Errorf("lookup article by id: %w", err)
		}
	}

	return studio.Article{}, false, nil
}

func (r *Resolver) warnOnDrift(subagentName string, article studio.Article, snap studio.StaticSnapshot) {
	if r.hasher == nil {
		return
	}
	liveHash, err := r.hasher.Hash([]byte(article.Content))
	if err != nil {
		return
	}
	snapHash, err := r.hasher.Hash([]byte(snap.Content))
	if err != nil {
		return
	}
	if liveHash != snapHash {
		r.logger.Warn("live article content drifted from static snapshot",
			zap.String("subagent", subagentName),
			zap.String("url", snap.URL),
			zap.String("article_id", article.ID),
			zap.String("live_hash", liveHash),
			zap.String("snapshot_hash", snapHash))
	}
}

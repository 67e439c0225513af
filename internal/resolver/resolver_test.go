package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/hash/sha256"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/snapshot"
	storagememory "github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/storage/memory"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/studio"
)

const snapshotYAML = `
cmdline:
  - url: https://threat.example.com/reports/alpha
    title: Alpha (snapshot)
    content: snapshot body for alpha
  - url: https://threat.example.com/reports/static-only
    title: Static Only
    content: only the fixture has this one
`

func newFixtures(t *testing.T) (*storagememory.ArticleStore, studio.SnapshotStore) {
	t.Helper()
	snaps, err := snapshot.Parse([]byte(snapshotYAML))
	require.NoError(t, err)
	return storagememory.NewArticleStore(nil), snaps
}

func TestResolveLiveWinsOverStatic(t *testing.T) {
	articles, snaps := newFixtures(t)
	id, err := articles.UpsertArticle(context.Background(), studio.Article{
		CanonicalURL: "https://threat.example.com/reports/alpha",
		Title:        "Alpha (live)",
		Content:      "live body for alpha",
	})
	require.NoError(t, err)

	core, logs := observer.New(zap.WarnLevel)
	r := New(articles, snaps, sha256.New(), zap.New(core))

	got, err := r.Resolve(context.Background(), "cmdline", "https://threat.example.com/reports/alpha")
	require.NoError(t, err)
	assert.Equal(t, studio.ProvenanceLive, got.Reference.Provenance)
	assert.Equal(t, id, got.Reference.ArticleID)
	assert.Empty(t, got.Reference.SnapshotKey)
	assert.Equal(t, "live body for alpha", got.Content)

	require.Equal(t, 1, logs.Len(), "drifted content is logged, not failed")
	assert.Contains(t, logs.All()[0].Message, "drifted")
}

func TestResolveNoDriftWarningWhenContentMatches(t *testing.T) {
	articles, snaps := newFixtures(t)
	_, err := articles.UpsertArticle(context.Background(), studio.Article{
		CanonicalURL: "https://threat.example.com/reports/alpha",
		Title:        "Alpha (live)",
		Content:      "snapshot body for alpha",
	})
	require.NoError(t, err)

	core, logs := observer.New(zap.WarnLevel)
	r := New(articles, snaps, sha256.New(), zap.New(core))

	_, err = r.Resolve(context.Background(), "cmdline", "https://threat.example.com/reports/alpha")
	require.NoError(t, err)
	assert.Zero(t, logs.Len())
}

func TestResolveFallsBackToSnapshot(t *testing.T) {
	articles, snaps := newFixtures(t)
	r := New(articles, snaps, sha256.New(), zap.NewNop())

	got, err := r.Resolve(context.Background(), "cmdline", "https://threat.example.com/reports/static-only")
	require.NoError(t, err)
	assert.Equal(t, studio.ProvenanceStatic, got.Reference.Provenance)
	assert.Equal(t, snapshot.Key("cmdline", "https://threat.example.com/reports/static-only"), got.Reference.SnapshotKey)
	assert.Empty(t, got.Reference.ArticleID)
	assert.Equal(t, "only the fixture has this one", got.Content)
}

func TestResolveLocalArticleURL(t *testing.T) {
	articles, snaps := newFixtures(t)
	id, err := articles.UpsertArticle(context.Background(), studio.Article{
		CanonicalURL: "https://threat.example.com/reports/beta",
		Title:        "Beta",
		Content:      "beta body",
	})
	require.NoError(t, err)

	r := New(articles, snaps, sha256.New(), zap.NewNop())

	got, err := r.Resolve(context.Background(), "cmdline", "https://studio.internal/articles/"+id)
	require.NoError(t, err)
	assert.Equal(t, studio.ProvenanceLive, got.Reference.Provenance)
	assert.Equal(t, id, got.Reference.ArticleID)
	assert.Equal(t, "beta body", got.Content)
}

func TestResolveUnknownURL(t *testing.T) {
	articles, snaps := newFixtures(t)
	r := New(articles, snaps, sha256.New(), zap.NewNop())

	for _, url := range []string{
		"https://threat.example.com/reports/nope",
		"https://studio.internal/articles/does-not-exist",
		"",
	} {
		_, err := r.Resolve(context.Background(), "cmdline", url)
		require.Error(t, err, url)
		assert.True(t, studio.IsNotFound(err), url)

		var resErr *studio.ResolutionError
		assert.True(t, errors.As(err, &resErr), url)
	}
}

func TestResolveSnapshotScopedBySubagent(t *testing.T) {
	articles, snaps := newFixtures(t)
	r := New(articles, snaps, sha256.New(), zap.NewNop())

	_, err := r.Resolve(context.Background(), "registry", "https://threat.example.com/reports/static-only")
	assert.True(t, studio.IsNotFound(err))
}

package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/hash/sha256"
	blobmemory "github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/storage/blob/memory"
	storagememory "github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/storage/memory"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/studio"
)

type stubFetcher struct {
	content studio.FetchedContent
	err     error
}

func (f *stubFetcher) Fetch(_ context.Context, url string) (studio.FetchedContent, error) {
	if f.err != nil {
		return studio.FetchedContent{}, f.err
	}
	out := f.content
	if out.URL == "" {
		out.URL = url
	}
	return out, nil
}

type stubClock struct{ t time.Time }

func (c *stubClock) Now() time.Time { return c.t }

type countingEnqueuer struct {
	mu    sync.Mutex
	tasks []studio.Task
}

func (c *countingEnqueuer) Submit(_ context.Context, kind studio.TaskKind, payload any) (studio.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, _ := json.Marshal(payload)
	task := studio.Task{ID: fmt.Sprintf("task-%d", len(c.tasks)+1), Kind: kind, Payload: data}
	c.tasks = append(c.tasks, task)
	return task, nil
}

func (c *countingEnqueuer) snapshot() []studio.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]studio.Task, len(c.tasks))
	copy(out, c.tasks)
	return out
}

func TestCheckerEnqueuesEachSourceImmediately(t *testing.T) {
	enq := &countingEnqueuer{}
	checker := NewChecker([]Source{
		{Name: "vendor-blog", URL: "https://vendor.example.com/blog"},
		{Name: "cert-feed", URL: "https://cert.example.com/advisories"},
	}, time.Hour, enq, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(enq.snapshot()) < 2 {
		select {
		case <-deadline:
			t.Fatal("checker did not enqueue on startup")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	tasks := enq.snapshot()
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, studio.TaskKindSourceCheck, task.Kind)
	}
	var payload TaskPayload
	require.NoError(t, json.Unmarshal(tasks[0].Payload, &payload))
	assert.Equal(t, "vendor-blog", payload.SourceName)
}

func taskFor(t *testing.T, payload TaskPayload) studio.Claim {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return studio.Claim{
		Task:     studio.Task{ID: "task-1", Kind: studio.TaskKindSourceCheck, Payload: data},
		LeaseID:  "lease-1",
		Canceled: make(chan struct{}),
	}
}

func TestHandlerCapturesAndUpserts(t *testing.T) {
	articles := storagememory.NewArticleStore(nil)
	blobs := blobmemory.NewStore("inmem://captures")
	fetcher := &stubFetcher{content: studio.FetchedContent{
		URL:     "https://vendor.example.com/blog/post-1",
		Title:   "New Loader Campaign",
		Content: "cleaned article text",
		Raw:     []byte("<html>raw capture</html>"),
	}}
	now := time.Now().UTC()
	h := NewHandler(fetcher, articles, blobs, sha256.New(), &stubClock{t: now}, "captures", zap.NewNop())

	err := h.Handle(context.Background(), taskFor(t, TaskPayload{SourceName: "vendor-blog", URL: "https://vendor.example.com/blog/post-1"}))
	require.NoError(t, err)

	article, err := articles.GetArticleByURL(context.Background(), "https://vendor.example.com/blog/post-1")
	require.NoError(t, err)
	assert.Equal(t, "New Loader Campaign", article.Title)
	assert.Equal(t, "cleaned article text", article.Content)
	assert.Equal(t, now, article.FetchedAt)

	require.Len(t, blobs.Objects(), 1)
	for objectPath, data := range blobs.Objects() {
		assert.Contains(t, objectPath, "captures/vendor-blog/")
		assert.Equal(t, []byte("<html>raw capture</html>"), data)
	}
}

func TestHandlerRecaptureKeepsArticleID(t *testing.T) {
	articles := storagememory.NewArticleStore(nil)
	fetcher := &stubFetcher{content: studio.FetchedContent{
		URL:     "https://vendor.example.com/blog/post-1",
		Title:   "v1",
		Content: "first capture",
	}}
	h := NewHandler(fetcher, articles, nil, sha256.New(), &stubClock{t: time.Now().UTC()}, "", zap.NewNop())

	claim := taskFor(t, TaskPayload{SourceName: "vendor-blog", URL: "https://vendor.example.com/blog/post-1"})
	require.NoError(t, h.Handle(context.Background(), claim))
	first, err := articles.GetArticleByURL(context.Background(), "https://vendor.example.com/blog/post-1")
	require.NoError(t, err)

	fetcher.content.Title = "v2"
	fetcher.content.Content = "second capture"
	require.NoError(t, h.Handle(context.Background(), claim))
	second, err := articles.GetArticleByURL(context.Background(), "https://vendor.example.com/blog/post-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "recapture updates in place")
	assert.Equal(t, "second capture", second.Content)
}

func TestHandlerFetchFailureIsRetryable(t *testing.T) {
	articles := storagememory.NewArticleStore(nil)
	fetcher := &stubFetcher{err: errors.New("connection reset")}
	h := NewHandler(fetcher, articles, nil, sha256.New(), &stubClock{t: time.Now().UTC()}, "", zap.NewNop())

	err := h.Handle(context.Background(), taskFor(t, TaskPayload{SourceName: "s", URL: "https://x/1"}))
	assert.Error(t, err)
}

func TestHandlerDropsUnreadablePayload(t *testing.T) {
	h := NewHandler(&stubFetcher{}, storagememory.NewArticleStore(nil), nil, sha256.New(), &stubClock{t: time.Now()}, "", zap.NewNop())
	claim := studio.Claim{Task: studio.Task{ID: "task-x", Payload: []byte("{")}}
	assert.NoError(t, h.Handle(context.Background(), claim))
}

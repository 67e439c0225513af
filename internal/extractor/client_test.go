package extractor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/studio"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL, Timeout: timeout}, srv.Client(), zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestExtractSuccess(t *testing.T) {
	var gotReq extractRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/extract", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(extractResponse{Observables: []string{"cmd.exe /c whoami"}})
	}, time.Second)

	got, err := c.Extract(context.Background(), "cmdline", "some article body")
	require.NoError(t, err)
	assert.Equal(t, []string{"cmd.exe /c whoami"}, got.Observables)
	assert.Equal(t, "cmdline", gotReq.Subagent)
	assert.Equal(t, "some article body", gotReq.Content)
}

func TestExtractTimeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}, 20*time.Millisecond)

	_, err := c.Extract(context.Background(), "cmdline", "body")
	require.Error(t, err)
	assert.ErrorIs(t, err, studio.ErrExtractorTimeout)
	assert.Equal(t, studio.FailureExtractorTimeout, studio.ClassifyFailure(err))
}

func TestExtractServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}, time.Second)

	_, err := c.Extract(context.Background(), "cmdline", "body")
	assert.ErrorIs(t, err, studio.ErrExtractorUnavailable)
}

func TestExtractConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(Config{BaseURL: url, Timeout: time.Second}, nil, zap.NewNop())
	require.NoError(t, err)

	_, err = c.Extract(context.Background(), "cmdline", "body")
	assert.ErrorIs(t, err, studio.ErrExtractorUnavailable)
}

func TestExtractMalformedBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("this is not json"))
	}, time.Second)

	_, err := c.Extract(context.Background(), "cmdline", "body")
	assert.ErrorIs(t, err, studio.ErrExtractorMalformed)
	assert.Equal(t, studio.FailureExtractorError, studio.ClassifyFailure(err))
}

func TestExtractClientErrorStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown subagent", http.StatusBadRequest)
	}, time.Second)

	_, err := c.Extract(context.Background(), "bogus", "body")
	assert.ErrorIs(t, err, studio.ErrExtractorMalformed)
}

func TestExtractCallerCancellation(t *testing.T) {
	// The handler must not block past the test: server Close waits for
	// in-flight handlers, so it parks on a channel the test releases.
	release := make(chan struct{})
	defer close(release)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := c.Extract(ctx, "cmdline", "body")
	require.Error(t, err)
	assert.NotErrorIs(t, err, studio.ErrExtractorTimeout)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{}, nil, nil)
	assert.Error(t, err)
}

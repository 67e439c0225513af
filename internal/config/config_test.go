package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/studio"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30, cfg.Queues.LeaseSeconds)
	assert.Equal(t, 4, cfg.Queues.MaxDeliveries)
	assert.Equal(t, []string{"cmdline"}, cfg.Workflow.Subagents)

	router, err := cfg.RoutingTable()
	require.NoError(t, err)
	assert.Equal(t, "bulk", router.Route(studio.TaskKindSourceCheck))
	assert.Equal(t, "express", router.Route(studio.TaskKindWorkflow))
	assert.Equal(t, "express", router.Route(studio.TaskKindEvaluation))

	require.Len(t, cfg.Pools, 2)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9999
logging:
  development: false
  level: warn
queues:
  routing:
    source_check: slow
    workflow: fast
    evaluation: fast
  lease_seconds: 10
pools:
  - name: slow
    concurrency: 1
    queues: [slow]
  - name: fast
    concurrency: 8
    prefetch: 2
    queues: [fast]
workflow:
  subagents: [cmdline, registry]
sources:
  check_interval_minutes: 5
  sources:
    - name: vendor-blog
      url: https://vendor.example.com/blog
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 10, cfg.Queues.LeaseSeconds)
	assert.Equal(t, []string{"cmdline", "registry"}, cfg.Workflow.Subagents)
	require.Len(t, cfg.Sources.Sources, 1)
	assert.Equal(t, "vendor-blog", cfg.Sources.Sources[0].Name)

	router, err := cfg.RoutingTable()
	require.NoError(t, err)
	assert.Equal(t, "fast", router.Route(studio.TaskKindEvaluation))
}

func TestIncompleteRoutingIsFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
queues:
  routing:
    workflow: fast
pools:
  - name: fast
    concurrency: 1
    queues: [fast]
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "routing config")
}

func TestPoolValidation(t *testing.T) {
	base := Config{
		Server: ServerConfig{Port: 8080},
		Queues: QueuesConfig{Routing: map[string]string{
			"source_check": "bulk",
			"workflow":     "express",
			"evaluation":   "express",
		}},
		Workflow: WorkflowConfig{Subagents: []string{"cmdline"}},
	}

	cases := []struct {
		name  string
		pools []PoolConfig
		want  string
	}{
		{"no pools", nil, "at least one worker pool"},
		{"zero concurrency", []PoolConfig{{Name: "p", Concurrency: 0, Queues: []string{"bulk"}}}, "concurrency"},
		{"unrouted queue", []PoolConfig{
			{Name: "p", Concurrency: 1, Queues: []string{"bulk", "express"}},
			{Name: "q", Concurrency: 1, Queues: []string{"phantom"}},
		}, "unrouted queue"},
		{"uncovered queue", []PoolConfig{{Name: "p", Concurrency: 1, Queues: []string{"bulk"}}}, "no subscribed worker pool"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			cfg.Pools = tc.pools
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestQueueDurations(t *testing.T) {
	q := QueuesConfig{LeaseSeconds: 30, RedeliveryBaseMs: 1000, RedeliveryMaxMs: 30000}
	assert.Equal(t, "30s", q.LeaseTimeout().String())
	assert.Equal(t, "1s", q.RedeliveryBase().String())
	assert.Equal(t, "30s", q.RedeliveryCap().String())
}

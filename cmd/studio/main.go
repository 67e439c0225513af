// Package main wires together the studio service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/api"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/clock/system"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/config"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/dispatcher"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/evaluation"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/extractor"
	webfetcher "github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/fetcher/web"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/hash/sha256"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/id/uuid"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/logging"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/metrics"
	memorypublisher "github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/publisher/memory"
	gcppublisher "github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/publisher/pubsub"
	queuememory "github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/queue/memory"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/resolver"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/snapshot"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/source"
	blobgcs "github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/storage/blob/gcs"
	blobmemory "github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/storage/blob/memory"
	storagememory "github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/storage/memory"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/storage/postgres"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/studio"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/worker"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/workflow"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, stop); err != nil {
		logger.Error("startup failed", zap.Error(err))
		os.Exit(1)
	}
}

//nolint:gocognit // Wiring is linear but extensive.
func run(ctx context.Context, cfg config.Config, logger *zap.Logger, stop func()) error {
	router, err := cfg.RoutingTable()
	if err != nil {
		return err
	}
	clock := system.New()
	idGen := uuid.New()
	hasher := sha256.New()

	// Persistence: Postgres when a DSN is configured, in-memory otherwise.
	var (
		articles    studio.ArticleStore
		executions  studio.ExecutionStore
		evaluations studio.EvaluationStore
	)
	if cfg.DB.DSN != "" {
		pool, err := postgres.NewPool(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(cfg.DB.MaxConnLifetime) * time.Second,
		})
		if err != nil {
			return err
		}
		defer pool.Close()
		if articles, err = postgres.NewArticleStore(pool, idGen); err != nil {
			return err
		}
		if executions, err = postgres.NewExecutionStore(pool); err != nil {
			return err
		}
		if evaluations, err = postgres.NewEvaluationStore(pool); err != nil {
			return err
		}
		logger.Info("postgres stores initialized")
	} else {
		articles = storagememory.NewArticleStore(idGen)
		executions = storagememory.NewExecutionStore()
		evaluations = storagememory.NewEvaluationStore()
		logger.Info("in-memory stores initialized")
	}

	var blobs studio.BlobStore
	if cfg.Storage.GCSBucket != "" {
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client: %w", err)
		}
		defer client.Close()
		if blobs, err = blobgcs.New(client, blobgcs.Config{Bucket: cfg.Storage.GCSBucket}); err != nil {
			return err
		}
	} else {
		blobs = blobmemory.NewStore("")
	}

	var publisher studio.Publisher
	if cfg.PubSub.ProjectID != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client: %w", err)
		}
		defer client.Close()
		pub, err := gcppublisher.New(client)
		if err != nil {
			return err
		}
		defer pub.Stop()
		publisher = pub
	} else {
		publisher = memorypublisher.New()
	}

	snapshots, err := loadSnapshots(cfg.Snapshots.Path, logger)
	if err != nil {
		return err
	}

	broker, err := queuememory.NewBroker(queuememory.Config{
		Queues:         router.Queues(),
		LeaseTimeout:   cfg.Queues.LeaseTimeout(),
		MaxDeliveries:  cfg.Queues.MaxDeliveries,
		RedeliveryBase: cfg.Queues.RedeliveryBase(),
		RedeliveryCap:  cfg.Queues.RedeliveryCap(),
	}, clock, logger.Named("broker"))
	if err != nil {
		return err
	}

	extract, err := extractor.NewClient(extractor.Config{
		BaseURL: cfg.Extractor.BaseURL,
		Timeout: time.Duration(cfg.Extractor.TimeoutSeconds) * time.Second,
	}, nil, logger.Named("extractor"))
	if err != nil {
		return err
	}

	res := resolver.New(articles, snapshots, hasher, logger.Named("resolver"))

	var dispatch *dispatcher.Dispatcher
	enqueue := enqueuerFunc(func(ctx context.Context, kind studio.TaskKind, payload any) (studio.Task, error) {
		return dispatch.Submit(ctx, kind, payload)
	})

	engine, err := workflow.NewEngine(
		workflow.Config{Subagents: cfg.Workflow.Subagents, EventTopic: cfg.PubSub.WorkflowTopic},
		executions, articles, extract, enqueue, publisher, idGen, clock, logger.Named("workflow"),
	)
	if err != nil {
		return err
	}
	harness := evaluation.NewHarness(
		evaluation.Config{EventTopic: cfg.PubSub.EvaluationTopic},
		evaluations, res, snapshots, extract, enqueue, publisher, idGen, clock, logger.Named("evaluation"),
	)

	fetcher := webfetcher.New(webfetcher.Config{})
	srcHandler := source.NewHandler(fetcher, articles, blobs, hasher, clock, cfg.Storage.Prefix, logger.Named("source"))
	checker := source.NewChecker(cfg.Sources.Sources,
		time.Duration(cfg.Sources.CheckIntervalMinutes)*time.Minute, enqueue, logger.Named("checker"))

	broker.SetDeadLetter(func(ctx context.Context, task studio.Task, kind studio.FailureKind, reason string) {
		switch task.Kind {
		case studio.TaskKindWorkflow:
			engine.FailTask(ctx, task, kind, reason)
		case studio.TaskKindEvaluation:
			harness.FailTask(ctx, task, kind, reason)
		default:
			logger.Warn("task dead-lettered",
				zap.String("task_id", task.ID),
				zap.String("kind", string(task.Kind)),
				zap.String("failure_kind", string(kind)),
				zap.String("reason", reason))
		}
	})

	registry := worker.Registry{
		studio.TaskKindSourceCheck: srcHandler,
		studio.TaskKindWorkflow:    engine,
		studio.TaskKindEvaluation:  harness,
	}
	var pools []*worker.Pool
	for _, pc := range cfg.Pools {
		pool, err := worker.New(worker.Config{
			Name:        pc.Name,
			Concurrency: pc.Concurrency,
			Prefetch:    pc.Prefetch,
			Queues:      pc.Queues,
			TaskTimeout: time.Duration(pc.TaskTimeoutSeconds) * time.Second,
		}, broker, registry, logger)
		if err != nil {
			return err
		}
		pools = append(pools, pool)
	}

	dispatch = dispatcher.New(broker, router, pools, []dispatcher.Runner{broker, checker},
		idGen, clock, logger.Named("dispatcher"))

	apiServer := api.NewServer(engine, harness, dispatch, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started")
		dispatch.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

// enqueuerFunc defers dispatcher construction: the engines need an enqueuer
// before the dispatcher (which needs the pools, which need the engines)
// exists.
type enqueuerFunc func(ctx context.Context, kind studio.TaskKind, payload any) (studio.Task, error)

func (f enqueuerFunc) Submit(ctx context.Context, kind studio.TaskKind, payload any) (studio.Task, error) {
	return f(ctx, kind, payload)
}

func loadSnapshots(path string, logger *zap.Logger) (*snapshot.Store, error) {
	if path == "" {
		return snapshot.Parse(nil)
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		logger.Warn("snapshot path missing, evaluations limited to live articles",
			zap.String("path", path))
		return snapshot.Parse(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("stat snapshots: %w", err)
	}
	if info.IsDir() {
		return snapshot.LoadDir(path)
	}
	return snapshot.Load(path)
}

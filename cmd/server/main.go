// Command server runs the resume-agent-runtime HTTP API: it wires the
// durable store, run scheduler, approval coordinator, stream fan-out,
// recovery sweep, and cleanup worker described in spec.md §4 behind the
// gorilla/mux router of internal/httpapi.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/redis/go-redis/v9"

	"github.com/resume-agent/runtime/internal/approvalcoord"
	"github.com/resume-agent/runtime/internal/cleanup"
	"github.com/resume-agent/runtime/internal/config"
	"github.com/resume-agent/runtime/internal/executor"
	"github.com/resume-agent/runtime/internal/httpapi"
	"github.com/resume-agent/runtime/internal/ratelimit"
	"github.com/resume-agent/runtime/internal/recovery"
	"github.com/resume-agent/runtime/internal/scheduler"
	"github.com/resume-agent/runtime/internal/store"
	memorystore "github.com/resume-agent/runtime/internal/store/memory"
	mongostore "github.com/resume-agent/runtime/internal/store/mongo"
	"github.com/resume-agent/runtime/internal/stream"
	"github.com/resume-agent/runtime/internal/telemetry"
	"github.com/resume-agent/runtime/internal/workspace"
	"github.com/resume-agent/runtime/internal/workspace/localfs"
	"github.com/resume-agent/runtime/internal/workspace/s3artifact"
)

func main() {
	dbgF := flag.Bool("debug", false, "enable debug logging")
	workspaceRootF := flag.String("workspace-root", "./data/workspaces", "root directory for the local workspace provider")
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}

	st, err := newStore(ctx, cfg)
	if err != nil {
		log.Fatalf(ctx, err, "initialize durable store")
	}

	if _, err := recovery.Run(ctx, st, logger); err != nil {
		log.Fatalf(ctx, err, "recovery sweep")
	}

	wsProvider, err := localfs.New(*workspaceRootF)
	if err != nil {
		log.Fatalf(ctx, err, "initialize workspace provider")
	}
	artifacts := newArtifactProvider(ctx, cfg, logger)

	notifier := stream.NewNotifier()
	approvals := approvalcoord.New(st, notifier)

	execMode := cfg.ExecutorMode
	exec := newExecutor(execMode, cfg)

	deps := executor.Deps{
		Store:                st,
		Approvals:            approvals,
		Workspace:            wsProvider,
		Artifacts:            artifacts,
		Notifier:             notifier,
		CostPerMillionTokens: cfg.CostPerMillionTokens,
	}

	sched := scheduler.New(makeHandler(st, exec, deps, approvals, logger), logger, 0)
	sched.Start(ctx)
	defer sched.Stop()

	cleanupWorker := &cleanup.Worker{
		Store:     st,
		Workspace: wsProvider,
		Artifacts: artifacts,
		Scheduler: sched,
		Log:       logger,
		Metrics:   metrics,
		Thresholds: cleanup.Thresholds{
			MaxErrorRate:    cfg.Alerts.MaxErrorRate,
			MaxP95LatencyMS: cfg.Alerts.MaxP95LatencyMS,
			MaxTotalCostUSD: cfg.Alerts.MaxTotalCostUSD,
			MaxQueueDepth:   cfg.Alerts.MaxQueueDepth,
		},
		SessionTTL:  cfg.SessionTTL,
		ArtifactTTL: cfg.ArtifactTTL,
		Interval:    cfg.CleanupInterval,
	}
	cleanupWorker.Start(ctx)
	defer cleanupWorker.Stop()

	limiter := newRateLimiter(cfg)

	srv, err := httpapi.New(httpapi.Server{
		Store:       st,
		Scheduler:   sched,
		Approvals:   approvals,
		Workspace:   wsProvider,
		Artifacts:   artifacts,
		Notifier:    notifier,
		Cleanup:     cleanupWorker,
		Config:      cfg,
		Log:         logger,
		Metrics:     metrics,
		RateLimiter: limiter,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build http server")
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Router(),
	}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		logger.Info(ctx, "http server listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	logger.Info(ctx, "shutting down", "reason", fmt.Sprint(<-errc))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

// newStore connects to MongoDB when MongoURI is configured, otherwise
// falls back to the non-durable in-memory store — convenient for local
// development, never for production per internal/store/mongo's doc
// comment.
func newStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.MongoURI == "" {
		return memorystore.New(), nil
	}
	client, err := mongodriver.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	return mongostore.New(ctx, mongostore.Options{
		Client:   client,
		Database: cfg.MongoDatabase,
	})
}

// newArtifactProvider wires an S3-compatible object store when an endpoint
// is configured; otherwise the runtime runs with the workspace provider
// as its only file namespace, which spec.md §4.B treats as valid (the
// artifact provider is optional).
func newArtifactProvider(ctx context.Context, cfg config.Config, logger telemetry.Logger) workspace.ArtifactStorageProvider {
	if cfg.S3Endpoint == "" {
		return nil
	}
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
	})
	if err != nil {
		logger.Error(ctx, "artifact provider disabled: minio client init failed", "error", err)
		return nil
	}
	return s3artifact.New(client, cfg.ArtifactBucket)
}

// newExecutor selects the stub or real executor per cfg.ExecutorMode,
// defaulting to the deterministic stub when misconfigured so a missing
// API key never crashes startup.
func newExecutor(mode config.ExecutorMode, cfg config.Config) executor.Executor {
	if mode == config.ExecutorReal && cfg.AnthropicAPIKey != "" {
		client := sdk.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey))
		return executor.Real{
			Client:    &client.Messages,
			Model:     cfg.AnthropicModel,
			MaxTokens: cfg.AnthropicMaxTokens,
		}
	}
	return executor.Stub{}
}

// newRateLimiter builds a Redis-backed cluster limiter when RedisAddr is
// configured, otherwise a process-local token bucket; a zero rate/limit
// in either disables throttling, per internal/ratelimit.
func newRateLimiter(cfg config.Config) ratelimit.Limiter {
	if cfg.RedisAddr == "" {
		return ratelimit.NewLocal(50, 100)
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return ratelimit.NewCluster(client, 3000, time.Minute)
}

// makeHandler adapts the scheduler's (session_id, run_id) dispatch into a
// single executor.Run call (which wraps Executor.Execute), per spec.md
// §4.D/§4.E.
func makeHandler(st store.Store, exec executor.Executor, deps executor.Deps, approvals *approvalcoord.Coordinator, logger telemetry.Logger) scheduler.Handler {
	return func(ctx context.Context, item scheduler.Item) {
		r, err := st.GetRun(ctx, item.TenantID, item.SessionID, item.RunID)
		if err != nil {
			logger.Error(ctx, "scheduler: failed to load run", "run_id", item.RunID, "error", err)
			return
		}
		sess, err := st.GetSession(ctx, item.TenantID, item.SessionID)
		if err != nil {
			logger.Error(ctx, "scheduler: failed to load session", "session_id", item.SessionID, "error", err)
			return
		}
		outcome := executor.Run(ctx, exec, deps, sess, r)
		if outcome.Err != nil {
			logger.Warn(ctx, "scheduler: run finished with error", "run_id", item.RunID, "error", outcome.Err)
		}
		approvals.Forget(item.RunID)
	}
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/animus-labs/conveyor/internal/build"
	"github.com/animus-labs/conveyor/internal/config"
	"github.com/animus-labs/conveyor/internal/deploy"
	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/pipeline"
	"github.com/animus-labs/conveyor/internal/platform/auditlog"
	"github.com/animus-labs/conveyor/internal/platform/auth"
	"github.com/animus-labs/conveyor/internal/platform/env"
	"github.com/animus-labs/conveyor/internal/platform/httpserver"
	"github.com/animus-labs/conveyor/internal/platform/objectstore"
	"github.com/animus-labs/conveyor/internal/platform/postgres"
	"github.com/animus-labs/conveyor/internal/receiver"
	"github.com/animus-labs/conveyor/internal/repo"
	"github.com/animus-labs/conveyor/internal/repo/memory"
	pgrepo "github.com/animus-labs/conveyor/internal/repo/postgres"
	"github.com/animus-labs/conveyor/internal/scheduler"
	"github.com/animus-labs/conveyor/internal/secrets"
	"github.com/animus-labs/conveyor/internal/status"
	"github.com/animus-labs/conveyor/internal/webhook"
)

const service = "deployer"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("CONVEYOR_HTTP_ADDR", ":8090")
	shutdownTimeout, err := env.Duration("CONVEYOR_SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	catalog, err := config.Load(env.String("CONVEYOR_TARGETS_FILE", "targets.yaml"))
	if err != nil {
		logger.Error("invalid targets file", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	var db *sql.DB
	if dbCfg.Enabled() {
		db, err = postgres.Open(ctx, dbCfg)
		if err != nil {
			logger.Error("database unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		if dbCfg.AutoMigrate {
			if err := postgres.Migrate(ctx, db); err != nil {
				logger.Error("database migration failed", "error", err)
				os.Exit(1)
			}
		}
	} else {
		logger.Warn("DATABASE_URL not set; build and deployment state is kept in memory")
	}

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	var objects objectstore.Store
	var readiness []httpserver.ReadinessCheck
	if db != nil {
		readiness = append(readiness, httpserver.ReadinessCheck{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return db.PingContext(checkCtx)
			},
		})
	}
	if storeCfg.Enabled {
		storeClient, err := objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			logger.Error("object store client init failed", "error", err)
			os.Exit(2)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
			cancel()
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		cancel()
		objects, err = objectstore.NewMinioStore(storeClient)
		if err != nil {
			logger.Error("object store init failed", "error", err)
			os.Exit(2)
		}
		readiness = append(readiness, httpserver.ReadinessCheck{
			Name: "minio",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return objectstore.CheckBuckets(checkCtx, storeClient, storeCfg)
			},
		})
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := status.NewMetrics(registry)
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		os.Exit(2)
	}

	secretsCfg, err := secrets.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid secrets config", "error", err)
		os.Exit(2)
	}
	secretStore, err := secrets.NewStore(ctx, secretsCfg, db)
	if err != nil {
		logger.Error("secret store init failed", "error", err)
		os.Exit(2)
	}
	redactor := secrets.NewRedactor()
	resolver, err := secrets.NewResolver(secretStore, catalog, redactor, logger)
	if err != nil {
		logger.Error("secret resolver init failed", "error", err)
		os.Exit(2)
	}

	sinks := []status.Sink{metrics}
	if db != nil {
		auditSink, err := status.NewAuditSink(auditlog.NewWriter(db, service))
		if err != nil {
			logger.Error("audit sink init failed", "error", err)
			os.Exit(2)
		}
		sinks = append(sinks, auditSink)
	}
	var logArchive *build.LogArchive
	if objects != nil {
		segmentSize, err := env.Int("CONVEYOR_EVENTS_SEGMENT_SIZE", 100)
		if err != nil {
			logger.Error("invalid events segment size", "error", err)
			os.Exit(2)
		}
		archiveSink, err := status.NewArchiveSink(objects, storeCfg.BucketEvents, segmentSize)
		if err != nil {
			logger.Error("event archive init failed", "error", err)
			os.Exit(2)
		}
		sinks = append(sinks, archiveSink)
		logArchive, err = build.NewLogArchive(objects, storeCfg.BucketBuildLog)
		if err != nil {
			logger.Error("build log archive init failed", "error", err)
			os.Exit(2)
		}
	}
	historySize, err := env.Int("CONVEYOR_EVENT_HISTORY", 1000)
	if err != nil {
		logger.Error("invalid event history size", "error", err)
		os.Exit(2)
	}
	reporter := status.NewReporter(status.Options{
		Redactor: redactor,
		Sinks:    sinks,
		Logger:   logger,
		History:  historySize,
	})
	defer reporter.Close()

	var (
		buildStore      repo.BuildRepository
		deploymentStore repo.DeploymentRepository
	)
	if db != nil {
		buildStore = pgrepo.NewBuildStore(db)
		deploymentStore = pgrepo.NewDeploymentStore(db)
	} else {
		buildStore = memory.NewBuildStore()
		deploymentStore = memory.NewDeploymentStore()
	}

	deployCfg, err := deploy.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid deploy config", "error", err)
		os.Exit(2)
	}
	platform, err := deploy.NewPlatform(deployCfg)
	if err != nil {
		logger.Error("platform init failed", "platform", deployCfg.Platform, "error", err)
		os.Exit(2)
	}

	builder, err := newBuilder(logger)
	if err != nil {
		logger.Error("invalid builder config", "error", err)
		os.Exit(2)
	}
	buildTimeout, err := env.Duration("CONVEYOR_BUILD_TIMEOUT", 30*time.Minute)
	if err != nil {
		logger.Error("invalid build timeout", "error", err)
		os.Exit(2)
	}

	var pipe *pipeline.Pipeline
	executor, err := deploy.NewExecutor(deploy.Options{
		Store:          deploymentStore,
		Platform:       platform,
		Targets:        catalog,
		Observer:       func(ctx context.Context, d domain.Deployment) { pipe.ObserveDeployment(ctx, d) },
		OnFailure:      func(ctx context.Context, target string, d domain.Deployment, err error) { pipe.ObserveRollbackFailure(ctx, target, d, err) },
		Logger:         logger,
		DefaultTimeout: deployCfg.DefaultTimeout,
		RollbackTime:   deployCfg.RollbackTime,
	})
	if err != nil {
		logger.Error("executor init failed", "error", err)
		os.Exit(2)
	}
	pipe, err = pipeline.New(pipeline.Options{
		Targets:             catalog,
		Secrets:             resolver,
		Builder:             builder,
		Deployer:            executor,
		Reporter:            reporter,
		Logs:                logArchive,
		Logger:              logger,
		DefaultBuildTimeout: buildTimeout,
	})
	if err != nil {
		logger.Error("pipeline init failed", "error", err)
		os.Exit(2)
	}

	sched, err := scheduler.New(scheduler.Options{
		Store:    buildStore,
		Runner:   pipe,
		Observer: pipe.ObserveBuild,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("scheduler init failed", "error", err)
		os.Exit(2)
	}
	if err := sched.Recover(ctx); err != nil {
		logger.Error("scheduler recovery failed", "error", err)
		os.Exit(1)
	}

	verifier, err := webhookVerifierFromEnv()
	if err != nil {
		logger.Error("invalid webhook config", "error", err)
		os.Exit(2)
	}
	rcv, err := receiver.New(receiver.Options{
		Verifier:  verifier,
		Targets:   catalog,
		Scheduler: sched,
		Reporter:  reporter,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("receiver init failed", "error", err)
		os.Exit(2)
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	authenticator, err := auth.New(ctx, authCfg)
	if err != nil {
		logger.Error("auth init failed", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(service))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(service, readiness...))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	api := newDeployerAPI(logger, catalog, rcv, sched, executor, pipe, reporter)
	api.register(mux)

	middleware := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     auth.MethodRoleAuthorizer(),
		SkipPrefixes:  []string{"/healthz", "/readyz", "/metrics", "/webhooks/"},
	}
	if db != nil {
		middleware.Audit = func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return auditlog.InsertAuthDeny(auditCtx, db, service, event)
		}
	}

	cfg := httpserver.Config{
		Service:         service,
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	logger.Info("deployer starting",
		"addr", addr,
		"targets", len(catalog.Names()),
		"platform", executor.PlatformKind(),
		"secrets_backend", secretStore.Kind(),
		"postgres", db != nil,
		"object_store", objects != nil,
	)
	runErr := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, service, middleware.Wrap(mux)))

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sched.Shutdown(drainCtx); err != nil {
		logger.Error("scheduler shutdown incomplete", "error", err)
	}

	if runErr != nil && !errors.Is(runErr, http.ErrServerClosed) {
		logger.Error("server failed", "error", runErr)
		reporter.Close()
		os.Exit(1)
	}
}

func newBuilder(logger *slog.Logger) (build.Builder, error) {
	switch mode := strings.ToLower(strings.TrimSpace(env.String("CONVEYOR_BUILDER", "command"))); mode {
	case "command":
		return build.NewCommandBuilder(env.String("CONVEYOR_BUILD_WORKDIR", ""), logger), nil
	case "static":
		return build.StaticBuilder{}, nil
	default:
		return nil, errors.New("CONVEYOR_BUILDER must be one of: command, static (got " + mode + ")")
	}
}

func webhookVerifierFromEnv() (webhook.Verifier, error) {
	maxSkew, err := env.Duration("CONVEYOR_CI_WEBHOOK_MAX_SKEW", webhook.DefaultMaxSkew)
	if err != nil {
		return webhook.Verifier{}, err
	}
	v := webhook.Verifier{
		GitHubSecret: strings.TrimSpace(env.String("CONVEYOR_GITHUB_WEBHOOK_SECRET", "")),
		CISecret:     strings.TrimSpace(env.String("CONVEYOR_CI_WEBHOOK_SECRET", "")),
		MaxSkew:      maxSkew,
	}
	if v.GitHubSecret == "" && v.CISecret == "" {
		return webhook.Verifier{}, errors.New("CONVEYOR_GITHUB_WEBHOOK_SECRET or CONVEYOR_CI_WEBHOOK_SECRET is required")
	}
	return v, nil
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Opetushallitus/varda-reporting/apps/cli/runtime"
	dqrepo "github.com/Opetushallitus/varda-reporting/domains/dataquality/be/repo"
	dqservice "github.com/Opetushallitus/varda-reporting/domains/dataquality/be/service"
	exrepo "github.com/Opetushallitus/varda-reporting/domains/excelreports/be/repo"
	exservice "github.com/Opetushallitus/varda-reporting/domains/excelreports/be/service"
	yrrepo "github.com/Opetushallitus/varda-reporting/domains/yearlyreport/be/repo"
	yrservice "github.com/Opetushallitus/varda-reporting/domains/yearlyreport/be/service"
	"github.com/Opetushallitus/varda-reporting/platform/go/audit"
	"github.com/Opetushallitus/varda-reporting/platform/go/authz"
	"github.com/Opetushallitus/varda-reporting/platform/go/codes"
	"github.com/Opetushallitus/varda-reporting/platform/go/metrics"
	"github.com/Opetushallitus/varda-reporting/platform/go/setups"
	"github.com/Opetushallitus/varda-reporting/platform/go/storage"
	"github.com/Opetushallitus/varda-reporting/platform/go/temporal"
	"github.com/Opetushallitus/varda-reporting/platform/go/tracing"
)

const defectPageSize = 500

// Command runs the Excel report worker until SIGINT or SIGTERM.
func Command() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Build queued Excel reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, metricsAddr)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address of the /metrics and /healthz listener; empty disables it")
	return cmd
}

func run(ctx context.Context, metricsAddr string) error {
	rt, err := runtime.Open(ctx, "report-worker")
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg, logger := rt.Config, rt.Logger

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Exporter:    cfg.TracingExporter,
		ServiceName: "varda-reporting-worker",
		Environment: string(cfg.EnvLabel),
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		_ = shutdownTracing(context.Background())
	}()

	rdb, err := setups.Redis(cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	objectStore, closeStore, err := setups.ObjectStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init object store: %w", err)
	}
	defer closeStore() // nolint:errcheck

	cipher, err := setups.Cipher(cfg)
	if err != nil {
		return err
	}
	hasher, err := setups.Hasher(cfg)
	if err != nil {
		return err
	}
	catalog, err := codes.LoadCatalog()
	if err != nil {
		return fmt.Errorf("load translations: %w", err)
	}

	locker, err := newLocker(rt, rdb)
	if err != nil {
		return err
	}

	db := rt.DB
	az := setups.Authorizer(cfg, db, rdb, m, logger)
	codeNames := setups.Codes(db)

	builder := exservice.NewBuilder(exservice.BuilderConfig{
		Sources: exrepo.NewPostgresSources(db, temporal.NewChecker(logger)),
		Authz:   az,
		Defects: dqservice.New(dqservice.Config{
			Repo:       dqrepo.NewPostgresRepository(db.Querier()),
			Authz:      az,
			Translator: catalog,
			Hasher:     hasher,
			FeeLimit:   cfg.FeeOverlapLimit,
			Metrics:    m,
			Logger:     logger,
		}),
		Yearly: yrservice.New(yrservice.Config{
			Repo:   yrrepo.NewPostgresRepository(db.Querier()),
			Authz:  az,
			Codes:  codeNames,
			Logger: logger,
		}),
		Codes:      codeNames,
		Translator: catalog,
		Cipher:     cipher,
		DefectPage: defectPageSize,
		Logger:     logger,
	})

	listener := exrepo.NewListener(rt.Pool, logger)
	worker := exservice.NewWorker(exservice.WorkerConfig{
		Jobs:      exrepo.NewPostgresJobStore(db.Querier()),
		Locker:    locker,
		Builder:   builder,
		Encrypter: setups.Encrypter(cfg, logger),
		Uploader: storage.Uploader{
			Store:    objectStore,
			Attempts: cfg.UploadAttempts,
			Metrics:  m,
			Logger:   logger,
		},
		Cipher:       cipher,
		Audit:        audit.Logger{},
		AuditDB:      db.Querier(),
		Translator:   catalog,
		TempDir:      cfg.TempDir,
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		MaxDuration:  cfg.JobMaxDuration,
		Wake:         listener.Wake(),
		Metrics:      m,
		Logger:       logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listener.Run(gctx) })
	g.Go(func() error { return authz.NewListener(rt.Pool, az, logger).Run(gctx) })
	g.Go(func() error { return worker.Run(gctx) })

	if metricsAddr != "" {
		router := chi.NewRouter()
		router.Get("/healthz", setups.Readiness(db, rdb, logger))
		router.Handle("/metrics", metrics.Handler(registry))
		server := &http.Server{Addr: metricsAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	logger.Info("report worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.String("lock_backend", cfg.JobLockBackend),
		zap.String("bucket", cfg.BucketName()),
	)
	if err := g.Wait(); err != nil {
		logger.Error("report worker stopped", zap.Error(err))
		return err
	}
	logger.Info("report worker stopped")
	return nil
}

func newLocker(rt *runtime.Runtime, rdb redis.UniversalClient) (exrepo.Locker, error) {
	switch rt.Config.JobLockBackend {
	case "redis":
		if rdb == nil {
			return nil, errors.New("JOB_LOCK_BACKEND=redis needs REDIS_URL")
		}
		return exrepo.NewRedisLocker(rdb, setups.LockNamespace(), rt.Config.JobMaxDuration), nil
	case "postgres":
		return exrepo.NewPostgresLocker(rt.Pool), nil
	}
	return nil, fmt.Errorf("unknown job lock backend %q", rt.Config.JobLockBackend)
}

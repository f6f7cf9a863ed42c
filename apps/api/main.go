package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	cfhandler "github.com/Opetushallitus/varda-reporting/domains/changefeed/be/handler"
	cfrepo "github.com/Opetushallitus/varda-reporting/domains/changefeed/be/repo"
	cfservice "github.com/Opetushallitus/varda-reporting/domains/changefeed/be/service"
	dqhandler "github.com/Opetushallitus/varda-reporting/domains/dataquality/be/handler"
	dqrepo "github.com/Opetushallitus/varda-reporting/domains/dataquality/be/repo"
	dqservice "github.com/Opetushallitus/varda-reporting/domains/dataquality/be/service"
	exhandler "github.com/Opetushallitus/varda-reporting/domains/excelreports/be/handler"
	exrepo "github.com/Opetushallitus/varda-reporting/domains/excelreports/be/repo"
	exservice "github.com/Opetushallitus/varda-reporting/domains/excelreports/be/service"
	rthandler "github.com/Opetushallitus/varda-reporting/domains/telemetry/be/handler"
	rtrepo "github.com/Opetushallitus/varda-reporting/domains/telemetry/be/repo"
	rtservice "github.com/Opetushallitus/varda-reporting/domains/telemetry/be/service"
	yrhandler "github.com/Opetushallitus/varda-reporting/domains/yearlyreport/be/handler"
	yrrepo "github.com/Opetushallitus/varda-reporting/domains/yearlyreport/be/repo"
	yrservice "github.com/Opetushallitus/varda-reporting/domains/yearlyreport/be/service"
	"github.com/Opetushallitus/varda-reporting/platform/go/authz"
	"github.com/Opetushallitus/varda-reporting/platform/go/codes"
	"github.com/Opetushallitus/varda-reporting/platform/go/config"
	platformlogging "github.com/Opetushallitus/varda-reporting/platform/go/logging"
	"github.com/Opetushallitus/varda-reporting/platform/go/metrics"
	platformmiddleware "github.com/Opetushallitus/varda-reporting/platform/go/middleware"
	"github.com/Opetushallitus/varda-reporting/platform/go/pagination"
	"github.com/Opetushallitus/varda-reporting/platform/go/persistence"
	"github.com/Opetushallitus/varda-reporting/platform/go/setups"
	"github.com/Opetushallitus/varda-reporting/platform/go/tracing"
)

const basePath = "/reporting"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "api-server",
		Level:     cfg.LogLevel,
		EnvLabel:  string(cfg.EnvLabel),
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Exporter:    cfg.TracingExporter,
		ServiceName: "varda-reporting-api",
		Environment: string(cfg.EnvLabel),
	})
	if err != nil {
		logger.Fatal("init tracing", zap.Error(err))
	}
	defer func() {
		_ = shutdownTracing(context.Background())
	}()

	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{
		ConnString:       cfg.DatabaseURL,
		SearchPath:       cfg.DatabaseSchema,
		ApplicationName:  "varda-reporting-api",
		MaxConns:         cfg.DBMaxConns,
		StatementTimeout: cfg.DBStatementTimeout,
	})
	if err != nil {
		logger.Fatal("init postgres pool", zap.Error(err))
	}
	defer persistence.ClosePool(pool)
	db := persistence.NewDB(persistence.DBConfig{Pool: pool, SnapshotWorkMem: cfg.SnapshotWorkMem})

	rdb, err := setups.Redis(cfg)
	if err != nil {
		logger.Fatal("init redis", zap.Error(err))
	}
	if rdb != nil {
		defer rdb.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	objectStore, closeStore, err := setups.ObjectStore(ctx, cfg)
	if err != nil {
		logger.Fatal("init object store", zap.Error(err))
	}
	defer closeStore() // nolint:errcheck

	cipher, err := setups.Cipher(cfg)
	if err != nil {
		logger.Fatal("init national id cipher", zap.Error(err))
	}
	hasher, err := setups.Hasher(cfg)
	if err != nil {
		logger.Fatal("init national id hasher", zap.Error(err))
	}
	catalog, err := codes.LoadCatalog()
	if err != nil {
		logger.Fatal("load translations", zap.Error(err))
	}

	az := setups.Authorizer(cfg, db, rdb, m, logger)
	codeNames := setups.Codes(db)
	pages := pagination.Limits{Default: cfg.PageSizeDefault, Max: cfg.PageSizeMax}

	yearlyService := yrservice.New(yrservice.Config{
		Repo:   yrrepo.NewPostgresRepository(db.Querier()),
		Authz:  az,
		Codes:  codeNames,
		Logger: logger,
	})
	defectService := dqservice.New(dqservice.Config{
		Repo:       dqrepo.NewPostgresRepository(db.Querier()),
		Authz:      az,
		Translator: catalog,
		Hasher:     hasher,
		FeeLimit:   cfg.FeeOverlapLimit,
		Metrics:    m,
		Logger:     logger,
	})
	genesis, genesisEnd := cfg.GenesisDates()
	feedService := cfservice.New(cfservice.Config{
		Repo:    cfrepo.NewPostgresRepository(db),
		Authz:   az,
		Gating:  cfrepo.Gating{Genesis: genesis, GenesisEnd: genesisEnd},
		Cipher:  cipher,
		Metrics: m,
		Logger:  logger,
	})
	jobService := exservice.NewJobService(exservice.Config{
		Jobs:    exrepo.NewPostgresJobStore(db.Querier()),
		Sources: exrepo.NewPostgresSources(db, nil),
		Authz:   az,
		Cipher:  cipher,
		Store:   objectStore,
		Logger:  logger,
	})
	telemetryStore := rtrepo.NewPostgresStore(db)
	telemetryService := rtservice.New(rtservice.Config{Store: telemetryStore, Authz: az, Logger: logger})
	sink := rtservice.NewSink(rtservice.SinkConfig{
		Store:   telemetryStore,
		Buffer:  cfg.TelemetryBuffer,
		Metrics: m,
		Logger:  logger,
	})

	rootRouter := chi.NewRouter()
	rootRouter.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		chimw.Timeout(cfg.RequestTimeout),
		platformmiddleware.CORS(cfg.CORSOrigins),
	)
	rootRouter.Use(platformlogging.RequestLogger(logger, "/healthz", "/readyz", "/metrics"))

	rootRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rootRouter.Get("/readyz", setups.Readiness(db, rdb, logger))
	rootRouter.Handle("/metrics", metrics.Handler(registry))

	apiRouter := chi.NewRouter()
	apiRouter.Use(
		tracing.Middleware,
		platformmiddleware.Instrument(m),
		buildAuthMiddleware(ctx, cfg, logger),
		platformmiddleware.RequestTrace,
		platformmiddleware.Telemetry(sink),
	)
	yrhandler.New(yearlyService, logger).Register(apiRouter)
	dqhandler.New(defectService, logger, pages).Register(apiRouter)
	cfhandler.New(feedService, logger, pages).Register(apiRouter)
	exhandler.New(jobService, logger, pages, cfg.IsLocal()).Register(apiRouter)
	rthandler.New(telemetryService, logger, pages).Register(apiRouter)

	rootRouter.Mount(basePath, apiRouter)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      rootRouter,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 30*time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sink.Run(gctx) })
	g.Go(func() error { return authz.NewListener(pool, az, logger).Run(gctx) })
	g.Go(func() error {
		logger.Info("starting api server", zap.String("port", cfg.Port), zap.String("env", string(cfg.EnvLabel)))
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

	if err := g.Wait(); err != nil {
		logger.Error("api server stopped", zap.Error(err))
	}
}

// Package runtime opens the config, logger and database shared by the CLI commands.
package runtime

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Opetushallitus/varda-reporting/platform/go/config"
	platformlogging "github.com/Opetushallitus/varda-reporting/platform/go/logging"
	"github.com/Opetushallitus/varda-reporting/platform/go/persistence"
)

type Runtime struct {
	Config config.Config
	Logger *zap.Logger
	Pool   *pgxpool.Pool
	DB     *persistence.DB
}

// Open loads the environment config and connects to postgres. Close must be called.
func Open(ctx context.Context, component string) (*Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: component,
		Level:     cfg.LogLevel,
		EnvLabel:  string(cfg.EnvLabel),
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{
		ConnString:       cfg.DatabaseURL,
		SearchPath:       cfg.DatabaseSchema,
		ApplicationName:  "varda-reporting-" + component,
		MaxConns:         cfg.DBMaxConns,
		StatementTimeout: cfg.DBStatementTimeout,
	})
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("init postgres pool: %w", err)
	}
	return &Runtime{
		Config: cfg,
		Logger: logger,
		Pool:   pool,
		DB:     persistence.NewDB(persistence.DBConfig{Pool: pool, SnapshotWorkMem: cfg.SnapshotWorkMem}),
	}, nil
}

func (r *Runtime) Close() {
	persistence.ClosePool(r.Pool)
	_ = r.Logger.Sync()
}

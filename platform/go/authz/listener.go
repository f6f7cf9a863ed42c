package authz

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Opetushallitus/varda-reporting/platform/go/persistence"
)

// Channel carries the id of a principal whose roles or grants changed. An empty payload or
// "*" means every principal.
const Channel = "authz_changed"

// Notify publishes a permission change for principalID.
func Notify(ctx context.Context, q persistence.Querier, principalID string) error {
	_, err := q.Exec(ctx, `SELECT pg_notify($1, $2)`, Channel, principalID)
	return err
}

// Listener drops cached permission sets when the registry announces a change.
type Listener struct {
	pool    *pgxpool.Pool
	authz   *Authorizer
	logger  *zap.Logger
	backoff time.Duration
}

func NewListener(pool *pgxpool.Pool, authz *Authorizer, logger *zap.Logger) *Listener {
	if pool == nil || authz == nil {
		panic("authz listener requires pool and authorizer")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{pool: pool, authz: authz, logger: logger, backoff: time.Second}
}

// Run blocks until ctx is done, reconnecting after connection failures.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("authz listener disconnected", zap.Error(err), zap.Duration("retry_in", l.backoff))

		// Anything may have changed while disconnected.
		if err := l.authz.Invalidate(ctx, ""); err != nil {
			l.logger.Warn("authz cache flush failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.backoff):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return err
	}
	l.logger.Info("authz listener started", zap.String("channel", Channel))

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if n == nil {
			return errors.New("empty notification")
		}
		if err := l.authz.Invalidate(ctx, n.Payload); err != nil {
			l.logger.Warn("authz invalidation failed", zap.String("principal_id", n.Payload), zap.Error(err))
			continue
		}
		l.logger.Debug("authz cache invalidated", zap.String("principal_id", n.Payload))
	}
}

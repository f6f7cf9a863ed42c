package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Listener turns NOTIFY export_jobs into wake-ups. Notifications only hint that work exists;
// workers still poll, so a lost wake-up delays a job by at most one poll interval.
type Listener struct {
	pool    *pgxpool.Pool
	logger  *zap.Logger
	backoff time.Duration
	wake    chan struct{}
}

func NewListener(pool *pgxpool.Pool, logger *zap.Logger) *Listener {
	if pool == nil {
		panic("job listener requires pool")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{pool: pool, logger: logger, backoff: time.Second, wake: make(chan struct{}, 1)}
}

// Wake fires at least once after each burst of notifications.
func (l *Listener) Wake() <-chan struct{} {
	return l.wake
}

// Run blocks until ctx is done, reconnecting after connection failures.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("job listener disconnected", zap.Error(err), zap.Duration("retry_in", l.backoff))
		l.signal()

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

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return err
	}
	l.logger.Info("job listener started", zap.String("channel", NotifyChannel))

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if n == nil {
			return errors.New("empty notification")
		}
		l.signal()
	}
}

func (l *Listener) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

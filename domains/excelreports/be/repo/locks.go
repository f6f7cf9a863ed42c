package repo

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Release gives a held lock back. It must be called exactly once.
type Release func(ctx context.Context) error

// Locker grants at most one holder per key at a time.
type Locker interface {
	// TryLock returns ok=false without blocking when the key is held elsewhere.
	TryLock(ctx context.Context, key string) (Release, bool, error)
}

// JobLockKey names the lock serializing executions of one job.
func JobLockKey(jobID int64) string {
	return fmt.Sprintf("export_job:%d", jobID)
}

// AdvisoryKey maps a lock name onto the bigint key space of Postgres advisory locks.
func AdvisoryKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// PostgresLocker holds session advisory locks. The connection stays checked out of the pool
// until the lock is released, since closing it is what drops the lock on a crash.
type PostgresLocker struct {
	pool *pgxpool.Pool
}

func NewPostgresLocker(pool *pgxpool.Pool) *PostgresLocker {
	if pool == nil {
		panic("postgres locker requires pool")
	}
	return &PostgresLocker{pool: pool}
}

func (l *PostgresLocker) TryLock(ctx context.Context, key string) (Release, bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock connection: %w", err)
	}

	id := AdvisoryKey(key)
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1::bigint)`, id).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock %s: %w", key, err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	return func(ctx context.Context) error {
		defer conn.Release()
		var released bool
		if err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1::bigint)`, id).Scan(&released); err != nil {
			return fmt.Errorf("advisory unlock %s: %w", key, err)
		}
		if !released {
			return fmt.Errorf("advisory lock %s was not held", key)
		}
		return nil
	}, true, nil
}

var _ Locker = (*PostgresLocker)(nil)

// unlockScript deletes the key only while it still carries the holder's token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker holds locks as SET NX PX keys. TTL bounds how long a crashed holder blocks the key.
type RedisLocker struct {
	client    redis.UniversalClient
	namespace string
	ttl       time.Duration
}

func NewRedisLocker(client redis.UniversalClient, namespace string, ttl time.Duration) *RedisLocker {
	if client == nil {
		panic("redis locker requires client")
	}
	if ttl <= 0 {
		panic("redis locker requires positive ttl")
	}
	return &RedisLocker{client: client, namespace: namespace, ttl: ttl}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (Release, bool, error) {
	token, err := lockToken()
	if err != nil {
		return nil, false, err
	}
	full := l.namespace + ":lock:" + key
	ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func(ctx context.Context) error {
		n, err := unlockScript.Run(ctx, l.client, []string{full}, token).Int()
		if err != nil {
			return fmt.Errorf("redis unlock %s: %w", key, err)
		}
		if n == 0 {
			return fmt.Errorf("redis lock %s expired before release", key)
		}
		return nil
	}, true, nil
}

var _ Locker = (*RedisLocker)(nil)

func lockToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

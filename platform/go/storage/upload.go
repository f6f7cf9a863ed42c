package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/Opetushallitus/varda-reporting/platform/go/metrics"
)

// Uploader puts a file into a Store, retrying transient failures. Duplicate uploads are
// harmless because report filenames are unique.
type Uploader struct {
	Store    Store
	Attempts int
	Backoff  time.Duration
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Upload calls open once per attempt so every attempt streams the file from the start.
func (u Uploader) Upload(ctx context.Context, path string, open func() (io.ReadCloser, error)) error {
	attempts := u.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := u.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	logger := u.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = u.put(ctx, path, open)
		u.Metrics.UploadAttempt(lastErr == nil)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger.Warn("report upload failed",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(lastErr),
		)
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return fmt.Errorf("upload %s after %d attempts: %w", path, attempts, lastErr)
}

func (u Uploader) put(ctx context.Context, path string, open func() (io.ReadCloser, error)) error {
	r, err := open()
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer r.Close() // nolint:errcheck
	return u.Store.Put(ctx, path, r)
}

// Package encryption calls the document encryption service that password-protects spreadsheets.
package encryption

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ErrRejected is returned when the service answers with a non-success status.
var ErrRejected = errors.New("encryption service rejected the document")

// Encrypter replaces a file's contents with the password-protected version of it.
type Encrypter interface {
	EncryptFile(ctx context.Context, f *os.File, password string) error
}

// Client posts the document as multipart/form-data with a password field and expects the
// encrypted bytes back in the response body.
type Client struct {
	http    *resty.Client
	logger  *zap.Logger
	retries int
	wait    time.Duration
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	Retries int
	Logger  *zap.Logger
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		panic("encryption client requires base url")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/octet-stream")

	return &Client{http: rc, logger: logger, retries: cfg.Retries, wait: time.Second}
}

// EncryptFile streams f to the service and rewrites f in place with the response: seek to the
// start, copy the encrypted bytes, truncate whatever is left of the plain document.
// Transport errors and 5xx answers are retried; each attempt re-sends the whole document.
func (c *Client) EncryptFile(ctx context.Context, f *os.File, password string) error {
	var err error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.wait * time.Duration(attempt)):
			}
		}
		var retry bool
		retry, err = c.encrypt(ctx, f, password)
		if err == nil || !retry {
			return err
		}
		c.logger.Warn("encryption attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return err
}

func (c *Client) encrypt(ctx context.Context, f *os.File, password string) (bool, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("rewind document: %w", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader("file", filepath.Base(f.Name()), f).
		SetFormData(map[string]string{"password": password}).
		SetDoNotParseResponse(true).
		Post("/")
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("post document: %w", err)
	}
	body := resp.RawBody()
	defer body.Close() // nolint:errcheck

	if resp.StatusCode() != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(body, 512))
		c.logger.Warn("encryption service returned an error",
			zap.Int("status_code", resp.StatusCode()),
			zap.String("body", string(snippet)),
		)
		return resp.StatusCode() >= http.StatusInternalServerError, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode())
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("rewind document: %w", err)
	}
	n, err := io.Copy(f, body)
	if err != nil {
		return false, fmt.Errorf("write encrypted document: %w", err)
	}
	if n == 0 {
		return false, fmt.Errorf("%w: empty response", ErrRejected)
	}
	if err := f.Truncate(n); err != nil {
		return false, fmt.Errorf("truncate document: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("rewind document: %w", err)
	}
	return false, nil
}

var _ Encrypter = (*Client)(nil)

// Noop leaves files unencrypted. It is only wired when no encryption service is configured
// in a local environment.
type Noop struct{}

func (Noop) EncryptFile(context.Context, *os.File, string) error { return nil }

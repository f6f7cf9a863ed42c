// Package setups builds the process-wide dependencies shared by the api server and the CLI
// from a validated config.Config.
package setups

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Opetushallitus/varda-reporting/platform/go/auth"
	"github.com/Opetushallitus/varda-reporting/platform/go/authz"
	"github.com/Opetushallitus/varda-reporting/platform/go/codes"
	"github.com/Opetushallitus/varda-reporting/platform/go/config"
	"github.com/Opetushallitus/varda-reporting/platform/go/encryption"
	"github.com/Opetushallitus/varda-reporting/platform/go/gcp"
	"github.com/Opetushallitus/varda-reporting/platform/go/metrics"
	"github.com/Opetushallitus/varda-reporting/platform/go/nationalid"
	"github.com/Opetushallitus/varda-reporting/platform/go/persistence"
	"github.com/Opetushallitus/varda-reporting/platform/go/storage"
)

const (
	authzNamespace = "varda:authz"
	lockNamespace  = "varda:export-job"
	codeCacheTTL   = 10 * time.Minute
)

// Redis returns a client for REDIS_URL, or a nil interface when it is not configured.
func Redis(cfg config.Config) (redis.UniversalClient, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// LockNamespace prefixes redis job lock keys.
func LockNamespace() string {
	return lockNamespace
}

// Authorizer uses the redis cache when a client is given and the in-process cache otherwise.
func Authorizer(cfg config.Config, db *persistence.DB, rdb redis.UniversalClient, m *metrics.Metrics, logger *zap.Logger) *authz.Authorizer {
	var cache authz.Cache = authz.NewMemoryCache()
	if rdb != nil {
		cache = authz.NewRedisCache(rdb, authzNamespace)
	}
	return authz.New(authz.Config{
		Store:   authz.NewPostgresStore(db.Querier()),
		Cache:   cache,
		TTL:     cfg.AuthzCacheTTL,
		RootOID: cfg.RootOrganizationOID,
		Metrics: m,
		Logger:  logger,
	})
}

// Codes returns the cached koodisto names.
func Codes(db *persistence.DB) *codes.Cache {
	return codes.NewCache(codes.NewPostgresSource(db.Querier()), codeCacheTTL)
}

// ObjectStore is the report bucket of the environment, checked for access before it is
// returned. The close func releases the GCS client.
func ObjectStore(ctx context.Context, cfg config.Config) (storage.Store, func() error, error) {
	switch cfg.StorageBackend {
	case "local":
		store := storage.NewLocalStore(cfg.StorageLocalDir, cfg.BucketName())
		if err := store.Ready(ctx); err != nil {
			return nil, nil, err
		}
		return store, func() error { return nil }, nil
	case "gcs":
		client, err := storage.NewGCSClient(ctx, cfg.StorageEndpoint)
		if err != nil {
			return nil, nil, err
		}
		store := storage.NewGCSStore(client, cfg.BucketName())
		if err := store.Ready(ctx); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("bucket %s: %w", cfg.BucketName(), err)
		}
		return store, client.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
}

// Encrypter calls the encryption service, or does nothing locally when none is configured.
func Encrypter(cfg config.Config, logger *zap.Logger) encryption.Encrypter {
	if cfg.EncryptionURL == "" {
		logger.Warn("ENCRYPTION_URL not set; spreadsheets are stored unencrypted")
		return encryption.Noop{}
	}
	return encryption.NewClient(encryption.Config{
		BaseURL: cfg.EncryptionURL,
		Timeout: cfg.EncryptionTimeout,
		Retries: cfg.EncryptionRetries,
		Logger:  logger,
	})
}

// Cipher decrypts stored national ids and report passwords.
func Cipher(cfg config.Config) (*nationalid.Cipher, error) {
	if cfg.NationalIDKey == "" {
		return nil, errors.New("NATIONAL_ID_KEY is required")
	}
	return nationalid.NewCipher(cfg.NationalIDKey)
}

// Hasher is nil without NATIONAL_ID_HASH_SECRET; searches then match names only.
func Hasher(cfg config.Config) (*nationalid.Hasher, error) {
	if cfg.NationalIDHashSecret == "" {
		return nil, nil
	}
	return nationalid.NewHasher(cfg.NationalIDHashSecret)
}

// TokenVerifier selects the bearer token check for AUTH_PROVIDER.
func TokenVerifier(ctx context.Context, cfg config.Config, logger *zap.Logger) (auth.VerifyFunc, error) {
	switch cfg.AuthProvider {
	case "firebase":
		client, err := gcp.NewAuthClient(ctx, cfg.FirebaseCredentials)
		if err != nil {
			return nil, err
		}
		return auth.FirebaseTokenVerifier(client), nil
	case "hmac":
		return auth.HMACTokenVerifier([]byte(cfg.AuthHMACSecret), cfg.AuthHMACIssuer), nil
	case "dev":
		if !cfg.IsLocal() {
			return nil, errors.New("AUTH_PROVIDER=dev is only allowed with ENV_LABEL=local")
		}
		logger.Warn("accepting unsigned bearer tokens")
		return auth.UnsignedTokenVerifier(), nil
	}
	return nil, fmt.Errorf("unsupported auth provider %q", cfg.AuthProvider)
}

// Readiness pings postgres and, when configured, redis.
func Readiness(db *persistence.DB, rdb redis.UniversalClient, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			logger.Warn("readiness: postgres", zap.Error(err))
			http.Error(w, "postgres unavailable", http.StatusServiceUnavailable)
			return
		}
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				logger.Warn("readiness: redis", zap.Error(err))
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}

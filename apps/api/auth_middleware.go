package main

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	platformauth "github.com/Opetushallitus/varda-reporting/platform/go/auth"
	"github.com/Opetushallitus/varda-reporting/platform/go/config"
	"github.com/Opetushallitus/varda-reporting/platform/go/setups"
)

// buildAuthMiddleware verifies the bearer token with the configured provider and rejects
// requests without credentials.
func buildAuthMiddleware(ctx context.Context, cfg config.Config, logger *zap.Logger) func(http.Handler) http.Handler {
	verify, err := setups.TokenVerifier(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init token verifier", zap.String("provider", cfg.AuthProvider), zap.Error(err))
	}
	jwt := platformauth.JWT(verify, platformauth.DefaultCredentialExtractor)
	return func(next http.Handler) http.Handler {
		return jwt(platformauth.RequireAuthenticated(next))
	}
}

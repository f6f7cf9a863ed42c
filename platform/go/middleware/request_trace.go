package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	platformauth "github.com/Opetushallitus/varda-reporting/platform/go/auth"
	"github.com/Opetushallitus/varda-reporting/platform/go/codes"
	platformlogging "github.com/Opetushallitus/varda-reporting/platform/go/logging"
	"github.com/Opetushallitus/varda-reporting/platform/go/requesttrace"
)

// HeaderSourceSystem carries the calling source system (lahdejarjestelma) code.
const HeaderSourceSystem = "X-Lahdejarjestelma"

// providerParams are the query parameters that name the provider a request is scoped to.
var providerParams = []string{"organisaatio_oid", "vakajarjestaja_oid"}

// RequestTrace populates the context with request-scoped AuditInfo so handlers and telemetry
// know who asked, for which provider, from which source system and in which language.
// It runs after authentication so credentials are available when present.
func RequestTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := platformlogging.FromRequest(r, nil)
		requestID := middleware.GetReqID(r.Context())

		var audit requesttrace.AuditInfo
		if creds, ok := platformauth.CredentialsFromContext(r.Context()); ok && creds != nil {
			var err error
			audit, err = requesttrace.FromCredentials(creds, requestID)
			if err != nil {
				if logger != nil {
					logger.Error("build audit info from credentials", zap.Error(err))
				}
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		} else {
			audit = requesttrace.Anonymous(requestID)
		}

		query := r.URL.Query()
		for _, p := range providerParams {
			if v := strings.TrimSpace(query.Get(p)); v != "" {
				audit.ProviderOID = v
				break
			}
		}
		audit.SourceSystem = strings.TrimSpace(r.Header.Get(HeaderSourceSystem))
		audit.Language = string(codes.Negotiate(r.Header.Get("Accept-Language")))

		ctx := requesttrace.IntoContext(r.Context(), audit)
		if logger != nil {
			ctx = platformlogging.WithLogger(ctx, logger.With(audit.LogFields()...))
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

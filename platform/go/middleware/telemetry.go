package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Opetushallitus/varda-reporting/platform/go/requesttrace"
)

// RequestRecord is what request telemetry stores about one completed request.
type RequestRecord struct {
	Method       string
	URL          string
	URLTemplate  string
	ResponseCode int
	PrincipalID  string
	ProviderOID  string
	SourceSystem string
	// ServiceAccount marks machine principals of integrating systems.
	ServiceAccount bool
	TargetKind     string
	TargetID       string
	At             time.Time
}

// Successful reports whether the response code is 2xx.
func (r RequestRecord) Successful() bool {
	return r.ResponseCode >= 200 && r.ResponseCode < 300
}

// RecordSink receives completed request records. Record must not block the request.
type RecordSink interface {
	Record(rec RequestRecord)
}

// Telemetry hands a RequestRecord to sink after every non-trivial request: authenticated,
// not a preflight, and not one of the skipped paths (health and metrics endpoints).
// It must run after RequestTrace.
func Telemetry(sink RecordSink, skipPaths ...string) func(http.Handler) http.Handler {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok || r.Method == http.MethodOptions || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			audit, ok := requesttrace.FromContext(r.Context())
			if !ok || !audit.Authenticated() {
				next.ServeHTTP(w, r)
				return
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			sink.Record(RequestRecord{
				Method:         r.Method,
				URL:            r.URL.RequestURI(),
				URLTemplate:    routePattern(r),
				ResponseCode:   statusOf(ww),
				PrincipalID:    audit.PrincipalID,
				ProviderOID:    audit.ProviderOID,
				SourceSystem:   audit.SourceSystem,
				ServiceAccount: audit.ServiceAccount,
				TargetKind:     targetKind(r),
				TargetID:       targetID(r),
				At:             time.Now().UTC(),
			})
		})
	}
}

// targetKind is the resource segment after /reporting/, e.g. excel-reports.
func targetKind(r *http.Request) string {
	if targetID(r) == "" {
		return ""
	}
	rest := strings.TrimPrefix(routePattern(r), "/reporting/")
	if i := strings.Index(rest, "/"); i > 0 {
		return rest[:i]
	}
	return ""
}

func targetID(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.URLParam("id")
	}
	return ""
}

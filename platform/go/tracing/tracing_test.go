package tracing

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetupRejectsUnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), Config{Exporter: "zipkin"})
	require.ErrorContains(t, err, "zipkin")
}

func TestSetupStdoutWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup(context.Background(), Config{Exporter: ExporterStdout, ServiceName: "test", Writer: &buf})
	require.NoError(t, err)

	_, span := Start(context.Background(), "unit")
	End(span, errors.New("boom"))
	require.NoError(t, shutdown(context.Background()))

	require.Contains(t, buf.String(), `"Name":"unit"`)
	require.Contains(t, buf.String(), "boom")
}

func TestMiddlewareNamesSpanAfterRoute(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/reporting/excel-reports/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reporting/excel-reports/42", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "GET /reporting/excel-reports/{id}", spans[0].Name())
}

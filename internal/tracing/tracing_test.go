package tracing

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"slackbridge/internal/config"
)

func TestSetup_DisabledWithoutEndpoint(t *testing.T) {
	before := otel.GetTracerProvider()

	shutdown, err := Setup(context.Background(), config.TracingConfig{}, "test", slog.Default())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.Equal(t, before, otel.GetTracerProvider())
}

func TestSetup_ExportsSpans(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/traces" {
			hits.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	before := otel.GetTracerProvider()
	defer otel.SetTracerProvider(before)

	shutdown, err := Setup(context.Background(), config.TracingConfig{
		Endpoint:    srv.URL,
		ServiceName: "slackbridge-test",
	}, "test", slog.Default())
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "unit")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Equal(t, int32(1), hits.Load())
}

func TestExporterOptions(t *testing.T) {
	assert.Len(t, exporterOptions(config.TracingConfig{Endpoint: "collector:4318"}), 1)
	assert.Len(t, exporterOptions(config.TracingConfig{Endpoint: "collector:4318", Insecure: true}), 2)
	assert.Len(t, exporterOptions(config.TracingConfig{Endpoint: "http://collector:4318"}), 1)
}

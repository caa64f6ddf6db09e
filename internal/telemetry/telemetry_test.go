package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "rollcall-test", "")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestExporterOptions(t *testing.T) {
	opts, err := exporterOptions("collector:4318")
	require.NoError(t, err)
	assert.Len(t, opts, 2)

	opts, err = exporterOptions("https://otel.example.com/v1/traces")
	require.NoError(t, err)
	assert.Len(t, opts, 2)

	opts, err = exporterOptions("http://collector:4318")
	require.NoError(t, err)
	assert.Len(t, opts, 2)

	_, err = exporterOptions("grpc://collector:4317")
	assert.Error(t, err)
}

func TestHandlerPassesThrough(t *testing.T) {
	h := Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), "test")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
}

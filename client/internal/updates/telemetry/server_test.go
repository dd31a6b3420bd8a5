package telemetry_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/ota/client/internal/updates/telemetry"
	"github.com/netbirdio/ota/shared/metrics"
)

func TestMetrics_ExposesLoaderInstruments(t *testing.T) {
	m, err := metrics.NewServer("127.0.0.1:0", "")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
	})

	loaderMetrics, err := telemetry.NewLoaderMetrics(m.Meter)
	require.NoError(t, err)
	loaderMetrics.CountRun(context.Background(), "check", "noUpdate", 20*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, m.Endpoint, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ota_loader_runs")
}

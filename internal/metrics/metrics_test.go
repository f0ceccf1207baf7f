package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caesar-terminal/depth/internal/reconcile"
)

func TestReconcileObserver(t *testing.T) {
	obs := ForBook("binance", "TESTUSDT")

	obs.Gap(11, 12)
	obs.SnapshotFetched(nil)
	obs.SnapshotFetched(errors.New("timeout"))
	obs.StateChanged(reconcile.Synced)

	assert.Equal(t, 1.0, testutil.ToFloat64(Gaps.WithLabelValues("binance", "TESTUSDT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(SnapshotFetches.WithLabelValues("binance", "TESTUSDT", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(SnapshotFetches.WithLabelValues("binance", "TESTUSDT", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(Synced.WithLabelValues("binance", "TESTUSDT")))

	obs.StateChanged(reconcile.Unsynced)
	assert.Equal(t, 0.0, testutil.ToFloat64(Synced.WithLabelValues("binance", "TESTUSDT")))
}

func TestHandler_ServesRegistry(t *testing.T) {
	reg := NewRegistry()
	DecodeErrors.WithLabelValues("kalshi").Inc()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `depth_decode_errors_total{exchange="kalshi"}`))
}

package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewSyncMetrics_NilProvider(t *testing.T) {
	t.Parallel()

	m, err := NewSyncMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	// nil metrics must be usable
	m.RecordRetry(context.Background(), "p", "s", "transient")
	m.RecordSection(context.Background(), "p", "s", 1, 1, 0, 0)
	m.RecordPass(context.Background(), "p", time.Second, true)
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		if scope.Scope.Name != SyncMetricsMeterName {
			continue
		}
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestSyncMetrics_Records(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	m, err := NewSyncMetrics(mp)
	require.NoError(t, err)
	require.NotNil(t, m)

	ctx := context.Background()
	m.RecordSection(ctx, "sepolia", "agents", 10, 9, 1, 0)
	m.RecordRetry(ctx, "sepolia", "agents", "transient")
	m.RecordRetry(ctx, "sepolia", "agents", "transient")
	m.RecordPass(ctx, "sepolia", 2*time.Second, true)

	got := collect(t, reader)

	records, ok := got["indexsync_records_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range records.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(20), total)
	assert.Len(t, records.DataPoints, 3, "zero counts are not recorded")

	retries, ok := got["indexsync_upstream_retries_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, retries.DataPoints, 1)
	assert.Equal(t, int64(2), retries.DataPoints[0].Value)

	hist, ok := got["indexsync_pass_duration_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

func TestRouter_MetricsAndHealth(t *testing.T) {
	t.Parallel()

	p, err := NewPrometheusProvider()
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	m, err := NewSyncMetrics(p.MeterProvider())
	require.NoError(t, err)
	m.RecordPass(context.Background(), "mainnet", time.Second, true)

	h := NewHealth()
	srv := httptest.NewServer(NewRouter(p, h))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "indexsync_passes")

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	h.Observe("relational", "mainnet", errors.New("boom"))
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "boom")
}

package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/chaz8081/scalelink/internal/logger"
	"github.com/chaz8081/scalelink/internal/store"
)

func newPerfMonitor(t *testing.T, ns store.Namespace) (*PerformanceMonitor, *sdkmetric.ManualReader, *clock) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewPerformanceMonitor(ns, provider.Meter("test"), logger.NewTestLogger())
	require.NoError(t, err)

	c := newClock()
	m.now = c.now
	m.startedAt = c.now()

	return m, reader, c
}

func counterSum(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}

			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)

			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}

			return total
		}
	}

	return 0
}

func TestConnectionSuccessAveragesLatency(t *testing.T) {
	ns := store.NewMemoryPrefs(PerformanceNamespace)
	m, reader, c := newPerfMonitor(t, ns)

	// No start recorded: ignored.
	m.RecordConnectionSuccess()
	assert.Equal(t, int64(0), m.Report().TotalConnections)

	m.RecordConnectionStart()
	c.advance(2 * time.Second)
	m.RecordConnectionSuccess()

	m.RecordConnectionStart()
	c.advance(4 * time.Second)
	m.RecordConnectionSuccess()

	r := m.Report()
	assert.Equal(t, int64(2), r.TotalConnections)
	// (0+2000)/2 = 1000, then (1000+4000)/2 = 2500.
	assert.Equal(t, 2500*time.Millisecond, r.AverageConnectionTime)
	assert.Equal(t, int64(2500), ns.Int64(keyAverageConnectionTime, 0))
	assert.Equal(t, int64(2), counterSum(t, reader, "scale_connections_total"))
}

func TestDataReceivedFlushesOnKilobyteBoundary(t *testing.T) {
	ns := store.NewMemoryPrefs(PerformanceNamespace)
	m, reader, _ := newPerfMonitor(t, ns)

	m.RecordDataReceived(1000)
	assert.False(t, ns.Has(keyTotalDataReceived))

	m.RecordDataReceived(24)
	assert.Equal(t, int64(1024), ns.Int64(keyTotalDataReceived, 0))

	m.RecordDataReceived(0)
	m.RecordDataReceived(-5)
	assert.Equal(t, int64(1024), m.Report().TotalDataReceived)
	assert.Equal(t, int64(1024), counterSum(t, reader, "scale_data_received_bytes"))
}

func TestPerformanceCountersSurviveRestart(t *testing.T) {
	dir := t.TempDir()

	ns, err := store.OpenPrefs(dir, PerformanceNamespace)
	require.NoError(t, err)

	m, _, _ := newPerfMonitor(t, ns)
	m.RecordReconnection()
	m.RecordReconnection()

	ns2, err := store.OpenPrefs(dir, PerformanceNamespace)
	require.NoError(t, err)

	m2, reader, _ := newPerfMonitor(t, ns2)
	assert.Equal(t, int64(2), m2.Report().TotalReconnections)
	assert.Equal(t, int64(0), counterSum(t, reader, "scale_reconnections_total"))
}

func TestPerformanceRates(t *testing.T) {
	m, _, c := newPerfMonitor(t, store.NewMemoryPrefs(PerformanceNamespace))

	m.RecordConnectionStart()
	c.advance(time.Second)
	m.RecordConnectionSuccess()
	m.RecordDataReceived(3600)

	c.advance(time.Hour - time.Second)

	r := m.Report()
	assert.InDelta(t, 1.0, r.ConnectionsPerHour, 0.0001)
	assert.InDelta(t, 1.0, r.DataRateBytesPerSecond, 0.0001)
	assert.Contains(t, r.String(), "Total Connections: 1")
}

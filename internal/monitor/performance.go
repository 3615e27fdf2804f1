package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/chaz8081/scalelink/internal/logger"
	"github.com/chaz8081/scalelink/internal/store"
)

// PerformanceNamespace holds the durable performance counters.
const PerformanceNamespace = "ble_service_performance"

const (
	keyLastConnectionStart   = "last_connection_start"
	keyTotalConnections      = "total_connections"
	keyAverageConnectionTime = "average_connection_time"
	keyTotalReconnections    = "total_reconnections"
	keyTotalDataReceived     = "total_data_received"

	// dataFlushBytes: total_data_received is persisted when the running
	// total lands on a multiple of this.
	dataFlushBytes = 1024

	meterName = "scalelink.transport"
)

// PerformanceReport summarizes connection and data throughput.
type PerformanceReport struct {
	Uptime                 time.Duration
	TotalConnections       int64
	TotalReconnections     int64
	AverageConnectionTime  time.Duration
	TotalDataReceived      int64
	ConnectionsPerHour     float64
	DataRateBytesPerSecond float64
}

func (r PerformanceReport) String() string {
	return fmt.Sprintf("BLE Service Performance Report:\n"+
		"Uptime: %.1f hours\n"+
		"Total Connections: %d\n"+
		"Reconnections: %d\n"+
		"Avg Connection Time: %d ms\n"+
		"Data Received: %.2f KB\n"+
		"Connection Rate: %.2f/hour\n"+
		"Data Rate: %.2f bytes/sec",
		r.Uptime.Hours(), r.TotalConnections, r.TotalReconnections,
		r.AverageConnectionTime.Milliseconds(), float64(r.TotalDataReceived)/1024.0,
		r.ConnectionsPerHour, r.DataRateBytesPerSecond)
}

type perfInstruments struct {
	connections    metric.Int64Counter
	reconnections  metric.Int64Counter
	dataReceived   metric.Int64Counter
	connectLatency metric.Float64Histogram
}

func newPerfInstruments(meter metric.Meter) (perfInstruments, error) {
	var (
		ins perfInstruments
		err error
	)

	ins.connections, err = meter.Int64Counter("scale_connections_total",
		metric.WithDescription("Successful scale connections"))
	if err != nil {
		return ins, fmt.Errorf("monitor: connections counter: %w", err)
	}

	ins.reconnections, err = meter.Int64Counter("scale_reconnections_total",
		metric.WithDescription("Scale reconnection attempts"))
	if err != nil {
		return ins, fmt.Errorf("monitor: reconnections counter: %w", err)
	}

	ins.dataReceived, err = meter.Int64Counter("scale_data_received_bytes",
		metric.WithDescription("Bytes received from the scale"),
		metric.WithUnit("By"))
	if err != nil {
		return ins, fmt.Errorf("monitor: data counter: %w", err)
	}

	ins.connectLatency, err = meter.Float64Histogram("scale_connection_latency_seconds",
		metric.WithDescription("Time from connection start to connected"),
		metric.WithUnit("s"))
	if err != nil {
		return ins, fmt.Errorf("monitor: latency histogram: %w", err)
	}

	return ins, nil
}

// PerformanceMonitor keeps durable throughput counters and mirrors them to
// OpenTelemetry instruments.
type PerformanceMonitor struct {
	ns  store.Namespace
	ins perfInstruments
	log logger.Logger
	now func() time.Time

	mu                 sync.Mutex
	startedAt          time.Time
	totalConnections   int64
	totalReconnections int64
	averageConnection  time.Duration
	totalData          int64
}

// NewPerformanceMonitor loads persisted counters from ns and registers
// instruments on meter.
func NewPerformanceMonitor(ns store.Namespace, meter metric.Meter, log logger.Logger) (*PerformanceMonitor, error) {
	ins, err := newPerfInstruments(meter)
	if err != nil {
		return nil, err
	}

	m := &PerformanceMonitor{
		ns:  ns,
		ins: ins,
		log: log.WithComponent("performance"),
		now: time.Now,
	}

	m.startedAt = m.now()
	m.totalConnections = ns.Int64(keyTotalConnections, 0)
	m.totalReconnections = ns.Int64(keyTotalReconnections, 0)
	m.averageConnection = time.Duration(ns.Int64(keyAverageConnectionTime, 0)) * time.Millisecond
	m.totalData = ns.Int64(keyTotalDataReceived, 0)

	return m, nil
}

func (m *PerformanceMonitor) save(values map[string]any) {
	if err := m.ns.Set(values); err != nil {
		m.log.Warn().Err(err).Msg("persist performance counters")
	}
}

// RecordConnectionStart stamps the start of a connection attempt.
func (m *PerformanceMonitor) RecordConnectionStart() {
	m.save(map[string]any{keyLastConnectionStart: m.now().UnixMilli()})
}

// RecordConnectionSuccess counts a connection and folds its latency into
// the running average as (old+new)/2. Without a recorded start it does
// nothing.
func (m *PerformanceMonitor) RecordConnectionSuccess() {
	start := m.ns.Int64(keyLastConnectionStart, 0)
	if start <= 0 {
		return
	}

	latency := m.now().Sub(time.UnixMilli(start))

	m.mu.Lock()
	m.totalConnections++
	m.averageConnection = (m.averageConnection + latency) / 2
	total, avg := m.totalConnections, m.averageConnection
	m.mu.Unlock()

	m.save(map[string]any{
		keyTotalConnections:      total,
		keyAverageConnectionTime: avg.Milliseconds(),
	})

	ctx := context.Background()
	m.ins.connections.Add(ctx, 1)
	m.ins.connectLatency.Record(ctx, latency.Seconds())

	m.log.Debug().Dur("latency", latency).Msg("connection established")
}

// RecordReconnection counts a reconnection attempt.
func (m *PerformanceMonitor) RecordReconnection() {
	m.mu.Lock()
	m.totalReconnections++
	total := m.totalReconnections
	m.mu.Unlock()

	m.save(map[string]any{keyTotalReconnections: total})
	m.ins.reconnections.Add(context.Background(), 1)
}

// RecordDataReceived adds n bytes to the running total.
func (m *PerformanceMonitor) RecordDataReceived(n int) {
	if n <= 0 {
		return
	}

	m.mu.Lock()
	m.totalData += int64(n)
	total := m.totalData
	m.mu.Unlock()

	m.ins.dataReceived.Add(context.Background(), int64(n))

	if total%dataFlushBytes == 0 {
		m.save(map[string]any{keyTotalDataReceived: total})
	}
}

// Report builds a performance report.
func (m *PerformanceMonitor) Report() PerformanceReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := PerformanceReport{
		Uptime:                m.now().Sub(m.startedAt),
		TotalConnections:      m.totalConnections,
		TotalReconnections:    m.totalReconnections,
		AverageConnectionTime: m.averageConnection,
		TotalDataReceived:     m.totalData,
	}

	if hours := r.Uptime.Hours(); hours > 0 {
		r.ConnectionsPerHour = float64(r.TotalConnections) / hours
	}

	if secs := r.Uptime.Seconds(); secs > 0 {
		r.DataRateBytesPerSecond = float64(r.TotalDataReceived) / secs
	}

	return r
}

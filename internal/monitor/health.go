package monitor

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/scalelink/internal/logger"
	"github.com/chaz8081/scalelink/internal/store"
	"github.com/chaz8081/scalelink/internal/supervisor"
	"github.com/chaz8081/scalelink/internal/transport"
)

// HealthNamespace holds the durable health counters.
const HealthNamespace = "ble_service_health"

const (
	keyConnectionAttempts       = "connection_attempts"
	keySuccessfulConnections    = "successful_connections"
	keyConnectionFailures       = "connection_failures"
	keyDisconnections           = "disconnections"
	keyWeightReadings           = "weight_readings"
	keyErrors                   = "errors"
	keyConsecutiveErrors        = "consecutive_errors"
	keyLastSuccessfulConnection = "last_successful_connection"
	keyLastWeightReading        = "last_weight_reading"

	maxDataGap           = 2 * time.Minute
	maxConsecutiveErrors = 5
	weightFlushEvery     = 10

	// StaleDataThreshold flags a connected scale that has gone quiet.
	StaleDataThreshold = time.Minute
)

// Never is reported for durations since an event that has not happened.
const Never = time.Duration(math.MaxInt64)

// HealthReport is a snapshot of health counters and derived scores.
type HealthReport struct {
	ConnectionAttempts    int64
	SuccessfulConnections int64
	ConnectionFailures    int64
	Disconnections        int64
	WeightReadings        int64
	Errors                int64
	ConsecutiveErrors     int64
	SuccessRate           float64
	SinceLastConnection   time.Duration
	SinceLastReading      time.Duration
	Healthy               bool
	Score                 float64
}

func (r HealthReport) String() string {
	status := "Unhealthy"
	if r.Healthy {
		status = "Healthy"
	}

	since := "never"
	if r.SinceLastReading != Never {
		since = fmt.Sprintf("%d ms", r.SinceLastReading.Milliseconds())
	}

	return fmt.Sprintf("BLE Service Health Report:\n"+
		"Health Score: %.1f%%\n"+
		"Status: %s\n\n"+
		"Connection Stats:\n"+
		"- Attempts: %d\n"+
		"- Successes: %d\n"+
		"- Failures: %d\n"+
		"- Success Rate: %.1f%%\n\n"+
		"Data Stats:\n"+
		"- Weight Readings: %d\n"+
		"- Time Since Last Reading: %s\n"+
		"- Consecutive Errors: %d\n\n"+
		"Performance:\n"+
		"- Disconnections: %d\n"+
		"- Total Errors: %d",
		r.Score, status,
		r.ConnectionAttempts, r.SuccessfulConnections, r.ConnectionFailures, r.SuccessRate*100,
		r.WeightReadings, since, r.ConsecutiveErrors,
		r.Disconnections, r.Errors)
}

// HealthMonitor derives transport health from the event stream. Register it
// as a supervisor listener.
type HealthMonitor struct {
	supervisor.BaseListener

	ns  store.Namespace
	log logger.Logger
	now func() time.Time

	mu               sync.Mutex
	counters         map[string]int64
	lastConnectionAt time.Time
	lastReadingAt    time.Time
	connected        bool
	connecting       bool
}

// NewHealthMonitor loads persisted counters from ns.
func NewHealthMonitor(ns store.Namespace, log logger.Logger) *HealthMonitor {
	m := &HealthMonitor{
		ns:       ns,
		log:      log.WithComponent("health"),
		now:      time.Now,
		counters: make(map[string]int64),
	}

	for _, k := range []string{
		keyConnectionAttempts, keySuccessfulConnections, keyConnectionFailures,
		keyDisconnections, keyWeightReadings, keyErrors, keyConsecutiveErrors,
	} {
		m.counters[k] = ns.Int64(k, 0)
	}

	if ms := ns.Int64(keyLastSuccessfulConnection, 0); ms > 0 {
		m.lastConnectionAt = time.UnixMilli(ms)
	}
	if ms := ns.Int64(keyLastWeightReading, 0); ms > 0 {
		m.lastReadingAt = time.UnixMilli(ms)
	}

	return m
}

// flushLocked persists every counter plus the timestamps.
func (m *HealthMonitor) flushLocked() {
	values := make(map[string]any, len(m.counters)+2)
	for k, v := range m.counters {
		values[k] = v
	}
	if !m.lastConnectionAt.IsZero() {
		values[keyLastSuccessfulConnection] = m.lastConnectionAt.UnixMilli()
	}
	if !m.lastReadingAt.IsZero() {
		values[keyLastWeightReading] = m.lastReadingAt.UnixMilli()
	}

	if err := m.ns.Set(values); err != nil {
		m.log.Warn().Err(err).Msg("persist health counters")
	}
}

func (m *HealthMonitor) RecordConnectionAttempt() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[keyConnectionAttempts]++
	m.connecting = true
	m.flushLocked()
}

func (m *HealthMonitor) RecordSuccessfulConnection() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[keySuccessfulConnections]++
	m.counters[keyConsecutiveErrors] = 0
	m.lastConnectionAt = m.now()
	m.connected = true
	m.connecting = false
	m.flushLocked()
}

func (m *HealthMonitor) RecordConnectionFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[keyConnectionFailures]++
	m.connecting = false
	m.flushLocked()
}

func (m *HealthMonitor) RecordDisconnection() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[keyDisconnections]++
	m.connected = false
	m.flushLocked()
}

// RecordWeightReading counts a sample. Counters are persisted every tenth
// reading.
func (m *HealthMonitor) RecordWeightReading() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[keyWeightReadings]++
	m.counters[keyConsecutiveErrors] = 0
	m.lastReadingAt = m.now()

	if m.counters[keyWeightReadings]%weightFlushEvery == 0 {
		m.flushLocked()
	}
}

func (m *HealthMonitor) RecordError() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[keyErrors]++
	m.counters[keyConsecutiveErrors]++
	m.flushLocked()
}

func (m *HealthMonitor) successRateLocked() float64 {
	attempts := m.counters[keyConnectionAttempts]
	if attempts <= 0 {
		return 0
	}

	return float64(m.counters[keySuccessfulConnections]) / float64(attempts)
}

func since(now, t time.Time) time.Duration {
	if t.IsZero() {
		return Never
	}

	return now.Sub(t)
}

// Report builds a health report.
func (m *HealthMonitor) Report() HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	r := HealthReport{
		ConnectionAttempts:    m.counters[keyConnectionAttempts],
		SuccessfulConnections: m.counters[keySuccessfulConnections],
		ConnectionFailures:    m.counters[keyConnectionFailures],
		Disconnections:        m.counters[keyDisconnections],
		WeightReadings:        m.counters[keyWeightReadings],
		Errors:                m.counters[keyErrors],
		ConsecutiveErrors:     m.counters[keyConsecutiveErrors],
		SuccessRate:           m.successRateLocked(),
		SinceLastConnection:   since(now, m.lastConnectionAt),
		SinceLastReading:      since(now, m.lastReadingAt),
	}

	fresh := r.SinceLastReading < maxDataGap

	r.Healthy = r.ConsecutiveErrors < maxConsecutiveErrors && fresh && r.SuccessRate > 0.5

	connScore := math.Min(r.SuccessRate*100, 100)
	dataScore := 0.0
	if fresh {
		dataScore = 100
	}
	errScore := math.Max(100-float64(r.ConsecutiveErrors)*20, 0)
	r.Score = (connScore + dataScore + errScore) / 3

	return r
}

// IsHealthy reports whether the transport is currently healthy.
func (m *HealthMonitor) IsHealthy() bool {
	return m.Report().Healthy
}

// Score returns the 0-100 health score.
func (m *HealthMonitor) Score() float64 {
	return m.Report().Score
}

// Run logs a health assessment every interval until ctx is done. While
// connected it warns when no weight has arrived for StaleDataThreshold.
func (m *HealthMonitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *HealthMonitor) check() {
	r := m.Report()

	m.mu.Lock()
	connected := m.connected
	m.mu.Unlock()

	m.log.Debug().
		Bool("healthy", r.Healthy).
		Float64("score", r.Score).
		Int64("consecutive_errors", r.ConsecutiveErrors).
		Msg("health check")

	if connected && r.SinceLastReading > StaleDataThreshold {
		m.log.Warn().Dur("since_last_reading", r.SinceLastReading).Msg("no weight data from connected scale")
	}
}

func (m *HealthMonitor) OnConnectionStateChanged(connected bool, _ string) {
	m.mu.Lock()
	was := m.connected
	m.mu.Unlock()

	switch {
	case connected && !was:
		m.RecordSuccessfulConnection()
	case !connected && was:
		m.RecordDisconnection()
	}
}

func (m *HealthMonitor) OnWeightReceived(float64, bool) {
	m.RecordWeightReading()
}

// OnError counts the error, and a connection failure when an attempt was
// in progress.
func (m *HealthMonitor) OnError(string) {
	m.mu.Lock()
	connecting := m.connecting
	m.mu.Unlock()

	if connecting {
		m.RecordConnectionFailure()
	}

	m.RecordError()
}

func (m *HealthMonitor) OnStatusChanged(status string) {
	if strings.HasPrefix(status, transport.StatusConnectingPrefix) {
		m.RecordConnectionAttempt()
	}
}

var _ supervisor.Listener = (*HealthMonitor)(nil)

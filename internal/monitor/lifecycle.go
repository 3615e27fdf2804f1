// Package monitor tracks transport lifecycle, performance and health.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/chaz8081/scalelink/internal/logger"
)

// ProcessProbe checks the live process table.
type ProcessProbe interface {
	Running(ctx context.Context) (bool, error)
}

// ProcessNameProbe finds a process by executable name.
type ProcessNameProbe struct {
	Name string
}

// Running reports whether any process named p.Name exists.
func (p ProcessNameProbe) Running(ctx context.Context) (bool, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false, fmt.Errorf("monitor: list processes: %w", err)
	}

	for _, proc := range procs {
		name, err := proc.NameWithContext(ctx)
		if err != nil {
			// Processes can exit between listing and inspection.
			continue
		}

		if name == p.Name {
			return true, nil
		}
	}

	return false, nil
}

// Stability grades the restart rate.
type Stability int

const (
	Excellent Stability = iota
	Good
	Fair
	Poor
)

func (s Stability) String() string {
	switch s {
	case Excellent:
		return "EXCELLENT"
	case Good:
		return "GOOD"
	case Fair:
		return "FAIR"
	default:
		return "POOR"
	}
}

// StabilityFor grades restarts over uptime.
func StabilityFor(restarts int, restartsPerHour float64) Stability {
	switch {
	case restarts == 0:
		return Excellent
	case restartsPerHour < 0.1:
		return Good
	case restartsPerHour < 1.0:
		return Fair
	default:
		return Poor
	}
}

// LifecycleReport summarizes transport restarts.
type LifecycleReport struct {
	IsRunning     bool
	Uptime        time.Duration
	TotalRestarts int
	// SinceLastRestart is negative when no restart has been recorded.
	SinceLastRestart time.Duration
	RestartsPerHour  float64
	Stability        Stability
}

func (r LifecycleReport) String() string {
	running := "No"
	if r.IsRunning {
		running = "Yes"
	}

	since := "N/A"
	if r.SinceLastRestart > 0 {
		since = fmt.Sprintf("%.1f minutes", r.SinceLastRestart.Minutes())
	}

	return fmt.Sprintf("Service Lifecycle Report:\n"+
		"Running: %s\n"+
		"Uptime: %.1f hours\n"+
		"Total Restarts: %d\n"+
		"Restarts/Hour: %.2f\n"+
		"Stability: %s\n"+
		"Time Since Last Restart: %s",
		running, r.Uptime.Hours(), r.TotalRestarts, r.RestartsPerHour, r.Stability, since)
}

// LifecycleMonitor counts transport starts and restarts.
type LifecycleMonitor struct {
	probe ProcessProbe
	log   logger.Logger
	now   func() time.Time

	mu            sync.Mutex
	startedAt     time.Time
	restarts      int
	lastRestartAt time.Time
}

// NewLifecycleMonitor returns a monitor whose uptime starts now.
func NewLifecycleMonitor(probe ProcessProbe, log logger.Logger) *LifecycleMonitor {
	m := &LifecycleMonitor{
		probe: probe,
		log:   log.WithComponent("lifecycle"),
		now:   time.Now,
	}
	m.startedAt = m.now()

	return m
}

// RecordServiceStart resets the uptime origin.
func (m *LifecycleMonitor) RecordServiceStart() {
	m.mu.Lock()
	m.startedAt = m.now()
	m.mu.Unlock()

	m.log.Debug().Msg("transport started")
}

// RecordServiceRestart counts a restart.
func (m *LifecycleMonitor) RecordServiceRestart() {
	m.mu.Lock()
	m.restarts++
	m.lastRestartAt = m.now()
	n := m.restarts
	m.mu.Unlock()

	m.log.Warn().Int("restarts", n).Msg("transport restart")
}

// IsServiceRunning checks the process table. Probe errors count as not
// running.
func (m *LifecycleMonitor) IsServiceRunning(ctx context.Context) bool {
	if m.probe == nil {
		return false
	}

	running, err := m.probe.Running(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("process probe failed")
		return false
	}

	return running
}

// Report builds a lifecycle report.
func (m *LifecycleMonitor) Report(ctx context.Context) LifecycleReport {
	running := m.IsServiceRunning(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	r := LifecycleReport{
		IsRunning:        running,
		Uptime:           now.Sub(m.startedAt),
		TotalRestarts:    m.restarts,
		SinceLastRestart: -1,
	}

	if !m.lastRestartAt.IsZero() {
		r.SinceLastRestart = now.Sub(m.lastRestartAt)
	}

	if hours := r.Uptime.Hours(); hours > 0 {
		r.RestartsPerHour = float64(m.restarts) / hours
	}

	r.Stability = StabilityFor(m.restarts, r.RestartsPerHour)

	return r
}

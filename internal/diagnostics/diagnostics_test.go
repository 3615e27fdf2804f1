package diagnostics

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/scalelink/internal/monitor"
)

func healthyInputs() Inputs {
	return Inputs{
		Timestamp:      time.Date(2026, 7, 1, 8, 30, 0, 0, time.UTC),
		ServiceRunning: true,
		ManagerReady:   true,
		Health:         monitor.HealthReport{Healthy: true, Score: 100},
		Battery:        AssessBattery(BatteryStatus{Whitelisted: true, Level: 80}),
		Lifecycle:      monitor.LifecycleReport{IsRunning: true, Stability: monitor.Excellent},
	}
}

func TestAssessAllHealthy(t *testing.T) {
	r := Assess(healthyInputs())

	assert.Equal(t, 100, r.Score)
	assert.Equal(t, OverallExcellent, r.Overall)
	assert.Equal(t, []string{"All systems operating normally."}, r.Recommendations)
}

func TestAssessScoring(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Inputs)
		score   int
		overall Overall
	}{
		{"medium battery", func(in *Inputs) { in.Battery = AssessBattery(BatteryStatus{}) }, 90, OverallExcellent},
		{"high battery", func(in *Inputs) {
			in.Battery = AssessBattery(BatteryStatus{PowerSaveMode: true})
		}, 75, OverallGood},
		{"unhealthy", func(in *Inputs) { in.Health.Healthy = false }, 75, OverallGood},
		{"manager down", func(in *Inputs) {
			in.ManagerReady = false
			in.Health.Healthy = false
		}, 50, OverallFair},
		{"everything down", func(in *Inputs) {
			in.ServiceRunning = false
			in.ManagerReady = false
			in.Health.Healthy = false
			in.Battery = AssessBattery(BatteryStatus{PowerSaveMode: true})
		}, 0, OverallPoor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := healthyInputs()
			tt.mutate(&in)

			r := Assess(in)
			assert.Equal(t, tt.score, r.Score)
			assert.Equal(t, tt.overall, r.Overall)
		})
	}
}

func TestAssessRecommendations(t *testing.T) {
	in := healthyInputs()
	in.ServiceRunning = false
	in.ManagerReady = false
	in.Health.Healthy = false
	in.Battery = AssessBattery(BatteryStatus{})
	in.Lifecycle.Stability = monitor.Poor

	r := Assess(in)
	require.Len(t, r.Recommendations, 5)
	assert.Equal(t, "Critical: BLE service is not running. Restart the app or check permissions.", r.Recommendations[0])
	assert.Equal(t, "Warning: Connection manager is not ready. Check Bluetooth permissions.", r.Recommendations[1])
	assert.True(t, strings.HasPrefix(r.Recommendations[2], "Health issue detected: BLE Service Health Report:"))
	assert.Equal(t, "Battery optimization: Consider whitelisting from battery optimization for best performance.",
		r.Recommendations[3])
	assert.Equal(t, "Service stability: Consider investigating frequent restarts.", r.Recommendations[4])
}

func TestAssessBattery(t *testing.T) {
	high := AssessBattery(BatteryStatus{PowerSaveMode: true})
	assert.Equal(t, RiskHigh, high.Risk)
	assert.Equal(t, "App may be killed by system. Please whitelist from battery optimization.", high.Recommendation)

	assert.Equal(t, RiskMedium, AssessBattery(BatteryStatus{}).Risk)
	assert.Equal(t, RiskLow, AssessBattery(BatteryStatus{Whitelisted: true, PowerSaveMode: true}).Risk)
}

func TestReportString(t *testing.T) {
	in := healthyInputs()
	in.ScaleConnected = true
	in.DeviceName = "Scale 3"
	in.Weight = 41.256
	in.WeightStable = true

	s := Assess(in).String()

	assert.Contains(t, s, "=== COMPREHENSIVE BLE SERVICE DIAGNOSTIC REPORT ===")
	assert.Contains(t, s, "Generated: 2026-07-01 08:30:00")
	assert.Contains(t, s, "Overall Health: EXCELLENT")
	assert.Contains(t, s, "- Device: Scale 3")
	assert.Contains(t, s, "- Weight: 41.26 kg (Stable)")
	assert.Contains(t, s, "Battery Level: 80%")
	assert.Contains(t, s, "RECOMMENDATIONS:\n1. All systems operating normally.\n")
}

func TestStaticBatteryProbeReadsSysfs(t *testing.T) {
	root := t.TempDir()

	ac := filepath.Join(root, "AC")
	require.NoError(t, os.MkdirAll(ac, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ac, "type"), []byte("Mains\n"), 0o644))

	bat := filepath.Join(root, "BAT0")
	require.NoError(t, os.MkdirAll(bat, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bat, "type"), []byte("Battery\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(bat, "capacity"), []byte("67\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(bat, "status"), []byte("Charging\n"), 0o644))

	s := StaticBatteryProbe{Whitelisted: true, Root: root}.BatteryStatus()
	assert.Equal(t, 67, s.Level)
	assert.True(t, s.Charging)
	assert.Equal(t, RiskLow, s.Risk)

	s = StaticBatteryProbe{Root: filepath.Join(root, "missing")}.BatteryStatus()
	assert.Equal(t, -1, s.Level)
	assert.Equal(t, RiskMedium, s.Risk)
}

type fakeConn struct {
	ready, connected bool
}

func (f fakeConn) IsReady() bool { return f.ready }
func (f fakeConn) IsConnected() bool { return f.connected }
func (f fakeConn) IsConnecting() bool { return false }
func (f fakeConn) ConnectedDeviceName() string { return "Scale" }
func (f fakeConn) CurrentWeight() float64 { return 9.5 }
func (f fakeConn) IsWeightStable() bool { return true }

type fakeHealth struct{ r monitor.HealthReport }

func (f fakeHealth) Report() monitor.HealthReport { return f.r }

type fakeLifecycle struct{ r monitor.LifecycleReport }

func (f fakeLifecycle) Report(context.Context) monitor.LifecycleReport { return f.r }

func TestAggregatorGenerate(t *testing.T) {
	a := NewAggregator(
		fakeConn{ready: true, connected: true},
		fakeHealth{monitor.HealthReport{Healthy: true}},
		fakeLifecycle{monitor.LifecycleReport{IsRunning: true}},
		StaticBatteryProbe{Whitelisted: true},
	)

	r := a.Generate(context.Background())
	assert.True(t, r.ServiceRunning)
	assert.True(t, r.ManagerReady)
	assert.True(t, r.ScaleConnected)
	assert.Equal(t, "Scale", r.DeviceName)
	assert.InDelta(t, 9.5, r.Weight, 0.001)
	assert.Equal(t, OverallExcellent, r.Overall)
}

func TestAggregatorNotReadySkipsConnection(t *testing.T) {
	a := NewAggregator(
		fakeConn{ready: false, connected: true},
		fakeHealth{},
		fakeLifecycle{},
		StaticBatteryProbe{},
	)

	r := a.Generate(context.Background())
	assert.False(t, r.ScaleConnected)
	assert.Empty(t, r.DeviceName)
	assert.Equal(t, OverallPoor, r.Overall)
}

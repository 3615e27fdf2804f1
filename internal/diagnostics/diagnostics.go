// Package diagnostics combines supervisor, monitor and battery state into a
// single graded report.
package diagnostics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chaz8081/scalelink/internal/monitor"
)

// Overall is the aggregate grade.
type Overall int

const (
	OverallExcellent Overall = iota
	OverallGood
	OverallFair
	OverallPoor
)

func (o Overall) String() string {
	switch o {
	case OverallExcellent:
		return "EXCELLENT"
	case OverallGood:
		return "GOOD"
	case OverallFair:
		return "FAIR"
	default:
		return "POOR"
	}
}

const (
	recServiceDown   = "Critical: BLE service is not running. Restart the app or check permissions."
	recManagerDown   = "Warning: Connection manager is not ready. Check Bluetooth permissions."
	recHealthPrefix  = "Health issue detected: "
	recBatteryPrefix = "Battery optimization: "
	recUnstable      = "Service stability: Consider investigating frequent restarts."
	recAllGood       = "All systems operating normally."
)

// Inputs is everything a diagnostic assessment looks at.
type Inputs struct {
	Timestamp       time.Time
	ServiceRunning  bool
	ManagerReady    bool
	ScaleConnected  bool
	ScaleConnecting bool
	DeviceName      string
	Weight          float64
	WeightStable    bool
	Health          monitor.HealthReport
	Battery         BatteryStatus
	Lifecycle       monitor.LifecycleReport
}

// Report is a graded assessment with recommendations.
type Report struct {
	Inputs

	Score           int // out of 100
	Overall         Overall
	Recommendations []string
}

// Assess grades in. Service running, manager ready and health are worth 25
// points each; battery risk adds 25 (LOW), 15 (MEDIUM) or 0 (HIGH).
func Assess(in Inputs) Report {
	score := 0
	if in.ServiceRunning {
		score += 25
	}
	if in.ManagerReady {
		score += 25
	}
	if in.Health.Healthy {
		score += 25
	}

	switch in.Battery.Risk {
	case RiskLow:
		score += 25
	case RiskMedium:
		score += 15
	}

	r := Report{Inputs: in, Score: score}

	switch {
	case score >= 90:
		r.Overall = OverallExcellent
	case score >= 75:
		r.Overall = OverallGood
	case score >= 50:
		r.Overall = OverallFair
	default:
		r.Overall = OverallPoor
	}

	if !in.ServiceRunning {
		r.Recommendations = append(r.Recommendations, recServiceDown)
	}
	if !in.ManagerReady {
		r.Recommendations = append(r.Recommendations, recManagerDown)
	}
	if !in.Health.Healthy {
		r.Recommendations = append(r.Recommendations, recHealthPrefix+in.Health.String())
	}
	if in.Battery.Risk != RiskLow {
		r.Recommendations = append(r.Recommendations, recBatteryPrefix+in.Battery.Recommendation)
	}
	if in.Lifecycle.Stability == monitor.Poor {
		r.Recommendations = append(r.Recommendations, recUnstable)
	}
	if len(r.Recommendations) == 0 {
		r.Recommendations = []string{recAllGood}
	}

	return r
}

func (r Report) String() string {
	var sb strings.Builder

	sb.WriteString("=== COMPREHENSIVE BLE SERVICE DIAGNOSTIC REPORT ===\n")
	fmt.Fprintf(&sb, "Generated: %s\n", r.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&sb, "Overall Health: %s\n\n", r.Overall)

	sb.WriteString("SERVICE STATUS:\n")
	fmt.Fprintf(&sb, "- Service Running: %s\n", yesNo(r.ServiceRunning))
	fmt.Fprintf(&sb, "- Manager Ready: %s\n", yesNo(r.ManagerReady))
	fmt.Fprintf(&sb, "- Scale Connected: %s\n", yesNo(r.ScaleConnected))

	if r.ScaleConnected {
		stable := " (Unstable)"
		if r.WeightStable {
			stable = " (Stable)"
		}
		fmt.Fprintf(&sb, "- Device: %s\n", r.DeviceName)
		fmt.Fprintf(&sb, "- Weight: %.2f kg%s\n", r.Weight, stable)
	}

	sb.WriteString("\n")
	sb.WriteString(r.Health.String() + "\n\n")
	sb.WriteString(r.Battery.String() + "\n\n")
	sb.WriteString(r.Lifecycle.String() + "\n\n")

	sb.WriteString("RECOMMENDATIONS:\n")
	for i, rec := range r.Recommendations {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, rec)
	}

	return sb.String()
}

// ConnectionSource is the supervisor surface the aggregator reads.
type ConnectionSource interface {
	IsReady() bool
	IsConnected() bool
	IsConnecting() bool
	ConnectedDeviceName() string
	CurrentWeight() float64
	IsWeightStable() bool
}

// HealthSource produces health reports.
type HealthSource interface {
	Report() monitor.HealthReport
}

// LifecycleSource produces lifecycle reports.
type LifecycleSource interface {
	Report(ctx context.Context) monitor.LifecycleReport
}

// Aggregator gathers live inputs and assesses them.
type Aggregator struct {
	conn      ConnectionSource
	health    HealthSource
	lifecycle LifecycleSource
	battery   BatteryProbe
	now       func() time.Time
}

// NewAggregator returns an Aggregator over the given sources.
func NewAggregator(conn ConnectionSource, health HealthSource, lifecycle LifecycleSource, battery BatteryProbe) *Aggregator {
	return &Aggregator{
		conn:      conn,
		health:    health,
		lifecycle: lifecycle,
		battery:   battery,
		now:       time.Now,
	}
}

// Generate collects a fresh snapshot and returns its assessment.
func (a *Aggregator) Generate(ctx context.Context) Report {
	lifecycle := a.lifecycle.Report(ctx)

	in := Inputs{
		Timestamp:      a.now(),
		ServiceRunning: lifecycle.IsRunning,
		ManagerReady:   a.conn.IsReady(),
		Health:         a.health.Report(),
		Battery:        a.battery.BatteryStatus(),
		Lifecycle:      lifecycle,
	}

	if in.ManagerReady {
		in.ScaleConnected = a.conn.IsConnected()
		in.ScaleConnecting = a.conn.IsConnecting()
		in.DeviceName = a.conn.ConnectedDeviceName()
		in.Weight = a.conn.CurrentWeight()
		in.WeightStable = a.conn.IsWeightStable()
	}

	return Assess(in)
}

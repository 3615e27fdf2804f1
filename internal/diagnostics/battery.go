package diagnostics

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Risk is the likelihood that power management kills the transport.
type Risk int

const (
	RiskLow Risk = iota
	RiskMedium
	RiskHigh
)

func (r Risk) String() string {
	switch r {
	case RiskLow:
		return "LOW"
	case RiskMedium:
		return "MEDIUM"
	default:
		return "HIGH"
	}
}

// BatteryStatus describes power-management exposure.
type BatteryStatus struct {
	Whitelisted    bool
	Level          int // percent, -1 when unknown
	Charging       bool
	PowerSaveMode  bool
	Risk           Risk
	Recommendation string
}

// AssessBattery fills Risk and Recommendation from the whitelist and power
// save flags.
func AssessBattery(s BatteryStatus) BatteryStatus {
	switch {
	case !s.Whitelisted && s.PowerSaveMode:
		s.Risk = RiskHigh
		s.Recommendation = "App may be killed by system. Please whitelist from battery optimization."
	case !s.Whitelisted:
		s.Risk = RiskMedium
		s.Recommendation = "Consider whitelisting from battery optimization for best performance."
	default:
		s.Risk = RiskLow
		s.Recommendation = "Battery optimization properly configured."
	}

	return s
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func (s BatteryStatus) String() string {
	return fmt.Sprintf("Battery Optimization Status:\n"+
		"Whitelisted: %s\n"+
		"Battery Level: %d%%\n"+
		"Charging: %s\n"+
		"Power Save Mode: %s\n"+
		"Risk Level: %s\n"+
		"Recommendation: %s",
		yesNo(s.Whitelisted), s.Level, yesNo(s.Charging), yesNo(s.PowerSaveMode), s.Risk, s.Recommendation)
}

// BatteryProbe reports the current battery status.
type BatteryProbe interface {
	BatteryStatus() BatteryStatus
}

// StaticBatteryProbe reports configured power-management flags. Level and
// charging state are read from sysfs when Root is set.
type StaticBatteryProbe struct {
	Whitelisted bool
	PowerSave   bool
	// Root is a power_supply directory such as /sys/class/power_supply.
	Root string
}

// BatteryStatus implements BatteryProbe.
func (p StaticBatteryProbe) BatteryStatus() BatteryStatus {
	s := BatteryStatus{
		Whitelisted:   p.Whitelisted,
		PowerSaveMode: p.PowerSave,
		Level:         -1,
	}

	if p.Root != "" {
		s.Level, s.Charging = readPowerSupply(p.Root)
	}

	return AssessBattery(s)
}

// readPowerSupply reads the first battery under root. Missing batteries
// report level -1.
func readPowerSupply(root string) (level int, charging bool) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return -1, false
	}

	for _, e := range entries {
		dir := filepath.Join(root, e.Name())

		typ, err := os.ReadFile(filepath.Join(dir, "type"))
		if err != nil || strings.TrimSpace(string(typ)) != "Battery" {
			continue
		}

		capacity, err := os.ReadFile(filepath.Join(dir, "capacity"))
		if err != nil {
			continue
		}

		n, err := strconv.Atoi(strings.TrimSpace(string(capacity)))
		if err != nil {
			continue
		}

		status, _ := os.ReadFile(filepath.Join(dir, "status"))
		st := strings.TrimSpace(string(status))

		return n, st == "Charging" || st == "Full"
	}

	return -1, false
}

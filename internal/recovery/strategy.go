package recovery

import (
	"strings"
	"time"
)

// ErrorKind classifies a transport failure.
type ErrorKind int

const (
	ConnectionFailed ErrorKind = iota
	ConnectionLost
	DataCorruption
	PermissionDenied
	TransportDisabled
	TransportUnavailable
	Timeout
	Unknown
)

var errorKindNames = [...]string{
	ConnectionFailed:     "CONNECTION_FAILED",
	ConnectionLost:       "CONNECTION_LOST",
	DataCorruption:       "DATA_CORRUPTION",
	PermissionDenied:     "PERMISSION_DENIED",
	TransportDisabled:    "TRANSPORT_DISABLED",
	TransportUnavailable: "TRANSPORT_UNAVAILABLE",
	Timeout:              "TIMEOUT",
	Unknown:              "UNKNOWN",
}

func (k ErrorKind) String() string {
	if k < 0 || int(k) >= len(errorKindNames) {
		return "UNKNOWN"
	}
	return errorKindNames[k]
}

// Strategy is an escalating response to repeated failures.
type Strategy int

const (
	SimpleRetry Strategy = iota
	DelayedRetry
	// ResetTransport has no lower-level primitive and runs as RestartSupervisor.
	ResetTransport
	RestartSupervisor
	EscalatedRecovery
)

var strategyNames = [...]string{
	SimpleRetry:       "SIMPLE_RETRY",
	DelayedRetry:      "DELAYED_RETRY",
	ResetTransport:    "RESET_TRANSPORT",
	RestartSupervisor: "RESTART_SUPERVISOR",
	EscalatedRecovery: "ESCALATED_RECOVERY",
}

func (s Strategy) String() string {
	if s < 0 || int(s) >= len(strategyNames) {
		return "UNKNOWN"
	}
	return strategyNames[s]
}

// SelectStrategy maps an error kind and the consecutive error count to a
// strategy. Kind overrides take precedence over the count.
func SelectStrategy(kind ErrorKind, consecutiveErrors int) Strategy {
	switch kind {
	case PermissionDenied:
		return EscalatedRecovery
	case TransportDisabled:
		return DelayedRetry
	}

	switch {
	case consecutiveErrors <= 2:
		return SimpleRetry
	case consecutiveErrors <= 5:
		return DelayedRetry
	case consecutiveErrors <= 8:
		return RestartSupervisor
	default:
		return EscalatedRecovery
	}
}

const (
	delayBase    = 5 * time.Second
	delayPerStep = 2 * time.Second
	delayCap     = 30 * time.Second
)

// DelayFor returns the delayed-retry wait: 5s plus 2s per consecutive
// error, capped at 30s.
func DelayFor(consecutiveErrors int) time.Duration {
	if consecutiveErrors < 0 {
		consecutiveErrors = 0
	}

	d := delayBase + time.Duration(consecutiveErrors)*delayPerStep
	if d > delayCap {
		return delayCap
	}

	return d
}

// Classify maps an error message emitted by the transport or supervisor to
// an ErrorKind.
func Classify(message string) ErrorKind {
	m := strings.ToLower(message)

	switch {
	case strings.Contains(m, "permission"):
		return PermissionDenied
	case strings.Contains(m, "turned off"),
		strings.Contains(m, "not enabled"),
		strings.Contains(m, "not available on this device"):
		return TransportDisabled
	case strings.Contains(m, "timeout"), strings.Contains(m, "timed out"):
		return Timeout
	case strings.Contains(m, "service not ready"),
		strings.Contains(m, "bind"),
		strings.Contains(m, "error starting ble service"),
		strings.Contains(m, "service not available"):
		return TransportUnavailable
	case strings.Contains(m, "corrupt"),
		strings.Contains(m, "decode"),
		strings.Contains(m, "invalid weight"):
		return DataCorruption
	case strings.Contains(m, "lost"),
		strings.Contains(m, "disconnected"),
		strings.Contains(m, "max reconnection"):
		return ConnectionLost
	case strings.Contains(m, "connect"),
		strings.Contains(m, "failed"),
		strings.Contains(m, "unable"),
		strings.Contains(m, "no compatible"):
		return ConnectionFailed
	default:
		return Unknown
	}
}

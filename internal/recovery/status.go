package recovery

import (
	"fmt"
	"time"
)

// Status is a point-in-time view of recovery health.
type Status struct {
	ConsecutiveErrors int
	LastErrorAt       time.Time
	CurrentStrategy   Strategy
	// SinceLastError is negative when no error has been recorded.
	SinceLastError time.Duration
	Health         Health
}

// Health summarizes the consecutive error count.
type Health int

const (
	Healthy Health = iota
	MinorIssues
	ModerateIssues
	SevereIssues
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "HEALTHY"
	case MinorIssues:
		return "MINOR_ISSUES"
	case ModerateIssues:
		return "MODERATE_ISSUES"
	default:
		return "SEVERE_ISSUES"
	}
}

func healthFor(consecutiveErrors int) Health {
	switch {
	case consecutiveErrors == 0:
		return Healthy
	case consecutiveErrors < 3:
		return MinorIssues
	case consecutiveErrors < 8:
		return ModerateIssues
	default:
		return SevereIssues
	}
}

// Status returns the current recovery status.
func (e *Engine) Status() Status {
	c := e.Context()

	since := time.Duration(-1)
	if !c.LastErrorAt.IsZero() {
		since = e.opts.Now().Sub(c.LastErrorAt)
	}

	return Status{
		ConsecutiveErrors: c.ConsecutiveErrors,
		LastErrorAt:       c.LastErrorAt,
		CurrentStrategy:   c.CurrentStrategy,
		SinceLastError:    since,
		Health:            healthFor(c.ConsecutiveErrors),
	}
}

func (s Status) String() string {
	since := "N/A"
	if s.SinceLastError > 0 {
		since = fmt.Sprintf("%.1f minutes", s.SinceLastError.Minutes())
	}

	return fmt.Sprintf("Error Recovery Status:\n"+
		"Consecutive Errors: %d\n"+
		"Current Strategy: %s\n"+
		"Time Since Last Error: %s\n"+
		"Recovery Health: %s",
		s.ConsecutiveErrors, s.CurrentStrategy, since, s.Health)
}

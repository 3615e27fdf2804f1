package recovery

//go:generate mockgen -destination=mock_recovery.go -package=recovery github.com/chaz8081/scalelink/internal/recovery Restarter,ReadinessProbe

// Restarter restarts the transport process.
type Restarter interface {
	RestartService() error
}

// ReadinessProbe reports whether the transport is bound.
type ReadinessProbe interface {
	IsReady() bool
}

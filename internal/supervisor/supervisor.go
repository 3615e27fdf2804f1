// Package supervisor coordinates the transport process lifecycle and fans
// its events out to listeners.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/scalelink/internal/logger"
	"github.com/chaz8081/scalelink/internal/transport"
)

var (
	// ErrNotReady is returned by commands issued before the transport is bound.
	ErrNotReady = errors.New("supervisor: transport not ready")
	// ErrRestartInFlight is returned when RestartService is already running.
	ErrRestartInFlight = errors.New("supervisor: restart already in flight")
)

const (
	msgNotReady        = "BLE service not ready"
	msgTareNotReady    = "BLE service not ready for tare operation"
	msgDisconnNotReady = "BLE service not ready for disconnect"
	msgBindFailed      = "Failed to bind to BLE service"
)

// Options configures a Supervisor.
type Options struct {
	// RestartGrace is the pause between stopping and restarting the
	// transport in RestartService.
	RestartGrace time.Duration
	// BindTimeout bounds each bind attempt.
	BindTimeout time.Duration
	// OnServiceStart runs after the transport process is started.
	OnServiceStart func()
	// OnServiceRestart runs when RestartService begins a cycle.
	OnServiceRestart func()
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		RestartGrace: time.Second,
		BindTimeout:  10 * time.Second,
	}
}

// Supervisor owns the transport process handle and the listener set.
type Supervisor struct {
	launcher  transport.Launcher
	binder    transport.Binder
	opts      Options
	log       logger.Logger
	listeners ListenerSet

	initMu sync.Mutex // serializes Initialize
	// eventMu orders relayed transport events after the ready replay.
	eventMu sync.Mutex

	mu      sync.Mutex
	started bool
	ready   bool
	binding transport.Binding
	relay   *forwarder // event sink of binding
	epoch   uint64 // advanced by Shutdown; pending restarts from an older epoch are dropped

	restarting atomic.Bool
}

// New returns a Supervisor over the given launcher and binder.
func New(launcher transport.Launcher, binder transport.Binder, opts Options, log logger.Logger) *Supervisor {
	if opts.RestartGrace <= 0 {
		opts.RestartGrace = DefaultOptions().RestartGrace
	}
	if opts.BindTimeout <= 0 {
		opts.BindTimeout = DefaultOptions().BindTimeout
	}

	return &Supervisor{
		launcher: launcher,
		binder:   binder,
		opts:     opts,
		log:      log.WithComponent("supervisor"),
	}
}

// Initialize starts the transport if needed and binds to it. Calling it
// while already ready does nothing.
func (s *Supervisor) Initialize(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	s.mu.Lock()
	if s.ready {
		s.mu.Unlock()
		return nil
	}
	started := s.started
	s.mu.Unlock()

	if !started {
		if err := s.launcher.Start(ctx); err != nil {
			s.log.Error().Err(err).Msg("failed to start transport")
			s.broadcastError("Error starting BLE service: " + err.Error())
			return fmt.Errorf("supervisor: start transport: %w", err)
		}

		s.mu.Lock()
		s.started = true
		s.mu.Unlock()

		if s.opts.OnServiceStart != nil {
			s.opts.OnServiceStart()
		}
	}

	bindCtx, cancel := context.WithTimeout(ctx, s.opts.BindTimeout)
	defer cancel()

	// Events the transport pushes while binding are covered by the
	// snapshot replay, so the relay stays muted until then.
	relay := &forwarder{s: s}
	b, err := s.binder.Bind(bindCtx, relay)
	if err != nil {
		s.log.Error().Err(err).Msg("bind failed")
		s.broadcastError(msgBindFailed)
		return fmt.Errorf("supervisor: bind: %w", err)
	}

	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	s.mu.Lock()
	s.binding = b
	s.relay = relay
	s.ready = true
	listeners := s.listeners.Snapshot()
	s.mu.Unlock()

	s.log.Info().Int("listeners", len(listeners)).Msg("transport bound")

	go s.watch(b)

	snap := b.Snapshot()
	for _, l := range listeners {
		s.replay(l, snap)
	}
	relay.live.Store(true)

	return nil
}

// watch waits for b to close. A close not caused by unbind is treated as
// transport death and triggers an immediate re-initialize.
func (s *Supervisor) watch(b transport.Binding) {
	<-b.Done()

	s.mu.Lock()
	if s.binding != b {
		s.mu.Unlock()
		return
	}
	s.dropBindingLocked()
	started := s.started
	s.started = false
	s.mu.Unlock()

	s.log.Warn().Msg("transport disconnected unexpectedly")

	// The process may still be exiting when the channel drops; reap it so
	// the re-initialize launches a fresh one.
	if started {
		if err := s.launcher.Stop(); err != nil && !errors.Is(err, transport.ErrNotStarted) {
			s.log.Warn().Err(err).Msg("stop dead transport")
		}
	}

	s.broadcast("OnManagerDisconnected", func(l Listener) { l.OnManagerDisconnected() })

	if err := s.Initialize(context.Background()); err != nil {
		s.log.Error().Err(err).Msg("re-initialize after transport death failed")
	}
}

// Shutdown clears listeners, unbinds and stops the transport. It is safe to
// call when never initialized; a later Initialize starts fresh.
func (s *Supervisor) Shutdown() {
	s.listeners.Clear()

	s.mu.Lock()
	s.epoch++
	s.mu.Unlock()

	s.unbind()
	s.stop()

	s.log.Info().Msg("supervisor shut down")
}

func (s *Supervisor) unbind() {
	s.mu.Lock()
	b := s.binding
	s.dropBindingLocked()
	s.mu.Unlock()

	if b == nil {
		return
	}

	if err := b.Unbind(); err != nil {
		s.log.Warn().Err(err).Msg("unbind failed")
	}
}

func (s *Supervisor) dropBindingLocked() {
	if s.relay != nil {
		s.relay.live.Store(false)
	}
	s.binding = nil
	s.relay = nil
	s.ready = false
}

func (s *Supervisor) stop() {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	if !started {
		return
	}

	if err := s.launcher.Stop(); err != nil {
		s.log.Warn().Err(err).Msg("stop transport failed")
	}
}

// RestartService unbinds, stops the transport, waits the restart grace and
// initializes again. A call while a restart is pending returns
// ErrRestartInFlight without side effects.
func (s *Supervisor) RestartService() error {
	if !s.restarting.CompareAndSwap(false, true) {
		s.log.Debug().Msg("restart already in flight")
		return ErrRestartInFlight
	}

	s.log.Info().Msg("restarting transport")

	if s.opts.OnServiceRestart != nil {
		s.opts.OnServiceRestart()
	}

	s.unbind()
	s.stop()

	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	go func() {
		defer s.restarting.Store(false)

		time.Sleep(s.opts.RestartGrace)

		s.mu.Lock()
		stale := s.epoch != epoch
		s.mu.Unlock()

		if stale {
			s.log.Debug().Msg("supervisor shut down during restart grace, not re-initializing")
			return
		}

		if err := s.Initialize(context.Background()); err != nil {
			s.log.Error().Err(err).Msg("re-initialize after restart failed")
		}
	}()

	return nil
}

// AddListener registers l. When the transport is ready, l alone receives
// OnManagerReady and the current connection state.
func (s *Supervisor) AddListener(l Listener) {
	// Registration and the ready check are atomic with respect to
	// Initialize so l gets exactly one ready notification.
	s.mu.Lock()
	added := s.listeners.Add(l)
	ready, b := s.ready, s.binding
	s.mu.Unlock()

	if added && ready && b != nil {
		s.replay(l, b.Snapshot())
	}
}

// RemoveListener unregisters l.
func (s *Supervisor) RemoveListener(l Listener) {
	s.listeners.Remove(l)
}

func (s *Supervisor) replay(l Listener, snap transport.Snapshot) {
	s.deliver(l, "OnManagerReady", func(l Listener) { l.OnManagerReady() })
	s.deliver(l, "OnConnectionStateChanged", func(l Listener) {
		l.OnConnectionStateChanged(snap.Connected, snap.DeviceName)
	})
}

func (s *Supervisor) broadcast(event string, fn func(Listener)) {
	for _, l := range s.listeners.Snapshot() {
		s.deliver(l, event, fn)
	}
}

// deliver calls fn on l, isolating the caller from listener panics.
func (s *Supervisor) deliver(l Listener, event string, fn func(Listener)) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("event", event).Msg("listener panicked")
		}
	}()

	fn(l)
}

func (s *Supervisor) broadcastError(msg string) {
	s.broadcast("OnError", func(l Listener) { l.OnError(msg) })
}

func (s *Supervisor) readyBinding() transport.Binding {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		return nil
	}

	return s.binding
}

// ConnectToDevice asks the transport to connect to the peripheral at address.
func (s *Supervisor) ConnectToDevice(address, name string) error {
	b := s.readyBinding()
	if b == nil {
		s.log.Warn().Str("address", address).Msg("connect requested before transport ready")
		s.broadcastError(msgNotReady)
		return ErrNotReady
	}

	if err := b.ConnectToDevice(address, name); err != nil {
		s.broadcastError("Connection failed: " + err.Error())
		return fmt.Errorf("supervisor: connect: %w", err)
	}

	return nil
}

// Disconnect asks the transport to drop its connection.
func (s *Supervisor) Disconnect() error {
	b := s.readyBinding()
	if b == nil {
		s.log.Warn().Msg("disconnect requested before transport ready")
		s.broadcastError(msgDisconnNotReady)
		return ErrNotReady
	}

	if err := b.Disconnect(); err != nil {
		s.broadcastError("Disconnect failed: " + err.Error())
		return fmt.Errorf("supervisor: disconnect: %w", err)
	}

	return nil
}

// Tare zeroes the scale.
func (s *Supervisor) Tare() error {
	b := s.readyBinding()
	if b == nil {
		s.log.Warn().Msg("tare requested before transport ready")
		s.broadcastError(msgTareNotReady)
		return ErrNotReady
	}

	if err := b.Tare(); err != nil {
		s.broadcastError("Tare failed: " + err.Error())
		return fmt.Errorf("supervisor: tare: %w", err)
	}

	return nil
}

func (s *Supervisor) snapshot() (transport.Snapshot, bool) {
	b := s.readyBinding()
	if b == nil {
		return transport.Snapshot{}, false
	}

	return b.Snapshot(), true
}

// IsReady reports whether the transport is bound.
func (s *Supervisor) IsReady() bool {
	return s.readyBinding() != nil
}

// IsHealthy reports whether the transport is bound.
func (s *Supervisor) IsHealthy() bool {
	return s.IsReady()
}

// IsConnected reports whether the transport holds a scale link.
func (s *Supervisor) IsConnected() bool {
	snap, _ := s.snapshot()
	return snap.Connected
}

// IsConnecting reports whether a scale connection attempt is in flight.
func (s *Supervisor) IsConnecting() bool {
	snap, _ := s.snapshot()
	return snap.Connecting
}

// ConnectedDeviceName returns the scale name, empty when not connected.
func (s *Supervisor) ConnectedDeviceName() string {
	snap, _ := s.snapshot()
	return snap.DeviceName
}

// CurrentWeight returns the last weight in kilograms.
func (s *Supervisor) CurrentWeight() float64 {
	snap, _ := s.snapshot()
	return snap.Weight
}

// IsWeightStable reports whether the last weight was stable.
func (s *Supervisor) IsWeightStable() bool {
	snap, _ := s.snapshot()
	return snap.Stable
}

// ConnectionStatus returns a one-line status for display.
func (s *Supervisor) ConnectionStatus() string {
	snap, ok := s.snapshot()

	switch {
	case !ok:
		return "Service not available"
	case snap.Connecting:
		return "Connecting..."
	case snap.Connected:
		return "Connected to " + snap.DeviceName
	default:
		return "Not connected"
	}
}

// DetailedStatus returns a multi-line status including the live weight.
func (s *Supervisor) DetailedStatus() string {
	snap, ok := s.snapshot()
	if !ok {
		return "BLE Service: Not available"
	}

	var sb strings.Builder

	sb.WriteString("BLE Service: Running\n")
	fmt.Fprintf(&sb, "Connection: %s\n", s.ConnectionStatus())

	if snap.Connected {
		stable := "Unstable"
		if snap.Stable {
			stable = "Stable"
		}
		fmt.Fprintf(&sb, "Current Weight: %.2f kg (%s)\n", snap.Weight, stable)
	}

	return sb.String()
}

// DiagnosticInfo returns a diagnostic dump of the supervisor state.
func (s *Supervisor) DiagnosticInfo() string {
	s.mu.Lock()
	started, ready := s.started, s.ready
	s.mu.Unlock()

	snap, _ := s.snapshot()

	var sb strings.Builder

	sb.WriteString("=== BLE Connection Manager Diagnostics ===\n")
	fmt.Fprintf(&sb, "Service Started: %t\n", started)
	fmt.Fprintf(&sb, "Service Bound: %t\n", ready)
	fmt.Fprintf(&sb, "Listeners: %d\n", s.listeners.Len())
	fmt.Fprintf(&sb, "Restart In Flight: %t\n", s.restarting.Load())

	if ready {
		fmt.Fprintf(&sb, "Connected: %t\n", snap.Connected)
		fmt.Fprintf(&sb, "Connecting: %t\n", snap.Connecting)
		fmt.Fprintf(&sb, "Device: %s\n", snap.DeviceName)
		fmt.Fprintf(&sb, "Weight: %.2f\n", snap.Weight)
		fmt.Fprintf(&sb, "Stable: %t\n", snap.Stable)
	}

	return sb.String()
}

// forwarder relays one binding's events to the listener set. It is muted
// until the ready replay is done and again once the binding is dropped.
type forwarder struct {
	s    *Supervisor
	live atomic.Bool
}

func (f *forwarder) relay(event string, fn func(Listener)) {
	f.s.eventMu.Lock()
	defer f.s.eventMu.Unlock()

	if !f.live.Load() {
		return
	}
	f.s.broadcast(event, fn)
}

func (f *forwarder) OnConnectionStateChanged(connected bool, name string) {
	f.relay("OnConnectionStateChanged", func(l Listener) {
		l.OnConnectionStateChanged(connected, name)
	})
}

func (f *forwarder) OnWeightReceived(weight float64, stable bool) {
	f.relay("OnWeightReceived", func(l Listener) {
		l.OnWeightReceived(weight, stable)
	})
}

func (f *forwarder) OnError(message string) {
	f.s.log.Warn().Str("error", message).Msg("transport error")
	f.relay("OnError", func(l Listener) { l.OnError(message) })
}

func (f *forwarder) OnStatusChanged(status string) {
	f.relay("OnStatusChanged", func(l Listener) { l.OnStatusChanged(status) })
}

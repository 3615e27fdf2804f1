// Package scale runs the BLE scale connection inside the transport process:
// connecting, reconnecting with linear backoff, decoding weight frames and
// fanning events out to bound clients.
package scale

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chaz8081/scalelink/internal/ble"
	"github.com/chaz8081/scalelink/internal/logger"
	"github.com/chaz8081/scalelink/internal/store"
	"github.com/chaz8081/scalelink/internal/transport"
)

// ServicePrefsNamespace holds the device the transport process maintains.
const ServicePrefsNamespace = "ble_service_prefs"

// DefaultDeviceName is used when a connect request carries no name.
const DefaultDeviceName = "BLE Scale"

// Messages broadcast through OnError and OnStatusChanged.
const (
	MsgBluetoothInitialized   = "Bluetooth initialized"
	MsgBluetoothEnabled       = "Bluetooth enabled"
	MsgBluetoothOff           = "Bluetooth turned off"
	MsgPermissionsRequired    = "Bluetooth permissions required"
	MsgBluetoothUnavailable   = "Bluetooth not available or not enabled"
	MsgConnectionTimeout      = "Connection timeout"
	MsgMaxReconnects          = "Max reconnection attempts reached"
	MsgConnectionLost         = "Connection lost, attempting to reconnect..."
	MsgNoWeightCharacteristic = "No compatible weight characteristic found"
	MsgNotificationsFailed    = "Failed to enable weight notifications"
	MsgScaleReady             = "Scale ready - notifications enabled"
	MsgTared                  = "Scale tared (zeroed)"
	MsgCannotTare             = "Cannot tare - scale not connected"
)

const (
	cmdTare         = 0x54
	cmdStart        = 0x05
	cmdRequestWeigh = 0x04
)

// Observer receives connection and throughput measurements.
type Observer interface {
	RecordConnectionStart()
	RecordConnectionSuccess()
	RecordReconnection()
	RecordDataReceived(n int)
}

type noopObserver struct{}

func (noopObserver) RecordConnectionStart()   {}
func (noopObserver) RecordConnectionSuccess() {}
func (noopObserver) RecordReconnection()      {}
func (noopObserver) RecordDataReceived(int)   {}

// PowerWatcher is implemented by power probes that can push radio state changes.
type PowerWatcher interface {
	WatchPower(ctx context.Context, fn func(powered bool)) error
}

// Options tunes timings that are not persisted in ServiceConfig.
type Options struct {
	// PowerOnDelay is how long to wait after the radio comes back before
	// reconnecting to the last device.
	PowerOnDelay time.Duration
	// StaleDataThreshold is the weight silence logged by the health check.
	StaleDataThreshold time.Duration
	// ActivationInterval spaces the wake-up commands sent after subscribing.
	// Zero disables activation.
	ActivationInterval time.Duration
	Decoder            Decoder
	Observer           Observer
	Now                func() time.Time
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		PowerOnDelay:       2 * time.Second,
		StaleDataThreshold: time.Minute,
		ActivationInterval: time.Second,
		Decoder:            TextDecoder{},
		Observer:           noopObserver{},
		Now:                time.Now,
	}
}

// Service owns the single BLE scale connection.
type Service struct {
	adapter ble.Adapter
	power   ble.PowerProbe
	cfg     *store.ServiceConfig
	saved   *store.ConnectionStateStore
	opts    Options
	log     logger.Logger

	listeners handlerSet

	mu           sync.Mutex
	conn         ble.Connection
	char         ble.Characteristic
	address      string
	deviceName   string
	connected    bool
	connecting   bool
	weight       float64
	stable       bool
	lastWeightAt time.Time
	attempts     int
	maintain     bool

	// resumeOnPower is set when the radio went off under a maintained link.
	resumeOnPower bool
	// gen identifies the current connection attempt; callbacks from older
	// attempts are ignored.
	gen            uint64
	reconnectTimer *time.Timer
	powerTimer     *time.Timer
}

var _ transport.Service = (*Service)(nil)

// New creates a Service. power may be nil when the platform has no way to
// read the radio state.
func New(adapter ble.Adapter, power ble.PowerProbe, cfg *store.ServiceConfig, saved *store.ConnectionStateStore, opts Options, log logger.Logger) *Service {
	def := DefaultOptions()
	if opts.Decoder == nil {
		opts.Decoder = def.Decoder
	}
	if opts.Observer == nil {
		opts.Observer = def.Observer
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}
	if opts.StaleDataThreshold <= 0 {
		opts.StaleDataThreshold = def.StaleDataThreshold
	}
	if opts.PowerOnDelay < 0 {
		opts.PowerOnDelay = 0
	}

	return &Service{
		adapter:    adapter,
		power:      power,
		cfg:        cfg,
		saved:      saved,
		opts:       opts,
		log:        log.WithComponent("scale"),
		deviceName: DefaultDeviceName,
	}
}

// Run enables the radio, watches its power state and runs the periodic
// health check until ctx is done. The scale is disconnected on return but
// the saved device is kept.
func (s *Service) Run(ctx context.Context) error {
	if err := s.adapter.Enable(); err != nil {
		s.log.Error().Err(err).Msg("enable adapter")
		s.notifyError(MsgBluetoothUnavailable)
	} else {
		s.notifyStatus(MsgBluetoothInitialized)
	}

	if w, ok := s.power.(PowerWatcher); ok {
		if err := w.WatchPower(ctx, s.OnPowerChanged); err != nil {
			s.log.Warn().Err(err).Msg("radio power changes will not be tracked")
		}
	}

	interval := s.cfg.HealthCheckInterval()
	if interval <= 0 {
		interval = time.Duration(store.DefaultHealthCheckIntervalMs) * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
			s.healthCheck()
		}
	}
}

func (s *Service) shutdown() {
	s.mu.Lock()
	s.maintain = false
	s.stopTimersLocked()
	s.mu.Unlock()

	s.disconnectInternal()
}

// ConnectToDevice starts a connection to the scale at address.
func (s *Service) ConnectToDevice(address, name string) {
	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()

	s.connect(address, name)
}

func (s *Service) connect(address, name string) {
	if name == "" {
		name = DefaultDeviceName
	}

	s.mu.Lock()
	if s.connecting || s.connected {
		s.mu.Unlock()
		s.log.Warn().Str("address", address).Msg("already connecting or connected")
		return
	}
	s.mu.Unlock()

	if msg, ok := s.radioReady(); !ok {
		s.notifyError(msg)
		return
	}

	s.mu.Lock()
	if s.connecting || s.connected {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	s.connecting = true
	s.maintain = true
	s.address = address
	s.deviceName = name
	timeout := s.cfg.ConnectionTimeout()
	s.mu.Unlock()

	s.log.Info().Str("address", address).Str("name", name).Msg("connecting")
	s.notifyStatus(transport.StatusConnectingPrefix + name + "...")

	s.opts.Observer.RecordConnectionStart()

	go s.dial(gen, address, timeout)
}

// radioReady returns the error message to broadcast when the radio cannot
// be used.
func (s *Service) radioReady() (string, bool) {
	if s.power == nil {
		return "", true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	powered, err := s.power.Powered(ctx)
	switch {
	case errors.Is(err, ble.ErrPermissionDenied):
		return MsgPermissionsRequired, false
	case err != nil:
		s.log.Warn().Err(err).Msg("read radio power")
		return MsgBluetoothUnavailable, false
	case !powered:
		return MsgBluetoothUnavailable, false
	}
	return "", true
}

func (s *Service) dial(gen uint64, address string, timeout time.Duration) {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := s.adapter.Connect(ctx, address)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.connectionFailed(gen, MsgConnectionTimeout)
			return
		}
		s.log.Error().Err(err).Str("address", address).Msg("connect")
		s.connectionFailed(gen, "Connection error: "+err.Error())
		return
	}

	if !s.current(gen) {
		_ = conn.Disconnect()
		return
	}

	char, err := conn.DiscoverCharacteristic(ble.WeightServiceUUID, ble.WeightCharUUID)
	if err != nil {
		s.log.Error().Err(err).Msg("discover weight characteristic")
		_ = conn.Disconnect()
		s.connectionFailed(gen, MsgNoWeightCharacteristic)
		return
	}

	if err := char.Subscribe(func(frame []byte) { s.onFrame(gen, frame) }); err != nil {
		s.log.Error().Err(err).Msg("subscribe weight notifications")
		_ = conn.Disconnect()
		s.connectionFailed(gen, MsgNotificationsFailed)
		return
	}

	conn.OnDisconnect(func() { s.onLinkLost(gen) })

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		_ = conn.Disconnect()
		return
	}
	s.conn = conn
	s.char = char
	s.connecting = false
	s.connected = true
	s.attempts = 0
	s.lastWeightAt = s.opts.Now()
	name := s.deviceName
	s.mu.Unlock()

	s.log.Info().Str("address", address).Str("name", name).Msg("connected")
	if err := s.saved.SaveConnection(address, name, s.cfg.AutoReconnectEnabled()); err != nil {
		s.log.Warn().Err(err).Msg("save device")
	}
	s.opts.Observer.RecordConnectionSuccess()
	s.notifyConnection(true, name)
	s.notifyStatus(MsgScaleReady)

	if s.opts.ActivationInterval > 0 {
		go s.activate(gen, char)
	}
}

// activate sends the wake-up sequence some scales need before streaming.
func (s *Service) activate(gen uint64, char ble.Characteristic) {
	for i, cmd := range []byte{cmdStart, cmdRequestWeigh} {
		if i > 0 {
			time.Sleep(s.opts.ActivationInterval)
		}
		if !s.current(gen) {
			return
		}
		if err := char.Write([]byte{cmd}); err != nil {
			s.log.Debug().Err(err).Uint8("cmd", cmd).Msg("activation write")
		}
	}
}

func (s *Service) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *Service) connectionFailed(gen uint64, msg string) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.connecting = false
	maintain := s.maintain
	s.mu.Unlock()

	s.log.Error().Str("reason", msg).Msg("connection failure")
	s.notifyError(msg)

	if maintain {
		s.scheduleReconnection()
	}
}

func (s *Service) onLinkLost(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || !s.connected {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.connected = false
	s.connecting = false
	s.conn = nil
	s.char = nil
	maintain := s.maintain
	s.mu.Unlock()

	s.log.Warn().Msg("link lost")
	s.notifyConnection(false, "")

	if maintain {
		s.notifyStatus(MsgConnectionLost)
		s.scheduleReconnection()
	}
}

// scheduleReconnection arms the next attempt: delay × attempt, up to the
// configured maximum.
func (s *Service) scheduleReconnection() {
	maxAttempts := s.cfg.MaxReconnectionAttempts()

	s.mu.Lock()
	if s.attempts >= maxAttempts {
		s.mu.Unlock()
		s.notifyError(MsgMaxReconnects)
		return
	}
	if !s.maintain || !s.cfg.AutoReconnectEnabled() {
		s.mu.Unlock()
		return
	}
	s.attempts++
	attempt := s.attempts
	delay := s.cfg.ReconnectionDelay() * time.Duration(attempt)
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectTimer = time.AfterFunc(delay, func() { s.reconnect(attempt, maxAttempts) })
	s.mu.Unlock()

	s.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnection scheduled")
}

func (s *Service) reconnect(attempt, maxAttempts int) {
	s.mu.Lock()
	if !s.maintain || s.connected || s.connecting || s.attempts != attempt {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.notifyStatus(fmt.Sprintf("Reconnection attempt %d/%d", attempt, maxAttempts))
	s.opts.Observer.RecordReconnection()
	s.reconnectLast()
}

// reconnectLast dials the device of the latest attempt, or the saved device
// when this process has not tried one yet.
func (s *Service) reconnectLast() {
	s.mu.Lock()
	address, name := s.address, s.deviceName
	s.mu.Unlock()

	if address == "" {
		st := s.saved.State()
		if !st.Present() {
			s.log.Debug().Msg("no saved device to reconnect to")
			return
		}
		address, name = st.PeripheralAddress, st.PeripheralName
	}
	s.connect(address, name)
}

// Disconnect drops the scale on request: reconnection stops and the saved
// device is forgotten.
func (s *Service) Disconnect() {
	s.log.Info().Msg("disconnect requested")

	s.mu.Lock()
	s.maintain = false
	s.resumeOnPower = false
	s.stopTimersLocked()
	s.mu.Unlock()

	if err := s.saved.Clear(); err != nil {
		s.log.Warn().Err(err).Msg("clear saved device")
	}
	s.disconnectInternal()
}

func (s *Service) stopTimersLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.powerTimer != nil {
		s.powerTimer.Stop()
		s.powerTimer = nil
	}
}

func (s *Service) disconnectInternal() {
	s.mu.Lock()
	s.gen++
	conn := s.conn
	wasConnected := s.connected
	s.conn = nil
	s.char = nil
	s.connected = false
	s.connecting = false
	s.weight = 0
	s.stable = false
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			s.log.Warn().Err(err).Msg("disconnect")
		}
	}
	if wasConnected {
		s.notifyConnection(false, "")
	}
}

// Tare zeroes the scale.
func (s *Service) Tare() {
	s.mu.Lock()
	char := s.char
	connected := s.connected
	s.mu.Unlock()

	if !connected || char == nil {
		s.notifyError(MsgCannotTare)
		return
	}

	if err := char.Write([]byte{cmdTare}); err != nil {
		s.log.Error().Err(err).Msg("tare")
		s.notifyError("Tare command failed: " + err.Error())
		return
	}
	s.notifyStatus(MsgTared)
}

func (s *Service) onFrame(gen uint64, frame []byte) {
	if len(frame) == 0 {
		return
	}
	s.opts.Observer.RecordDataReceived(len(frame))

	weight, stable, ok := s.opts.Decoder.Decode(frame)
	if !ok {
		s.log.Debug().Hex("frame", frame).Msg("undecodable weight frame")
		return
	}

	s.mu.Lock()
	if s.gen != gen || !s.connected {
		s.mu.Unlock()
		return
	}
	s.weight = weight
	s.stable = stable
	s.lastWeightAt = s.opts.Now()
	s.mu.Unlock()

	if err := s.saved.SaveWeight(weight, stable); err != nil {
		s.log.Debug().Err(err).Msg("save weight")
	}
	s.notifyWeight(weight, stable)
}

// OnPowerChanged reacts to the radio being switched off or on.
func (s *Service) OnPowerChanged(powered bool) {
	if !powered {
		s.log.Warn().Msg("radio powered off")

		s.mu.Lock()
		s.resumeOnPower = s.resumeOnPower || s.maintain
		s.maintain = false
		s.stopTimersLocked()
		s.mu.Unlock()

		s.disconnectInternal()
		s.notifyError(MsgBluetoothOff)
		return
	}

	s.log.Info().Msg("radio powered on")
	s.notifyStatus(MsgBluetoothEnabled)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.resumeOnPower {
		return
	}
	s.resumeOnPower = false
	s.maintain = true
	s.attempts = 0
	if s.powerTimer != nil {
		s.powerTimer.Stop()
	}
	s.powerTimer = time.AfterFunc(s.opts.PowerOnDelay, s.resumeAfterPowerOn)
}

func (s *Service) resumeAfterPowerOn() {
	s.mu.Lock()
	skip := !s.maintain || s.connected || s.connecting
	s.mu.Unlock()
	if skip {
		return
	}
	s.reconnectLast()
}

func (s *Service) healthCheck() {
	s.mu.Lock()
	connected := s.connected
	since := s.opts.Now().Sub(s.lastWeightAt)
	s.mu.Unlock()

	if connected && since > s.opts.StaleDataThreshold {
		s.log.Warn().Dur("since_last_weight", since).Msg("no weight data received")
	}
}

// Snapshot returns the current connection state.
func (s *Service) Snapshot() transport.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := transport.Snapshot{
		Connected:  s.connected,
		Connecting: s.connecting,
		Weight:     s.weight,
		Stable:     s.stable,
	}
	if s.connected || s.connecting {
		snap.DeviceName = s.deviceName
	}
	return snap
}

// AddListener registers h and immediately reports the current state to it.
func (s *Service) AddListener(h transport.EventHandler) {
	if h == nil || !s.listeners.add(h) {
		return
	}
	s.log.Debug().Int("listeners", s.listeners.count()).Msg("listener added")

	snap := s.Snapshot()
	s.deliver(h, func(h transport.EventHandler) {
		h.OnConnectionStateChanged(snap.Connected, snap.DeviceName)
		if snap.Connected {
			h.OnWeightReceived(snap.Weight, snap.Stable)
		}
	})
}

func (s *Service) RemoveListener(h transport.EventHandler) {
	if s.listeners.remove(h) {
		s.log.Debug().Int("listeners", s.listeners.count()).Msg("listener removed")
	}
}

func (s *Service) notifyConnection(connected bool, name string) {
	s.broadcast(func(h transport.EventHandler) { h.OnConnectionStateChanged(connected, name) })
}

func (s *Service) notifyWeight(weight float64, stable bool) {
	s.broadcast(func(h transport.EventHandler) { h.OnWeightReceived(weight, stable) })
}

func (s *Service) notifyError(msg string) {
	s.broadcast(func(h transport.EventHandler) { h.OnError(msg) })
}

func (s *Service) notifyStatus(status string) {
	s.broadcast(func(h transport.EventHandler) { h.OnStatusChanged(status) })
}

func (s *Service) broadcast(fn func(transport.EventHandler)) {
	for _, h := range s.listeners.snapshot() {
		s.deliver(h, fn)
	}
}

func (s *Service) deliver(h transport.EventHandler, fn func(transport.EventHandler)) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("listener panicked")
		}
	}()
	fn(h)
}

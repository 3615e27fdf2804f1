package main

import (
	"sync"

	"github.com/chaz8081/scalelink/internal/logger"
	"github.com/chaz8081/scalelink/internal/store"
	"github.com/chaz8081/scalelink/internal/supervisor"
)

type connector interface {
	IsConnected() bool
	IsConnecting() bool
	ConnectToDevice(address, name string) error
}

// deviceKeeper reconnects the persisted scale whenever the transport becomes
// ready and records each weight sample. A scale requested by the operator is
// saved once it reports connected. Failures are logged only; the operator
// sees them through the regular error events.
type deviceKeeper struct {
	supervisor.BaseListener

	state *store.ConnectionStateStore
	conn  connector
	log   logger.Logger
	spawn func(func())

	mu      sync.Mutex
	pending *requestedDevice
}

type requestedDevice struct {
	address string
	name    string
}

func newDeviceKeeper(state *store.ConnectionStateStore, conn connector, log logger.Logger) *deviceKeeper {
	return &deviceKeeper{
		state: state,
		conn:  conn,
		log:   log.WithComponent("autoconnect"),
		spawn: func(f func()) { go f() },
	}
}

func (k *deviceKeeper) OnManagerReady() {
	if !k.state.ShouldAutoReconnect() {
		return
	}
	if k.conn.IsConnected() || k.conn.IsConnecting() {
		return
	}

	st := k.state.State()
	k.log.Info().Str("address", st.PeripheralAddress).Str("name", st.PeripheralName).Msg("reconnecting saved scale")

	// Listener callbacks must not block delivery.
	k.spawn(func() {
		if err := k.conn.ConnectToDevice(st.PeripheralAddress, st.PeripheralName); err != nil {
			k.log.Warn().Err(err).Msg("auto-reconnect")
		}
	})
}

// Expect records a requested scale to be saved on its next connection.
func (k *deviceKeeper) Expect(address, name string) {
	k.mu.Lock()
	k.pending = &requestedDevice{address: address, name: name}
	k.mu.Unlock()
}

func (k *deviceKeeper) CancelExpected() {
	k.mu.Lock()
	k.pending = nil
	k.mu.Unlock()
}

// Clear forgets both the requested and the saved scale.
func (k *deviceKeeper) Clear() error {
	k.CancelExpected()
	return k.state.Clear()
}

func (k *deviceKeeper) OnConnectionStateChanged(connected bool, name string) {
	if !connected {
		return
	}

	k.mu.Lock()
	req := k.pending
	// A connection to some other scale does not satisfy the request.
	if req == nil || (req.name != "" && name != "" && req.name != name) {
		k.mu.Unlock()
		return
	}
	k.pending = nil
	k.mu.Unlock()

	if name == "" {
		name = req.name
	}
	if err := k.state.SaveConnection(req.address, name, true); err != nil {
		k.log.Warn().Err(err).Msg("save connected scale")
		return
	}
	k.log.Info().Str("address", req.address).Str("name", name).Msg("saved connected scale")
}

func (k *deviceKeeper) OnWeightReceived(weight float64, stable bool) {
	if err := k.state.SaveWeight(weight, stable); err != nil {
		k.log.Warn().Err(err).Msg("save weight")
	}
}

var _ supervisor.Listener = (*deviceKeeper)(nil)

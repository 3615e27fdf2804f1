package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/scalelink/internal/logger"
	"github.com/chaz8081/scalelink/internal/store"
)

type fakeConnector struct {
	connected  bool
	connecting bool
	err        error
	calls      []string
}

func (f *fakeConnector) IsConnected() bool  { return f.connected }
func (f *fakeConnector) IsConnecting() bool { return f.connecting }

func (f *fakeConnector) ConnectToDevice(address, name string) error {
	f.calls = append(f.calls, address+"/"+name)
	return f.err
}

func newTestKeeper(t *testing.T, conn *fakeConnector) (*deviceKeeper, *store.ConnectionStateStore) {
	t.Helper()
	state := store.NewConnectionStateStore(store.NewMemoryPrefs(store.ConnectionStateNamespace))
	k := newDeviceKeeper(state, conn, logger.NewTestLogger())
	k.spawn = func(f func()) { f() }
	return k, state
}

func TestDeviceKeeper_ReconnectsSavedScale(t *testing.T) {
	conn := &fakeConnector{}
	k, state := newTestKeeper(t, conn)
	require.NoError(t, state.SaveConnection("AA:BB", "Counter Scale", true))

	k.OnManagerReady()

	assert.Equal(t, []string{"AA:BB/Counter Scale"}, conn.calls)
}

func TestDeviceKeeper_Skips(t *testing.T) {
	tests := []struct {
		name  string
		conn  *fakeConnector
		setup func(*store.ConnectionStateStore) error
	}{
		{
			name:  "nothing saved",
			conn:  &fakeConnector{},
			setup: func(*store.ConnectionStateStore) error { return nil },
		},
		{
			name: "auto-reconnect off",
			conn: &fakeConnector{},
			setup: func(s *store.ConnectionStateStore) error {
				return s.SaveConnection("AA:BB", "Scale", false)
			},
		},
		{
			name: "already connected",
			conn: &fakeConnector{connected: true},
			setup: func(s *store.ConnectionStateStore) error {
				return s.SaveConnection("AA:BB", "Scale", true)
			},
		},
		{
			name: "connect in flight",
			conn: &fakeConnector{connecting: true},
			setup: func(s *store.ConnectionStateStore) error {
				return s.SaveConnection("AA:BB", "Scale", true)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, state := newTestKeeper(t, tt.conn)
			require.NoError(t, tt.setup(state))

			k.OnManagerReady()

			assert.Empty(t, tt.conn.calls)
		})
	}
}

func TestDeviceKeeper_ConnectErrorIsSilent(t *testing.T) {
	conn := &fakeConnector{err: errors.New("not ready")}
	k, state := newTestKeeper(t, conn)
	require.NoError(t, state.SaveConnection("AA:BB", "Scale", true))

	assert.NotPanics(t, k.OnManagerReady)
	assert.Len(t, conn.calls, 1)
}

func TestDeviceKeeper_RecordsWeight(t *testing.T) {
	k, state := newTestKeeper(t, &fakeConnector{})

	k.OnWeightReceived(12.5, true)

	st := state.State()
	assert.InDelta(t, 12.5, st.LastWeight, 1e-9)
	assert.True(t, st.LastWeightStable)
}

func TestDeviceKeeper_SavesRequestedScaleOnConnect(t *testing.T) {
	k, state := newTestKeeper(t, &fakeConnector{})
	require.NoError(t, state.SaveConnection("AA:BB", "Counter Scale", true))

	k.Expect("CC:DD", "Bench Scale")
	assert.Equal(t, "AA:BB", state.State().PeripheralAddress, "a request alone is not persisted")

	k.OnConnectionStateChanged(false, "")
	k.OnConnectionStateChanged(true, "Counter Scale")
	assert.Equal(t, "AA:BB", state.State().PeripheralAddress, "another scale does not satisfy the request")

	k.OnConnectionStateChanged(true, "Bench Scale")
	st := state.State()
	assert.Equal(t, "CC:DD", st.PeripheralAddress)
	assert.Equal(t, "Bench Scale", st.PeripheralName)
	assert.True(t, st.AutoReconnect)

	require.NoError(t, state.SaveConnection("AA:BB", "Counter Scale", true))
	k.OnConnectionStateChanged(true, "Bench Scale")
	assert.Equal(t, "AA:BB", state.State().PeripheralAddress, "the request is consumed once")
}

func TestDeviceKeeper_CancelledRequestIsNotSaved(t *testing.T) {
	k, state := newTestKeeper(t, &fakeConnector{})
	require.NoError(t, state.SaveConnection("AA:BB", "Counter Scale", true))

	k.Expect("CC:DD", "")
	k.CancelExpected()
	k.OnConnectionStateChanged(true, "Counter Scale")

	assert.Equal(t, "AA:BB", state.State().PeripheralAddress)
}

func TestDeviceKeeper_ClearForgetsEverything(t *testing.T) {
	k, state := newTestKeeper(t, &fakeConnector{})
	require.NoError(t, state.SaveConnection("AA:BB", "Counter Scale", true))

	k.Expect("CC:DD", "Bench Scale")
	require.NoError(t, k.Clear())
	k.OnConnectionStateChanged(true, "Bench Scale")

	assert.Empty(t, state.State().PeripheralAddress)
	assert.False(t, state.ShouldAutoReconnect())
}

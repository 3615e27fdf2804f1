package transport

// Frame types sent by the transport process.
const (
	EventConnection = "connection"
	EventWeight     = "weight"
	EventError      = "error"
	EventStatus     = "status"
	EventSnapshot   = "snapshot"
)

// Command types sent to the transport process.
const (
	CommandConnect    = "connect"
	CommandDisconnect = "disconnect"
	CommandTare       = "tare"
	CommandSnapshot   = "snapshot"
)

// StatusConnectingPrefix starts the status emitted for every connection
// attempt, initial or reconnect.
const StatusConnectingPrefix = "Connecting to "

// Event is a frame from the transport process. State, when present, is the
// process's snapshot at the time the event was emitted.
type Event struct {
	Type       string    `json:"type"`
	Connected  bool      `json:"connected,omitempty"`
	DeviceName string    `json:"device_name,omitempty"`
	Weight     float64   `json:"weight,omitempty"`
	Stable     bool      `json:"stable,omitempty"`
	Message    string    `json:"message,omitempty"`
	State      *Snapshot `json:"state,omitempty"`
}

// Command is a frame sent to the transport process.
type Command struct {
	Type    string `json:"type"`
	Address string `json:"address,omitempty"`
	Name    string `json:"name,omitempty"`
}

// dispatch delivers ev to h. Snapshot frames carry no handler event.
func dispatch(h EventHandler, ev Event) {
	switch ev.Type {
	case EventConnection:
		h.OnConnectionStateChanged(ev.Connected, ev.DeviceName)
	case EventWeight:
		h.OnWeightReceived(ev.Weight, ev.Stable)
	case EventError:
		h.OnError(ev.Message)
	case EventStatus:
		h.OnStatusChanged(ev.Message)
	}
}

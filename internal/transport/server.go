package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/scalelink/internal/logger"
)

const peerSendBuffer = 64

// Server exposes a Service to bound clients over websocket.
type Server struct {
	svc      Service
	log      logger.Logger
	upgrader websocket.Upgrader
}

// NewServer returns a Server for svc.
func NewServer(svc Service, log logger.Logger) *Server {
	return &Server{
		svc: svc,
		log: log.WithComponent("transport-server"),
		upgrader: websocket.Upgrader{
			// Only local supervisors bind; origin is not meaningful here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and serves one binding until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("upgrade failed")
		return
	}

	p := &peer{
		svc:  s.svc,
		conn: conn,
		log:  s.log,
		send: make(chan Event, peerSendBuffer),
		quit: make(chan struct{}),
	}

	s.log.Info().Str("remote", r.RemoteAddr).Msg("client bound")

	go p.writeLoop()

	s.svc.AddListener(p)
	p.readLoop()
	s.svc.RemoveListener(p)
	p.stop()

	s.log.Info().Str("remote", r.RemoteAddr).Msg("client unbound")
}

// peer is one bound client. It is registered as a listener on the service.
type peer struct {
	svc  Service
	conn *websocket.Conn
	log  logger.Logger

	send     chan Event
	quit     chan struct{}
	stopOnce sync.Once
}

func (p *peer) readLoop() {
	for {
		var cmd Command
		if err := p.conn.ReadJSON(&cmd); err != nil {
			return
		}

		switch cmd.Type {
		case CommandConnect:
			p.svc.ConnectToDevice(cmd.Address, cmd.Name)
		case CommandDisconnect:
			p.svc.Disconnect()
		case CommandTare:
			p.svc.Tare()
		case CommandSnapshot:
			p.enqueue(Event{Type: EventSnapshot})
		default:
			p.log.Warn().Str("type", cmd.Type).Msg("unknown command")
		}
	}
}

func (p *peer) writeLoop() {
	defer p.conn.Close()

	for {
		select {
		case ev := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(ev); err != nil {
				p.log.Debug().Err(err).Msg("write failed")
				return
			}
		case <-p.quit:
			return
		}
	}
}

func (p *peer) stop() {
	p.stopOnce.Do(func() { close(p.quit) })
}

// enqueue stamps ev with the current state and queues it without blocking
// the service.
func (p *peer) enqueue(ev Event) {
	state := p.svc.Snapshot()
	ev.State = &state

	select {
	case p.send <- ev:
	case <-p.quit:
	default:
		p.log.Warn().Str("type", ev.Type).Msg("peer send buffer full, dropping event")
	}
}

func (p *peer) OnConnectionStateChanged(connected bool, name string) {
	p.enqueue(Event{Type: EventConnection, Connected: connected, DeviceName: name})
}

func (p *peer) OnWeightReceived(weight float64, stable bool) {
	p.enqueue(Event{Type: EventWeight, Weight: weight, Stable: stable})
}

func (p *peer) OnError(message string) {
	p.enqueue(Event{Type: EventError, Message: message})
}

func (p *peer) OnStatusChanged(status string) {
	p.enqueue(Event{Type: EventStatus, Message: status})
}

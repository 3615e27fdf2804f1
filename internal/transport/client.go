package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/scalelink/internal/logger"
)

const (
	dialRetryInterval = 100 * time.Millisecond
	writeWait         = 5 * time.Second
	eventBuffer       = 256
)

// WSBinder binds to a transport process serving on a websocket URL.
type WSBinder struct {
	URL    string
	Dialer *websocket.Dialer
	Log    logger.Logger
}

// NewWSBinder returns a binder dialing url.
func NewWSBinder(url string, log logger.Logger) *WSBinder {
	return &WSBinder{
		URL:    url,
		Dialer: websocket.DefaultDialer,
		Log:    log.WithComponent("transport-client"),
	}
}

// Bind dials the transport process, retrying until ctx expires, and waits
// for the initial state snapshot before returning.
func (b *WSBinder) Bind(ctx context.Context, h EventHandler) (Binding, error) {
	conn, err := b.dial(ctx)
	if err != nil {
		return nil, err
	}

	wb := &wsBinding{
		conn:     conn,
		handler:  h,
		log:      b.Log,
		events:   make(chan Event, eventBuffer),
		done:     make(chan struct{}),
		snapshot: make(chan struct{}),
	}

	go wb.readLoop()
	go wb.dispatchLoop()

	if err := wb.send(Command{Type: CommandSnapshot}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("transport: request snapshot: %w", err)
	}

	select {
	case <-wb.snapshot:
		return wb, nil
	case <-wb.done:
		return nil, fmt.Errorf("transport: connection closed before snapshot")
	case <-ctx.Done():
		_ = wb.Unbind()
		return nil, fmt.Errorf("transport: wait for snapshot: %w", ctx.Err())
	}
}

func (b *WSBinder) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := b.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	for {
		conn, _, err := dialer.DialContext(ctx, b.URL, nil)
		if err == nil {
			return conn, nil
		}

		b.Log.Debug().Err(err).Str("url", b.URL).Msg("dial failed, retrying")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("transport: dial %s: %w", b.URL, errors.Join(ctx.Err(), err))
		case <-time.After(dialRetryInterval):
		}
	}
}

type wsBinding struct {
	conn    *websocket.Conn
	handler EventHandler
	log     logger.Logger

	writeMu sync.Mutex

	mu        sync.RWMutex
	state     Snapshot
	unbinding bool

	events       chan Event
	done         chan struct{}
	snapshot     chan struct{}
	snapshotOnce sync.Once
}

func (b *wsBinding) readLoop() {
	defer close(b.done)
	defer close(b.events)

	for {
		var ev Event
		if err := b.conn.ReadJSON(&ev); err != nil {
			b.mu.RLock()
			deliberate := b.unbinding
			b.mu.RUnlock()

			if !deliberate {
				b.log.Warn().Err(err).Msg("binding lost")
			}

			return
		}

		if ev.State != nil {
			b.mu.Lock()
			b.state = *ev.State
			b.mu.Unlock()
		}

		if ev.Type == EventSnapshot {
			b.snapshotOnce.Do(func() { close(b.snapshot) })
			continue
		}

		select {
		case b.events <- ev:
		default:
			b.log.Warn().Str("type", ev.Type).Msg("event buffer full, dropping event")
		}
	}
}

// dispatchLoop keeps slow handlers from stalling socket reads.
func (b *wsBinding) dispatchLoop() {
	for ev := range b.events {
		dispatch(b.handler, ev)
	}
}

func (b *wsBinding) send(cmd Command) error {
	select {
	case <-b.done:
		return ErrUnbound
	default:
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := b.conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("transport: send %s: %w", cmd.Type, err)
	}

	return nil
}

func (b *wsBinding) ConnectToDevice(address, name string) error {
	return b.send(Command{Type: CommandConnect, Address: address, Name: name})
}

func (b *wsBinding) Disconnect() error {
	return b.send(Command{Type: CommandDisconnect})
}

func (b *wsBinding) Tare() error {
	return b.send(Command{Type: CommandTare})
}

func (b *wsBinding) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.state
}

func (b *wsBinding) Done() <-chan struct{} {
	return b.done
}

// Unbind closes the channel and waits for the read loop to exit.
func (b *wsBinding) Unbind() error {
	b.mu.Lock()
	if b.unbinding {
		b.mu.Unlock()
		<-b.done
		return nil
	}
	b.unbinding = true
	b.mu.Unlock()

	b.writeMu.Lock()
	_ = b.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unbind"),
		time.Now().Add(time.Second))
	b.writeMu.Unlock()

	_ = b.conn.Close()
	<-b.done

	return nil
}

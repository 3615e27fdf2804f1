package ble

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus        = "org.bluez"
	bluezAdapter1   = "org.bluez.Adapter1"
	dbusProperties  = "org.freedesktop.DBus.Properties"
	propertyPowered = "Powered"

	dbusAccessDenied = "org.freedesktop.DBus.Error.AccessDenied"
)

// ErrPermissionDenied is returned when the bus refuses access to the adapter.
var ErrPermissionDenied = errors.New("ble: permission denied")

// BlueZPowerProbe reads the Powered property of a BlueZ adapter over the
// system bus.
type BlueZPowerProbe struct {
	conn *dbus.Conn
	path dbus.ObjectPath
}

// NewBlueZPowerProbe connects to the system bus for adapter (e.g. "hci0").
func NewBlueZPowerProbe(adapter string) (*BlueZPowerProbe, error) {
	if adapter == "" {
		adapter = "hci0"
	}

	// Shared connection; must not be closed.
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: connect system bus: %w", err)
	}

	return &BlueZPowerProbe{
		conn: conn,
		path: dbus.ObjectPath("/org/bluez/" + adapter),
	}, nil
}

// Powered reports the adapter's Powered property.
func (p *BlueZPowerProbe) Powered(ctx context.Context) (bool, error) {
	var v dbus.Variant

	err := p.conn.Object(bluezBus, p.path).
		CallWithContext(ctx, dbusProperties+".Get", 0, bluezAdapter1, propertyPowered).
		Store(&v)
	if accessDenied(err) {
		return false, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	if err != nil {
		return false, fmt.Errorf("ble: read %s.%s: %w", bluezAdapter1, propertyPowered, err)
	}

	powered, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("ble: %s has unexpected type %T", propertyPowered, v.Value())
	}

	return powered, nil
}

// WatchPower calls fn with every change of the adapter's Powered property
// until ctx is done.
func (p *BlueZPowerProbe) WatchPower(ctx context.Context, fn func(powered bool)) error {
	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(p.path),
		dbus.WithMatchInterface(dbusProperties),
		dbus.WithMatchMember("PropertiesChanged"),
	}

	if err := p.conn.AddMatchSignalContext(ctx, match...); err != nil {
		return fmt.Errorf("ble: add power match: %w", err)
	}

	sigCh := make(chan *dbus.Signal, 16)
	p.conn.Signal(sigCh)

	go func() {
		defer func() {
			p.conn.RemoveSignal(sigCh)
			_ = p.conn.RemoveMatchSignal(match...)
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				if powered, ok := poweredChange(sig, p.path); ok {
					fn(powered)
				}
			}
		}
	}()

	return nil
}

// poweredChange extracts a Powered update from a PropertiesChanged signal.
func poweredChange(sig *dbus.Signal, path dbus.ObjectPath) (bool, bool) {
	if sig == nil || sig.Path != path || sig.Name != dbusProperties+".PropertiesChanged" {
		return false, false
	}

	if len(sig.Body) < 2 {
		return false, false
	}

	iface, _ := sig.Body[0].(string)
	if iface != bluezAdapter1 {
		return false, false
	}

	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return false, false
	}

	v, ok := changed[propertyPowered]
	if !ok {
		return false, false
	}

	powered, ok := v.Value().(bool)

	return powered, ok
}

func accessDenied(err error) bool {
	var v dbus.Error
	if errors.As(err, &v) {
		return v.Name == dbusAccessDenied
	}
	var p *dbus.Error
	if errors.As(err, &p) {
		return p.Name == dbusAccessDenied
	}
	return false
}

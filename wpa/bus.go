// Package wpa drives wpa_supplicant's Wi-Fi P2P device over the D-Bus
// system bus and exposes it as a radio.Stack. Links formed by the radio
// carry traffic over the network package's framed TCP data path.
package wpa

import (
	"fmt"

	dbus "github.com/godbus/dbus/v5"
)

const (
	service       = "fi.w1.wpa_supplicant1"
	rootPath      = dbus.ObjectPath("/fi/w1/wpa_supplicant1")
	ifaceIface    = service + ".Interface"
	p2pIface      = ifaceIface + ".P2PDevice"
	peerIface     = service + ".Peer"
	groupIface    = service + ".Group"
	getInterface  = service + ".GetInterface"
	signalBufSize = 64
)

// bus is the slice of D-Bus the stack needs. It keeps the stack testable
// without a running wpa_supplicant.
type bus interface {
	Call(path dbus.ObjectPath, method string, args ...any) ([]any, error)
	Property(path dbus.ObjectPath, name string) (dbus.Variant, error)
	Watch(ch chan<- *dbus.Signal) error
	Close() error
}

type systemBus struct {
	conn *dbus.Conn
}

func dialSystemBus() (bus, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("wpa: connect system bus: %w", err)
	}
	return &systemBus{conn: conn}, nil
}

func (b *systemBus) Call(path dbus.ObjectPath, method string, args ...any) ([]any, error) {
	call := b.conn.Object(service, path).Call(method, 0, args...)
	if call.Err != nil {
		return nil, call.Err
	}
	return call.Body, nil
}

func (b *systemBus) Property(path dbus.ObjectPath, name string) (dbus.Variant, error) {
	return b.conn.Object(service, path).GetProperty(name)
}

// Watch subscribes ch to every P2PDevice signal from wpa_supplicant.
func (b *systemBus) Watch(ch chan<- *dbus.Signal) error {
	if err := b.conn.AddMatchSignal(
		dbus.WithMatchSender(service),
		dbus.WithMatchInterface(p2pIface),
	); err != nil {
		return fmt.Errorf("wpa: add match: %w", err)
	}
	b.conn.Signal(ch)
	return nil
}

func (b *systemBus) Close() error {
	return b.conn.Close()
}

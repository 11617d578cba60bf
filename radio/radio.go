// Package radio defines the contract between the session coordinator and the
// platform peer-to-peer stack that owns discovery, link negotiation and the
// data path.
//
// Verbs are request/acknowledge: a nil error means the stack accepted the
// request, not that the link or group exists. Authoritative outcomes arrive
// later as events. Event callbacks may run on arbitrary goroutines.
package radio

import (
	"context"
	"errors"

	"directlink/models"
)

// EventKind identifies one of the stack's asynchronous notifications.
type EventKind string

const (
	// PeersUpdated carries a full snapshot of visible peers.
	PeersUpdated EventKind = "peers_updated"
	// ConnectionInfoUpdated carries the current link state.
	ConnectionInfoUpdated EventKind = "connection_info_updated"
	// ThisDeviceChanged carries this device's metadata.
	ThisDeviceChanged EventKind = "this_device_changed"
)

// Kinds lists every event kind in subscription order.
var Kinds = []EventKind{PeersUpdated, ConnectionInfoUpdated, ThisDeviceChanged}

// ErrNotSupported is returned by stacks that cannot perform a verb.
var ErrNotSupported = errors.New("radio: operation not supported")

// Event is one notification from the stack. Only the field matching Kind is set.
type Event struct {
	Kind       EventKind
	Peers      []models.Peer
	Connection models.ConnectionInfo
	Device     models.DeviceInfo
}

// Stack is the platform peer-to-peer radio.
type Stack interface {
	Initialize(ctx context.Context) error

	StartDiscovery(ctx context.Context) error
	StopDiscovery(ctx context.Context) error
	AvailablePeers(ctx context.Context) ([]models.Peer, error)

	Connect(ctx context.Context, address string) error
	CancelConnect(ctx context.Context) error
	CreateGroup(ctx context.Context) error
	RemoveGroup(ctx context.Context) error
	ConnectionInfo(ctx context.Context) (models.ConnectionInfo, error)
	GroupInfo(ctx context.Context) (models.GroupInfo, error)

	SendMessage(ctx context.Context, transferID, text string) (models.MetaInfo, error)
	ReceiveMessage(ctx context.Context, transferID string) (models.MetaInfo, error)
	SendFile(ctx context.Context, transferID, path string) (models.MetaInfo, error)
	ReceiveFile(ctx context.Context, transferID, destDir, name string) (models.MetaInfo, error)

	// Subscribe registers fn for one event kind. The returned function
	// removes the subscription and is safe to call more than once.
	Subscribe(kind EventKind, fn func(Event)) (func(), error)

	Close() error
}

// Aborter is implemented by stacks that can stop an in-flight transfer on
// request. Abort is advisory; the transfer's own call still returns.
type Aborter interface {
	Abort(ctx context.Context, transferID string) error
}

// DeviceReporter is implemented by stacks that can report this device's
// metadata on demand. Stacks publish ThisDeviceChanged from Initialize,
// before anyone has subscribed, so callers use it to catch up.
type DeviceReporter interface {
	ThisDevice(ctx context.Context) (models.DeviceInfo, error)
}

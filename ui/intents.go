// Package ui exposes the session coordinator to presentation layers: an HTTP
// and websocket feed of snapshots and activity, plus an intent dispatcher
// shared with the command shell.
package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"directlink/activity"
	"directlink/models"
	"directlink/session"
)

// Intent names accepted by Dispatcher.
const (
	IntentConnect     = "connect"
	IntentCancel      = "cancel"
	IntentDisconnect  = "disconnect"
	IntentCreateGroup = "create-group"
	IntentRemoveGroup = "remove-group"
	IntentDiscover    = "discover"
	IntentStop        = "stop"
	IntentPeers       = "peers"
	IntentInfo        = "info"
	IntentGroup       = "group"
	IntentState       = "state"
	IntentSendFile    = "send-file"
	IntentReceiveFile = "receive-file"
	IntentSend        = "send"
	IntentReceive     = "receive"
	IntentGrant       = "grant"
)

// Intents lists every intent in the order the shell prints them.
var Intents = []string{
	IntentConnect, IntentCancel, IntentDisconnect, IntentCreateGroup, IntentRemoveGroup,
	IntentDiscover, IntentStop, IntentPeers, IntentInfo, IntentGroup, IntentState,
	IntentSendFile, IntentReceiveFile, IntentSend, IntentReceive, IntentGrant,
}

// ErrUnknownIntent is returned for intent names Dispatcher does not handle.
var ErrUnknownIntent = errors.New("ui: unknown intent")

// Controller is the coordinator surface the feed drives.
type Controller interface {
	Snapshot() session.Snapshot
	Watch(buffer int) (<-chan session.Snapshot, func())
	Activity() *activity.Log

	Connect(ctx context.Context, address string) error
	CancelConnect(ctx context.Context) (bool, error)
	Disconnect(ctx context.Context) error
	ConnectionInfo(ctx context.Context) (models.ConnectionInfo, error)

	StartDiscovery(ctx context.Context) error
	StopDiscovery(ctx context.Context) (bool, error)
	RefreshPeers(ctx context.Context) ([]models.Peer, error)

	CreateGroup(ctx context.Context) (models.GroupInfo, error)
	RemoveGroup(ctx context.Context) error
	GroupInfo(ctx context.Context) (models.GroupInfo, error)

	SendMessage(ctx context.Context, text string) (models.MetaInfo, error)
	ReceiveMessage(ctx context.Context) (models.MetaInfo, error)
	SendFile(ctx context.Context, path string) (models.MetaInfo, error)
	ReceiveFile(ctx context.Context, destDir, name string) (models.MetaInfo, error)

	RequestPermission(ctx context.Context, capability session.Capability) (bool, error)
}

var _ Controller = (*session.Coordinator)(nil)

// Intent is one user request. Fields not used by the named intent are ignored.
type Intent struct {
	ID         string `json:"id,omitempty"`
	Intent     string `json:"intent"`
	Address    string `json:"address,omitempty"`
	Text       string `json:"text,omitempty"`
	Path       string `json:"path,omitempty"`
	Dir        string `json:"dir,omitempty"`
	Name       string `json:"name,omitempty"`
	Capability string `json:"capability,omitempty"`
}

// Result answers one Intent.
type Result struct {
	ID     string `json:"id,omitempty"`
	Intent string `json:"intent"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// Dispatcher maps intents onto coordinator operations.
type Dispatcher struct {
	ctrl        Controller
	downloadDir string
}

// NewDispatcher creates a dispatcher. downloadDir is used by receive-file
// when the intent names no directory.
func NewDispatcher(ctrl Controller, downloadDir string) *Dispatcher {
	return &Dispatcher{ctrl: ctrl, downloadDir: downloadDir}
}

// Dispatch runs in and reports its outcome. Errors are carried in the result.
func (d *Dispatcher) Dispatch(ctx context.Context, in Intent) Result {
	data, err := d.run(ctx, in)
	res := Result{ID: in.ID, Intent: in.Intent, OK: err == nil, Data: data}
	if err != nil {
		res.Error = err.Error()
		res.Data = nil
	}
	return res
}

func (d *Dispatcher) run(ctx context.Context, in Intent) (any, error) {
	c := d.ctrl
	switch strings.ToLower(strings.TrimSpace(in.Intent)) {
	case IntentConnect:
		if in.Address == "" {
			return nil, errors.New("connect: address is required")
		}
		return nil, c.Connect(ctx, in.Address)
	case IntentCancel:
		canceled, err := c.CancelConnect(ctx)
		return map[string]bool{"canceled": canceled}, err
	case IntentDisconnect:
		return nil, c.Disconnect(ctx)
	case IntentCreateGroup:
		return c.CreateGroup(ctx)
	case IntentRemoveGroup:
		return nil, c.RemoveGroup(ctx)
	case IntentDiscover:
		return nil, c.StartDiscovery(ctx)
	case IntentStop:
		stopped, err := c.StopDiscovery(ctx)
		return map[string]bool{"stopped": stopped}, err
	case IntentPeers:
		return c.RefreshPeers(ctx)
	case IntentInfo:
		return c.ConnectionInfo(ctx)
	case IntentGroup:
		return c.GroupInfo(ctx)
	case IntentState:
		return c.Snapshot(), nil
	case IntentSend:
		return c.SendMessage(ctx, in.Text)
	case IntentReceive:
		return c.ReceiveMessage(ctx)
	case IntentSendFile:
		if in.Path == "" {
			return nil, errors.New("send-file: path is required")
		}
		if err := d.storageAccess(ctx); err != nil {
			return nil, err
		}
		return c.SendFile(ctx, in.Path)
	case IntentReceiveFile:
		dir := in.Dir
		if dir == "" {
			dir = d.downloadDir
		}
		if err := d.storageAccess(ctx); err != nil {
			return nil, err
		}
		return c.ReceiveFile(ctx, dir, in.Name)
	case IntentGrant:
		capability := session.Capability(in.Capability)
		if !knownCapability(capability) {
			return nil, fmt.Errorf("grant: unknown capability %q", in.Capability)
		}
		granted, err := c.RequestPermission(ctx, capability)
		return map[string]any{"capability": capability, "granted": granted}, err
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownIntent, in.Intent)
	}
}

// storageAccess asks for read then write access ahead of a file transfer.
// Denials surface from the coordinator's own gate.
func (d *Dispatcher) storageAccess(ctx context.Context) error {
	for _, capability := range []session.Capability{session.CapabilityStorageRead, session.CapabilityStorageWrite} {
		if _, err := d.ctrl.RequestPermission(ctx, capability); err != nil {
			return err
		}
	}
	return nil
}

func knownCapability(capability session.Capability) bool {
	for _, known := range session.Capabilities {
		if capability == known {
			return true
		}
	}
	return false
}

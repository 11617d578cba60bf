package session

import (
	"time"

	"directlink/models"
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateDiscovering
	StateConnecting
	StateConnected
	StateDisconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	for candidate := StateIdle; candidate <= StateFailed; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	*s = StateIdle
	return nil
}

// Connection is the single active (or pending) link record. The peer is held
// by address and resolved against the current snapshot when needed.
type Connection struct {
	PeerAddress string                `json:"peer_address"`
	PeerName    string                `json:"peer_name,omitempty"`
	Self        bool                  `json:"self"`
	Role        models.Role           `json:"role"`
	Info        models.ConnectionInfo `json:"info"`
	Since       time.Time             `json:"since"`
}

// Group is the hosted group record. It exists only while this device owns
// a group.
type Group struct {
	Info    models.GroupInfo `json:"info"`
	Created time.Time        `json:"created"`
}

// Session is the explicitly owned session state. Only the coordinator loop
// reads or writes it; components receive it at construction.
type Session struct {
	state    State
	scanning bool

	device models.DeviceInfo
	peers  []models.Peer

	conn  *Connection
	group *Group

	groupPending bool
	attempt      uint64
	epoch        uint64

	transfers map[slotKey]*TransferRequest

	version uint64
}

func newSession(self models.DeviceInfo) *Session {
	return &Session{
		state:     StateIdle,
		device:    self,
		transfers: make(map[slotKey]*TransferRequest),
	}
}

func (s *Session) touch() {
	s.version++
}

func (s *Session) findPeer(address string) (models.Peer, bool) {
	for _, peer := range s.peers {
		if peer.Address == address {
			return peer, true
		}
	}
	return models.Peer{}, false
}

// TransferStatus describes one in-flight transfer.
type TransferStatus struct {
	ID        string              `json:"id"`
	Kind      models.TransferKind `json:"kind"`
	Direction models.Direction    `json:"direction"`
	Target    string              `json:"target,omitempty"`
	Issued    time.Time           `json:"issued"`
}

// Snapshot is an immutable copy of the session handed to readers.
type Snapshot struct {
	State        State             `json:"state"`
	Scanning     bool              `json:"scanning"`
	GroupPending bool              `json:"group_pending"`
	Device       models.DeviceInfo `json:"device"`
	Peers        []models.Peer     `json:"peers"`
	Connection   *Connection       `json:"connection,omitempty"`
	Group        *Group            `json:"group,omitempty"`
	Transfers    []TransferStatus  `json:"transfers,omitempty"`
	Version      uint64            `json:"version"`
}

func (s *Session) snapshot() Snapshot {
	out := Snapshot{
		State:        s.state,
		Scanning:     s.scanning,
		GroupPending: s.groupPending,
		Device:       s.device,
		Peers:        append([]models.Peer{}, s.peers...),
		Version:      s.version,
	}
	if s.conn != nil {
		conn := *s.conn
		out.Connection = &conn
	}
	if s.group != nil {
		group := Group{Info: s.group.Info.Clone(), Created: s.group.Created}
		out.Group = &group
	}
	for _, req := range s.transfers {
		out.Transfers = append(out.Transfers, req.status())
	}
	sortTransfers(out.Transfers)
	return out
}

// Clone returns a deep copy so callers can mutate the result freely.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Peers = append([]models.Peer{}, s.Peers...)
	if s.Connection != nil {
		conn := *s.Connection
		out.Connection = &conn
	}
	if s.Group != nil {
		group := Group{Info: s.Group.Info.Clone(), Created: s.Group.Created}
		out.Group = &group
	}
	out.Transfers = append([]TransferStatus(nil), s.Transfers...)
	return out
}

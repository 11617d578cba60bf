package models

import "time"

// PeerStatus mirrors the radio's per-device status codes.
type PeerStatus int

const (
	PeerConnected PeerStatus = iota
	PeerInvited
	PeerFailed
	PeerAvailable
	PeerUnavailable
)

func (s PeerStatus) String() string {
	switch s {
	case PeerConnected:
		return "connected"
	case PeerInvited:
		return "invited"
	case PeerFailed:
		return "failed"
	case PeerAvailable:
		return "available"
	default:
		return "unavailable"
	}
}

// MarshalText encodes the status by name.
func (s PeerStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name; unknown names map to PeerUnavailable.
func (s *PeerStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "connected":
		*s = PeerConnected
	case "invited":
		*s = PeerInvited
	case "failed":
		*s = PeerFailed
	case "available":
		*s = PeerAvailable
	default:
		*s = PeerUnavailable
	}
	return nil
}

// Peer is one entry of a discovery snapshot.
type Peer struct {
	Address     string     `json:"address"`
	Name        string     `json:"name"`
	Status      PeerStatus `json:"status"`
	PrimaryType string     `json:"primary_type,omitempty"`
	GroupOwner  bool       `json:"group_owner"`
	LastSeen    time.Time  `json:"last_seen"`
}

// DeviceInfo describes this device as reported by the radio.
type DeviceInfo struct {
	Address string     `json:"address"`
	Name    string     `json:"name"`
	Status  PeerStatus `json:"status"`
}

package models

// Role is this device's position in the current P2P group.
type Role int

const (
	RoleUnknown Role = iota
	RoleGroupOwner
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleGroupOwner:
		return "group_owner"
	case RoleClient:
		return "client"
	default:
		return "unknown"
	}
}

// MarshalText encodes the role by name.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a role name.
func (r *Role) UnmarshalText(text []byte) error {
	switch string(text) {
	case "group_owner":
		*r = RoleGroupOwner
	case "client":
		*r = RoleClient
	default:
		*r = RoleUnknown
	}
	return nil
}

// ConnectionInfo is the radio's view of the current link.
//
// PeerAddress is optional; radios that cannot name the remote device leave it
// empty.
type ConnectionInfo struct {
	GroupFormed       bool   `json:"group_formed"`
	IsGroupOwner      bool   `json:"is_group_owner"`
	GroupOwnerAddress string `json:"group_owner_address,omitempty"`
	PeerAddress       string `json:"peer_address,omitempty"`
}

// GroupInfo describes a P2P group hosted or joined by this device.
type GroupInfo struct {
	NetworkName string `json:"network_name"`
	Passphrase  string `json:"passphrase,omitempty"`
	Interface   string `json:"interface,omitempty"`
	Owner       Peer   `json:"owner"`
	Clients     []Peer `json:"clients,omitempty"`
}

// Clone returns a deep copy.
func (g GroupInfo) Clone() GroupInfo {
	out := g
	out.Clients = append([]Peer(nil), g.Clients...)
	return out
}

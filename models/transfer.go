package models

import "time"

// TransferKind distinguishes message and file transfers.
type TransferKind string

const (
	TransferMessage TransferKind = "message"
	TransferFile    TransferKind = "file"
)

// Direction distinguishes outbound and inbound transfers.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// MetaInfo is returned by the radio when a transfer completes.
type MetaInfo struct {
	TransferID string       `json:"transfer_id"`
	Kind       TransferKind `json:"kind"`
	Name       string       `json:"name,omitempty"`
	Path       string       `json:"path,omitempty"`
	Text       string       `json:"text,omitempty"`
	Bytes      int64        `json:"bytes"`
	Checksum   string       `json:"checksum,omitempty"`
	Remote     string       `json:"remote,omitempty"`
	Started    time.Time    `json:"started"`
	Finished   time.Time    `json:"finished"`
}

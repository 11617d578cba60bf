package session

import (
	"errors"
	"strings"
)

var (
	// ErrPermissionDenied means a required capability has not been granted.
	ErrPermissionDenied = errors.New("session: permission denied")
	// ErrInvalidState means the operation is not valid in the current state.
	ErrInvalidState = errors.New("session: invalid state")
	// ErrNotConnected means a transfer was requested outside Connected.
	ErrNotConnected = errors.New("session: not connected")
	// ErrUnknownPeer means the address is not in the latest peer snapshot.
	ErrUnknownPeer = errors.New("session: unknown peer")
	// ErrAlreadySubscribed means a handler is already attached for the event kind.
	ErrAlreadySubscribed = errors.New("session: already subscribed")
	// ErrTransferInProgress means the transfer slot for this kind and direction is busy.
	ErrTransferInProgress = errors.New("session: transfer in progress")
	// ErrConnectionLost means the connection left Connected before the transfer resolved.
	ErrConnectionLost = errors.New("session: connection lost")
	// ErrExternalFailure means the radio stack reported a failure.
	ErrExternalFailure = errors.New("session: external failure")
	// ErrTimeout means a configured connect or transfer deadline expired.
	ErrTimeout = errors.New("session: timeout")
	// ErrClosed means the coordinator has been closed.
	ErrClosed = errors.New("session: closed")
)

// Error describes a failed coordinator operation. It matches both its Kind
// and the underlying cause with errors.Is.
type Error struct {
	Op      string
	Kind    error
	State   State
	Address string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("session: ")
	b.WriteString(e.Op)
	if e.Address != "" {
		b.WriteString(" ")
		b.WriteString(e.Address)
	}
	if e.Kind != nil {
		b.WriteString(": ")
		b.WriteString(strings.TrimPrefix(e.Kind.Error(), "session: "))
	}
	if e.Kind == ErrInvalidState || e.Kind == ErrNotConnected {
		b.WriteString(" (state ")
		b.WriteString(e.State.String())
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func externalFailure(op, address string, err error) *Error {
	return &Error{Op: op, Kind: ErrExternalFailure, Address: address, Err: err}
}

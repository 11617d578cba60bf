// Package network emulates the peer-to-peer radio on an ordinary LAN. Devices
// find each other over mDNS, a link is one framed TCP connection, and the
// acceptor of a link plays the group owner.
package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultDialTimeout bounds the TCP dial plus hello exchange.
	DefaultDialTimeout = 15 * time.Second
	// DefaultKeepAliveInterval sends ping on idle links.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 10 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
	// DefaultChunkSize is the file_data payload size.
	DefaultChunkSize = 256 * 1024
)

const (
	TypeHello         = "hello"
	TypeBye           = "bye"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeMessage       = "message"
	TypeMessageAck    = "message_ack"
	TypeFileOffer     = "file_offer"
	TypeFileAccept    = "file_accept"
	TypeFileData      = "file_data"
	TypeFileDone      = "file_done"
	TypeFileAck       = "file_ack"
	TypeTransferAbort = "transfer_abort"
	TypeError         = "error"
)

// Error frame codes.
const (
	CodeBusy    = "busy"
	CodeVersion = "unsupported_version"
	CodeBadPeer = "bad_peer"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrPongTimeout indicates keep-alive timed out waiting for pong.
	ErrPongTimeout = errors.New("network: pong timeout")
	// ErrLinkClosed is returned for operations on a closed link.
	ErrLinkClosed = errors.New("network: link closed")
	// ErrNoLink is returned by data operations when no link is up.
	ErrNoLink = errors.New("network: no link")
	// ErrBusy is returned when a link or dial already exists.
	ErrBusy = errors.New("network: link busy")
	// ErrUnknownDevice is returned by Connect for devices not in the peer set.
	ErrUnknownDevice = errors.New("network: unknown device")
	// ErrNoGroup is returned by GroupInfo when no group exists.
	ErrNoGroup = errors.New("network: no group")
	// ErrChecksumMismatch indicates a received file failed verification.
	ErrChecksumMismatch = errors.New("network: checksum mismatch")
	// ErrTransferAborted indicates either side aborted a transfer.
	ErrTransferAborted = errors.New("network: transfer aborted")
	// ErrNotInitialized is returned before Initialize succeeds.
	ErrNotInitialized = errors.New("network: stack not initialized")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// Hello opens every link. The dialer sends first; the acceptor answers with
// its own Hello or an ErrorMessage.
type Hello struct {
	Type        string `json:"type"`
	Version     int    `json:"version"`
	DeviceID    string `json:"device_id"`
	DeviceName  string `json:"device_name"`
	NetworkName string `json:"network_name,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// Bye announces an orderly close.
type Bye struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// PingMessage is a keep-alive probe.
type PingMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// PongMessage answers PingMessage.
type PongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// TextMessage carries one text message.
type TextMessage struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Text       string `json:"text"`
	Timestamp  int64  `json:"timestamp"`
}

// MessageAck confirms a TextMessage was queued by the receiver.
type MessageAck struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
}

// FileOffer announces a file the sender wants to push.
type FileOffer struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Checksum   string `json:"checksum"`
	Timestamp  int64  `json:"timestamp"`
}

// FileAccept tells the sender to start streaming.
type FileAccept struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
}

// FileData is one chunk of file content.
type FileData struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Offset     int64  `json:"offset"`
	Data       []byte `json:"data"`
}

// FileDone ends the data stream.
type FileDone struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Bytes      int64  `json:"bytes"`
}

// FileAck reports the receiver's verification result.
type FileAck struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	OK         bool   `json:"ok"`
	Checksum   string `json:"checksum,omitempty"`
	Error      string `json:"error,omitempty"`
}

// TransferAbort cancels a transfer on the other side.
type TransferAbort struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Reason     string `json:"reason,omitempty"`
}

// ErrorMessage reports a protocol-level refusal.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RemoteError is an ErrorMessage received from the peer.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("network: peer refused (%s): %s", e.Code, e.Message)
}

// EncodeJSON marshals one protocol message.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

func decode[T any](payload []byte) (T, error) {
	var out T
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, fmt.Errorf("decode %T: %w", out, err)
	}
	return out, nil
}

// transferIDOf extracts transfer_id from frames that carry one.
func transferIDOf(payload []byte) string {
	var probe struct {
		TransferID string `json:"transfer_id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.TransferID
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

func writeMessage(conn net.Conn, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return WriteFrame(conn, payload)
}

// readHello reads the peer's Hello, translating an error frame into a
// RemoteError.
func readHello(conn net.Conn, timeout time.Duration) (Hello, error) {
	payload, err := ReadFrameWithTimeout(conn, timeout)
	if err != nil {
		return Hello{}, fmt.Errorf("read hello: %w", err)
	}
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return Hello{}, err
	}
	switch msgType {
	case TypeHello:
	case TypeError:
		msg, err := decode[ErrorMessage](payload)
		if err != nil {
			return Hello{}, err
		}
		return Hello{}, &RemoteError{Code: msg.Code, Message: msg.Message}
	default:
		return Hello{}, fmt.Errorf("%w: expected hello, got %q", ErrInvalidMessageType, msgType)
	}

	hello, err := decode[Hello](payload)
	if err != nil {
		return Hello{}, err
	}
	if hello.Version != ProtocolVersion {
		return hello, fmt.Errorf("%w: %d", ErrUnsupportedVersion, hello.Version)
	}
	if hello.DeviceID == "" {
		return hello, errors.New("hello is missing device ID")
	}
	return hello, nil
}

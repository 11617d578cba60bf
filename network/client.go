package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Dial opens a TCP session to address and exchanges hellos. When expectID is
// set the remote device must identify as that ID.
func Dial(ctx context.Context, address string, local Hello, expectID string, timeout time.Duration) (net.Conn, Hello, error) {
	if address == "" {
		return nil, Hello{}, errors.New("address is required")
	}
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, Hello{}, fmt.Errorf("dial %q: %w", address, err)
	}

	// Closing conn unblocks the hello exchange when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	remote, err := greet(conn, local, expectID, timeout)
	if err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, Hello{}, ctxErr
		}
		return nil, Hello{}, err
	}
	return conn, remote, nil
}

func greet(conn net.Conn, local Hello, expectID string, timeout time.Duration) (Hello, error) {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return Hello{}, fmt.Errorf("set hello deadline: %w", err)
	}

	local.Type = TypeHello
	local.Version = ProtocolVersion
	local.Timestamp = time.Now().UnixMilli()
	if err := writeMessage(conn, local); err != nil {
		return Hello{}, fmt.Errorf("write hello: %w", err)
	}

	remote, err := readHello(conn, timeout)
	if err != nil {
		return Hello{}, err
	}
	if expectID != "" && remote.DeviceID != expectID {
		return Hello{}, fmt.Errorf("expected device %s, reached %s", expectID, remote.DeviceID)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return Hello{}, fmt.Errorf("clear hello deadline: %w", err)
	}
	return remote, nil
}

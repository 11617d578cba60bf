package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// LinkOptions controls keep-alive and read behavior of a Link.
type LinkOptions struct {
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
}

func (o LinkOptions) withDefaults() LinkOptions {
	out := o
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	return out
}

// Link is one established framed TCP session with a peer. Keep-alive frames
// and bye are handled internally; everything else is queued for Receive.
type Link struct {
	conn   net.Conn
	remote Hello
	owner  bool

	sendMu sync.Mutex

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	lastActivity atomic.Int64

	opts LinkOptions

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// newLink starts the read and keep-alive loops on an already greeted conn.
// owner reports whether this side is the group owner.
func newLink(conn net.Conn, remote Hello, owner bool, options LinkOptions) *Link {
	l := &Link{
		conn:    conn,
		remote:  remote,
		owner:   owner,
		opts:    options.withDefaults(),
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
	l.touchActivity()
	go l.readLoop()
	go l.keepAliveLoop()
	return l
}

// Remote returns the peer's hello.
func (l *Link) Remote() Hello {
	return l.remote
}

// Owner reports whether this side accepted the link.
func (l *Link) Owner() bool {
	return l.owner
}

// LocalAddr returns the local socket address.
func (l *Link) LocalAddr() net.Addr {
	return l.conn.LocalAddr()
}

// RemoteAddr returns the peer socket address.
func (l *Link) RemoteAddr() net.Addr {
	return l.conn.RemoteAddr()
}

// Done is closed when the link is fully down.
func (l *Link) Done() <-chan struct{} {
	return l.closed
}

// Err returns the terminal error, or nil for an orderly close.
func (l *Link) Err() error {
	l.errMu.RLock()
	defer l.errMu.RUnlock()
	return l.closeErr
}

// Send marshals a protocol message and writes it as one frame.
func (l *Link) Send(message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return l.SendRaw(payload)
}

// SendRaw writes a pre-marshaled payload as one frame.
func (l *Link) SendRaw(payload []byte) error {
	select {
	case <-l.closed:
		return l.terminalErr()
	default:
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if err := WriteFrame(l.conn, payload); err != nil {
		l.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}
	l.touchActivity()
	return nil
}

// Receive waits for the next non-keepalive inbound frame.
func (l *Link) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-l.inbound:
		return payload, nil
	case <-l.closed:
		return nil, l.terminalErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect sends bye and closes the link.
func (l *Link) Disconnect() error {
	_ = l.Send(Bye{Type: TypeBye, Timestamp: time.Now().UnixMilli()})
	return l.Close()
}

// Close terminates the link.
func (l *Link) Close() error {
	l.closeWithError(nil)
	return nil
}

func (l *Link) terminalErr() error {
	if err := l.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLinkClosed, err)
	}
	return ErrLinkClosed
}

func (l *Link) readLoop() {
	for {
		select {
		case <-l.closed:
			return
		default:
		}

		payload, err := ReadFrameWithTimeout(l.conn, l.opts.FrameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				l.closeWithError(nil)
				return
			}
			l.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		l.touchActivity()
		if len(payload) == 0 {
			continue
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			continue
		}

		switch msgType {
		case TypePing:
			_ = l.Send(PongMessage{Type: TypePong, Timestamp: time.Now().UnixMilli()})
		case TypePong:
			l.ackPong()
		case TypeBye:
			l.closeWithError(nil)
			return
		default:
			select {
			case l.inbound <- payload:
			case <-l.closed:
				return
			}
		}
	}
}

func (l *Link) keepAliveLoop() {
	checkEvery := l.opts.KeepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = l.opts.KeepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if l.waitingPongExpired() {
				l.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, l.lastActivity.Load()))
			if idleFor < l.opts.KeepAliveInterval || l.isWaitingPong() {
				continue
			}

			if err := l.Send(PingMessage{Type: TypePing, Timestamp: time.Now().UnixMilli()}); err != nil {
				return
			}
			l.setWaitingPong(time.Now().Add(l.opts.KeepAliveTimeout))
		case <-l.closed:
			return
		}
	}
}

func (l *Link) touchActivity() {
	l.lastActivity.Store(time.Now().UnixNano())
}

func (l *Link) setWaitingPong(deadline time.Time) {
	l.waitMu.Lock()
	defer l.waitMu.Unlock()
	l.waitingPong = true
	l.pongDeadline = deadline
}

func (l *Link) ackPong() {
	l.waitMu.Lock()
	defer l.waitMu.Unlock()
	l.waitingPong = false
	l.pongDeadline = time.Time{}
}

func (l *Link) isWaitingPong() bool {
	l.waitMu.Lock()
	defer l.waitMu.Unlock()
	return l.waitingPong
}

func (l *Link) waitingPongExpired() bool {
	l.waitMu.Lock()
	defer l.waitMu.Unlock()
	return l.waitingPong && time.Now().After(l.pongDeadline)
}

func (l *Link) closeWithError(err error) {
	l.closeOnce.Do(func() {
		l.errMu.Lock()
		l.closeErr = err
		l.errMu.Unlock()

		_ = l.conn.Close()
		close(l.closed)
	})
}

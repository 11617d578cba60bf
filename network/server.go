package network

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// AdmitFunc decides whether a greeted inbound conn becomes the link. It owns
// conn on success and must write the reply Hello itself. A returned error is
// sent back to the dialer as an error frame.
type AdmitFunc func(conn net.Conn, remote Hello) error

// Server accepts inbound TCP sessions and hands greeted ones to admit.
type Server struct {
	listener         net.Listener
	handshakeTimeout time.Duration
	admit            AdmitFunc
	logger           *log.Logger

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and accept loop.
func Listen(address string, handshakeTimeout time.Duration, admit AdmitFunc, logger *log.Logger) (*Server, error) {
	if admit == nil {
		return nil, errors.New("admit callback is required")
	}
	if address == "" {
		address = ":0"
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultDialTimeout
	}
	if logger == nil {
		logger = log.Default()
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener:         listener,
		handshakeTimeout: handshakeTimeout,
		admit:            admit,
		logger:           logger,
		closed:           make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the listening TCP port.
func (s *Server) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Close stops accepting and waits for in-progress greetings.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.logger.Printf("network: accept connection: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	if err := conn.SetDeadline(time.Now().Add(s.handshakeTimeout)); err != nil {
		s.logger.Printf("network: set hello deadline: %v", err)
		_ = conn.Close()
		return
	}

	remote, err := readHello(conn, s.handshakeTimeout)
	if err != nil {
		if errors.Is(err, ErrUnsupportedVersion) {
			refuse(conn, CodeVersion, err)
		}
		s.logger.Printf("network: inbound hello from %s: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}

	if err := s.admit(conn, remote); err != nil {
		code := CodeBadPeer
		if errors.Is(err, ErrBusy) {
			code = CodeBusy
		}
		refuse(conn, code, err)
		s.logger.Printf("network: refused %s (%s): %v", remote.DeviceID, conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}

	_ = conn.SetDeadline(time.Time{})
}

func refuse(conn net.Conn, code string, cause error) {
	_ = writeMessage(conn, ErrorMessage{Type: TypeError, Code: code, Message: cause.Error()})
}

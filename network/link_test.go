package network

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func pipeLinks(t *testing.T, opts LinkOptions) (*Link, *Link) {
	t.Helper()
	a, b := net.Pipe()
	owner := newLink(a, Hello{DeviceID: "client"}, true, opts)
	client := newLink(b, Hello{DeviceID: "owner"}, false, opts)
	t.Cleanup(func() {
		_ = owner.Close()
		_ = client.Close()
	})
	return owner, client
}

func TestKeepAliveMaintainsIdleLinks(t *testing.T) {
	opts := LinkOptions{
		KeepAliveInterval: 80 * time.Millisecond,
		KeepAliveTimeout:  120 * time.Millisecond,
		FrameReadTimeout:  40 * time.Millisecond,
	}
	owner, client := pipeLinks(t, opts)

	time.Sleep(500 * time.Millisecond)

	for _, link := range []*Link{owner, client} {
		select {
		case <-link.Done():
			t.Fatalf("link unexpectedly closed during idle period: %v", link.Err())
		default:
		}
	}
}

func TestDeadLinkDetectedOnPongTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	// The far side drains frames but never answers.
	go func() {
		for {
			if _, err := ReadFrame(b); err != nil {
				return
			}
		}
	}()

	link := newLink(a, Hello{DeviceID: "silent"}, false, LinkOptions{
		KeepAliveInterval: 60 * time.Millisecond,
		KeepAliveTimeout:  60 * time.Millisecond,
		FrameReadTimeout:  30 * time.Millisecond,
	})
	defer link.Close()

	select {
	case <-link.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected link to close after pong timeout")
	}
	if !errors.Is(link.Err(), ErrPongTimeout) {
		t.Fatalf("expected ErrPongTimeout, got %v", link.Err())
	}
}

func TestByeClosesPeerCleanly(t *testing.T) {
	owner, client := pipeLinks(t, LinkOptions{})

	if err := owner.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected client to observe bye")
	}
	if client.Err() != nil {
		t.Fatalf("expected orderly close, got %v", client.Err())
	}
	if err := client.Send(PingMessage{Type: TypePing}); !errors.Is(err, ErrLinkClosed) {
		t.Fatalf("expected ErrLinkClosed after close, got %v", err)
	}
}

func TestLinkQueuesApplicationFrames(t *testing.T) {
	owner, client := pipeLinks(t, LinkOptions{})

	go func() {
		_ = owner.Send(TextMessage{Type: TypeMessage, TransferID: "t1", Text: "hello"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload, err := client.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	msg, err := decode[TextMessage](payload)
	if err != nil || msg.Text != "hello" || msg.TransferID != "t1" {
		t.Fatalf("unexpected frame %+v (%v)", msg, err)
	}
}

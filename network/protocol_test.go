package network

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"ping","timestamp":1}`)

	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameRejectsOversizedHeader(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := ReadFrame(buffer); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeMessageTypeRequiresType(t *testing.T) {
	if _, err := DecodeMessageType([]byte(`{"transfer_id":"x"}`)); !errors.Is(err, ErrInvalidMessageType) {
		t.Fatalf("expected ErrInvalidMessageType, got %v", err)
	}
	msgType, err := DecodeMessageType([]byte(`{"type":"file_offer","transfer_id":"x"}`))
	if err != nil || msgType != TypeFileOffer {
		t.Fatalf("unexpected decode result %q %v", msgType, err)
	}
	if id := transferIDOf([]byte(`{"type":"file_offer","transfer_id":"x"}`)); id != "x" {
		t.Fatalf("expected transfer id x, got %q", id)
	}
}

func TestReadHelloTranslatesErrorFrame(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	go func() {
		_ = writeMessage(remote, ErrorMessage{Type: TypeError, Code: CodeBusy, Message: "already linked"})
	}()

	_, err := readHello(local, time.Second)
	var refused *RemoteError
	if !errors.As(err, &refused) || refused.Code != CodeBusy {
		t.Fatalf("expected busy refusal, got %v", err)
	}
}

func TestReadHelloRejectsOtherVersions(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	go func() {
		_ = writeMessage(remote, Hello{Type: TypeHello, Version: ProtocolVersion + 1, DeviceID: "b"})
	}()

	if _, err := readHello(local, time.Second); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

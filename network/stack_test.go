package network

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"directlink/crypto"
	"directlink/discovery"
	"directlink/models"
	"directlink/radio"
	"directlink/session"
)

type fakeAdvertiser struct {
	mu    sync.Mutex
	owner bool
}

func (a *fakeAdvertiser) SetGroupOwner(owner bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.owner = owner
}

func (a *fakeAdvertiser) Stop() {}

func (a *fakeAdvertiser) isOwner() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owner
}

type fakeScanner struct {
	onChange func([]discovery.DiscoveredPeer)
}

func (s *fakeScanner) Start()                        {}
func (s *fakeScanner) Stop()                         {}
func (s *fakeScanner) Refresh(context.Context) error { return nil }
func (s *fakeScanner) ListPeers() []discovery.DiscoveredPeer {
	return nil
}

type testStack struct {
	*Stack
	adv   *fakeAdvertiser
	infos chan models.ConnectionInfo
}

func newTestStack(t *testing.T, id, name string) *testStack {
	t.Helper()
	adv := &fakeAdvertiser{}
	stack, err := NewStack(Config{
		DeviceID:      id,
		DeviceName:    name,
		ListenAddress: "127.0.0.1:0",
		DialTimeout:   2 * time.Second,
		ChunkSize:     16 * 1024,
		Logger:        log.New(io.Discard, "", 0),
		newScanner: func(_ discovery.Config, onChange func([]discovery.DiscoveredPeer)) (peerScanner, error) {
			return &fakeScanner{onChange: onChange}, nil
		},
		newAdvertiser: func(discovery.Config) (advertiser, error) {
			return adv, nil
		},
	})
	if err != nil {
		t.Fatalf("NewStack failed: %v", err)
	}

	ts := &testStack{Stack: stack, adv: adv, infos: make(chan models.ConnectionInfo, 32)}
	if _, err := stack.Subscribe(radio.ConnectionInfoUpdated, func(ev radio.Event) {
		select {
		case ts.infos <- ev.Connection:
		default:
		}
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := stack.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { _ = stack.Close() })
	return ts
}

// introduce makes target visible to from as if mDNS had found it.
func introduce(from, target *testStack) {
	from.onPeers([]discovery.DiscoveredPeer{{
		DeviceID:   target.cfg.DeviceID,
		DeviceName: target.cfg.DeviceName,
		Version:    discovery.DefaultVersion,
		Addresses:  []string{"127.0.0.1"},
		Port:       target.Port(),
		LastSeen:   time.Now(),
	}})
}

func waitInfo(t *testing.T, ts *testStack, match func(models.ConnectionInfo) bool) models.ConnectionInfo {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case info := <-ts.infos:
			if match(info) {
				return info
			}
		case <-deadline:
			t.Fatalf("timed out waiting for connection info on %s", ts.cfg.DeviceID)
			return models.ConnectionInfo{}
		}
	}
}

func linked(info models.ConnectionInfo) bool   { return info.GroupFormed && info.PeerAddress != "" }
func unlinked(info models.ConnectionInfo) bool { return !info.GroupFormed }

func connectPair(t *testing.T) (*testStack, *testStack) {
	t.Helper()
	a := newTestStack(t, "device-a", "Alpha")
	b := newTestStack(t, "device-b", "Bravo")
	introduce(a, b)

	if err := a.Connect(context.Background(), "device-b"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitInfo(t, a, linked)
	waitInfo(t, b, linked)
	return a, b
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func createFixtureFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := make([]byte, size)
	for i := 0; i < size; i++ {
		data[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write fixture file: %v", err)
	}
	return path
}

func TestConnectMakesDialerClientAndAcceptorOwner(t *testing.T) {
	a, b := connectPair(t)

	clientInfo, _ := a.ConnectionInfo(context.Background())
	if clientInfo.IsGroupOwner || clientInfo.PeerAddress != "device-b" || clientInfo.GroupOwnerAddress != "127.0.0.1" {
		t.Fatalf("unexpected client info %+v", clientInfo)
	}
	ownerInfo, _ := b.ConnectionInfo(context.Background())
	if !ownerInfo.IsGroupOwner || ownerInfo.PeerAddress != "device-a" {
		t.Fatalf("unexpected owner info %+v", ownerInfo)
	}
	if !b.adv.isOwner() || a.adv.isOwner() {
		t.Fatalf("expected only the acceptor to advertise group ownership")
	}

	group, err := a.GroupInfo(context.Background())
	if err != nil {
		t.Fatalf("GroupInfo failed: %v", err)
	}
	if group.Owner.Address != "device-b" || !strings.HasPrefix(group.NetworkName, "DIRECT-") {
		t.Fatalf("unexpected client view of group %+v", group)
	}
	hosted, err := b.GroupInfo(context.Background())
	if err != nil {
		t.Fatalf("GroupInfo failed: %v", err)
	}
	if hosted.NetworkName != group.NetworkName || len(hosted.Clients) != 1 || hosted.Clients[0].Address != "device-a" {
		t.Fatalf("unexpected owner view of group %+v", hosted)
	}
	if len(hosted.Passphrase) < crypto.MinPassphraseLength {
		t.Fatalf("expected generated passphrase, got %q", hosted.Passphrase)
	}
}

func TestConnectRequiresKnownDevice(t *testing.T) {
	a := newTestStack(t, "device-a", "Alpha")
	if err := a.Connect(context.Background(), "device-z"); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestSecondInboundLinkIsRefused(t *testing.T) {
	_, b := connectPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := Dial(ctx, net.JoinHostPort("127.0.0.1", strconv.Itoa(b.Port())), Hello{DeviceID: "device-c", DeviceName: "Charlie"}, "", time.Second)

	var refused *RemoteError
	if !errors.As(err, &refused) || refused.Code != CodeBusy {
		t.Fatalf("expected busy refusal, got %v", err)
	}
	info, _ := b.ConnectionInfo(context.Background())
	if info.PeerAddress != "device-a" {
		t.Fatalf("existing link must survive a refused dial, got %+v", info)
	}
}

func TestFailedDialPublishesNoLink(t *testing.T) {
	a := newTestStack(t, "device-a", "Alpha")

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()

	a.onPeers([]discovery.DiscoveredPeer{{DeviceID: "device-x", DeviceName: "Gone", Addresses: []string{"127.0.0.1"}, Port: port}})
	if err := a.Connect(context.Background(), "device-x"); err != nil {
		t.Fatalf("Connect must be accepted before dialing, got %v", err)
	}
	waitInfo(t, a, unlinked)
}

func TestCancelConnectAbandonsDial(t *testing.T) {
	a := newTestStack(t, "device-a", "Alpha")

	// Accepts but never says hello.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	go func() {
		var held []net.Conn
		defer func() {
			for _, conn := range held {
				_ = conn.Close()
			}
		}()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			held = append(held, conn)
		}
	}()

	a.onPeers([]discovery.DiscoveredPeer{{
		DeviceID:  "device-mute",
		Addresses: []string{"127.0.0.1"},
		Port:      listener.Addr().(*net.TCPAddr).Port,
	}})
	if err := a.Connect(context.Background(), "device-mute"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := a.Connect(context.Background(), "device-mute"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy while dialing, got %v", err)
	}
	if err := a.CancelConnect(context.Background()); err != nil {
		t.Fatalf("CancelConnect failed: %v", err)
	}
	waitInfo(t, a, unlinked)

	if info, _ := a.ConnectionInfo(context.Background()); info.GroupFormed {
		t.Fatalf("expected no link after cancel, got %+v", info)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	a, b := connectPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	sent := make(chan error, 1)
	go func() {
		meta, err := a.SendMessage(ctx, "t-send", "hello bravo")
		if err == nil && (meta.Remote != "device-b" || meta.Kind != models.TransferMessage) {
			err = errors.New("unexpected send metadata")
		}
		sent <- err
	}()

	meta, err := b.ReceiveMessage(ctx, "t-recv")
	if err != nil {
		t.Fatalf("ReceiveMessage failed: %v", err)
	}
	if meta.Text != "hello bravo" || meta.TransferID != "t-recv" || meta.Remote != "device-a" {
		t.Fatalf("unexpected receive metadata %+v", meta)
	}
	if err := <-sent; err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
}

func TestFileTransferVerifiesChecksum(t *testing.T) {
	a, b := connectPair(t)
	src := createFixtureFile(t, t.TempDir(), "photo.jpg", 100*1024+17)
	dest := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for round := 0; round < 2; round++ {
		sent := make(chan error, 1)
		go func() {
			_, err := a.SendFile(ctx, "send-file", src)
			sent <- err
		}()

		meta, err := b.ReceiveFile(ctx, "recv-file", dest, "")
		if err != nil {
			t.Fatalf("ReceiveFile failed: %v", err)
		}
		if err := <-sent; err != nil {
			t.Fatalf("SendFile failed: %v", err)
		}

		wantName := "photo.jpg"
		if round == 1 {
			wantName = "photo (1).jpg"
		}
		if meta.Name != wantName || meta.Path != filepath.Join(dest, wantName) {
			t.Fatalf("round %d: unexpected placement %+v", round, meta)
		}
		want, _ := os.ReadFile(src)
		got, err := os.ReadFile(meta.Path)
		if err != nil || !bytes.Equal(got, want) {
			t.Fatalf("round %d: received content differs (%v)", round, err)
		}
		sum, _ := crypto.FileChecksum(src)
		if meta.Checksum != sum {
			t.Fatalf("round %d: checksum %s, want %s", round, meta.Checksum, sum)
		}
	}

	leftovers, _ := filepath.Glob(filepath.Join(dest, ".directlink-*"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

func TestAbortedOfferIsSkipped(t *testing.T) {
	a, b := connectPair(t)
	src := createFixtureFile(t, t.TempDir(), "draft.txt", 1024)

	sent := make(chan error, 1)
	go func() {
		_, err := a.SendFile(context.Background(), "doomed", src)
		sent <- err
	}()
	waitForCondition(t, 2*time.Second, func() bool {
		a.data.mu.Lock()
		defer a.data.mu.Unlock()
		_, ok := a.data.active["doomed"]
		return ok
	})
	waitForCondition(t, 2*time.Second, func() bool { return len(b.data.router.offers) == 1 })

	if err := a.Abort(context.Background(), "doomed"); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if err := <-sent; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled send, got %v", err)
	}
	waitForCondition(t, 2*time.Second, func() bool {
		b.data.router.mu.Lock()
		defer b.data.router.mu.Unlock()
		_, ok := b.data.router.aborted["doomed"]
		return ok
	})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if _, err := b.ReceiveFile(ctx, "late", t.TempDir(), ""); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected aborted offer to be skipped, got %v", err)
	}
}

func TestTransfersRequireLink(t *testing.T) {
	a := newTestStack(t, "device-a", "Alpha")
	if _, err := a.SendMessage(context.Background(), "t", "hi"); !errors.Is(err, ErrNoLink) {
		t.Fatalf("expected ErrNoLink, got %v", err)
	}
	if _, err := a.ReceiveFile(context.Background(), "t", t.TempDir(), ""); !errors.Is(err, ErrNoLink) {
		t.Fatalf("expected ErrNoLink, got %v", err)
	}
}

func TestRemoveGroupDropsLinkOnBothSides(t *testing.T) {
	a, b := connectPair(t)

	if err := b.RemoveGroup(context.Background()); err != nil {
		t.Fatalf("RemoveGroup failed: %v", err)
	}
	waitInfo(t, b, unlinked)
	waitInfo(t, a, unlinked)

	if b.adv.isOwner() {
		t.Fatalf("expected group owner flag cleared")
	}
	if _, err := a.GroupInfo(context.Background()); !errors.Is(err, ErrNoGroup) {
		t.Fatalf("expected client group cleared, got %v", err)
	}
	if err := b.RemoveGroup(context.Background()); !errors.Is(err, ErrNoGroup) {
		t.Fatalf("expected ErrNoGroup on second remove, got %v", err)
	}
}

func TestCreateGroupHostsUntilRemoved(t *testing.T) {
	b := newTestStack(t, "device-b", "Bravo")

	if err := b.CreateGroup(context.Background()); err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	info := waitInfo(t, b, func(info models.ConnectionInfo) bool { return info.GroupFormed })
	if !info.IsGroupOwner || info.PeerAddress != "" {
		t.Fatalf("unexpected hosting info %+v", info)
	}
	if !b.adv.isOwner() {
		t.Fatalf("expected group owner flag advertised")
	}

	a := newTestStack(t, "device-a", "Alpha")
	introduce(a, b)
	if err := a.Connect(context.Background(), "device-b"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitInfo(t, b, linked)

	introduce(b, a)
	if err := b.Connect(context.Background(), "device-a"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy while hosting, got %v", err)
	}

	// An explicit group outlives its client.
	if err := a.RemoveGroup(context.Background()); err != nil {
		t.Fatalf("client RemoveGroup failed: %v", err)
	}
	info = waitInfo(t, b, func(info models.ConnectionInfo) bool { return info.PeerAddress == "" })
	if !info.GroupFormed || !info.IsGroupOwner {
		t.Fatalf("expected group kept after client left, got %+v", info)
	}
}

func TestThisDeviceReportsDeviceID(t *testing.T) {
	idle, err := NewStack(Config{DeviceID: "device-z", DeviceName: "Zulu"})
	if err != nil {
		t.Fatalf("NewStack failed: %v", err)
	}
	if _, err := idle.ThisDevice(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}

	a := newTestStack(t, "device-a", "Alpha")
	device, err := a.ThisDevice(context.Background())
	if err != nil {
		t.Fatalf("ThisDevice failed: %v", err)
	}
	if device.Address != "device-a" || device.Name != "Alpha" || device.Status != models.PeerAvailable {
		t.Fatalf("unexpected device %+v", device)
	}
}

func TestCoordinatorLearnsDeviceAddressAfterInitialize(t *testing.T) {
	b := newTestStack(t, "device-b", "Bravo")

	coord, err := session.New(session.Options{
		Stack:     b.Stack,
		Requester: session.NewStaticRequester(session.Capabilities...),
		Logger:    log.New(io.Discard, "", 0),
		Self:      models.DeviceInfo{Name: "Bravo", Status: models.PeerAvailable},
	})
	if err != nil {
		t.Fatalf("session.New failed: %v", err)
	}
	defer coord.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := coord.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := coord.Snapshot().Device.Address; got != "device-b" {
		t.Fatalf("expected device address device-b, got %q", got)
	}

	if _, err := coord.CreateGroup(ctx); err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	conn := coord.Snapshot().Connection
	if conn == nil || !conn.Self || conn.PeerAddress != "device-b" {
		t.Fatalf("expected hosted connection naming this device, got %+v", conn)
	}
}

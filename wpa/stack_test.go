package wpa

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	dbus "github.com/godbus/dbus/v5"

	"directlink/models"
	"directlink/network"
	"directlink/radio"
)

const (
	testIfacePath = dbus.ObjectPath("/fi/w1/wpa_supplicant1/Interfaces/1")
	testPeerPath  = dbus.ObjectPath("/fi/w1/wpa_supplicant1/Interfaces/1/Peers/02000000000a")
	testGroupIf   = dbus.ObjectPath("/fi/w1/wpa_supplicant1/Interfaces/2")
	testGroupPath = dbus.ObjectPath("/fi/w1/wpa_supplicant1/Interfaces/1/Groups/1")
	testPeerMAC   = "02:00:00:00:00:0a"
	testSelfMAC   = "02:00:00:00:00:01"
)

type busCall struct {
	path   dbus.ObjectPath
	method string
	args   []any
}

type fakeBus struct {
	mu     sync.Mutex
	calls  []busCall
	props  map[string]dbus.Variant
	errs   map[string]error
	closed bool
}

func newFakeBus() *fakeBus {
	b := &fakeBus{props: make(map[string]dbus.Variant), errs: make(map[string]error)}
	b.set(testPeerPath, peerIface+".DeviceAddress", []byte{0x02, 0, 0, 0, 0, 0x0a})
	b.set(testPeerPath, peerIface+".DeviceName", "Pixel")
	b.set(testPeerPath, peerIface+".PrimaryDeviceType", []byte{0, 10, 0, 0x50, 0xf2, 0x04, 0, 5})
	b.set(testGroupIf, ifaceIface+".Ifname", "p2p-wlan0-0")
	b.set(testGroupPath, groupIface+".SSID", []byte("DIRECT-ab-Pixel"))
	b.set(testGroupPath, groupIface+".Passphrase", "pw345678")
	b.set(testIfacePath, p2pIface+".Peers", []dbus.ObjectPath{testPeerPath})
	b.set(testIfacePath, p2pIface+".DeviceAddress", []byte{0x02, 0, 0, 0, 0, 0x01})
	return b
}

func (b *fakeBus) set(path dbus.ObjectPath, name string, value any) {
	b.props[string(path)+"|"+name] = dbus.MakeVariant(value)
}

func (b *fakeBus) Call(path dbus.ObjectPath, method string, args ...any) ([]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, busCall{path: path, method: method, args: args})
	if err := b.errs[method]; err != nil {
		return nil, err
	}
	if method == getInterface {
		return []any{testIfacePath}, nil
	}
	return nil, nil
}

func (b *fakeBus) Property(path dbus.ObjectPath, name string) (dbus.Variant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.props[string(path)+"|"+name]
	if !ok {
		return dbus.Variant{}, errors.New("no such property")
	}
	return v, nil
}

func (b *fakeBus) Watch(chan<- *dbus.Signal) error { return nil }

func (b *fakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBus) lastCall(method string) (busCall, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.calls) - 1; i >= 0; i-- {
		if b.calls[i].method == method {
			return b.calls[i], true
		}
	}
	return busCall{}, false
}

type recorder struct {
	infos chan models.ConnectionInfo
	peers chan []models.Peer
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port
}

func newTestStack(t *testing.T, b *fakeBus) (*Stack, *recorder) {
	t.Helper()
	port := freePort(t)
	s, err := NewStack(Config{
		Interface:         "wlan0",
		DeviceID:          "self-id",
		DeviceName:        "Laptop",
		GroupOwnerIP:      "127.0.0.1",
		DataPort:          port,
		DataListenAddress: "127.0.0.1:" + strconv.Itoa(port),
		DialTimeout:       500 * time.Millisecond,
		Logger:            log.New(io.Discard, "", 0),
		dial:              func() (bus, error) { return b, nil },
	})
	if err != nil {
		t.Fatalf("NewStack failed: %v", err)
	}
	rec := &recorder{infos: make(chan models.ConnectionInfo, 16), peers: make(chan []models.Peer, 16)}
	_, _ = s.Subscribe(radio.ConnectionInfoUpdated, func(ev radio.Event) { rec.infos <- ev.Connection })
	_, _ = s.Subscribe(radio.PeersUpdated, func(ev radio.Event) { rec.peers <- ev.Peers })
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, rec
}

func nextInfo(t *testing.T, rec *recorder) models.ConnectionInfo {
	t.Helper()
	select {
	case info := <-rec.infos:
		return info
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for connection info")
		return models.ConnectionInfo{}
	}
}

func groupStartedSignal(role string) *dbus.Signal {
	return &dbus.Signal{
		Name: sigGroupStarted,
		Path: testIfacePath,
		Body: []any{map[string]dbus.Variant{
			"interface_object": dbus.MakeVariant(testGroupIf),
			"group_object":     dbus.MakeVariant(testGroupPath),
			"role":             dbus.MakeVariant(role),
		}},
	}
}

func TestInitializeResolvesInterface(t *testing.T) {
	b := newFakeBus()
	s, _ := newTestStack(t, b)

	call, ok := b.lastCall(getInterface)
	if !ok || call.path != rootPath || len(call.args) != 1 || call.args[0] != "wlan0" {
		t.Fatalf("unexpected GetInterface call %+v", call)
	}
	if err := s.StartDiscovery(context.Background()); err != nil {
		t.Fatalf("StartDiscovery failed: %v", err)
	}
	if call, ok := b.lastCall(p2pIface + ".Find"); !ok || call.path != testIfacePath {
		t.Fatalf("expected Find on the interface object, got %+v", call)
	}
}

func TestThisDeviceUsesP2PDeviceAddress(t *testing.T) {
	b := newFakeBus()
	s, _ := newTestStack(t, b)

	device, err := s.ThisDevice(context.Background())
	if err != nil {
		t.Fatalf("ThisDevice failed: %v", err)
	}
	if device.Address != testSelfMAC || device.Name != "Laptop" {
		t.Fatalf("unexpected device %+v", device)
	}

	s.handle(groupStartedSignal("GO"))
	if device, _ := s.ThisDevice(context.Background()); device.Status != models.PeerConnected {
		t.Fatalf("expected connected status inside a group, got %s", device.Status)
	}
}

func TestThisDeviceNeverReportsInterfaceName(t *testing.T) {
	b := newFakeBus()
	delete(b.props, string(testIfacePath)+"|"+p2pIface+".DeviceAddress")
	s, _ := newTestStack(t, b)

	device, err := s.ThisDevice(context.Background())
	if err != nil {
		t.Fatalf("ThisDevice failed: %v", err)
	}
	if device.Address == "wlan0" {
		t.Fatalf("interface name reported as device address")
	}
}

func TestVerbsBeforeInitializeFail(t *testing.T) {
	s, err := NewStack(Config{Interface: "wlan0", DeviceID: "self-id"})
	if err != nil {
		t.Fatalf("NewStack failed: %v", err)
	}
	if err := s.StartDiscovery(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if _, err := s.ThisDevice(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestDeviceFoundAndLostPublishSnapshots(t *testing.T) {
	b := newFakeBus()
	s, rec := newTestStack(t, b)

	s.handle(&dbus.Signal{Name: sigDeviceFound, Body: []any{testPeerPath}})
	peers := <-rec.peers
	if len(peers) != 1 || peers[0].Address != testPeerMAC || peers[0].Name != "Pixel" {
		t.Fatalf("unexpected peers %+v", peers)
	}
	if peers[0].PrimaryType != "10-0050f204-5" {
		t.Fatalf("unexpected device type %q", peers[0].PrimaryType)
	}

	s.handle(&dbus.Signal{Name: sigDeviceLost, Body: []any{testPeerPath}})
	if peers := <-rec.peers; len(peers) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", peers)
	}
}

func TestAvailablePeersReadsPeerObjects(t *testing.T) {
	b := newFakeBus()
	s, _ := newTestStack(t, b)

	peers, err := s.AvailablePeers(context.Background())
	if err != nil {
		t.Fatalf("AvailablePeers failed: %v", err)
	}
	if len(peers) != 1 || peers[0].Address != testPeerMAC {
		t.Fatalf("unexpected peers %+v", peers)
	}
}

func TestConnectUsesPushButton(t *testing.T) {
	b := newFakeBus()
	s, _ := newTestStack(t, b)

	if err := s.Connect(context.Background(), testPeerMAC); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer before discovery, got %v", err)
	}

	s.handle(&dbus.Signal{Name: sigDeviceFound, Body: []any{testPeerPath}})
	if err := s.Connect(context.Background(), "02:00:00:00:00:0A"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	call, ok := b.lastCall(p2pIface + ".Connect")
	if !ok || len(call.args) != 1 {
		t.Fatalf("expected Connect call, got %+v", call)
	}
	args := call.args[0].(map[string]dbus.Variant)
	if args["wps_method"].Value() != "pbc" || args["peer"].Value() != testPeerPath {
		t.Fatalf("unexpected Connect args %v", args)
	}
}

func TestNegotiationFailurePublishesNoLink(t *testing.T) {
	b := newFakeBus()
	s, rec := newTestStack(t, b)

	s.handle(&dbus.Signal{Name: sigGONegotiationFailure, Body: []any{int32(1)}})
	if info := nextInfo(t, rec); info.GroupFormed {
		t.Fatalf("expected no link, got %+v", info)
	}
}

func TestClientGroupLifecycle(t *testing.T) {
	b := newFakeBus()
	s, rec := newTestStack(t, b)
	s.handle(&dbus.Signal{Name: sigDeviceFound, Body: []any{testPeerPath}})
	if err := s.Connect(context.Background(), testPeerMAC); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	s.handle(groupStartedSignal("client"))
	info := nextInfo(t, rec)
	if !info.GroupFormed || info.IsGroupOwner || info.PeerAddress != testPeerMAC || info.GroupOwnerAddress != "127.0.0.1" {
		t.Fatalf("unexpected client info %+v", info)
	}

	group, err := s.GroupInfo(context.Background())
	if err != nil {
		t.Fatalf("GroupInfo failed: %v", err)
	}
	if group.NetworkName != "DIRECT-ab-Pixel" || group.Passphrase != "pw345678" || group.Interface != "p2p-wlan0-0" {
		t.Fatalf("unexpected group %+v", group)
	}
	if group.Owner.Address != testPeerMAC || group.Owner.Name != "Pixel" || !group.Owner.GroupOwner {
		t.Fatalf("expected remote owner, got %+v", group.Owner)
	}

	if err := s.RemoveGroup(context.Background()); err != nil {
		t.Fatalf("RemoveGroup failed: %v", err)
	}
	if call, ok := b.lastCall(p2pIface + ".Disconnect"); !ok || call.path != testGroupIf {
		t.Fatalf("expected Disconnect on the group interface, got %+v", call)
	}

	s.handle(&dbus.Signal{Name: sigGroupFinished, Body: []any{map[string]dbus.Variant{}}})
	if info := nextInfo(t, rec); info.GroupFormed {
		t.Fatalf("expected no link after group finished, got %+v", info)
	}
	if _, err := s.GroupInfo(context.Background()); !errors.Is(err, ErrNoGroup) {
		t.Fatalf("expected ErrNoGroup, got %v", err)
	}
}

func TestGroupOwnerServesDataPath(t *testing.T) {
	b := newFakeBus()
	s, rec := newTestStack(t, b)

	if err := s.CreateGroup(context.Background()); err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	s.handle(groupStartedSignal("GO"))
	if info := nextInfo(t, rec); !info.IsGroupOwner {
		t.Fatalf("expected owner info, got %+v", info)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	address := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.cfg.DataPort))
	link, err := network.DialLink(ctx, address, network.Hello{DeviceID: "phone", DeviceName: "Pixel"}, "self-id", time.Second, network.LinkOptions{})
	if err != nil {
		t.Fatalf("DialLink failed: %v", err)
	}
	defer link.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.data.Link() == nil {
		if time.Now().After(deadline) {
			t.Fatalf("data link never attached")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := link.Send(network.TextMessage{Type: network.TypeMessage, TransferID: "m1", Text: "hello laptop"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	meta, err := s.ReceiveMessage(ctx, "r1")
	if err != nil {
		t.Fatalf("ReceiveMessage failed: %v", err)
	}
	if meta.Text != "hello laptop" || meta.Remote != "phone" {
		t.Fatalf("unexpected message %+v", meta)
	}
}

func TestParseGroupStartedRequiresInterface(t *testing.T) {
	if _, err := parseGroupStarted(nil); err == nil {
		t.Fatalf("expected error for empty body")
	}
	if _, err := parseGroupStarted([]any{map[string]dbus.Variant{"role": dbus.MakeVariant("GO")}}); err == nil {
		t.Fatalf("expected error for missing interface object")
	}
	got, err := parseGroupStarted(groupStartedSignal("GO").Body)
	if err != nil || !got.owner || got.iface != testGroupIf {
		t.Fatalf("unexpected parse %+v %v", got, err)
	}
}

func TestFormatMAC(t *testing.T) {
	if got := formatMAC([]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}); got != "de:ad:be:ef:00:01" {
		t.Fatalf("unexpected MAC %q", got)
	}
}

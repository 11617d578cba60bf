package network

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"directlink/crypto"
	"directlink/discovery"
	"directlink/models"
	"directlink/radio"
)

// InterfaceName is reported as the group interface of LAN groups.
const InterfaceName = "lan"

type peerScanner interface {
	Start()
	Stop()
	Refresh(ctx context.Context) error
	ListPeers() []discovery.DiscoveredPeer
}

type advertiser interface {
	SetGroupOwner(owner bool)
	Stop()
}

type scannerFactory func(cfg discovery.Config, onChange func([]discovery.DiscoveredPeer)) (peerScanner, error)
type advertiserFactory func(cfg discovery.Config) (advertiser, error)

// Config controls the LAN stack.
type Config struct {
	DeviceID      string
	DeviceName    string
	ListenAddress string

	Discovery discovery.Config
	Link      LinkOptions

	DialTimeout time.Duration
	ChunkSize   int
	Logger      *log.Logger

	newScanner    scannerFactory
	newAdvertiser advertiserFactory
}

func (c Config) withDefaults() Config {
	out := c
	if out.ListenAddress == "" {
		out.ListenAddress = ":0"
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.Logger == nil {
		out.Logger = log.Default()
	}
	if out.newScanner == nil {
		out.newScanner = func(cfg discovery.Config, onChange func([]discovery.DiscoveredPeer)) (peerScanner, error) {
			return discovery.NewPeerScanner(cfg, onChange)
		}
	}
	if out.newAdvertiser == nil {
		out.newAdvertiser = func(cfg discovery.Config) (advertiser, error) {
			return discovery.StartBroadcaster(cfg)
		}
	}
	return out
}

type lanGroup struct {
	networkName string
	passphrase  string
	explicit    bool
}

// Stack implements radio.Stack over mDNS discovery and framed TCP links.
// The device that accepts a link is the group owner; the dialer is the
// client. Only one link exists at a time.
type Stack struct {
	cfg Config
	log *log.Logger

	subs radio.Subscribers

	mu          sync.Mutex
	initialized bool
	closed      bool
	server      *Server
	broadcaster advertiser
	scanner     peerScanner
	known       map[string]discovery.DiscoveredPeer
	peers       []models.Peer

	link       *Link
	dialCancel context.CancelFunc
	dialTarget string
	group      *lanGroup

	data *DataPath
	wg   sync.WaitGroup
}

var (
	_ radio.Stack          = (*Stack)(nil)
	_ radio.Aborter        = (*Stack)(nil)
	_ radio.DeviceReporter = (*Stack)(nil)
)

// NewStack validates cfg. Nothing is opened until Initialize.
func NewStack(cfg Config) (*Stack, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.DeviceID) == "" {
		return nil, errors.New("device ID is required")
	}
	if strings.TrimSpace(cfg.DeviceName) == "" {
		return nil, errors.New("device name is required")
	}
	return &Stack{
		cfg:   cfg,
		log:   cfg.Logger,
		known: make(map[string]discovery.DiscoveredPeer),
		data:  NewDataPath(cfg.ChunkSize, cfg.Logger),
	}, nil
}

// Port returns the listening port, or 0 before Initialize.
func (s *Stack) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return 0
	}
	return s.server.Port()
}

// Initialize opens the listener and starts advertising.
func (s *Stack) Initialize(context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrLinkClosed
	}
	if s.initialized {
		s.mu.Unlock()
		return nil
	}

	server, err := Listen(s.cfg.ListenAddress, s.cfg.DialTimeout, s.admit, s.log)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	broadcaster, err := s.cfg.newAdvertiser(s.discoveryConfig(server.Port()))
	if err != nil {
		s.mu.Unlock()
		_ = server.Close()
		return fmt.Errorf("start advertising: %w", err)
	}
	s.server = server
	s.broadcaster = broadcaster
	s.initialized = true
	device := s.deviceLocked()
	s.mu.Unlock()

	s.log.Printf("network: listening on %s as %s", server.Addr(), s.cfg.DeviceID)
	s.subs.Publish(radio.Event{Kind: radio.ThisDeviceChanged, Device: device})
	return nil
}

func (s *Stack) discoveryConfig(port int) discovery.Config {
	cfg := s.cfg.Discovery
	cfg.SelfDeviceID = s.cfg.DeviceID
	cfg.DeviceName = s.cfg.DeviceName
	cfg.ListeningPort = port
	return cfg
}

// StartDiscovery begins periodic mDNS scans.
func (s *Stack) StartDiscovery(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	if s.scanner != nil {
		return nil
	}
	scanner, err := s.cfg.newScanner(s.discoveryConfig(s.server.Port()), s.onPeers)
	if err != nil {
		return fmt.Errorf("create peer scanner: %w", err)
	}
	scanner.Start()
	s.scanner = scanner
	return nil
}

// StopDiscovery stops scanning. The last peer snapshot is kept.
func (s *Stack) StopDiscovery(context.Context) error {
	s.mu.Lock()
	scanner := s.scanner
	s.scanner = nil
	s.mu.Unlock()
	if scanner != nil {
		scanner.Stop()
	}
	return nil
}

// AvailablePeers rescans when discovery is running and returns the snapshot.
func (s *Stack) AvailablePeers(ctx context.Context) ([]models.Peer, error) {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return nil, ErrNotInitialized
	}
	scanner := s.scanner
	s.mu.Unlock()

	if scanner != nil {
		if err := scanner.Refresh(ctx); err != nil {
			return nil, fmt.Errorf("refresh peers: %w", err)
		}
		s.onPeers(scanner.ListPeers())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Peer(nil), s.peers...), nil
}

func (s *Stack) onPeers(found []discovery.DiscoveredPeer) {
	s.mu.Lock()
	known := make(map[string]discovery.DiscoveredPeer, len(found))
	peers := make([]models.Peer, 0, len(found))
	for _, dp := range found {
		known[dp.DeviceID] = dp
		peer := dp.Peer()
		if s.link != nil && s.link.Remote().DeviceID == dp.DeviceID {
			peer.Status = models.PeerConnected
		} else if s.dialTarget == dp.DeviceID {
			peer.Status = models.PeerInvited
		}
		peers = append(peers, peer)
	}
	s.known = known
	s.peers = peers
	snapshot := append([]models.Peer(nil), peers...)
	s.mu.Unlock()

	s.subs.Publish(radio.Event{Kind: radio.PeersUpdated, Peers: snapshot})
}

// Connect starts dialing the device with the given ID. The outcome arrives
// as a ConnectionInfoUpdated event.
func (s *Stack) Connect(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	if s.link != nil || s.dialCancel != nil {
		return ErrBusy
	}
	if s.group != nil && s.group.explicit {
		return fmt.Errorf("%w: hosting a group", ErrBusy)
	}
	target, ok := s.known[address]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, address)
	}
	endpoints := endpointsOf(target)
	if len(endpoints) == 0 {
		return fmt.Errorf("%w: %s has no reachable address", ErrUnknownDevice, address)
	}

	dialCtx, cancel := context.WithCancel(context.Background())
	s.dialCancel = cancel
	s.dialTarget = address
	s.wg.Add(1)
	go s.dial(dialCtx, target.DeviceID, endpoints)
	return nil
}

func endpointsOf(peer discovery.DiscoveredPeer) []string {
	if peer.Port <= 0 {
		return nil
	}
	out := make([]string, 0, len(peer.Addresses))
	for _, addr := range peer.Addresses {
		out = append(out, net.JoinHostPort(addr, strconv.Itoa(peer.Port)))
	}
	return out
}

func (s *Stack) dial(ctx context.Context, deviceID string, endpoints []string) {
	defer s.wg.Done()

	local := Hello{DeviceID: s.cfg.DeviceID, DeviceName: s.cfg.DeviceName}
	var lastErr error
	for _, endpoint := range endpoints {
		conn, remote, err := Dial(ctx, endpoint, local, deviceID, s.cfg.DialTimeout)
		if err == nil {
			if s.adoptDialed(ctx, conn, remote) {
				return
			}
			_ = conn.Close()
			lastErr = context.Canceled
			break
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	s.mu.Lock()
	if s.dialTarget == deviceID {
		s.dialCancel = nil
		s.dialTarget = ""
	}
	info := s.infoLocked()
	s.mu.Unlock()

	s.log.Printf("network: connect to %s failed: %v", deviceID, lastErr)
	s.publishLink(info)
}

func (s *Stack) adoptDialed(ctx context.Context, conn net.Conn, remote Hello) bool {
	s.mu.Lock()
	if ctx.Err() != nil || s.closed || s.link != nil {
		s.mu.Unlock()
		return false
	}
	cancel := s.dialCancel
	s.dialCancel = nil
	s.dialTarget = ""
	s.group = &lanGroup{networkName: remote.NetworkName}
	link := newLink(conn, remote, false, s.cfg.Link)
	s.attachLocked(link)
	info := s.infoLocked()
	device := s.deviceLocked()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.log.Printf("network: joined %s (%s) as client", remote.DeviceID, conn.RemoteAddr())
	s.publishLink(info)
	s.subs.Publish(radio.Event{Kind: radio.ThisDeviceChanged, Device: device})
	return true
}

// admit is the server's gate for inbound links.
func (s *Stack) admit(conn net.Conn, remote Hello) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrLinkClosed
	}
	if s.link != nil || s.dialCancel != nil {
		s.mu.Unlock()
		return ErrBusy
	}
	if remote.DeviceID == s.cfg.DeviceID {
		s.mu.Unlock()
		return errors.New("refusing link to self")
	}
	if s.group == nil {
		group, err := newLANGroup(s.cfg.DeviceName, false)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.group = group
	}

	link, err := Answer(conn, Hello{
		DeviceID:    s.cfg.DeviceID,
		DeviceName:  s.cfg.DeviceName,
		NetworkName: s.group.networkName,
	}, remote, s.cfg.Link)
	if err != nil {
		if !s.group.explicit {
			s.group = nil
		}
		s.mu.Unlock()
		return fmt.Errorf("write hello: %w", err)
	}
	s.attachLocked(link)
	broadcaster := s.broadcaster
	info := s.infoLocked()
	device := s.deviceLocked()
	s.mu.Unlock()

	s.log.Printf("network: accepted %s (%s) as group owner", remote.DeviceID, conn.RemoteAddr())
	broadcaster.SetGroupOwner(true)
	s.publishLink(info)
	s.subs.Publish(radio.Event{Kind: radio.ThisDeviceChanged, Device: device})
	return nil
}

func (s *Stack) attachLocked(link *Link) {
	s.link = link
	s.data.Attach(link)
	s.wg.Add(1)
	go s.watch(link)
}

// watch publishes the link loss once the link goes down.
func (s *Stack) watch(link *Link) {
	defer s.wg.Done()
	<-link.Done()

	s.mu.Lock()
	if s.link != link {
		s.mu.Unlock()
		return
	}
	s.link = nil
	s.data.Detach(link)
	if s.group != nil && !s.group.explicit {
		s.group = nil
	}
	hosting := s.group != nil
	broadcaster := s.broadcaster
	closed := s.closed
	info := s.infoLocked()
	device := s.deviceLocked()
	s.mu.Unlock()

	if err := link.Err(); err != nil {
		s.log.Printf("network: link to %s lost: %v", link.Remote().DeviceID, err)
	} else {
		s.log.Printf("network: link to %s closed", link.Remote().DeviceID)
	}
	if closed {
		return
	}
	broadcaster.SetGroupOwner(hosting)
	s.publishLink(info)
	s.subs.Publish(radio.Event{Kind: radio.ThisDeviceChanged, Device: device})
}

// CancelConnect abandons an in-progress dial. It is a no-op when no dial
// is running.
func (s *Stack) CancelConnect(context.Context) error {
	s.mu.Lock()
	cancel := s.dialCancel
	s.dialCancel = nil
	s.dialTarget = ""
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// CreateGroup makes this device a group owner waiting for a client.
func (s *Stack) CreateGroup(context.Context) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	if s.dialCancel != nil || (s.link != nil && !s.link.Owner()) {
		s.mu.Unlock()
		return fmt.Errorf("%w: joined as client", ErrBusy)
	}
	if s.group == nil {
		group, err := newLANGroup(s.cfg.DeviceName, true)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.group = group
	}
	s.group.explicit = true
	broadcaster := s.broadcaster
	info := s.infoLocked()
	s.mu.Unlock()

	broadcaster.SetGroupOwner(true)
	s.publishLink(info)
	return nil
}

func newLANGroup(deviceName string, explicit bool) (*lanGroup, error) {
	name, err := crypto.NetworkName(deviceName)
	if err != nil {
		return nil, err
	}
	passphrase, err := crypto.NewPassphrase(crypto.MinPassphraseLength)
	if err != nil {
		return nil, err
	}
	return &lanGroup{networkName: name, passphrase: passphrase, explicit: explicit}, nil
}

// RemoveGroup closes the link and dissolves the group.
func (s *Stack) RemoveGroup(context.Context) error {
	s.mu.Lock()
	link := s.link
	s.link = nil
	s.data.Detach(link)
	hadGroup := s.group != nil
	s.group = nil
	broadcaster := s.broadcaster
	info := s.infoLocked()
	device := s.deviceLocked()
	s.mu.Unlock()

	if link == nil && !hadGroup {
		return ErrNoGroup
	}
	if link != nil {
		_ = link.Disconnect()
	}
	if broadcaster != nil {
		broadcaster.SetGroupOwner(false)
	}
	s.publishLink(info)
	s.subs.Publish(radio.Event{Kind: radio.ThisDeviceChanged, Device: device})
	return nil
}

// ConnectionInfo reports the current link.
func (s *Stack) ConnectionInfo(context.Context) (models.ConnectionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked(), nil
}

func (s *Stack) infoLocked() models.ConnectionInfo {
	switch {
	case s.link != nil && s.link.Owner():
		return models.ConnectionInfo{
			GroupFormed:       true,
			IsGroupOwner:      true,
			GroupOwnerAddress: hostOf(s.link.LocalAddr()),
			PeerAddress:       s.link.Remote().DeviceID,
		}
	case s.link != nil:
		return models.ConnectionInfo{
			GroupFormed:       true,
			GroupOwnerAddress: hostOf(s.link.RemoteAddr()),
			PeerAddress:       s.link.Remote().DeviceID,
		}
	case s.group != nil:
		return models.ConnectionInfo{GroupFormed: true, IsGroupOwner: true}
	default:
		return models.ConnectionInfo{}
	}
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// GroupInfo describes the hosted or joined group.
func (s *Stack) GroupInfo(context.Context) (models.GroupInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group == nil {
		return models.GroupInfo{}, ErrNoGroup
	}

	self := models.Peer{
		Address: s.cfg.DeviceID,
		Name:    s.cfg.DeviceName,
		Status:  models.PeerConnected,
	}
	info := models.GroupInfo{
		NetworkName: s.group.networkName,
		Passphrase:  s.group.passphrase,
		Interface:   InterfaceName,
	}

	if s.link != nil && !s.link.Owner() {
		remote := s.link.Remote()
		info.Owner = models.Peer{
			Address:    remote.DeviceID,
			Name:       remote.DeviceName,
			Status:     models.PeerConnected,
			GroupOwner: true,
			LastSeen:   time.Now(),
		}
		info.Clients = []models.Peer{self}
		return info, nil
	}

	self.GroupOwner = true
	info.Owner = self
	if s.link != nil {
		remote := s.link.Remote()
		info.Clients = []models.Peer{{
			Address:  remote.DeviceID,
			Name:     remote.DeviceName,
			Status:   models.PeerConnected,
			LastSeen: time.Now(),
		}}
	}
	return info, nil
}

// ThisDevice returns this device's metadata. The address is the device ID
// peers see in discovery.
func (s *Stack) ThisDevice(context.Context) (models.DeviceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return models.DeviceInfo{}, ErrNotInitialized
	}
	return s.deviceLocked(), nil
}

func (s *Stack) deviceLocked() models.DeviceInfo {
	status := models.PeerAvailable
	if s.link != nil {
		status = models.PeerConnected
	}
	return models.DeviceInfo{Address: s.cfg.DeviceID, Name: s.cfg.DeviceName, Status: status}
}

func (s *Stack) publishLink(info models.ConnectionInfo) {
	s.subs.Publish(radio.Event{Kind: radio.ConnectionInfoUpdated, Connection: info})
}

// SendMessage sends text and waits for the peer's acknowledgement.
func (s *Stack) SendMessage(ctx context.Context, transferID, text string) (models.MetaInfo, error) {
	return s.data.SendMessage(ctx, transferID, text)
}

// ReceiveMessage waits for the next inbound message.
func (s *Stack) ReceiveMessage(ctx context.Context, transferID string) (models.MetaInfo, error) {
	return s.data.ReceiveMessage(ctx, transferID)
}

// SendFile offers path to the peer and streams it once accepted.
func (s *Stack) SendFile(ctx context.Context, transferID, path string) (models.MetaInfo, error) {
	return s.data.SendFile(ctx, transferID, path)
}

// ReceiveFile accepts the next file offer into destDir.
func (s *Stack) ReceiveFile(ctx context.Context, transferID, destDir, name string) (models.MetaInfo, error) {
	return s.data.ReceiveFile(ctx, transferID, destDir, name)
}

// Abort cancels a running transfer.
func (s *Stack) Abort(ctx context.Context, transferID string) error {
	return s.data.Abort(ctx, transferID)
}

// Subscribe registers fn for kind.
func (s *Stack) Subscribe(kind radio.EventKind, fn func(radio.Event)) (func(), error) {
	return s.subs.Subscribe(kind, fn)
}

// Close stops discovery, advertising and the listener, and drops the link.
func (s *Stack) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	scanner := s.scanner
	s.scanner = nil
	broadcaster := s.broadcaster
	server := s.server
	link := s.link
	dialCancel := s.dialCancel
	s.dialCancel = nil
	s.mu.Unlock()

	if dialCancel != nil {
		dialCancel()
	}
	if scanner != nil {
		scanner.Stop()
	}
	if broadcaster != nil {
		broadcaster.Stop()
	}
	var err error
	if server != nil {
		err = server.Close()
	}
	if link != nil {
		_ = link.Disconnect()
	}
	s.data.Close()
	s.wg.Wait()
	return err
}

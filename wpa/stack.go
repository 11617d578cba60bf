package wpa

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	dbus "github.com/godbus/dbus/v5"

	"directlink/models"
	"directlink/network"
	"directlink/radio"
)

const (
	// DefaultGroupOwnerIP is the address wpa_supplicant gives a P2P group owner.
	DefaultGroupOwnerIP = "192.168.49.1"
	// DefaultDataPort is the TCP port of the data path inside a group.
	DefaultDataPort = 47811
	// DefaultGOIntent is passed to Connect; 0 prefers client, 15 owner.
	DefaultGOIntent = 7
)

const dialRetryInterval = time.Second

var (
	// ErrNotInitialized is returned before Initialize succeeds.
	ErrNotInitialized = errors.New("wpa: stack not initialized")
	// ErrNoGroup is returned when no P2P group is active.
	ErrNoGroup = errors.New("wpa: no group")
	// ErrUnknownPeer is returned by Connect for addresses never seen.
	ErrUnknownPeer = errors.New("wpa: unknown peer")
)

// Config controls the wpa_supplicant stack.
type Config struct {
	// Interface is the wireless interface wpa_supplicant manages, e.g. wlan0.
	Interface string
	DeviceID  string
	// DeviceName is announced on the data path.
	DeviceName string

	GOIntent          int
	GroupOwnerIP      string
	DataPort          int
	DataListenAddress string
	DialTimeout       time.Duration
	ChunkSize         int
	Link              network.LinkOptions
	Logger            *log.Logger

	dial func() (bus, error)
}

func (c Config) withDefaults() Config {
	out := c
	if out.GOIntent <= 0 || out.GOIntent > 15 {
		out.GOIntent = DefaultGOIntent
	}
	if out.GroupOwnerIP == "" {
		out.GroupOwnerIP = DefaultGroupOwnerIP
	}
	if out.DataPort <= 0 {
		out.DataPort = DefaultDataPort
	}
	if out.DataListenAddress == "" {
		out.DataListenAddress = ":" + strconv.Itoa(out.DataPort)
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = network.DefaultDialTimeout
	}
	if out.Logger == nil {
		out.Logger = log.Default()
	}
	if out.dial == nil {
		out.dial = dialSystemBus
	}
	return out
}

type groupState struct {
	object     dbus.ObjectPath
	iface      dbus.ObjectPath
	ifname     string
	owner      bool
	peer       string
	ssid       string
	passphrase string
}

// Stack implements radio.Stack on wpa_supplicant's P2PDevice interface.
type Stack struct {
	cfg Config
	log *log.Logger

	subs radio.Subscribers
	data *network.DataPath

	mu        sync.Mutex
	bus       bus
	ifacePath dbus.ObjectPath
	peers     map[dbus.ObjectPath]models.Peer
	pending   string
	group     *groupState
	self      models.DeviceInfo

	server     *network.Server
	link       *network.Link
	dataCancel context.CancelFunc

	signals chan *dbus.Signal
	done    chan struct{}
	wg      sync.WaitGroup
}

var (
	_ radio.Stack          = (*Stack)(nil)
	_ radio.Aborter        = (*Stack)(nil)
	_ radio.DeviceReporter = (*Stack)(nil)
)

// NewStack validates cfg. The bus is opened by Initialize.
func NewStack(cfg Config) (*Stack, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Interface) == "" {
		return nil, errors.New("wpa: interface name is required")
	}
	if strings.TrimSpace(cfg.DeviceID) == "" {
		return nil, errors.New("wpa: device ID is required")
	}
	return &Stack{
		cfg:   cfg,
		log:   cfg.Logger,
		data:  network.NewDataPath(cfg.ChunkSize, cfg.Logger),
		peers: make(map[dbus.ObjectPath]models.Peer),
		done:  make(chan struct{}),
	}, nil
}

// Initialize connects to the system bus, resolves the interface object and
// starts listening for P2P signals.
func (s *Stack) Initialize(context.Context) error {
	s.mu.Lock()
	if s.bus != nil {
		s.mu.Unlock()
		return nil
	}
	b, err := s.cfg.dial()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	body, err := b.Call(rootPath, getInterface, s.cfg.Interface)
	if err != nil {
		s.mu.Unlock()
		_ = b.Close()
		return fmt.Errorf("wpa: get interface %s: %w", s.cfg.Interface, err)
	}
	path, ok := firstPath(body)
	if !ok {
		s.mu.Unlock()
		_ = b.Close()
		return fmt.Errorf("wpa: get interface %s: unexpected reply %v", s.cfg.Interface, body)
	}

	s.signals = make(chan *dbus.Signal, signalBufSize)
	if err := b.Watch(s.signals); err != nil {
		s.mu.Unlock()
		_ = b.Close()
		return err
	}
	self := models.DeviceInfo{
		Address: s.deviceAddress(b, path),
		Name:    s.cfg.DeviceName,
		Status:  models.PeerAvailable,
	}
	s.bus = b
	s.ifacePath = path
	s.self = self
	s.mu.Unlock()

	s.wg.Add(1)
	go s.signalLoop()

	s.log.Printf("wpa: using %s at %s as %s", s.cfg.Interface, path, self.Address)
	s.subs.Publish(radio.Event{Kind: radio.ThisDeviceChanged, Device: self})
	return nil
}

// deviceAddress returns the P2P device address peers know this device by.
// It falls back to the interface's hardware address when wpa_supplicant does
// not expose the property.
func (s *Stack) deviceAddress(b bus, path dbus.ObjectPath) string {
	v, err := b.Property(path, p2pIface+".DeviceAddress")
	if err == nil {
		if raw, ok := v.Value().([]byte); ok && len(raw) == 6 {
			return formatMAC(raw)
		}
		err = fmt.Errorf("unexpected value %v", v.Value())
	}
	s.log.Printf("wpa: read device address: %v", err)
	if ifc, ifErr := net.InterfaceByName(s.cfg.Interface); ifErr == nil && len(ifc.HardwareAddr) == 6 {
		return ifc.HardwareAddr.String()
	}
	return ""
}

// ThisDevice returns this device's P2P metadata.
func (s *Stack) ThisDevice(context.Context) (models.DeviceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bus == nil {
		return models.DeviceInfo{}, ErrNotInitialized
	}
	device := s.self
	if s.group != nil {
		device.Status = models.PeerConnected
	}
	return device, nil
}

func firstPath(body []any) (dbus.ObjectPath, bool) {
	if len(body) == 0 {
		return "", false
	}
	path, ok := body[0].(dbus.ObjectPath)
	return path, ok && path.IsValid()
}

func (s *Stack) device() (bus, dbus.ObjectPath, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bus == nil {
		return nil, "", ErrNotInitialized
	}
	return s.bus, s.ifacePath, nil
}

func (s *Stack) p2p(method string, args ...any) error {
	b, path, err := s.device()
	if err != nil {
		return err
	}
	if _, err := b.Call(path, p2pIface+"."+method, args...); err != nil {
		return fmt.Errorf("wpa: %s: %w", method, err)
	}
	return nil
}

// StartDiscovery runs P2P Find until stopped.
func (s *Stack) StartDiscovery(context.Context) error {
	return s.p2p("Find", map[string]dbus.Variant{})
}

// StopDiscovery stops P2P Find.
func (s *Stack) StopDiscovery(context.Context) error {
	return s.p2p("StopFind")
}

// AvailablePeers reads the device's current peer objects.
func (s *Stack) AvailablePeers(context.Context) ([]models.Peer, error) {
	b, path, err := s.device()
	if err != nil {
		return nil, err
	}
	v, err := b.Property(path, p2pIface+".Peers")
	if err != nil {
		return nil, fmt.Errorf("wpa: read peers: %w", err)
	}
	paths, _ := v.Value().([]dbus.ObjectPath)

	peers := make(map[dbus.ObjectPath]models.Peer, len(paths))
	for _, p := range paths {
		peer, err := s.readPeer(b, p)
		if err != nil {
			s.log.Printf("wpa: skip peer %s: %v", p, err)
			continue
		}
		peers[p] = peer
	}

	s.mu.Lock()
	s.peers = peers
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	return snapshot, nil
}

func (s *Stack) readPeer(b bus, path dbus.ObjectPath) (models.Peer, error) {
	addr, err := b.Property(path, peerIface+".DeviceAddress")
	if err != nil {
		return models.Peer{}, err
	}
	raw, ok := addr.Value().([]byte)
	if !ok || len(raw) != 6 {
		return models.Peer{}, fmt.Errorf("bad device address %v", addr.Value())
	}
	peer := models.Peer{
		Address:  formatMAC(raw),
		Status:   models.PeerAvailable,
		LastSeen: time.Now(),
	}
	if name, err := b.Property(path, peerIface+".DeviceName"); err == nil {
		peer.Name, _ = name.Value().(string)
	}
	if dt, err := b.Property(path, peerIface+".PrimaryDeviceType"); err == nil {
		if raw, ok := dt.Value().([]byte); ok {
			peer.PrimaryType = formatDeviceType(raw)
		}
	}
	if caps, err := b.Property(path, peerIface+".groupcapability"); err == nil {
		if c, ok := caps.Value().(byte); ok {
			peer.GroupOwner = c&0x01 != 0
		}
	}
	return peer, nil
}

func (s *Stack) snapshotLocked() []models.Peer {
	out := make([]models.Peer, 0, len(s.peers))
	for _, peer := range s.peers {
		if s.group != nil && s.group.peer == peer.Address {
			peer.Status = models.PeerConnected
		} else if s.pending == peer.Address {
			peer.Status = models.PeerInvited
		}
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].Address < out[j].Address
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Connect starts push-button group negotiation with the peer at address.
func (s *Stack) Connect(_ context.Context, address string) error {
	s.mu.Lock()
	path, ok := s.peerPathLocked(address)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, address)
	}

	err := s.p2p("Connect", map[string]dbus.Variant{
		"peer":       dbus.MakeVariant(path),
		"wps_method": dbus.MakeVariant("pbc"),
		"go_intent":  dbus.MakeVariant(int32(s.cfg.GOIntent)),
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pending = address
	s.mu.Unlock()
	return nil
}

func (s *Stack) peerPathLocked(address string) (dbus.ObjectPath, bool) {
	for path, peer := range s.peers {
		if strings.EqualFold(peer.Address, address) {
			return path, true
		}
	}
	return "", false
}

// CancelConnect cancels an ongoing group formation.
func (s *Stack) CancelConnect(context.Context) error {
	s.mu.Lock()
	s.pending = ""
	s.mu.Unlock()
	return s.p2p("Cancel")
}

// CreateGroup starts an autonomous group with this device as owner.
func (s *Stack) CreateGroup(context.Context) error {
	return s.p2p("GroupAdd", map[string]dbus.Variant{
		"persistent": dbus.MakeVariant(false),
	})
}

// RemoveGroup tears down the active group.
func (s *Stack) RemoveGroup(context.Context) error {
	s.mu.Lock()
	b := s.bus
	group := s.group
	s.mu.Unlock()
	if b == nil {
		return ErrNotInitialized
	}
	if group == nil {
		return ErrNoGroup
	}
	if _, err := b.Call(group.iface, p2pIface+".Disconnect"); err != nil {
		return fmt.Errorf("wpa: Disconnect: %w", err)
	}
	return nil
}

// ConnectionInfo reports the active group.
func (s *Stack) ConnectionInfo(context.Context) (models.ConnectionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked(), nil
}

func (s *Stack) infoLocked() models.ConnectionInfo {
	if s.group == nil {
		return models.ConnectionInfo{}
	}
	return models.ConnectionInfo{
		GroupFormed:       true,
		IsGroupOwner:      s.group.owner,
		GroupOwnerAddress: s.cfg.GroupOwnerIP,
		PeerAddress:       s.group.peer,
	}
}

// GroupInfo reports the active group's credentials and members.
func (s *Stack) GroupInfo(context.Context) (models.GroupInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group == nil {
		return models.GroupInfo{}, ErrNoGroup
	}
	self := models.Peer{Address: s.cfg.Interface, Name: s.cfg.DeviceName, Status: models.PeerConnected}
	info := models.GroupInfo{
		NetworkName: s.group.ssid,
		Passphrase:  s.group.passphrase,
		Interface:   s.group.ifname,
	}
	var remote models.Peer
	if s.group.peer != "" {
		remote = models.Peer{Address: s.group.peer, Status: models.PeerConnected}
		if path, ok := s.peerPathLocked(s.group.peer); ok {
			remote.Name = s.peers[path].Name
		}
	}
	if s.group.owner {
		self.GroupOwner = true
		info.Owner = self
		if remote.Address != "" {
			info.Clients = []models.Peer{remote}
		}
	} else {
		remote.GroupOwner = true
		info.Owner = remote
		info.Clients = []models.Peer{self}
	}
	return info, nil
}

// SendMessage sends text over the group's data link.
func (s *Stack) SendMessage(ctx context.Context, transferID, text string) (models.MetaInfo, error) {
	return s.data.SendMessage(ctx, transferID, text)
}

// ReceiveMessage waits for a message on the group's data link.
func (s *Stack) ReceiveMessage(ctx context.Context, transferID string) (models.MetaInfo, error) {
	return s.data.ReceiveMessage(ctx, transferID)
}

// SendFile sends path over the group's data link.
func (s *Stack) SendFile(ctx context.Context, transferID, path string) (models.MetaInfo, error) {
	return s.data.SendFile(ctx, transferID, path)
}

// ReceiveFile receives one file into destDir.
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

// Close stops the signal loop, drops the data link and closes the bus.
func (s *Stack) Close() error {
	s.mu.Lock()
	b := s.bus
	s.bus = nil
	s.mu.Unlock()
	if b == nil {
		return nil
	}

	close(s.done)
	s.stopDataPath()
	err := b.Close()
	s.wg.Wait()
	s.data.Close()
	return err
}

// startDataPath opens the TCP side of a freshly formed group: the owner
// listens, the client dials the owner until it answers.
func (s *Stack) startDataPath(owner bool) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.dataCancel != nil {
		s.dataCancel()
	}
	s.dataCancel = cancel
	s.mu.Unlock()

	local := network.Hello{DeviceID: s.cfg.DeviceID, DeviceName: s.cfg.DeviceName}
	if owner {
		server, err := network.Listen(s.cfg.DataListenAddress, s.cfg.DialTimeout, func(conn net.Conn, remote network.Hello) error {
			if s.data.Link() != nil {
				return network.ErrBusy
			}
			link, err := network.Answer(conn, local, remote, s.cfg.Link)
			if err != nil {
				return err
			}
			s.adoptLink(ctx, link)
			return nil
		}, s.log)
		if err != nil {
			s.log.Printf("wpa: data path listen: %v", err)
			return
		}
		s.mu.Lock()
		s.server = server
		s.mu.Unlock()
		return
	}

	address := net.JoinHostPort(s.cfg.GroupOwnerIP, strconv.Itoa(s.cfg.DataPort))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			link, err := network.DialLink(ctx, address, local, "", s.cfg.DialTimeout, s.cfg.Link)
			if err == nil {
				s.adoptLink(ctx, link)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(dialRetryInterval):
			}
		}
	}()
}

func (s *Stack) adoptLink(ctx context.Context, link *network.Link) {
	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		_ = link.Close()
		return
	}
	s.link = link
	s.mu.Unlock()

	s.data.Attach(link)
	s.log.Printf("wpa: data link up with %s", link.Remote().DeviceID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-link.Done()
		s.data.Detach(link)
		s.mu.Lock()
		if s.link == link {
			s.link = nil
		}
		s.mu.Unlock()
	}()
}

func (s *Stack) stopDataPath() {
	s.mu.Lock()
	cancel := s.dataCancel
	s.dataCancel = nil
	server := s.server
	s.server = nil
	link := s.link
	s.link = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if server != nil {
		_ = server.Close()
	}
	if link != nil {
		_ = link.Disconnect()
	}
}

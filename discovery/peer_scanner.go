package discovery

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"directlink/models"
)

// ErrScannerStopped is returned by Refresh after Stop.
var ErrScannerStopped = errors.New("discovery: peer scanner is stopped")

// DiscoveredPeer is a directlink endpoint seen on the LAN.
type DiscoveredPeer struct {
	DeviceID   string
	DeviceName string
	Version    int
	GroupOwner bool
	HostName   string
	Port       int
	Addresses  []string
	LastSeen   time.Time
}

// Peer converts the endpoint to the radio's peer record.
func (p DiscoveredPeer) Peer() models.Peer {
	return models.Peer{
		Address:     p.DeviceID,
		Name:        p.DeviceName,
		Status:      models.PeerAvailable,
		PrimaryType: "directlink/" + strconv.Itoa(p.Version),
		GroupOwner:  p.GroupOwner,
		LastSeen:    p.LastSeen,
	}
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// PeerScanner browses periodically and on demand. Every scan replaces the
// peer set, and a changed set is handed to the OnChange callback.
type PeerScanner struct {
	cfg      Config
	browse   browseFunc
	onChange func([]DiscoveredPeer)

	mu    sync.RWMutex
	peers map[string]DiscoveredPeer

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewPeerScanner creates a scanner. onChange may be nil and is called from
// the scanner goroutine.
func NewPeerScanner(config Config, onChange func([]DiscoveredPeer)) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.SelfDeviceID) == "" {
		return nil, errors.New("self device ID is required")
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &PeerScanner{
		cfg:             cfg,
		browse:          browse,
		onChange:        onChange,
		peers:           make(map[string]DiscoveredPeer),
		ctx:             ctx,
		cancel:          cancel,
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *PeerScanner) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop ends scanning. The scanner cannot be restarted.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

// Refresh runs one scan immediately and waits for it.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	req := refreshRequest{ctx: ctx, done: make(chan error, 1)}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}
}

// ListPeers returns the current peer set sorted by name.
func (s *PeerScanner) ListPeers() []DiscoveredPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedPeers(s.peers)
}

// Lookup returns the peer with deviceID from the current set.
func (s *PeerScanner) Lookup(deviceID string) (DiscoveredPeer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peer, ok := s.peers[deviceID]
	return peer, ok
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	_ = s.runScan(s.ctx)

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.runScan(s.ctx)
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PeerScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	go func() {
		select {
		case <-requestCtx.Done():
			cancel()
		case <-scanCtx.Done():
		}
	}()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredPeer)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg.SelfDeviceID)
				if !ok {
					continue
				}
				peer.LastSeen = time.Now()
				collected[peer.DeviceID] = peer
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		cancel()
		<-collectorDone
		return err
	}

	<-scanCtx.Done()
	<-collectorDone

	if s.ctx.Err() != nil {
		return ErrScannerStopped
	}
	if err := requestCtx.Err(); err != nil {
		return err
	}
	s.applySnapshot(collected)
	return nil
}

func (s *PeerScanner) applySnapshot(next map[string]DiscoveredPeer) {
	s.mu.Lock()
	changed := len(next) != len(s.peers)
	if !changed {
		for id, peer := range next {
			old, exists := s.peers[id]
			if !exists || !peersEqual(old, peer) {
				changed = true
				break
			}
		}
	}
	s.peers = next
	snapshot := sortedPeers(next)
	s.mu.Unlock()

	if changed && s.onChange != nil {
		s.onChange(snapshot)
	}
}

func sortedPeers(peers map[string]DiscoveredPeer) []DiscoveredPeer {
	out := make([]DiscoveredPeer, 0, len(peers))
	for _, peer := range peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (DiscoveredPeer, bool) {
	txt := txtToMap(entry.Text)

	deviceID := txt[txtDeviceID]
	if deviceID == "" || deviceID == selfDeviceID {
		return DiscoveredPeer{}, false
	}

	version := 0
	if raw := txt[txtVersion]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			version = parsed
		}
	}
	groupOwner, _ := strconv.ParseBool(txt[txtGroupOwner])

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	return DiscoveredPeer{
		DeviceID:   deviceID,
		DeviceName: name,
		Version:    version,
		GroupOwner: groupOwner,
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func peersEqual(a, b DiscoveredPeer) bool {
	return a.DeviceID == b.DeviceID &&
		a.DeviceName == b.DeviceName &&
		a.Version == b.Version &&
		a.GroupOwner == b.GroupOwner &&
		a.HostName == b.HostName &&
		a.Port == b.Port &&
		slices.Equal(a.Addresses, b.Addresses)
}

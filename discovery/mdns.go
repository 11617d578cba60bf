// Package discovery advertises this device over mDNS and scans for other
// directlink devices on the local network.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_directlink._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background scan interval.
	DefaultRefreshInterval = 5 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 2 * time.Second
)

const (
	txtDeviceID   = "device_id"
	txtVersion    = "version"
	txtGroupOwner = "group_owner"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls broadcaster and scanner behavior.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	SelfDeviceID  string
	DeviceName    string
	ListeningPort int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.ListeningPort <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

// Broadcaster advertises this device via mDNS. The group_owner TXT flag
// tracks whether the device currently hosts a group.
type Broadcaster struct {
	mu         sync.Mutex
	cfg        Config
	server     *zeroconf.Server
	groupOwner bool
}

// StartBroadcaster registers the service and starts answering queries.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	b := &Broadcaster{cfg: cfg}
	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.ListeningPort, b.text(), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	b.server = server
	return b, nil
}

func (b *Broadcaster) text() []string {
	return []string{
		txtDeviceID + "=" + b.cfg.SelfDeviceID,
		txtVersion + "=" + strconv.Itoa(b.cfg.Version),
		txtGroupOwner + "=" + strconv.FormatBool(b.groupOwner),
	}
}

// SetGroupOwner updates the advertised group owner flag.
func (b *Broadcaster) SetGroupOwner(owner bool) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.groupOwner == owner {
		return
	}
	b.groupOwner = owner
	if b.server != nil {
		b.server.SetText(b.text())
	}
}

// GroupOwner reports the advertised group owner flag.
func (b *Broadcaster) GroupOwner() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.groupOwner
}

// Stop stops broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

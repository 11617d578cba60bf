package wpa

import (
	"encoding/hex"
	"fmt"
	"strings"

	dbus "github.com/godbus/dbus/v5"

	"directlink/models"
	"directlink/radio"
)

const (
	sigDeviceFound          = p2pIface + ".DeviceFound"
	sigDeviceLost           = p2pIface + ".DeviceLost"
	sigGroupStarted         = p2pIface + ".GroupStarted"
	sigGroupFinished        = p2pIface + ".GroupFinished"
	sigGONegotiationFailure = p2pIface + ".GONegotiationFailure"
	sigGroupFormationFail   = p2pIface + ".GroupFormationFailure"
	sigFindStopped          = p2pIface + ".FindStopped"
)

func (s *Stack) signalLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case sig, ok := <-s.signals:
			if !ok {
				return
			}
			if sig != nil {
				s.handle(sig)
			}
		}
	}
}

// handle maps one P2PDevice signal onto radio events.
func (s *Stack) handle(sig *dbus.Signal) {
	switch sig.Name {
	case sigDeviceFound:
		path, ok := bodyPath(sig.Body)
		if !ok {
			return
		}
		s.mu.Lock()
		b := s.bus
		s.mu.Unlock()
		if b == nil {
			return
		}
		peer, err := s.readPeer(b, path)
		if err != nil {
			s.log.Printf("wpa: device found at %s: %v", path, err)
			return
		}
		s.mu.Lock()
		s.peers[path] = peer
		snapshot := s.snapshotLocked()
		s.mu.Unlock()
		s.subs.Publish(radio.Event{Kind: radio.PeersUpdated, Peers: snapshot})

	case sigDeviceLost:
		path, ok := bodyPath(sig.Body)
		if !ok {
			return
		}
		s.mu.Lock()
		delete(s.peers, path)
		snapshot := s.snapshotLocked()
		s.mu.Unlock()
		s.subs.Publish(radio.Event{Kind: radio.PeersUpdated, Peers: snapshot})

	case sigGroupStarted:
		started, err := parseGroupStarted(sig.Body)
		if err != nil {
			s.log.Printf("wpa: %v", err)
			return
		}
		s.groupStarted(started)

	case sigGroupFinished:
		s.groupFinished("group finished")

	case sigGONegotiationFailure, sigGroupFormationFail:
		s.mu.Lock()
		pending := s.pending
		s.pending = ""
		hasGroup := s.group != nil
		s.mu.Unlock()
		s.log.Printf("wpa: %s (peer %s)", strings.TrimPrefix(sig.Name, p2pIface+"."), pending)
		if !hasGroup {
			s.subs.Publish(radio.Event{Kind: radio.ConnectionInfoUpdated, Connection: models.ConnectionInfo{}})
		}

	case sigFindStopped:
		s.log.Printf("wpa: find stopped")
	}
}

type groupStarted struct {
	iface dbus.ObjectPath
	group dbus.ObjectPath
	owner bool
}

func parseGroupStarted(body []any) (groupStarted, error) {
	if len(body) == 0 {
		return groupStarted{}, fmt.Errorf("group started: empty body")
	}
	props, ok := body[0].(map[string]dbus.Variant)
	if !ok {
		return groupStarted{}, fmt.Errorf("group started: unexpected body %T", body[0])
	}
	var out groupStarted
	if v, ok := props["interface_object"]; ok {
		out.iface, _ = v.Value().(dbus.ObjectPath)
	}
	if v, ok := props["group_object"]; ok {
		out.group, _ = v.Value().(dbus.ObjectPath)
	}
	if v, ok := props["role"]; ok {
		role, _ := v.Value().(string)
		out.owner = strings.EqualFold(role, "GO")
	}
	if !out.iface.IsValid() {
		return groupStarted{}, fmt.Errorf("group started: missing interface object")
	}
	return out, nil
}

func (s *Stack) groupStarted(started groupStarted) {
	s.mu.Lock()
	b := s.bus
	group := &groupState{
		object: started.group,
		iface:  started.iface,
		owner:  started.owner,
		peer:   s.pending,
	}
	s.pending = ""
	s.mu.Unlock()
	if b == nil {
		return
	}

	if v, err := b.Property(started.iface, ifaceIface+".Ifname"); err == nil {
		group.ifname, _ = v.Value().(string)
	}
	if started.group.IsValid() {
		if v, err := b.Property(started.group, groupIface+".SSID"); err == nil {
			if raw, ok := v.Value().([]byte); ok {
				group.ssid = string(raw)
			}
		}
		if v, err := b.Property(started.group, groupIface+".Passphrase"); err == nil {
			group.passphrase, _ = v.Value().(string)
		}
	}

	s.mu.Lock()
	s.group = group
	info := s.infoLocked()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	role := "client"
	if group.owner {
		role = "group owner"
	}
	s.log.Printf("wpa: group %q started on %s as %s", group.ssid, group.ifname, role)
	s.startDataPath(group.owner)
	s.subs.Publish(radio.Event{Kind: radio.ConnectionInfoUpdated, Connection: info})
	s.subs.Publish(radio.Event{Kind: radio.PeersUpdated, Peers: snapshot})
}

func (s *Stack) groupFinished(reason string) {
	s.mu.Lock()
	had := s.group != nil
	s.group = nil
	s.pending = ""
	s.mu.Unlock()
	if !had {
		return
	}

	s.log.Printf("wpa: %s", reason)
	s.stopDataPath()
	s.subs.Publish(radio.Event{Kind: radio.ConnectionInfoUpdated, Connection: models.ConnectionInfo{}})
}

func bodyPath(body []any) (dbus.ObjectPath, bool) {
	if len(body) == 0 {
		return "", false
	}
	path, ok := body[0].(dbus.ObjectPath)
	return path, ok
}

func formatMAC(raw []byte) string {
	parts := make([]string, len(raw))
	for i, b := range raw {
		parts[i] = hex.EncodeToString([]byte{b})
	}
	return strings.Join(parts, ":")
}

// formatDeviceType renders a WSC primary device type as category-OUI-sub.
func formatDeviceType(raw []byte) string {
	if len(raw) != 8 {
		return hex.EncodeToString(raw)
	}
	category := int(raw[0])<<8 | int(raw[1])
	sub := int(raw[6])<<8 | int(raw[7])
	return fmt.Sprintf("%d-%s-%d", category, hex.EncodeToString(raw[2:6]), sub)
}

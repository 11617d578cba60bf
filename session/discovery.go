package session

import (
	"context"
	"fmt"

	"directlink/activity"
	"directlink/models"
	"directlink/radio"
)

type discoveryController struct {
	c       *Coordinator
	s       *Session
	machine *connectionMachine
}

func (d *discoveryController) start(reply func(error)) {
	if d.s.state != StateIdle {
		reply(d.c.reject(activity.CategoryDiscovery, &Error{Op: "start discovery", Kind: ErrInvalidState, State: d.s.state}))
		return
	}
	if !d.c.gate.Granted(CapabilityDiscoveryLocation) {
		reply(d.c.reject(activity.CategoryDiscovery, &Error{
			Op:   "start discovery",
			Kind: ErrPermissionDenied,
			Err:  fmt.Errorf("%s not granted", CapabilityDiscoveryLocation),
		}))
		return
	}

	d.c.issue(d.c.stack.StartDiscovery, func(err error) {
		if err != nil {
			reply(d.c.reject(activity.CategoryDiscovery, externalFailure("start discovery", "", err)))
			return
		}
		d.s.scanning = true
		d.s.touch()
		if d.s.state == StateIdle {
			d.machine.transition(StateDiscovering, "discovery started")
		}
		d.c.record(activity.CategoryDiscovery, activity.SeverityInfo, "discovery started")
		reply(nil)
	})
}

func (d *discoveryController) stop(reply func(bool, error)) {
	if !d.s.scanning && d.s.state != StateDiscovering {
		d.c.record(activity.CategoryDiscovery, activity.SeverityInfo, "stop discovery ignored: not discovering")
		reply(false, nil)
		return
	}

	d.c.issue(d.c.stack.StopDiscovery, func(err error) {
		if err != nil {
			reply(false, d.c.reject(activity.CategoryDiscovery, externalFailure("stop discovery", "", err)))
			return
		}
		d.s.scanning = false
		d.s.touch()
		if d.s.state == StateDiscovering {
			d.machine.transition(StateIdle, "discovery stopped")
		}
		d.c.record(activity.CategoryDiscovery, activity.SeverityInfo, "discovery stopped")
		reply(true, nil)
	})
}

func (d *discoveryController) refresh(reply func([]models.Peer, error)) {
	var peers []models.Peer
	d.c.issue(func(ctx context.Context) error {
		var err error
		peers, err = d.c.stack.AvailablePeers(ctx)
		return err
	}, func(err error) {
		if err != nil {
			reply(nil, d.c.reject(activity.CategoryDiscovery, externalFailure("available peers", "", err)))
			return
		}
		d.replace(peers, "available peers")
		reply(append([]models.Peer{}, d.s.peers...), nil)
	})
}

func (d *discoveryController) onPeers(ev radio.Event) {
	d.replace(ev.Peers, "peers updated")
}

// replace swaps in a full peer snapshot. The active connection holds its
// peer by address and is not affected.
func (d *discoveryController) replace(peers []models.Peer, source string) {
	d.s.peers = append([]models.Peer{}, peers...)
	d.s.touch()
	d.c.record(activity.CategoryDiscovery, activity.SeverityInfo, "%s: %d peer(s)", source, len(peers))
	if d.s.conn != nil && !d.s.conn.Self {
		if _, ok := d.s.findPeer(d.s.conn.PeerAddress); !ok && d.s.state == StateConnected {
			d.c.record(activity.CategoryDiscovery, activity.SeverityDebug, "connected peer %s not in snapshot", d.s.conn.PeerAddress)
		}
	}
}

// StartDiscovery begins scanning for peers. Valid only from Idle.
func (c *Coordinator) StartDiscovery(ctx context.Context) error {
	return callErr(c, ctx, func(reply func(error)) {
		c.discovery.start(reply)
	})
}

// StopDiscovery stops scanning. stopped is false when no scan was running.
func (c *Coordinator) StopDiscovery(ctx context.Context) (stopped bool, err error) {
	return call(c, ctx, func(reply func(bool, error)) {
		c.discovery.stop(reply)
	})
}

// RefreshPeers asks the radio for its current peer list and replaces the
// snapshot with it.
func (c *Coordinator) RefreshPeers(ctx context.Context) ([]models.Peer, error) {
	return call(c, ctx, func(reply func([]models.Peer, error)) {
		c.discovery.refresh(reply)
	})
}

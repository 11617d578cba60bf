package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"directlink/activity"
	"directlink/models"
	"directlink/radio"
)

// connectionMachine owns the lifecycle state and the connection record.
type connectionMachine struct {
	c         *Coordinator
	s         *Session
	transfers *transferCoordinator

	connectTimer *time.Timer
}

// transition moves the session to state to and applies the record rules:
// Idle, Discovering and Failed carry no connection, and only Connected and
// Disconnecting may carry a group. Leaving Connected loses every transfer.
func (m *connectionMachine) transition(to State, reason string) {
	from := m.s.state
	if from == to {
		return
	}
	m.s.state = to

	switch to {
	case StateIdle, StateDiscovering, StateFailed:
		m.s.conn = nil
		m.s.group = nil
	case StateConnecting:
		m.s.group = nil
	}
	if from == StateConnecting {
		m.stopConnectTimer()
	}
	m.s.touch()

	severity := activity.SeverityInfo
	if to == StateFailed {
		severity = activity.SeverityError
	}
	m.c.record(activity.CategoryConnection, severity, "%s -> %s: %s", from, to, reason)

	if from == StateConnected {
		m.transfers.loseAll(reason)
	}
}

// fail records a failure and settles in Idle.
func (m *connectionMachine) fail(reason string) {
	m.transition(StateFailed, reason)
	m.transition(StateIdle, "recovered from failure")
}

func (m *connectionMachine) startConnectTimer(attempt uint64) {
	m.stopConnectTimer()
	timeout := m.c.opts.ConnectTimeout
	if timeout <= 0 {
		return
	}
	m.connectTimer = m.c.after(timeout, func() { m.onConnectTimeout(attempt, timeout) })
}

func (m *connectionMachine) stopConnectTimer() {
	if m.connectTimer != nil {
		m.connectTimer.Stop()
		m.connectTimer = nil
	}
}

func (m *connectionMachine) connect(address string, reply func(error)) {
	if (m.s.state != StateIdle && m.s.state != StateDiscovering) || m.s.groupPending {
		reply(m.c.reject(activity.CategoryConnection, &Error{Op: "connect", Kind: ErrInvalidState, State: m.s.state, Address: address}))
		return
	}
	peer, ok := m.s.findPeer(address)
	if !ok {
		reply(m.c.reject(activity.CategoryConnection, &Error{Op: "connect", Kind: ErrUnknownPeer, Address: address}))
		return
	}

	m.s.attempt++
	attempt := m.s.attempt
	m.s.conn = &Connection{PeerAddress: peer.Address, PeerName: peer.Name, Role: models.RoleUnknown}
	m.transition(StateConnecting, "connect to "+describePeer(peer))
	m.startConnectTimer(attempt)

	m.c.issue(func(ctx context.Context) error {
		return m.c.stack.Connect(ctx, address)
	}, func(err error) {
		if err == nil {
			m.c.record(activity.CategoryConnection, activity.SeverityInfo, "connect request to %s accepted", address)
			reply(nil)
			return
		}
		failure := externalFailure("connect", address, err)
		if m.s.state == StateConnecting && m.s.attempt == attempt {
			m.s.attempt++
			m.fail("connect request rejected")
		}
		reply(m.c.reject(activity.CategoryConnection, failure))
	})
}

func (m *connectionMachine) onConnectTimeout(attempt uint64, timeout time.Duration) {
	if m.s.state != StateConnecting || m.s.attempt != attempt {
		return
	}
	address := m.s.conn.PeerAddress
	m.c.reject(activity.CategoryConnection, &Error{
		Op:      "connect",
		Kind:    ErrTimeout,
		Address: address,
		Err:     fmt.Errorf("no link after %s", timeout),
	})
	m.s.attempt++
	m.fail("connect to " + address + " timed out")

	m.c.issue(m.c.stack.CancelConnect, func(err error) {
		if err != nil {
			m.c.record(activity.CategoryConnection, activity.SeverityWarning, "cancel after timeout failed: %v", err)
		}
	})
}

func (m *connectionMachine) cancel(reply func(bool, error)) {
	if m.s.state != StateConnecting {
		m.c.record(activity.CategoryConnection, activity.SeverityInfo, "cancel connect ignored: state is %s", m.s.state)
		reply(false, nil)
		return
	}
	address := m.s.conn.PeerAddress
	m.s.attempt++
	m.fail("connect to " + address + " canceled")

	m.c.issue(m.c.stack.CancelConnect, func(err error) {
		if err != nil {
			reply(true, m.c.reject(activity.CategoryConnection, externalFailure("cancel connect", address, err)))
			return
		}
		m.c.record(activity.CategoryConnection, activity.SeverityInfo, "connection to %s canceled", address)
		reply(true, nil)
	})
}

// disconnect tears down the current link. ownerOnly restricts it to a
// session that hosts the group.
func (m *connectionMachine) disconnect(op string, category activity.Category, ownerOnly bool, reply func(error)) {
	if m.s.state != StateConnected {
		reply(m.c.reject(category, &Error{Op: op, Kind: ErrInvalidState, State: m.s.state}))
		return
	}
	if ownerOnly && m.s.conn.Role != models.RoleGroupOwner {
		reply(m.c.reject(category, &Error{
			Op:    op,
			Kind:  ErrInvalidState,
			State: m.s.state,
			Err:   fmt.Errorf("role is %s", m.s.conn.Role),
		}))
		return
	}

	address := m.s.conn.PeerAddress
	m.transition(StateDisconnecting, op)

	m.c.issue(m.c.stack.RemoveGroup, func(err error) {
		if err != nil {
			if m.s.state == StateDisconnecting {
				m.s.epoch++
				m.transition(StateConnected, op+" rejected by radio")
			}
			reply(m.c.reject(category, externalFailure(op, address, err)))
			return
		}
		if m.s.state == StateDisconnecting {
			m.transition(StateIdle, op+" complete")
		}
		reply(nil)
	})
}

// onConnectionInfo reconciles the state machine with the radio's link report.
func (m *connectionMachine) onConnectionInfo(ev radio.Event) {
	info := ev.Connection
	live := info.GroupFormed

	switch m.s.state {
	case StateIdle, StateDiscovering:
		if !live {
			m.c.record(activity.CategoryConnection, activity.SeverityDebug, "connection info: no link")
			return
		}
		m.s.conn = &Connection{}
		m.establish(info, "link adopted")

	case StateConnecting:
		if !live {
			address := m.s.conn.PeerAddress
			m.c.reject(activity.CategoryConnection, externalFailure("connect", address, errors.New("radio reported no link")))
			m.s.attempt++
			m.fail("no link to " + address)
			return
		}
		if info.PeerAddress != "" && info.PeerAddress != m.s.conn.PeerAddress {
			m.c.record(activity.CategoryConnection, activity.SeverityWarning,
				"link established with %s instead of %s", info.PeerAddress, m.s.conn.PeerAddress)
		}
		m.establish(info, "link established")

	case StateConnected:
		if !live {
			m.fail("link lost")
			return
		}
		m.refresh(info)

	case StateDisconnecting:
		if !live {
			m.transition(StateIdle, "link closed")
			return
		}
		m.c.record(activity.CategoryConnection, activity.SeverityDebug, "ignoring live link while disconnecting")
	}
}

func (m *connectionMachine) establish(info models.ConnectionInfo, reason string) {
	m.apply(info)
	m.s.conn.Since = time.Now()
	m.s.epoch++
	m.transition(StateConnected, reason)
}

func (m *connectionMachine) refresh(info models.ConnectionInfo) {
	before := m.s.conn.Role
	m.apply(info)
	if before != m.s.conn.Role {
		m.c.record(activity.CategoryConnection, activity.SeverityInfo, "role changed from %s to %s", before, m.s.conn.Role)
	}
	if m.s.group != nil && m.s.conn.Role != models.RoleGroupOwner {
		m.c.record(activity.CategoryGroup, activity.SeverityWarning, "radio reports client role while hosting a group")
	}
	m.s.touch()
}

// apply copies link details into the connection record. A group owner link
// with no named peer points at this device.
func (m *connectionMachine) apply(info models.ConnectionInfo) {
	conn := m.s.conn
	conn.Info = info
	conn.Role = models.RoleClient
	if info.IsGroupOwner {
		conn.Role = models.RoleGroupOwner
	}

	switch {
	case info.PeerAddress != "":
		conn.PeerAddress = info.PeerAddress
		conn.Self = false
		if peer, ok := m.s.findPeer(info.PeerAddress); ok {
			conn.PeerName = peer.Name
		}
	case conn.Role == models.RoleGroupOwner && conn.PeerAddress == "":
		conn.PeerAddress = m.s.device.Address
		conn.PeerName = m.s.device.Name
		conn.Self = true
	case conn.PeerAddress == "":
		conn.PeerAddress = info.GroupOwnerAddress
	}
}

func (m *connectionMachine) onThisDevice(ev radio.Event) {
	m.s.device = ev.Device
	if m.s.conn != nil && m.s.conn.Self {
		m.s.conn.PeerAddress = ev.Device.Address
		m.s.conn.PeerName = ev.Device.Name
	}
	if m.s.group != nil && m.s.group.Info.Owner.Address == "" {
		m.s.group.Info.Owner = models.Peer{Address: ev.Device.Address, Name: ev.Device.Name}
	}
	m.s.touch()
	m.c.record(activity.CategoryDevice, activity.SeverityInfo, "this device: %s (%s) %s", ev.Device.Name, ev.Device.Address, ev.Device.Status)
}

func describePeer(peer models.Peer) string {
	if peer.Name == "" {
		return peer.Address
	}
	return fmt.Sprintf("%s (%s)", peer.Name, peer.Address)
}

// Connect asks the radio to negotiate a link with the peer at address. It
// returns once the radio accepts the request; the link itself is reported
// through the session state.
func (c *Coordinator) Connect(ctx context.Context, address string) error {
	return callErr(c, ctx, func(reply func(error)) {
		c.machine.connect(address, reply)
	})
}

// CancelConnect abandons a pending connect. canceled is false when nothing
// was pending.
func (c *Coordinator) CancelConnect(ctx context.Context) (canceled bool, err error) {
	return call(c, ctx, func(reply func(bool, error)) {
		c.machine.cancel(reply)
	})
}

// Disconnect tears down the current link.
func (c *Coordinator) Disconnect(ctx context.Context) error {
	return callErr(c, ctx, func(reply func(error)) {
		c.machine.disconnect("disconnect", activity.CategoryConnection, false, reply)
	})
}

// ConnectionInfo queries the radio for its current link report.
func (c *Coordinator) ConnectionInfo(ctx context.Context) (models.ConnectionInfo, error) {
	return call(c, ctx, func(reply func(models.ConnectionInfo, error)) {
		var info models.ConnectionInfo
		c.issue(func(ctx context.Context) error {
			var err error
			info, err = c.stack.ConnectionInfo(ctx)
			return err
		}, func(err error) {
			if err != nil {
				reply(models.ConnectionInfo{}, c.reject(activity.CategoryConnection, externalFailure("connection info", "", err)))
				return
			}
			c.record(activity.CategoryConnection, activity.SeverityInfo,
				"connection info: formed=%t owner=%t owner address=%s", info.GroupFormed, info.IsGroupOwner, info.GroupOwnerAddress)
			reply(info, nil)
		})
	})
}

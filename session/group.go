package session

import (
	"context"
	"errors"
	"time"

	"directlink/activity"
	"directlink/models"
)

type groupManager struct {
	c       *Coordinator
	s       *Session
	machine *connectionMachine
}

func (g *groupManager) create(reply func(models.GroupInfo, error)) {
	if g.s.state != StateIdle || g.s.groupPending {
		reply(models.GroupInfo{}, g.c.reject(activity.CategoryGroup, &Error{Op: "create group", Kind: ErrInvalidState, State: g.s.state}))
		return
	}
	g.s.groupPending = true
	g.s.touch()

	var info models.GroupInfo
	var infoErr error
	g.c.issue(func(ctx context.Context) error {
		if err := g.c.stack.CreateGroup(ctx); err != nil {
			return err
		}
		info, infoErr = g.c.stack.GroupInfo(ctx)
		return nil
	}, func(err error) {
		g.s.groupPending = false
		g.s.touch()
		if err != nil {
			reply(models.GroupInfo{}, g.c.reject(activity.CategoryGroup, externalFailure("create group", "", err)))
			return
		}
		if infoErr != nil {
			g.c.record(activity.CategoryGroup, activity.SeverityWarning, "group info unavailable after create: %v", infoErr)
		}
		if info.Owner.Address == "" {
			info.Owner = models.Peer{Address: g.s.device.Address, Name: g.s.device.Name, GroupOwner: true}
		}
		now := time.Now()

		switch {
		case g.s.state == StateIdle || g.s.state == StateDiscovering:
			g.s.conn = &Connection{
				PeerAddress: g.s.device.Address,
				PeerName:    g.s.device.Name,
				Self:        true,
				Role:        models.RoleGroupOwner,
				Info:        models.ConnectionInfo{GroupFormed: true, IsGroupOwner: true},
				Since:       now,
			}
			g.s.group = &Group{Info: info.Clone(), Created: now}
			g.s.epoch++
			g.machine.transition(StateConnected, "group created")
		case g.s.state == StateConnected && g.s.conn.Role == models.RoleGroupOwner:
			g.s.group = &Group{Info: info.Clone(), Created: now}
			g.s.touch()
			g.c.record(activity.CategoryGroup, activity.SeverityDebug, "group attached to existing link")
		default:
			// Removing the radio group here would also drop the link that
			// was adopted meanwhile, so it is left to the radio.
			g.c.record(activity.CategoryGroup, activity.SeverityWarning, "group %q orphaned: session is %s with %s", info.NetworkName, g.s.state, g.linkRole())
			reply(models.GroupInfo{}, g.c.reject(activity.CategoryGroup, &Error{
				Op:    "create group",
				Kind:  ErrInvalidState,
				State: g.s.state,
				Err:   errors.New("group created while the session was busy"),
			}))
			return
		}

		g.c.record(activity.CategoryGroup, activity.SeverityInfo, "group %q created", info.NetworkName)
		reply(info.Clone(), nil)
	})
}

func (g *groupManager) linkRole() string {
	if g.s.conn == nil {
		return "no link"
	}
	return g.s.conn.Role.String() + " link"
}

func (g *groupManager) info(reply func(models.GroupInfo, error)) {
	var info models.GroupInfo
	g.c.issue(func(ctx context.Context) error {
		var err error
		info, err = g.c.stack.GroupInfo(ctx)
		return err
	}, func(err error) {
		if err != nil {
			reply(models.GroupInfo{}, g.c.reject(activity.CategoryGroup, externalFailure("group info", "", err)))
			return
		}
		if g.s.group != nil {
			if info.Passphrase == "" {
				info.Passphrase = g.s.group.Info.Passphrase
			}
			g.s.group.Info = info.Clone()
			g.s.touch()
		}
		g.c.record(activity.CategoryGroup, activity.SeverityInfo, "group info: %q with %d client(s)", info.NetworkName, len(info.Clients))
		reply(info.Clone(), nil)
	})
}

// CreateGroup hosts a group with this device as owner. Valid only from Idle.
func (c *Coordinator) CreateGroup(ctx context.Context) (models.GroupInfo, error) {
	return call(c, ctx, func(reply func(models.GroupInfo, error)) {
		c.groups.create(reply)
	})
}

// RemoveGroup tears down the hosted group. Valid only while connected as
// group owner.
func (c *Coordinator) RemoveGroup(ctx context.Context) error {
	return callErr(c, ctx, func(reply func(error)) {
		c.machine.disconnect("remove group", activity.CategoryGroup, true, reply)
	})
}

// GroupInfo queries the radio for the current group and refreshes the
// hosted group record.
func (c *Coordinator) GroupInfo(ctx context.Context) (models.GroupInfo, error) {
	return call(c, ctx, func(reply func(models.GroupInfo, error)) {
		c.groups.info(reply)
	})
}

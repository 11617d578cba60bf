package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"directlink/models"
)

func TestCreateGroupFromIdle(t *testing.T) {
	stack := newFakeStack()
	c := startCoordinator(t, testOptions(stack))

	info, err := c.CreateGroup(testContext(t))
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	if info.NetworkName != stack.group.NetworkName {
		t.Fatalf("expected network name %q, got %q", stack.group.NetworkName, info.NetworkName)
	}
	if info.Owner.Address != self.Address {
		t.Fatalf("expected self as owner, got %+v", info.Owner)
	}

	snap := c.Snapshot()
	if snap.State != StateConnected {
		t.Fatalf("expected connected, got %s", snap.State)
	}
	if snap.Connection == nil || snap.Group == nil {
		t.Fatalf("expected connection and group together, got %+v", snap)
	}
	if snap.Connection.Role != models.RoleGroupOwner || !snap.Connection.Self || snap.Connection.PeerAddress != self.Address {
		t.Fatalf("expected group owner with peer=self, got %+v", snap.Connection)
	}
	if snap.GroupPending {
		t.Fatalf("expected pending flag cleared")
	}
}

func TestCreateGroupFromConnected(t *testing.T) {
	stack := newFakeStack()
	c := startCoordinator(t, testOptions(stack))
	connectTo(t, c, stack, peerA)

	_, err := c.CreateGroup(testContext(t))
	assertKind(t, err, ErrInvalidState)
	if stack.called("create_group") != 0 {
		t.Fatalf("radio must not be asked to create a group")
	}
	if c.Snapshot().Group != nil {
		t.Fatalf("expected no group")
	}
}

func TestCreateGroupPendingBlocksOtherEntries(t *testing.T) {
	stack := newFakeStack()
	c := startCoordinator(t, testOptions(stack))
	emitPeers(t, c, stack, peerA)

	release := stack.hold("create_group")
	defer release()

	results := make(chan error, 1)
	ctx := testContext(t)
	go func() {
		_, err := c.CreateGroup(ctx)
		results <- err
	}()
	waitForCondition(t, 2*time.Second, func() bool { return c.Snapshot().GroupPending })

	_, err := c.CreateGroup(testContext(t))
	assertKind(t, err, ErrInvalidState)
	assertKind(t, c.Connect(testContext(t), peerA.Address), ErrInvalidState)

	release()
	if err := <-results; err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("expected connected, got %s", c.State())
	}
}

func TestCreateGroupOvertakenByClientLink(t *testing.T) {
	stack := newFakeStack()
	c := startCoordinator(t, testOptions(stack))

	release := stack.hold("create_group")
	defer release()

	results := make(chan error, 1)
	ctx := testContext(t)
	go func() {
		_, err := c.CreateGroup(ctx)
		results <- err
	}()
	waitForCondition(t, 2*time.Second, func() bool { return c.Snapshot().GroupPending })

	emitLink(t, c, stack, models.ConnectionInfo{GroupFormed: true, GroupOwnerAddress: "192.168.49.1", PeerAddress: peerA.Address})
	release()

	assertKind(t, <-results, ErrInvalidState)
	snap := c.Snapshot()
	if snap.State != StateConnected || snap.Connection.Role != models.RoleClient {
		t.Fatalf("expected adopted client link kept, got %+v", snap)
	}
	if snap.Group != nil || snap.GroupPending {
		t.Fatalf("expected no hosted group, got %+v", snap)
	}
	if stack.called("remove_group") != 0 {
		t.Fatalf("removing the radio group would drop the adopted link")
	}
	if !hasRecord(c.Activity(), "orphaned") {
		t.Fatalf("expected orphaned group to be logged")
	}
}

func TestCreateGroupRejectedByRadio(t *testing.T) {
	stack := newFakeStack()
	stack.failWith("create_group", errors.New("unsupported"))
	c := startCoordinator(t, testOptions(stack))

	_, err := c.CreateGroup(testContext(t))
	assertKind(t, err, ErrExternalFailure)

	snap := c.Snapshot()
	if snap.State != StateIdle || snap.Group != nil || snap.GroupPending {
		t.Fatalf("expected clean idle, got %+v", snap)
	}
}

func TestCreateGroupWithoutGroupInfoStillConnects(t *testing.T) {
	stack := newFakeStack()
	stack.failWith("group_info", errors.New("later"))
	c := startCoordinator(t, testOptions(stack))

	info, err := c.CreateGroup(testContext(t))
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	if info.Owner.Address != self.Address {
		t.Fatalf("expected self as owner, got %+v", info.Owner)
	}
	if !hasRecord(c.Activity(), "group info unavailable") {
		t.Fatalf("expected missing group info to be logged")
	}
}

func TestRemoveGroup(t *testing.T) {
	stack := newFakeStack()
	c := startCoordinator(t, testOptions(stack))
	if _, err := c.CreateGroup(testContext(t)); err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}

	if err := c.RemoveGroup(testContext(t)); err != nil {
		t.Fatalf("RemoveGroup failed: %v", err)
	}
	snap := c.Snapshot()
	if snap.State != StateIdle || snap.Group != nil || snap.Connection != nil {
		t.Fatalf("expected group and connection cleared, got %+v", snap)
	}
	if stack.called("remove_group") != 1 {
		t.Fatalf("expected one radio remove, got %d", stack.called("remove_group"))
	}
}

func TestRemoveGroupAsClient(t *testing.T) {
	stack := newFakeStack()
	c := startCoordinator(t, testOptions(stack))
	connectTo(t, c, stack, peerA)

	assertKind(t, c.RemoveGroup(testContext(t)), ErrInvalidState)
	if c.State() != StateConnected {
		t.Fatalf("expected client link untouched, got %s", c.State())
	}
}

func TestGroupInfoRefreshesHostedGroup(t *testing.T) {
	stack := newFakeStack()
	c := startCoordinator(t, testOptions(stack))
	if _, err := c.CreateGroup(testContext(t)); err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}

	stack.mu.Lock()
	stack.group.Clients = []models.Peer{peerA}
	stack.group.Passphrase = ""
	stack.mu.Unlock()

	info, err := c.GroupInfo(context.Background())
	if err != nil {
		t.Fatalf("GroupInfo failed: %v", err)
	}
	if len(info.Clients) != 1 {
		t.Fatalf("expected one client, got %+v", info.Clients)
	}
	group := c.Snapshot().Group
	if group == nil || len(group.Info.Clients) != 1 {
		t.Fatalf("expected hosted group refreshed, got %+v", group)
	}
	if group.Info.Passphrase != "secret12" {
		t.Fatalf("expected passphrase kept, got %q", group.Info.Passphrase)
	}
}

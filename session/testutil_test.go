package session

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"directlink/activity"
	"directlink/models"
	"directlink/radio"
)

type fakeResult struct {
	meta models.MetaInfo
	err  error
}

// fakeStack is a scriptable radio.Stack. Transfer verbs block until the test
// finishes them or their context ends.
type fakeStack struct {
	mu      sync.Mutex
	events  radio.Subscribers
	calls   []string
	errs    map[string]error
	peers   []models.Peer
	conn    models.ConnectionInfo
	group   models.GroupInfo
	pending map[string]chan fakeResult
	aborted []string
	gate    map[string]chan struct{}
}

func newFakeStack() *fakeStack {
	return &fakeStack{
		errs:    make(map[string]error),
		pending: make(map[string]chan fakeResult),
		gate:    make(map[string]chan struct{}),
		group:   models.GroupInfo{NetworkName: "DIRECT-xy-test", Passphrase: "secret12"},
	}
}

func (f *fakeStack) record(verb string) error {
	f.mu.Lock()
	f.calls = append(f.calls, verb)
	err := f.errs[verb]
	gate := f.gate[verb]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return err
}

func (f *fakeStack) failWith(verb string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[verb] = err
}

// hold makes verb block until the returned release func is called.
func (f *fakeStack) hold(verb string) func() {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gate[verb] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *fakeStack) called(verb string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, call := range f.calls {
		if call == verb {
			count++
		}
	}
	return count
}

func (f *fakeStack) emit(ev radio.Event) {
	f.events.Publish(ev)
}

func (f *fakeStack) Initialize(context.Context) error     { return f.record("initialize") }
func (f *fakeStack) StartDiscovery(context.Context) error { return f.record("start_discovery") }
func (f *fakeStack) StopDiscovery(context.Context) error  { return f.record("stop_discovery") }
func (f *fakeStack) CancelConnect(context.Context) error  { return f.record("cancel_connect") }
func (f *fakeStack) CreateGroup(context.Context) error    { return f.record("create_group") }
func (f *fakeStack) RemoveGroup(context.Context) error    { return f.record("remove_group") }
func (f *fakeStack) Close() error                         { return nil }

func (f *fakeStack) Connect(_ context.Context, address string) error {
	return f.record("connect")
}

func (f *fakeStack) AvailablePeers(context.Context) ([]models.Peer, error) {
	if err := f.record("available_peers"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Peer{}, f.peers...), nil
}

func (f *fakeStack) ConnectionInfo(context.Context) (models.ConnectionInfo, error) {
	if err := f.record("connection_info"); err != nil {
		return models.ConnectionInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn, nil
}

func (f *fakeStack) GroupInfo(context.Context) (models.GroupInfo, error) {
	if err := f.record("group_info"); err != nil {
		return models.GroupInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.group.Clone(), nil
}

func (f *fakeStack) SendMessage(ctx context.Context, id, text string) (models.MetaInfo, error) {
	return f.transfer(ctx, "send_message")
}

func (f *fakeStack) ReceiveMessage(ctx context.Context, id string) (models.MetaInfo, error) {
	return f.transfer(ctx, "receive_message")
}

func (f *fakeStack) SendFile(ctx context.Context, id, path string) (models.MetaInfo, error) {
	return f.transfer(ctx, "send_file")
}

func (f *fakeStack) ReceiveFile(ctx context.Context, id, destDir, name string) (models.MetaInfo, error) {
	return f.transfer(ctx, "receive_file")
}

func (f *fakeStack) transfer(ctx context.Context, verb string) (models.MetaInfo, error) {
	if err := f.record(verb); err != nil {
		return models.MetaInfo{}, err
	}
	ch := make(chan fakeResult, 1)
	f.mu.Lock()
	f.pending[verb] = ch
	f.mu.Unlock()

	select {
	case r := <-ch:
		return r.meta, r.err
	case <-ctx.Done():
		return models.MetaInfo{}, ctx.Err()
	}
}

// finish completes the pending transfer for verb.
func (f *fakeStack) finish(t *testing.T, verb string, meta models.MetaInfo, err error) {
	t.Helper()
	var ch chan fakeResult
	waitForCondition(t, 2*time.Second, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		ch = f.pending[verb]
		return ch != nil
	})
	f.mu.Lock()
	delete(f.pending, verb)
	f.mu.Unlock()
	ch <- fakeResult{meta: meta, err: err}
}

func (f *fakeStack) Subscribe(kind radio.EventKind, fn func(radio.Event)) (func(), error) {
	if err := f.record("subscribe"); err != nil {
		return nil, err
	}
	return f.events.Subscribe(kind, fn)
}

// abortingStack adds radio.Aborter.
type abortingStack struct {
	*fakeStack
}

func (a abortingStack) Abort(_ context.Context, transferID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.aborted = append(a.aborted, transferID)
	return nil
}

func (f *fakeStack) abortedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.aborted...)
}

var (
	peerA = models.Peer{Address: "02:00:00:00:00:0a", Name: "Alpha", Status: models.PeerAvailable}
	peerB = models.Peer{Address: "02:00:00:00:00:0b", Name: "Bravo", Status: models.PeerAvailable}
	self  = models.DeviceInfo{Address: "02:00:00:00:00:01", Name: "Self", Status: models.PeerAvailable}
)

func testOptions(stack radio.Stack) Options {
	return Options{
		Stack:          stack,
		Requester:      NewStaticRequester(Capabilities...),
		Logger:         log.New(io.Discard, "", 0),
		Self:           self,
		ConnectTimeout: -1,
	}
}

func startCoordinator(t *testing.T, opts Options) *Coordinator {
	t.Helper()
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return c
}

// settle waits until every task queued before it has run.
func settle(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := callErr(c, ctx, func(reply func(error)) { reply(nil) }); err != nil {
		t.Fatalf("settle failed: %v", err)
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func emitPeers(t *testing.T, c *Coordinator, stack *fakeStack, peers ...models.Peer) {
	t.Helper()
	stack.emit(radio.Event{Kind: radio.PeersUpdated, Peers: peers})
	settle(t, c)
}

func emitLink(t *testing.T, c *Coordinator, stack *fakeStack, info models.ConnectionInfo) {
	t.Helper()
	stack.emit(radio.Event{Kind: radio.ConnectionInfoUpdated, Connection: info})
	settle(t, c)
}

// connectTo drives the session to Connected as a client of peer.
func connectTo(t *testing.T, c *Coordinator, stack *fakeStack, peer models.Peer) {
	t.Helper()
	emitPeers(t, c, stack, peerA, peerB)
	if err := c.Connect(testContext(t), peer.Address); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	emitLink(t, c, stack, models.ConnectionInfo{GroupFormed: true, GroupOwnerAddress: "192.168.49.1", PeerAddress: peer.Address})
	if state := c.State(); state != StateConnected {
		t.Fatalf("expected connected, got %s", state)
	}
}

func hasRecord(log *activity.Log, substr string) bool {
	for _, rec := range log.Records() {
		if strings.Contains(rec.Summary, substr) {
			return true
		}
	}
	return false
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func assertKind(t *testing.T, err, kind error) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("expected %v, got %v", kind, err)
	}
}

// Package session coordinates a single peer-to-peer radio session.
//
// Every state change runs on one coordinator goroutine. Radio callbacks,
// caller intents, radio acknowledgements and timer expiries are all queued
// as tasks and drained in order, so the connection state machine, the peer
// snapshot and the transfer slots are never touched concurrently and need no
// locks. Callers block on a reply delivered after the task that resolved
// their request has been published, so a Snapshot taken after a method
// returns always reflects that method's effect.
package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"directlink/activity"
	"directlink/models"
	"directlink/radio"
)

const (
	// DefaultQueueSize bounds the coordinator task queue.
	DefaultQueueSize = 128
	// DefaultCommandTimeout bounds each radio verb acknowledgement.
	DefaultCommandTimeout = 30 * time.Second
	// DefaultConnectTimeout bounds the Connecting state.
	DefaultConnectTimeout = 60 * time.Second
	// DefaultTransferTimeout bounds each transfer request.
	DefaultTransferTimeout = 10 * time.Minute
)

// Options configures a Coordinator.
//
// ConnectTimeout and TransferTimeout use their defaults when zero and are
// disabled when negative.
type Options struct {
	Stack     radio.Stack
	Requester Requester

	Activity         *activity.Log
	ActivityCapacity int
	Logger           *log.Logger

	// Self seeds this device's metadata until the radio reports it.
	Self models.DeviceInfo

	QueueSize       int
	CommandTimeout  time.Duration
	ConnectTimeout  time.Duration
	TransferTimeout time.Duration

	// DiscoverOnStart starts peer discovery at the end of Start when the
	// discovery capability is granted.
	DiscoverOnStart bool
}

func (o Options) withDefaults() Options {
	out := o
	if out.Logger == nil {
		out.Logger = log.Default()
	}
	if out.QueueSize <= 0 {
		out.QueueSize = DefaultQueueSize
	}
	if out.CommandTimeout <= 0 {
		out.CommandTimeout = DefaultCommandTimeout
	}
	if out.ConnectTimeout == 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.TransferTimeout == 0 {
		out.TransferTimeout = DefaultTransferTimeout
	}
	if out.Activity == nil {
		out.Activity = activity.New(out.ActivityCapacity, out.Logger)
	}
	return out
}

// Coordinator owns the session and serializes every operation against it.
type Coordinator struct {
	opts     Options
	stack    radio.Stack
	gate     *PermissionGate
	activity *activity.Log
	registry *SubscriptionRegistry

	session   *Session
	discovery *discoveryController
	machine   *connectionMachine
	groups    *groupManager
	transfers *transferCoordinator

	queue     chan func()
	outbox    []func()
	published uint64
	last      atomic.Pointer[Snapshot]

	watchMu   sync.Mutex
	watchers  map[int]chan Snapshot
	nextWatch int

	startMu sync.Mutex
	started bool

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}
	wg        sync.WaitGroup
}

// New creates a coordinator and starts its loop. Call Start to initialize
// the radio and attach event subscriptions.
func New(options Options) (*Coordinator, error) {
	if options.Stack == nil {
		return nil, errors.New("session: radio stack is required")
	}
	opts := options.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		opts:     opts,
		stack:    opts.Stack,
		activity: opts.Activity,
		session:  newSession(opts.Self),
		queue:    make(chan func(), opts.QueueSize),
		watchers: make(map[int]chan Snapshot),
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	c.gate = NewPermissionGate(opts.Requester, c.activity)
	c.registry = NewSubscriptionRegistry(opts.Stack, c.enqueue, c.activity)

	c.transfers = &transferCoordinator{c: c, s: c.session}
	c.machine = &connectionMachine{c: c, s: c.session, transfers: c.transfers}
	c.discovery = &discoveryController{c: c, s: c.session, machine: c.machine}
	c.groups = &groupManager{c: c, s: c.session, machine: c.machine}

	c.session.touch()
	c.publish()

	go c.loop()
	return c, nil
}

// Start initializes the radio, requests the discovery capability, attaches
// the three event subscriptions and optionally starts discovery. A started
// coordinator rejects further calls with ErrInvalidState; a failed Start may
// be retried.
func (c *Coordinator) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return c.reject(activity.CategorySystem, &Error{Op: "start", Kind: ErrInvalidState, State: c.State(), Err: errors.New("already started")})
	}

	if err := c.stack.Initialize(ctx); err != nil {
		return c.reject(activity.CategorySystem, externalFailure("initialize", "", err))
	}
	c.record(activity.CategorySystem, activity.SeverityInfo, "radio initialized")

	granted, err := c.gate.Request(ctx, CapabilityDiscoveryLocation)
	if err != nil {
		granted = false
	}
	if granted {
		c.record(activity.CategorySystem, activity.SeverityInfo, "p2p mode available")
	} else {
		c.record(activity.CategorySystem, activity.SeverityWarning, "p2p mode will not work: %s denied", CapabilityDiscoveryLocation)
	}

	handlers := map[radio.EventKind]Handler{
		radio.PeersUpdated:          c.discovery.onPeers,
		radio.ConnectionInfoUpdated: c.machine.onConnectionInfo,
		radio.ThisDeviceChanged:     c.machine.onThisDevice,
	}
	for _, kind := range radio.Kinds {
		if err := c.registry.Attach(kind, handlers[kind]); err != nil {
			c.registry.DetachAll()
			var sessionErr *Error
			if errors.As(err, &sessionErr) {
				return c.reject(activity.CategorySystem, sessionErr)
			}
			return err
		}
	}
	c.started = true
	c.syncDevice(ctx)

	if c.opts.DiscoverOnStart && granted {
		// Failures are already recorded by StartDiscovery.
		_ = c.StartDiscovery(ctx)
	}
	return nil
}

// syncDevice applies this device's metadata from stacks that report it.
// The radio's own ThisDeviceChanged from Initialize predates the
// subscriptions and is never seen.
func (c *Coordinator) syncDevice(ctx context.Context) {
	reporter, ok := c.stack.(radio.DeviceReporter)
	if !ok {
		return
	}
	device, err := reporter.ThisDevice(ctx)
	if err != nil {
		c.record(activity.CategoryDevice, activity.SeverityWarning, "this device unavailable: %v", err)
		return
	}
	_ = callErr(c, ctx, func(reply func(error)) {
		c.machine.onThisDevice(radio.Event{Kind: radio.ThisDeviceChanged, Device: device})
		reply(nil)
	})
}

// Close detaches every subscription, resolves outstanding transfers with
// ErrConnectionLost and stops the loop. The radio stack is not closed.
// Transfer calls still inside the radio are abandoned, not awaited.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.registry.DetachAll()

		drained := make(chan struct{})
		if err := c.enqueue(func() {
			c.shutdown()
			c.deliver(func() { close(drained) })
		}); err == nil {
			<-drained
		}

		c.cancel()
		close(c.closed)
		<-c.loopDone
		c.wg.Wait()

		c.watchMu.Lock()
		for id, ch := range c.watchers {
			delete(c.watchers, id)
			close(ch)
		}
		c.watchMu.Unlock()
	})
	return nil
}

// Snapshot returns an immutable copy of the session.
func (c *Coordinator) Snapshot() Snapshot {
	return c.last.Load().Clone()
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	return c.last.Load().State
}

// Peers returns the latest peer snapshot.
func (c *Coordinator) Peers() []models.Peer {
	return c.Snapshot().Peers
}

// Activity returns the activity log.
func (c *Coordinator) Activity() *activity.Log {
	return c.activity
}

// Permissions returns the permission gate.
func (c *Coordinator) Permissions() *PermissionGate {
	return c.gate
}

// Subscriptions returns the subscription registry.
func (c *Coordinator) Subscriptions() *SubscriptionRegistry {
	return c.registry
}

// RequestPermission asks the platform for capability.
func (c *Coordinator) RequestPermission(ctx context.Context, capability Capability) (bool, error) {
	return c.gate.Request(ctx, capability)
}

// Watch returns a channel receiving a snapshot after every session change.
// Slow watchers miss intermediate snapshots. cancel closes the channel.
func (c *Coordinator) Watch(buffer int) (<-chan Snapshot, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Snapshot, buffer)

	c.watchMu.Lock()
	c.nextWatch++
	id := c.nextWatch
	select {
	case <-c.closed:
		close(ch)
	default:
		c.watchers[id] = ch
	}
	c.watchMu.Unlock()

	return ch, func() {
		c.watchMu.Lock()
		defer c.watchMu.Unlock()
		if existing, ok := c.watchers[id]; ok {
			delete(c.watchers, id)
			close(existing)
		}
	}
}

func (c *Coordinator) loop() {
	defer close(c.loopDone)
	for {
		select {
		case task := <-c.queue:
			task()
			c.publish()
			c.flush()
		case <-c.closed:
			return
		}
	}
}

// enqueue hands a task to the loop. It blocks while the queue is full and
// fails once the coordinator is closed. It must not be called from the loop.
func (c *Coordinator) enqueue(task func()) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.queue <- task:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

func (c *Coordinator) enqueueContext(ctx context.Context, task func()) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.queue <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrClosed
	}
}

// deliver defers fn until the current task has been published. Loop only.
func (c *Coordinator) deliver(fn func()) {
	c.outbox = append(c.outbox, fn)
}

func (c *Coordinator) flush() {
	pending := c.outbox
	c.outbox = nil
	for _, fn := range pending {
		fn()
	}
}

func (c *Coordinator) publish() {
	if c.session.version == c.published {
		return
	}
	c.published = c.session.version
	snap := c.session.snapshot()
	c.last.Store(&snap)

	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for _, ch := range c.watchers {
		select {
		case ch <- snap.Clone():
		default:
		}
	}
}

// issue runs a radio verb on its own goroutine and hands the result to done
// on the loop. Loop only.
func (c *Coordinator) issue(verb func(ctx context.Context) error, done func(error)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.CommandTimeout)
		err := verb(ctx)
		cancel()
		_ = c.enqueue(func() { done(err) })
	}()
}

// after schedules fn on the loop once d has elapsed.
func (c *Coordinator) after(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		_ = c.enqueue(fn)
	})
}

func (c *Coordinator) shutdown() {
	c.machine.stopConnectTimer()
	c.transfers.loseAll("coordinator closed")
	c.record(activity.CategorySystem, activity.SeverityInfo, "coordinator closed")
}

func (c *Coordinator) record(category activity.Category, severity activity.Severity, format string, args ...any) {
	c.activity.Append(category, severity, format, args...)
}

// reject records err and returns it.
func (c *Coordinator) reject(category activity.Category, err *Error) error {
	severity := activity.SeverityWarning
	switch err.Kind {
	case ErrExternalFailure, ErrConnectionLost, ErrTimeout:
		severity = activity.SeverityError
	}
	c.record(category, severity, "%v", err)
	return err
}

type result[T any] struct {
	val T
	err error
}

// call runs fn on the loop and waits for its single reply.
func call[T any](c *Coordinator, ctx context.Context, fn func(reply func(T, error))) (T, error) {
	var zero T
	done := make(chan result[T], 1)
	reply := func(val T, err error) {
		c.deliver(func() {
			select {
			case done <- result[T]{val: val, err: err}:
			default:
			}
		})
	}

	if err := c.enqueueContext(ctx, func() { fn(reply) }); err != nil {
		return zero, err
	}

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-c.closed:
		select {
		case r := <-done:
			return r.val, r.err
		default:
			return zero, ErrClosed
		}
	}
}

func callErr(c *Coordinator, ctx context.Context, fn func(reply func(error))) error {
	_, err := call(c, ctx, func(reply func(struct{}, error)) {
		fn(func(err error) { reply(struct{}{}, err) })
	})
	return err
}

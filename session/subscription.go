package session

import (
	"sort"
	"sync"

	"directlink/activity"
	"directlink/radio"
)

// Handler processes one radio event on the coordinator loop.
type Handler func(radio.Event)

// SubscriptionRegistry attaches at most one handler per radio event kind.
// Radio callbacks are never run in place: they are forwarded through dispatch
// so handlers execute on the single coordinator goroutine.
type SubscriptionRegistry struct {
	mu       sync.Mutex
	stack    radio.Stack
	dispatch func(func()) error
	detach   map[radio.EventKind]func()
	activity *activity.Log
}

// NewSubscriptionRegistry creates a registry forwarding callbacks to dispatch.
func NewSubscriptionRegistry(stack radio.Stack, dispatch func(func()) error, log *activity.Log) *SubscriptionRegistry {
	return &SubscriptionRegistry{
		stack:    stack,
		dispatch: dispatch,
		detach:   make(map[radio.EventKind]func()),
		activity: log,
	}
}

// Attach subscribes handler to kind.
func (r *SubscriptionRegistry) Attach(kind radio.EventKind, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.detach[kind]; exists {
		return &Error{Op: "attach " + string(kind), Kind: ErrAlreadySubscribed}
	}

	unsubscribe, err := r.stack.Subscribe(kind, func(ev radio.Event) {
		// Blocks the radio's callback goroutine while the queue is full.
		_ = r.dispatch(func() { handler(ev) })
	})
	if err != nil {
		return externalFailure("attach "+string(kind), "", err)
	}
	r.detach[kind] = unsubscribe
	r.record(activity.SeverityDebug, "subscribed to %s", kind)
	return nil
}

// Attached reports whether kind currently has a handler.
func (r *SubscriptionRegistry) Attached(kind radio.EventKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.detach[kind]
	return ok
}

// Kinds returns the attached event kinds in sorted order.
func (r *SubscriptionRegistry) Kinds() []radio.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]radio.EventKind, 0, len(r.detach))
	for kind := range r.detach {
		out = append(out, kind)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DetachAll removes every subscription. It is safe to call repeatedly and
// when nothing was attached.
func (r *SubscriptionRegistry) DetachAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for kind, unsubscribe := range r.detach {
		unsubscribe()
		delete(r.detach, kind)
		r.record(activity.SeverityDebug, "unsubscribed from %s", kind)
	}
}

func (r *SubscriptionRegistry) record(severity activity.Severity, format string, args ...any) {
	if r.activity == nil {
		return
	}
	r.activity.Append(activity.CategorySystem, severity, format, args...)
}

package session

import (
	"context"
	"sort"
	"sync"

	"directlink/activity"
)

// Capability names a platform permission the session depends on.
type Capability string

const (
	CapabilityDiscoveryLocation Capability = "discovery-location"
	CapabilityStorageRead       Capability = "storage-read"
	CapabilityStorageWrite      Capability = "storage-write"
)

// Capabilities lists every known capability.
var Capabilities = []Capability{CapabilityDiscoveryLocation, CapabilityStorageRead, CapabilityStorageWrite}

// Requester is the platform's permission query/prompt pair. Query must not
// block; Request may prompt the user.
type Requester interface {
	Query(capability Capability) bool
	Request(ctx context.Context, capability Capability) (bool, error)
}

// StaticRequester grants a fixed set of capabilities without prompting.
type StaticRequester struct {
	granted map[Capability]bool
}

// NewStaticRequester grants exactly the given capabilities.
func NewStaticRequester(granted ...Capability) *StaticRequester {
	r := &StaticRequester{granted: make(map[Capability]bool, len(granted))}
	for _, capability := range granted {
		r.granted[capability] = true
	}
	return r
}

// Query reports whether capability is in the granted set.
func (r *StaticRequester) Query(capability Capability) bool {
	return r.granted[capability]
}

// Request answers like Query.
func (r *StaticRequester) Request(_ context.Context, capability Capability) (bool, error) {
	return r.granted[capability], nil
}

// PermissionGate caches granted/denied decisions for each capability.
type PermissionGate struct {
	mu        sync.RWMutex
	requester Requester
	decided   map[Capability]bool
	activity  *activity.Log
}

// NewPermissionGate wraps requester. activity may be nil.
func NewPermissionGate(requester Requester, log *activity.Log) *PermissionGate {
	if requester == nil {
		requester = NewStaticRequester()
	}
	return &PermissionGate{
		requester: requester,
		decided:   make(map[Capability]bool),
		activity:  log,
	}
}

// Granted reports whether capability is currently granted. An undecided
// capability is answered by the requester's Query.
func (g *PermissionGate) Granted(capability Capability) bool {
	g.mu.RLock()
	granted, ok := g.decided[capability]
	g.mu.RUnlock()
	if ok {
		return granted
	}
	return g.requester.Query(capability)
}

// GrantedAll reports whether every listed capability is granted.
func (g *PermissionGate) GrantedAll(capabilities ...Capability) bool {
	for _, capability := range capabilities {
		if !g.Granted(capability) {
			return false
		}
	}
	return true
}

// Request asks the platform for capability and records the answer.
func (g *PermissionGate) Request(ctx context.Context, capability Capability) (bool, error) {
	granted, err := g.requester.Request(ctx, capability)
	if err != nil {
		g.record(activity.SeverityWarning, "request %s failed: %v", capability, err)
		return false, err
	}

	g.mu.Lock()
	g.decided[capability] = granted
	g.mu.Unlock()

	if granted {
		g.record(activity.SeverityInfo, "%s granted", capability)
	} else {
		g.record(activity.SeverityWarning, "%s denied", capability)
	}
	return granted, nil
}

// Revoke records capability as denied.
func (g *PermissionGate) Revoke(capability Capability) {
	g.mu.Lock()
	g.decided[capability] = false
	g.mu.Unlock()
	g.record(activity.SeverityInfo, "%s revoked", capability)
}

// States returns the current answer for every known capability.
func (g *PermissionGate) States() map[Capability]bool {
	out := make(map[Capability]bool, len(Capabilities))
	for _, capability := range Capabilities {
		out[capability] = g.Granted(capability)
	}
	return out
}

// Denied lists the capabilities among those given that are not granted.
func (g *PermissionGate) Denied(capabilities ...Capability) []Capability {
	var out []Capability
	for _, capability := range capabilities {
		if !g.Granted(capability) {
			out = append(out, capability)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (g *PermissionGate) record(severity activity.Severity, format string, args ...any) {
	if g.activity == nil {
		return
	}
	g.activity.Append(activity.CategoryPermission, severity, format, args...)
}

package radio

import (
	"fmt"
	"sync"
)

// Subscribers is a fan-out table that stacks embed to implement Subscribe.
type Subscribers struct {
	mu     sync.RWMutex
	nextID int
	subs   map[EventKind]map[int]func(Event)
}

// Subscribe registers fn for kind.
func (s *Subscribers) Subscribe(kind EventKind, fn func(Event)) (func(), error) {
	if fn == nil {
		return nil, fmt.Errorf("radio: nil callback for %s", kind)
	}
	switch kind {
	case PeersUpdated, ConnectionInfoUpdated, ThisDeviceChanged:
	default:
		return nil, fmt.Errorf("radio: unknown event kind %q", kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[EventKind]map[int]func(Event))
	}
	if s.subs[kind] == nil {
		s.subs[kind] = make(map[int]func(Event))
	}
	s.nextID++
	id := s.nextID
	s.subs[kind][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[kind], id)
			s.mu.Unlock()
		})
	}, nil
}

// Publish delivers ev to every subscriber of ev.Kind on the calling goroutine.
func (s *Subscribers) Publish(ev Event) {
	s.mu.RLock()
	fns := make([]func(Event), 0, len(s.subs[ev.Kind]))
	for _, fn := range s.subs[ev.Kind] {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Count returns the number of live subscriptions for kind.
func (s *Subscribers) Count(kind EventKind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[kind])
}

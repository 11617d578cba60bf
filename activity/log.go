// Package activity keeps a bounded, append-only record of session events for
// presentation layers.
package activity

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// DefaultCapacity bounds the ring when no capacity is configured.
const DefaultCapacity = 256

// Category groups records by the component that produced them.
type Category string

const (
	CategorySystem     Category = "system"
	CategoryDiscovery  Category = "discovery"
	CategoryConnection Category = "connection"
	CategoryGroup      Category = "group"
	CategoryTransfer   Category = "transfer"
	CategoryPermission Category = "permission"
	CategoryDevice     Category = "device"
)

// Severity ranks records for filtering.
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Record is one log entry.
type Record struct {
	Seq      uint64    `json:"seq"`
	Time     time.Time `json:"time"`
	Category Category  `json:"category"`
	Severity Severity  `json:"severity"`
	Summary  string    `json:"summary"`
}

// Log is a ring buffer of records. The oldest record is evicted first.
type Log struct {
	mu      sync.RWMutex
	buf     []Record
	start   int
	size    int
	nextSeq uint64

	subsMu sync.Mutex
	subs   map[int]chan Record
	nextID int

	logger *log.Logger
	now    func() time.Time
}

// New creates a log holding at most capacity records. logger may be nil.
func New(capacity int, logger *log.Logger) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		buf:    make([]Record, capacity),
		subs:   make(map[int]chan Record),
		logger: logger,
		now:    time.Now,
	}
}

// Capacity returns the maximum number of retained records.
func (l *Log) Capacity() int {
	return len(l.buf)
}

// Append adds a record and returns it.
func (l *Log) Append(category Category, severity Severity, format string, args ...any) Record {
	summary := format
	if len(args) > 0 {
		summary = fmt.Sprintf(format, args...)
	}

	l.mu.Lock()
	l.nextSeq++
	rec := Record{
		Seq:      l.nextSeq,
		Time:     l.now(),
		Category: category,
		Severity: severity,
		Summary:  summary,
	}
	idx := (l.start + l.size) % len(l.buf)
	l.buf[idx] = rec
	if l.size < len(l.buf) {
		l.size++
	} else {
		l.start = (l.start + 1) % len(l.buf)
	}
	l.mu.Unlock()

	if l.logger != nil {
		l.logger.Printf("activity: [%s] %s: %s", severity, category, summary)
	}
	l.broadcast(rec)
	return rec
}

// Records returns a copy of the retained records, oldest first.
func (l *Log) Records() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, 0, l.size)
	for i := 0; i < l.size; i++ {
		out = append(out, l.buf[(l.start+i)%len(l.buf)])
	}
	return out
}

// Len returns the number of retained records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Subscribe returns a channel receiving every record appended from now on.
// Delivery never blocks Append: a subscriber whose buffer is full misses
// records. cancel closes the channel.
func (l *Log) Subscribe(buffer int) (<-chan Record, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Record, buffer)

	l.subsMu.Lock()
	l.nextID++
	id := l.nextID
	l.subs[id] = ch
	l.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.subsMu.Lock()
			delete(l.subs, id)
			l.subsMu.Unlock()
			close(ch)
		})
	}
}

func (l *Log) broadcast(rec Record) {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

// Package bridge hands accepted session text from request goroutines to the
// goroutine that owns the live document.
package bridge

import "sync"

// Document is the host's live text buffer.
type Document interface {
	Text() string
	ReadOnly() bool
	SetText(text string)
}

// Host resolves the document currently in focus. It returns nil when none is open.
type Host interface {
	ActiveDocument() Document
}

type HostFunc func() Document

func (f HostFunc) ActiveDocument() Document { return f() }

type Delivery struct {
	Revision uint64
	Text     string
}

const DefaultCapacity = 16

// Bridge is a bounded queue. Producers never block; consumers drain on their own schedule.
// Drain never applies a revision at or below the last one it applied.
type Bridge struct {
	queue chan Delivery

	mu         sync.Mutex
	applied    uint64
	hasApplied bool
}

func New(capacity int) *Bridge {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bridge{queue: make(chan Delivery, capacity)}
}

// Deliver enqueues d, evicting the oldest pending delivery when the queue is full.
func (b *Bridge) Deliver(d Delivery) {
	for {
		select {
		case b.queue <- d:
			return
		default:
		}
		select {
		case <-b.queue:
		default:
		}
	}
}

// C exposes the queue so an owner can select on it alongside other work.
func (b *Bridge) C() <-chan Delivery { return b.queue }

// Pending reports the number of queued deliveries.
func (b *Bridge) Pending() int { return len(b.queue) }

// Drain empties the queue and applies the highest-revision text to the active document.
// It reports whether the document was updated. Deliveries to an absent or
// read-only document are dropped.
func (b *Bridge) Drain(host Host) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	latest, ok := b.takeAll()
	if !ok {
		return false
	}
	if b.hasApplied && latest.Revision <= b.applied {
		return false
	}
	if !Apply(host, latest) {
		return false
	}
	b.applied, b.hasApplied = latest.Revision, true
	return true
}

// Reset discards pending deliveries and forgets the last applied revision.
// Call it when a new session starts numbering revisions from zero.
func (b *Bridge) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.takeAll()
	b.applied, b.hasApplied = 0, false
}

// Apply writes one delivery into the active document when it accepts writes.
func Apply(host Host, d Delivery) bool {
	if host == nil {
		return false
	}
	doc := host.ActiveDocument()
	if doc == nil || doc.ReadOnly() {
		return false
	}
	doc.SetText(d.Text)
	return true
}

func (b *Bridge) takeAll() (Delivery, bool) {
	var (
		latest Delivery
		found  bool
	)
	for {
		select {
		case d := <-b.queue:
			if !found || d.Revision >= latest.Revision {
				latest, found = d, true
			}
		default:
			return latest, found
		}
	}
}

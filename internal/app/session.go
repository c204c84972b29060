package app

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"lancollab/internal/presence"
	"lancollab/internal/textops"
)

const (
	maxEventLog        = 300
	maxEventOperations = 50
	maxEventsPerRead   = 100
	subscriberBuffer   = 64
)

// Event records one accepted edit. It is never modified after it is appended.
type Event struct {
	Revision   uint64              `json:"revision"`
	ClientID   string              `json:"client_id"`
	Operations []textops.Operation `json:"operations"`
	Timestamp  string              `json:"timestamp"`
}

type State struct {
	Text       string
	Revision   uint64
	Clients    int
	ClientRows []string
	ServerTime time.Time
}

type JoinResult struct {
	ClientID string
	Revision uint64
	Text     string
}

type EditResult struct {
	Revision uint64
	Text     string
}

// Session is the single shared document. Every field is guarded by mu,
// including the presence registry.
type Session struct {
	mu          sync.Mutex
	text        string
	revision    uint64
	events      []Event
	clients     *presence.Registry
	subscribers map[uint64]chan Event
	nextSubID   uint64
	closed      bool
	now         func() time.Time
}

func NewSession(text string, presenceTimeout time.Duration, now func() time.Time) *Session {
	if now == nil {
		now = time.Now
	}
	return &Session{
		text:        text,
		clients:     presence.NewRegistry(presenceTimeout, now),
		subscribers: make(map[uint64]chan Event),
		now:         now,
	}
}

func (s *Session) Join(name, clientID string) JoinResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients.Prune()
	id := s.clients.Join(name, clientID)
	return JoinResult{ClientID: id, Revision: s.revision, Text: s.text}
}

// Read snapshots the document and presence. A known heartbeat id has its
// last-seen time refreshed; unknown ids are ignored.
func (s *Session) Read(heartbeat string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients.Prune()
	s.heartbeatLocked(heartbeat)
	return State{
		Text:       s.text,
		Revision:   s.revision,
		Clients:    s.clients.Len(),
		ClientRows: s.clients.Rows(),
		ServerTime: s.now(),
	}
}

// EventsSince returns up to the newest 100 events with a revision above since.
func (s *Session) EventsSince(since uint64, heartbeat string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients.Prune()
	s.heartbeatLocked(heartbeat)
	return s.eventsSinceLocked(since)
}

// Edit validates and applies a batch in a single critical section. A
// negative baseRevision never matches.
func (s *Session) Edit(clientID string, baseRevision int64, ops []textops.Operation) (EditResult, error) {
	return s.edit(clientID, baseRevision, func() ([]textops.Operation, error) { return ops, nil })
}

// EditRaw is Edit for wire elements; they are only decoded once the client
// and revision checks have passed.
func (s *Session) EditRaw(clientID string, baseRevision int64, raw []json.RawMessage) (EditResult, error) {
	return s.edit(clientID, baseRevision, func() ([]textops.Operation, error) { return textops.Decode(raw) })
}

func (s *Session) edit(clientID string, baseRevision int64, decode func() ([]textops.Operation, error)) (EditResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients.Prune()
	if err := s.clients.Touch(clientID); err != nil {
		return EditResult{}, domainError(http.StatusForbidden, CodeUnknownClient, "client has not joined", nil)
	}
	if baseRevision < 0 || uint64(baseRevision) != s.revision {
		return EditResult{}, conflictError(s.revision)
	}
	ops, err := decode()
	if err != nil {
		return EditResult{}, invalidOperations(err)
	}
	next, err := textops.Apply(s.text, ops)
	if err != nil {
		return EditResult{}, invalidOperations(err)
	}

	if len(ops) > maxEventOperations {
		ops = ops[:maxEventOperations]
	}
	logged := make([]textops.Operation, len(ops))
	copy(logged, ops)

	s.text = next
	rev := s.appendEventLocked(clientID, logged)
	return EditResult{Revision: rev, Text: next}, nil
}

// Replace overwrites the text from the host side and records a full-sync event.
func (s *Session) Replace(text, source string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text = text
	return s.appendEventLocked(source, []textops.Operation{textops.Replace(0, 0, "[full-sync]")})
}

func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

func (s *Session) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// Subscription delivers events appended after it was created. C is closed
// when the subscriber falls behind, cancels, or the session closes.
type Subscription struct {
	C      <-chan Event
	cancel func()
}

func (sub *Subscription) Cancel() { sub.cancel() }

// Subscribe returns the backlog after since together with a live feed, with
// no gap or overlap between the two.
func (s *Session) Subscribe(since uint64) ([]Event, *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	backlog := s.eventsSinceLocked(since)
	if s.closed {
		close(ch)
		return backlog, &Subscription{C: ch, cancel: func() {}}
	}
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	return backlog, &Subscription{C: ch, cancel: func() { s.unsubscribe(id) }}
}

// Close ends every subscription. The document stays readable.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
}

func (s *Session) unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		delete(s.subscribers, id)
		close(ch)
	}
}

func (s *Session) heartbeatLocked(clientID string) {
	if clientID == "" {
		return
	}
	_ = s.clients.Touch(clientID)
}

func (s *Session) eventsSinceLocked(since uint64) []Event {
	start := len(s.events)
	for start > 0 && s.events[start-1].Revision > since {
		start--
	}
	if len(s.events)-start > maxEventsPerRead {
		start = len(s.events) - maxEventsPerRead
	}
	out := make([]Event, len(s.events)-start)
	copy(out, s.events[start:])
	return out
}

func (s *Session) appendEventLocked(clientID string, ops []textops.Operation) uint64 {
	s.revision++
	event := Event{
		Revision:   s.revision,
		ClientID:   clientID,
		Operations: ops,
		Timestamp:  s.now().Format(time.RFC3339),
	}
	s.events = append(s.events, event)
	if len(s.events) > maxEventLog {
		s.events = append([]Event(nil), s.events[len(s.events)-maxEventLog:]...)
	}
	for id, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			delete(s.subscribers, id)
			close(ch)
		}
	}
	return s.revision
}

// Package presence tracks which clients are connected to a collaboration session.
package presence

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultTimeout = 120 * time.Second
	MinTimeout     = 20 * time.Second

	maxFieldLen = 64
	shortIDLen  = 8
	defaultName = "client"
)

var ErrUnknownClient = errors.New("unknown client")

type Client struct {
	ID       string
	Name     string
	LastSeen time.Time
}

// Registry is not safe for concurrent use; the owning session serialises access.
type Registry struct {
	clients map[string]*Client
	timeout time.Duration
	now     func() time.Time
}

func NewRegistry(timeout time.Duration, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		clients: make(map[string]*Client),
		timeout: NormalizeTimeout(timeout),
		now:     now,
	}
}

// NormalizeTimeout applies the default to zero and the floor to everything
// shorter, negative values included.
func NormalizeTimeout(timeout time.Duration) time.Duration {
	if timeout == 0 {
		return DefaultTimeout
	}
	if timeout < MinTimeout {
		return MinTimeout
	}
	return timeout
}

// Join registers or refreshes a client and returns its id. A blank id gets a generated one.
func (r *Registry) Join(name, clientID string) string {
	name = truncate(strings.TrimSpace(name), maxFieldLen)
	if name == "" {
		name = defaultName
	}
	clientID = truncate(strings.TrimSpace(clientID), maxFieldLen)
	if clientID == "" {
		clientID = newClientID()
	}
	r.clients[clientID] = &Client{ID: clientID, Name: name, LastSeen: r.now()}
	return clientID
}

func (r *Registry) Touch(clientID string) error {
	client, ok := r.clients[clientID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownClient, clientID)
	}
	client.LastSeen = r.now()
	return nil
}

// Prune drops every client idle for longer than the timeout and reports how many went.
func (r *Registry) Prune() int {
	now := r.now()
	removed := 0
	for id, client := range r.clients {
		if now.Sub(client.LastSeen) > r.timeout {
			delete(r.clients, id)
			removed++
		}
	}
	return removed
}

func (r *Registry) Len() int { return len(r.clients) }

// Clients returns copies of all records ordered by name, case-insensitively.
func (r *Registry) Clients() []Client {
	out := make([]Client, 0, len(r.clients))
	for _, client := range r.clients {
		out = append(out, *client)
	}
	sort.Slice(out, func(i, j int) bool {
		left, right := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if left != right {
			return left < right
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Rows renders each client as "name (shortid) idle:Ns".
func (r *Registry) Rows() []string {
	now := r.now()
	clients := r.Clients()
	rows := make([]string, 0, len(clients))
	for _, client := range clients {
		idle := int64(now.Sub(client.LastSeen) / time.Second)
		if idle < 0 {
			idle = 0
		}
		rows = append(rows, fmt.Sprintf("%s (%s) idle:%ds", client.Name, truncate(client.ID, shortIDLen), idle))
	}
	return rows
}

func newClientID() string {
	id := uuid.New()
	return truncate(strings.ReplaceAll(id.String(), "-", ""), 16)
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}

package collaboration

import (
	"sort"
	"sync"

	"github.com/segmentio/ksuid"
)

// Registry tracks every live connection and the user -> connections index.
// The user index serves operational queries; fan-out goes through page rooms.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byUser map[string]map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Register adds c, assigning a KSUID when the transport did not provide an id.
func (r *Registry) Register(c *Connection) {
	if c == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c.ID == "" {
		c.ID = ksuid.New().String()
	}
	r.byID[c.ID] = c
}

// Unregister drops c and any user index entry pointing at it.
func (r *Registry) Unregister(c *Connection) {
	if c == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byID, c.ID)
	if user, ok := c.Identity(); ok {
		r.unbindLocked(c, user.ID)
	}
}

func (r *Registry) IsRegistered(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[id]
	return ok
}

func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Connections returns every registered connection ordered by id. Diagnostics
// and shutdown only.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	out := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BindUser moves c from oldUserID's index entry (if any) to newUserID's.
func (r *Registry) BindUser(c *Connection, oldUserID, newUserID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[c.ID]; !ok {
		return
	}
	if oldUserID != "" {
		r.unbindLocked(c, oldUserID)
	}
	conns := r.byUser[newUserID]
	if conns == nil {
		conns = make(map[string]*Connection)
		r.byUser[newUserID] = conns
	}
	conns[c.ID] = c
}

func (r *Registry) unbindLocked(c *Connection, userID string) {
	conns, ok := r.byUser[userID]
	if !ok {
		return
	}
	delete(conns, c.ID)
	if len(conns) == 0 {
		delete(r.byUser, userID)
	}
}

// ConnectionsForUser returns the live connections bound to userID.
func (r *Registry) ConnectionsForUser(userID string) []*Connection {
	r.mu.RLock()
	conns := r.byUser[userID]
	out := make([]*Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

package realtime

import (
	"context"
	"sort"
	"sync"
)

// MemoryConnectionRegistry is the in-process ConnectionRegistry.
//
// Concurrency guarantees:
//   - Every method holds the registry lock for its whole duration, so each
//     call is atomic with respect to the others.
//   - Namespace listings are ordered by subscription time, which keeps random
//     peer selection reproducible under a pinned RandomSource.
type MemoryConnectionRegistry struct {
	mu sync.RWMutex

	seq        uint64
	conns      map[string]*memConnection
	namespaces map[string]map[string]uint64 // namespace -> connection id -> subscription seq
}

type memConnection struct {
	conn Connection
	subs map[string]NamespaceSubscription

	rateExceededAt *int64
	rateNotifiedAt *int64
}

// NewMemoryConnectionRegistry constructs an empty registry.
func NewMemoryConnectionRegistry() *MemoryConnectionRegistry {
	return &MemoryConnectionRegistry{
		conns:      make(map[string]*memConnection),
		namespaces: make(map[string]map[string]uint64),
	}
}

// SaveConnection upserts a connection, keeping existing subscriptions.
func (r *MemoryConnectionRegistry) SaveConnection(_ context.Context, conn Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conns[conn.ServerConnectionID]; ok {
		c.conn = conn
		return nil
	}
	r.conns[conn.ServerConnectionID] = &memConnection{
		conn: conn,
		subs: make(map[string]NamespaceSubscription),
	}
	return nil
}

// GetConnection returns the connection by server id.
func (r *MemoryConnectionRegistry) GetConnection(_ context.Context, id string) (Connection, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	if !ok {
		return Connection{}, false, nil
	}
	return c.conn, true, nil
}

// SaveNamespaceConnection subscribes id to sub.Namespace.
func (r *MemoryConnectionRegistry) SaveNamespaceConnection(_ context.Context, id string, sub NamespaceSubscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return ErrConnectionNotFound
	}
	c.subs[sub.Namespace] = sub

	members := r.namespaces[sub.Namespace]
	if members == nil {
		members = make(map[string]uint64)
		r.namespaces[sub.Namespace] = members
	}
	if _, exists := members[id]; !exists {
		r.seq++
		members[id] = r.seq
	}
	return nil
}

// GetConnectionsByNamespace lists subscribers ordered by subscription time.
func (r *MemoryConnectionRegistry) GetConnectionsByNamespace(_ context.Context, namespace string) ([]NamespaceConnection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.namespaces[namespace]
	if len(members) == 0 {
		return nil, nil
	}

	type entry struct {
		seq uint64
		nc  NamespaceConnection
	}
	entries := make([]entry, 0, len(members))
	for id, seq := range members {
		c := r.conns[id]
		if c == nil {
			continue
		}
		entries = append(entries, entry{
			seq: seq,
			nc:  NamespaceConnection{Connection: c.conn, Temporary: c.subs[namespace].Temporary},
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]NamespaceConnection, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.nc)
	}
	return out, nil
}

// DeleteNamespaceConnection removes one subscription and returns it.
func (r *MemoryConnectionRegistry) DeleteNamespaceConnection(_ context.Context, id, namespace string) (NamespaceSubscription, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return NamespaceSubscription{}, false, nil
	}
	sub, ok := c.subs[namespace]
	if !ok {
		return NamespaceSubscription{}, false, nil
	}
	delete(c.subs, namespace)
	r.removeMemberLocked(namespace, id)
	return sub, true, nil
}

// CountConnectionsByNamespace returns the current number of subscribers.
func (r *MemoryConnectionRegistry) CountConnectionsByNamespace(_ context.Context, namespace string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.namespaces[namespace]), nil
}

// CountConnections returns the number of live connections.
func (r *MemoryConnectionRegistry) CountConnections(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns), nil
}

// ClearConnection removes the connection and all of its subscriptions.
func (r *MemoryConnectionRegistry) ClearConnection(_ context.Context, id string) (Connection, []NamespaceSubscription, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return Connection{}, nil, false, nil
	}
	delete(r.conns, id)

	subs := make([]NamespaceSubscription, 0, len(c.subs))
	for ns, sub := range c.subs {
		r.removeMemberLocked(ns, id)
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Namespace < subs[j].Namespace })

	return c.conn, subs, true, nil
}

func (r *MemoryConnectionRegistry) removeMemberLocked(namespace, id string) {
	members := r.namespaces[namespace]
	if members == nil {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.namespaces, namespace)
	}
}

// RateLimitExceededTime returns the last time the connection exceeded its rate limit.
func (r *MemoryConnectionRegistry) RateLimitExceededTime(_ context.Context, id string) (int64, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	if !ok || c.rateExceededAt == nil {
		return 0, false, nil
	}
	return *c.rateExceededAt, true, nil
}

// SetRateLimitExceededTime records the last exceeded time. Unknown ids are ignored.
func (r *MemoryConnectionRegistry) SetRateLimitExceededTime(_ context.Context, id string, ms int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conns[id]; ok {
		c.rateExceededAt = &ms
	}
	return nil
}

// RateLimitNotifiedTime returns the last time the connection was told to back off.
func (r *MemoryConnectionRegistry) RateLimitNotifiedTime(_ context.Context, id string) (int64, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	if !ok || c.rateNotifiedAt == nil {
		return 0, false, nil
	}
	return *c.rateNotifiedAt, true, nil
}

// SetRateLimitNotifiedTime records the last notification time. Unknown ids are ignored.
func (r *MemoryConnectionRegistry) SetRateLimitNotifiedTime(_ context.Context, id string, ms int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conns[id]; ok {
		c.rateNotifiedAt = &ms
	}
	return nil
}

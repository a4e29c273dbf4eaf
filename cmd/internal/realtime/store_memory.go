package realtime

import (
	"context"
	"sync"
	"time"
)

// MemoryUpdateStore is the in-process reference UpdateStore, used when no
// database is configured and in tests. It keeps one append-only log plus a
// running size counter per namespace.
type MemoryUpdateStore struct {
	mu       sync.Mutex
	branches map[string]*memBranch

	maxBranchSize int64
	now           func() time.Time
}

type memBranch struct {
	updates    []string
	timestamps []int64
	size       int64
}

// MemoryStoreOption configures MemoryUpdateStore behavior.
type MemoryStoreOption func(*MemoryUpdateStore)

// WithMemoryMaxBranchSize sets the per-namespace byte limit (0 = unlimited).
func WithMemoryMaxBranchSize(maxBytes int64) MemoryStoreOption {
	return func(s *MemoryUpdateStore) { s.maxBranchSize = maxBytes }
}

// WithMemoryClock injects the clock used for update timestamps.
func WithMemoryClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryUpdateStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryUpdateStore constructs an empty store.
func NewMemoryUpdateStore(opts ...MemoryStoreOption) *MemoryUpdateStore {
	s := &MemoryUpdateStore{
		branches: make(map[string]*memBranch),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Close closes the store (noop for in-memory).
func (s *MemoryUpdateStore) Close() error { return nil }

// GetUpdates returns a copy of the namespace's log.
func (s *MemoryUpdateStore) GetUpdates(ctx context.Context, namespace string) (StoredUpdates, error) {
	if err := ctx.Err(); err != nil {
		return StoredUpdates{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.branches[namespace]
	if b == nil {
		return StoredUpdates{Updates: []string{}, Timestamps: []int64{}, Version: LogVersion(nil)}, nil
	}
	return StoredUpdates{
		Updates:    append([]string{}, b.updates...),
		Timestamps: append([]int64{}, b.timestamps...),
		Version:    LogVersion(b.updates),
	}, nil
}

// AddUpdates appends updates or rejects all of them.
func (s *MemoryUpdateStore) AddUpdates(ctx context.Context, namespace string, updates []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(updates) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if b := s.branches[namespace]; b != nil {
		current = b.size
	}
	added := updatesSize(updates)
	if err := checkBranchSize(s.maxBranchSize, current, added); err != nil {
		return err
	}

	b := s.branches[namespace]
	if b == nil {
		b = &memBranch{}
		s.branches[namespace] = b
	}
	ts := s.now().UnixMilli()
	for _, u := range updates {
		b.updates = append(b.updates, u)
		b.timestamps = append(b.timestamps, ts)
	}
	b.size += added
	return nil
}

// ReplaceUpdates swaps the whole log when expectedVersion still matches.
func (s *MemoryUpdateStore) ReplaceUpdates(ctx context.Context, namespace, expectedVersion string, updates []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var currentUpdates []string
	if b := s.branches[namespace]; b != nil {
		currentUpdates = b.updates
	}
	if LogVersion(currentUpdates) != expectedVersion {
		return ErrVersionMismatch
	}

	size := updatesSize(updates)
	if err := checkBranchSize(s.maxBranchSize, 0, size); err != nil {
		return err
	}

	if len(updates) == 0 {
		delete(s.branches, namespace)
		return nil
	}

	ts := s.now().UnixMilli()
	b := &memBranch{
		updates:    append([]string{}, updates...),
		timestamps: make([]int64, len(updates)),
		size:       size,
	}
	for i := range b.timestamps {
		b.timestamps[i] = ts
	}
	s.branches[namespace] = b
	return nil
}

// ClearUpdates deletes the namespace's log.
func (s *MemoryUpdateStore) ClearUpdates(ctx context.Context, namespace string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.branches, namespace)
	s.mu.Unlock()
	return nil
}

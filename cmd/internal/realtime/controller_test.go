package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	v1 "tether/shared/contracts/realtime/v1"
)

type sentMessage struct {
	To  string
	Msg v1.ServerMessage
}

type recordingMessenger struct {
	mu     sync.Mutex
	sent   []sentMessage
	events map[string][]v1.Frame
}

func (m *recordingMessenger) SendMessage(_ context.Context, ids []string, msg v1.ServerMessage, excludeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if id == excludeID {
			continue
		}
		m.sent = append(m.sent, sentMessage{To: id, Msg: msg})
	}
	return nil
}

func (m *recordingMessenger) SendEvent(_ context.Context, id string, frame v1.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.events == nil {
		m.events = make(map[string][]v1.Frame)
	}
	m.events[id] = append(m.events[id], frame)
	return nil
}

func (m *recordingMessenger) reset() {
	m.mu.Lock()
	m.sent = nil
	m.mu.Unlock()
}

func (m *recordingMessenger) to(id string) []v1.ServerMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []v1.ServerMessage
	for _, s := range m.sent {
		if s.To == id {
			out = append(out, s.Msg)
		}
	}
	return out
}

func messagesOf[T v1.ServerMessage](m *recordingMessenger, id string) []T {
	var out []T
	for _, msg := range m.to(id) {
		if v, ok := msg.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

type harness struct {
	c        *Controller
	msgs     *recordingMessenger
	store    *MemoryUpdateStore
	registry *MemoryConnectionRegistry
}

func newHarness(t *testing.T, storeOpts []MemoryStoreOption, opts ...ControllerOption) *harness {
	t.Helper()
	return newWrappedHarness(t, storeOpts, nil, opts...)
}

// newWrappedHarness lets a test put its own UpdateStore in front of the
// memory store. h.store stays the underlying memory store.
func newWrappedHarness(t *testing.T, storeOpts []MemoryStoreOption, wrap func(*MemoryUpdateStore) UpdateStore, opts ...ControllerOption) *harness {
	t.Helper()

	h := &harness{
		msgs:     &recordingMessenger{},
		store:    NewMemoryUpdateStore(storeOpts...),
		registry: NewMemoryConnectionRegistry(),
	}
	log := slog.New(slog.NewJSONHandler(io.Discard, nil))

	var store UpdateStore = h.store
	if wrap != nil {
		store = wrap(h.store)
	}

	c, err := NewController(log, h.registry, store, h.msgs, opts...)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	h.c = c
	return h
}

func (h *harness) login(t *testing.T, id string) {
	t.Helper()
	if _, err := h.c.Login(context.Background(), id, v1.Login{Type: v1.TypeLogin, ConnectionID: "client-" + id}); err != nil {
		t.Fatalf("Login(%s): %v", id, err)
	}
}

func (h *harness) watch(t *testing.T, id, branch string, temporary bool) {
	t.Helper()
	if err := h.c.WatchBranch(context.Background(), id, v1.WatchBranch{Type: v1.TypeWatchBranch, Branch: branch, Temporary: temporary}); err != nil {
		t.Fatalf("WatchBranch(%s, %s): %v", id, branch, err)
	}
}

func (h *harness) add(t *testing.T, id, branch string, updateID *int64, updates ...string) error {
	t.Helper()
	return h.c.AddUpdates(context.Background(), id, v1.AddUpdates{
		Type:     v1.TypeAddUpdates,
		Branch:   branch,
		Updates:  updates,
		UpdateID: updateID,
	})
}

func (h *harness) storedUpdates(t *testing.T, branch string) []string {
	t.Helper()
	got, err := h.store.GetUpdates(context.Background(), BranchKey{Branch: branch}.DataNamespace())
	if err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	return got.Updates
}

func int64Ptr(v int64) *int64 { return &v }

// hookStore intercepts reads of the wrapped memory store.
type hookStore struct {
	*MemoryUpdateStore

	getErr   error
	afterGet func()
}

func (s *hookStore) GetUpdates(ctx context.Context, namespace string) (StoredUpdates, error) {
	if s.getErr != nil {
		return StoredUpdates{}, s.getErr
	}
	got, err := s.MemoryUpdateStore.GetUpdates(ctx, namespace)
	if s.afterGet != nil {
		s.afterGet()
	}
	return got, err
}

func TestController_WatchAddAndFanOut(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.login(t, "device1")
	h.login(t, "device2")

	h.watch(t, "device1", "testBranch", false)
	initial := messagesOf[v1.AddUpdates](h.msgs, "device1")
	if len(initial) != 1 || !initial[0].Initial || initial[0].Updates == nil || len(initial[0].Updates) != 0 {
		t.Fatalf("expected one empty initial snapshot, got %+v", initial)
	}

	h.watch(t, "device2", "testBranch", false)
	h.msgs.reset()

	if err := h.add(t, "device1", "testBranch", int64Ptr(0), "111", "222"); err != nil {
		t.Fatalf("AddUpdates: %v", err)
	}

	got := messagesOf[v1.AddUpdates](h.msgs, "device2")
	if len(got) != 1 {
		t.Fatalf("device2 expected 1 add_updates, got %d", len(got))
	}
	if got[0].Initial || !slices.Equal(got[0].Updates, []string{"111", "222"}) || got[0].Branch != "testBranch" {
		t.Fatalf("unexpected broadcast: %+v", got[0])
	}
	if n := len(messagesOf[v1.AddUpdates](h.msgs, "device1")); n != 0 {
		t.Fatalf("sender must not receive its own updates, got %d", n)
	}
	acks := messagesOf[v1.UpdatesReceived](h.msgs, "device1")
	if len(acks) != 1 || acks[0].UpdateID != 0 || acks[0].ErrorCode != "" {
		t.Fatalf("unexpected acks: %+v", acks)
	}

	h.login(t, "device3")
	h.watch(t, "device3", "testBranch", false)
	snap := messagesOf[v1.AddUpdates](h.msgs, "device3")
	if len(snap) != 1 || !snap[0].Initial || !slices.Equal(snap[0].Updates, []string{"111", "222"}) {
		t.Fatalf("late joiner snapshot mismatch: %+v", snap)
	}
}

func TestController_AddWithoutUpdateIDNotAcked(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.login(t, "a")
	h.watch(t, "a", "b", false)
	h.msgs.reset()

	if err := h.add(t, "a", "b", nil, "u1"); err != nil {
		t.Fatalf("AddUpdates: %v", err)
	}
	if n := len(messagesOf[v1.UpdatesReceived](h.msgs, "a")); n != 0 {
		t.Fatalf("expected no ack without updateId, got %d", n)
	}
	if got := h.storedUpdates(t, "b"); !slices.Equal(got, []string{"u1"}) {
		t.Fatalf("stored=%v", got)
	}
}

func TestController_EmptyAddOnlyAcks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.login(t, "a")
	h.login(t, "b")
	h.watch(t, "b", "room", false)
	h.msgs.reset()

	if err := h.add(t, "a", "room", int64Ptr(4)); err != nil {
		t.Fatalf("AddUpdates: %v", err)
	}
	if n := len(messagesOf[v1.AddUpdates](h.msgs, "b")); n != 0 {
		t.Fatalf("empty add must not broadcast, got %d", n)
	}
	acks := messagesOf[v1.UpdatesReceived](h.msgs, "a")
	if len(acks) != 1 || acks[0].UpdateID != 4 {
		t.Fatalf("unexpected acks: %+v", acks)
	}
}

func TestController_RequiresLogin(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	checks := []struct {
		name string
		run  func() error
	}{
		{"watch", func() error { return h.c.WatchBranch(ctx, "ghost", v1.WatchBranch{Branch: "b"}) }},
		{"unwatch", func() error { return h.c.UnwatchBranch(ctx, "ghost", v1.UnwatchBranch{Branch: "b"}) }},
		{"add", func() error { return h.add(t, "ghost", "b", nil, "u") }},
		{"get", func() error { return h.c.GetUpdates(ctx, "ghost", v1.GetUpdates{Branch: "b"}) }},
		{"action", func() error {
			return h.c.SendAction(ctx, "ghost", v1.SendAction{Branch: "b", Action: v1.RemoteAction{Type: v1.ActionRemote}})
		}},
		{"watch devices", func() error { return h.c.WatchBranchDevices(ctx, "ghost", v1.WatchBranchDevices{Branch: "b"}) }},
		{"count", func() error { return h.c.DeviceCount(ctx, "ghost", v1.ConnectionCount{}) }},
	}
	for _, tc := range checks {
		if err := tc.run(); !errors.Is(err, ErrConnectionNotFound) {
			t.Fatalf("%s: expected ErrConnectionNotFound, got %v", tc.name, err)
		}
	}
}

func TestController_TemporaryBranchTeardown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("unwatch", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, nil)
		h.login(t, "a")
		h.login(t, "b")
		h.watch(t, "a", "tmp", true)
		h.watch(t, "b", "tmp", true)
		if err := h.add(t, "a", "tmp", nil, "x"); err != nil {
			t.Fatalf("AddUpdates: %v", err)
		}

		if err := h.c.UnwatchBranch(ctx, "a", v1.UnwatchBranch{Branch: "tmp"}); err != nil {
			t.Fatalf("UnwatchBranch a: %v", err)
		}
		if got := h.storedUpdates(t, "tmp"); len(got) != 1 {
			t.Fatalf("branch cleared while still watched: %v", got)
		}
		if err := h.c.UnwatchBranch(ctx, "b", v1.UnwatchBranch{Branch: "tmp"}); err != nil {
			t.Fatalf("UnwatchBranch b: %v", err)
		}
		if got := h.storedUpdates(t, "tmp"); len(got) != 0 {
			t.Fatalf("expected temporary branch cleared, got %v", got)
		}
	})

	t.Run("disconnect", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, nil)
		h.login(t, "a")
		h.watch(t, "a", "tmp", true)
		if err := h.add(t, "a", "tmp", nil, "x"); err != nil {
			t.Fatalf("AddUpdates: %v", err)
		}
		if err := h.c.Disconnect(ctx, "a"); err != nil {
			t.Fatalf("Disconnect: %v", err)
		}
		if got := h.storedUpdates(t, "tmp"); len(got) != 0 {
			t.Fatalf("expected temporary branch cleared, got %v", got)
		}
		if err := h.c.Disconnect(ctx, "a"); err != nil {
			t.Fatalf("second Disconnect must be a no-op: %v", err)
		}
	})

	t.Run("persistent survives", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, nil)
		h.login(t, "a")
		h.watch(t, "a", "keep", false)
		if err := h.add(t, "a", "keep", nil, "x"); err != nil {
			t.Fatalf("AddUpdates: %v", err)
		}
		if err := h.c.Disconnect(ctx, "a"); err != nil {
			t.Fatalf("Disconnect: %v", err)
		}
		if got := h.storedUpdates(t, "keep"); !slices.Equal(got, []string{"x"}) {
			t.Fatalf("persistent branch lost updates: %v", got)
		}

		h.login(t, "c")
		h.watch(t, "c", "keep", false)
		snap := messagesOf[v1.AddUpdates](h.msgs, "c")
		if len(snap) != 1 || !snap[0].Initial || !slices.Equal(snap[0].Updates, []string{"x"}) {
			t.Fatalf("new watcher snapshot=%+v want initial [x]", snap)
		}
	})
}

func TestController_ConcurrentWatchAndAddConverge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	for i := 0; i < 200; i++ {
		h := newHarness(t, nil)
		h.login(t, "a")
		h.login(t, "b")
		if err := h.add(t, "a", "room", nil, "p"); err != nil {
			t.Fatalf("seed: %v", err)
		}

		var (
			wg       sync.WaitGroup
			watchErr error
			addErr   error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			watchErr = h.c.WatchBranch(ctx, "b", v1.WatchBranch{Type: v1.TypeWatchBranch, Branch: "room"})
		}()
		go func() {
			defer wg.Done()
			addErr = h.c.AddUpdates(ctx, "a", v1.AddUpdates{Type: v1.TypeAddUpdates, Branch: "room", Updates: []string{"x,y", "z"}})
		}()
		wg.Wait()
		if watchErr != nil || addErr != nil {
			t.Fatalf("run %d: watch=%v add=%v", i, watchErr, addErr)
		}

		var seen []string
		initials := 0
		for _, m := range messagesOf[v1.AddUpdates](h.msgs, "b") {
			if m.Initial {
				initials++
			}
			seen = append(seen, m.Updates...)
		}
		if initials != 1 {
			t.Fatalf("run %d: expected one initial snapshot, got %d", i, initials)
		}

		got, _ := setUnionMerger(seen)
		want, _ := setUnionMerger(h.storedUpdates(t, "room"))
		if got != want {
			t.Fatalf("run %d: watcher state %q diverged from log %q", i, got, want)
		}
	}
}

func TestController_WatchRollsBackWhenSnapshotFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	hs := &hookStore{}
	h := newWrappedHarness(t, nil, func(m *MemoryUpdateStore) UpdateStore {
		hs.MemoryUpdateStore = m
		return hs
	})
	h.login(t, "a")
	h.login(t, "b")

	hs.getErr = errors.New("db down")
	err := h.c.WatchBranch(ctx, "a", v1.WatchBranch{Type: v1.TypeWatchBranch, Branch: "room"})
	if err == nil {
		t.Fatalf("expected watch to fail")
	}
	hs.getErr = nil

	subs, err := h.registry.GetConnectionsByNamespace(ctx, BranchKey{Branch: "room"}.DataNamespace())
	if err != nil {
		t.Fatalf("GetConnectionsByNamespace: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("failed watch left subscriptions: %+v", subs)
	}

	if err := h.add(t, "b", "room", nil, "u1"); err != nil {
		t.Fatalf("AddUpdates: %v", err)
	}
	if n := len(messagesOf[v1.AddUpdates](h.msgs, "a")); n != 0 {
		t.Fatalf("connection without a snapshot received %d add_updates", n)
	}
}

func TestController_MaxSizeReached(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []MemoryStoreOption{WithMemoryMaxBranchSize(5)})
	h.login(t, "a")
	h.login(t, "b")
	h.watch(t, "a", "room", false)
	h.watch(t, "b", "room", false)

	if err := h.add(t, "a", "room", int64Ptr(1), "abc"); err != nil {
		t.Fatalf("AddUpdates: %v", err)
	}
	h.msgs.reset()

	if err := h.add(t, "a", "room", int64Ptr(2), "def"); err != nil {
		t.Fatalf("AddUpdates with updateId must ack, got %v", err)
	}
	acks := messagesOf[v1.UpdatesReceived](h.msgs, "a")
	if len(acks) != 1 {
		t.Fatalf("expected 1 ack, got %d", len(acks))
	}
	ack := acks[0]
	if ack.UpdateID != 2 || ack.ErrorCode != v1.ErrCodeMaxSizeReached || ack.MaxBranchSizeInBytes != 5 || ack.NeededBranchSizeInBytes != 6 {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if n := len(messagesOf[v1.AddUpdates](h.msgs, "b")); n != 0 {
		t.Fatalf("rejected updates must not broadcast, got %d", n)
	}
	if got := h.storedUpdates(t, "room"); !slices.Equal(got, []string{"abc"}) {
		t.Fatalf("store changed on rejection: %v", got)
	}

	err := h.add(t, "a", "room", nil, "def")
	var maxErr *MaxSizeReachedError
	if !errors.As(err, &maxErr) || maxErr.NeededBranchSizeInBytes != 6 {
		t.Fatalf("expected MaxSizeReachedError without updateId, got %v", err)
	}
}

func TestController_CompactOnOverflow(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		merger     Merger
		wantStored []string
		wantCode   string
	}{
		{
			name:       "merged",
			merger:     MergerFunc(func([]string) (string, error) { return "m", nil }),
			wantStored: []string{"m"},
		},
		{
			name:       "merge error",
			merger:     MergerFunc(func([]string) (string, error) { return "", errors.New("corrupt update") }),
			wantStored: []string{"abc"},
			wantCode:   v1.ErrCodeMaxSizeReached,
		},
		{
			name:       "merge panic",
			merger:     MergerFunc(func([]string) (string, error) { panic("boom") }),
			wantStored: []string{"abc"},
			wantCode:   v1.ErrCodeMaxSizeReached,
		},
		{
			name:       "merged still too big",
			merger:     MergerFunc(func([]string) (string, error) { return "abcdef", nil }),
			wantStored: []string{"abc"},
			wantCode:   v1.ErrCodeMaxSizeReached,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, []MemoryStoreOption{WithMemoryMaxBranchSize(5)},
				WithMerger(tc.merger), WithCompactOnOverflow(true))
			h.login(t, "a")
			h.login(t, "b")
			h.watch(t, "a", "room", false)
			h.watch(t, "b", "room", false)

			if err := h.add(t, "a", "room", nil, "abc"); err != nil {
				t.Fatalf("AddUpdates: %v", err)
			}
			h.msgs.reset()

			if err := h.add(t, "a", "room", int64Ptr(7), "def"); err != nil {
				t.Fatalf("AddUpdates: %v", err)
			}

			if got := h.storedUpdates(t, "room"); !slices.Equal(got, tc.wantStored) {
				t.Fatalf("stored=%v want=%v", got, tc.wantStored)
			}
			acks := messagesOf[v1.UpdatesReceived](h.msgs, "a")
			if len(acks) != 1 || acks[0].ErrorCode != tc.wantCode {
				t.Fatalf("unexpected acks: %+v", acks)
			}

			broadcasts := messagesOf[v1.AddUpdates](h.msgs, "b")
			if tc.wantCode == "" {
				if len(broadcasts) != 1 || !slices.Equal(broadcasts[0].Updates, []string{"def"}) {
					t.Fatalf("expected the added batch to be broadcast, got %+v", broadcasts)
				}
			} else if len(broadcasts) != 0 {
				t.Fatalf("expected no broadcast, got %+v", broadcasts)
			}
		})
	}
}

func TestController_CompactionLosesVersionRace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	hs := &hookStore{}
	h := newWrappedHarness(t, []MemoryStoreOption{WithMemoryMaxBranchSize(5)},
		func(m *MemoryUpdateStore) UpdateStore {
			hs.MemoryUpdateStore = m
			return hs
		},
		WithMerger(MergerFunc(func([]string) (string, error) { return "m", nil })),
		WithCompactOnOverflow(true),
	)
	h.login(t, "a")
	h.login(t, "b")
	h.watch(t, "b", "room", false)

	if err := h.add(t, "a", "room", nil, "abc"); err != nil {
		t.Fatalf("AddUpdates: %v", err)
	}
	h.msgs.reset()

	// Another writer appends after compaction read the log.
	ns := BranchKey{Branch: "room"}.DataNamespace()
	hs.afterGet = func() {
		hs.afterGet = nil
		if err := hs.MemoryUpdateStore.AddUpdates(ctx, ns, []string{"z"}); err != nil {
			t.Errorf("concurrent append: %v", err)
		}
	}

	if err := h.add(t, "a", "room", int64Ptr(7), "def"); err != nil {
		t.Fatalf("AddUpdates: %v", err)
	}

	acks := messagesOf[v1.UpdatesReceived](h.msgs, "a")
	if len(acks) != 1 || acks[0].UpdateID != 7 || acks[0].ErrorCode != v1.ErrCodeMaxSizeReached {
		t.Fatalf("expected max_size_reached ack, got %+v", acks)
	}
	if acks[0].MaxBranchSizeInBytes != 5 || acks[0].NeededBranchSizeInBytes != 6 {
		t.Fatalf("ack must carry the original sizes, got %+v", acks[0])
	}
	if got := h.storedUpdates(t, "room"); !slices.Equal(got, []string{"abc", "z"}) {
		t.Fatalf("stored=%v want=[abc z]", got)
	}
	if n := len(messagesOf[v1.AddUpdates](h.msgs, "b")); n != 0 {
		t.Fatalf("rejected batch must not broadcast, got %d", n)
	}
}

func TestController_CompactionDisabledWithoutFlag(t *testing.T) {
	t.Parallel()

	called := false
	h := newHarness(t, []MemoryStoreOption{WithMemoryMaxBranchSize(5)},
		WithMerger(MergerFunc(func([]string) (string, error) { called = true; return "m", nil })))
	h.login(t, "a")

	if err := h.add(t, "a", "room", nil, "abc"); err != nil {
		t.Fatalf("AddUpdates: %v", err)
	}
	if err := h.add(t, "a", "room", nil, "def"); !errors.Is(err, ErrMaxSizeReached) {
		t.Fatalf("expected ErrMaxSizeReached, got %v", err)
	}
	if called {
		t.Fatalf("merger must not run when compaction is disabled")
	}
}

// setUnionMerger treats each update as a comma separated set of ops: merging
// is union, so replaying the same updates converges to the same state.
func setUnionMerger(updates []string) (string, error) {
	seen := map[string]struct{}{}
	for _, u := range updates {
		for _, op := range strings.Split(u, ",") {
			if op != "" {
				seen[op] = struct{}{}
			}
		}
	}
	ops := make([]string, 0, len(seen))
	for op := range seen {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return strings.Join(ops, ","), nil
}

func TestController_CompactionPreservesMergedState(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []MemoryStoreOption{WithMemoryMaxBranchSize(8)},
		WithMerger(MergerFunc(setUnionMerger)), WithCompactOnOverflow(true))
	h.login(t, "a")

	for _, u := range []string{"a,b", "b,c", "a,c"} {
		if err := h.add(t, "a", "room", nil, u); err != nil {
			t.Fatalf("AddUpdates(%s): %v", u, err)
		}
	}

	stored := h.storedUpdates(t, "room")
	merged, _ := setUnionMerger(stored)
	if merged != "a,b,c" {
		t.Fatalf("merged state=%q want a,b,c (stored=%v)", merged, stored)
	}

	// Replaying an already merged update changes nothing.
	if err := h.add(t, "a", "room", nil, "a,b"); err != nil {
		t.Fatalf("replay: %v", err)
	}
	again, _ := setUnionMerger(h.storedUpdates(t, "room"))
	if again != merged {
		t.Fatalf("replay changed state: %q -> %q", merged, again)
	}
}

func TestController_SendActionRouting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil, WithRandom(RandomFunc(func() float64 { return 0.99 })))
	for _, id := range []string{"a", "b", "c"} {
		h.login(t, id)
		h.watch(t, id, "room", false)
	}
	h.msgs.reset()

	// No selector: one random watcher, here the last one.
	err := h.c.SendAction(ctx, "a", v1.SendAction{Branch: "room", Action: v1.RemoteAction{
		Type:   v1.ActionRemote,
		Event:  json.RawMessage(`{"name":"ping"}`),
		TaskID: json.RawMessage(`42`),
	}})
	if err != nil {
		t.Fatalf("SendAction: %v", err)
	}
	got := messagesOf[v1.ReceiveAction](h.msgs, "c")
	if len(got) != 1 {
		t.Fatalf("expected action on c, got %d", len(got))
	}
	act := got[0].Action
	if act.Type != v1.ActionDevice || string(act.Event) != `{"name":"ping"}` || string(act.TaskID) != `42` {
		t.Fatalf("unexpected device action: %+v", act)
	}
	if act.Connection.ConnectionID != "client-a" {
		t.Fatalf("expected sender info, got %+v", act.Connection)
	}
	if n := len(messagesOf[v1.ReceiveAction](h.msgs, "a")) + len(messagesOf[v1.ReceiveAction](h.msgs, "b")); n != 0 {
		t.Fatalf("random routing delivered to %d extra devices", n)
	}

	// Targeted by client connection id.
	h.msgs.reset()
	err = h.c.SendAction(ctx, "a", v1.SendAction{Branch: "room", Action: v1.RemoteAction{
		Type:         v1.ActionRemoteResult,
		Result:       json.RawMessage(`"ok"`),
		ConnectionID: "client-b",
	}})
	if err != nil {
		t.Fatalf("SendAction targeted: %v", err)
	}
	got = messagesOf[v1.ReceiveAction](h.msgs, "b")
	if len(got) != 1 || got[0].Action.Type != v1.ActionDeviceResult || string(got[0].Action.Result) != `"ok"` {
		t.Fatalf("unexpected targeted delivery: %+v", got)
	}
	if len(h.msgs.to("c")) != 0 {
		t.Fatalf("targeted action leaked to c")
	}

	// Broadcast includes the sender.
	h.msgs.reset()
	err = h.c.SendAction(ctx, "a", v1.SendAction{Branch: "room", Action: v1.RemoteAction{
		Type:      v1.ActionRemoteError,
		Error:     json.RawMessage(`"bad"`),
		Broadcast: true,
	}})
	if err != nil {
		t.Fatalf("SendAction broadcast: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		got := messagesOf[v1.ReceiveAction](h.msgs, id)
		if len(got) != 1 || got[0].Action.Type != v1.ActionDeviceError {
			t.Fatalf("broadcast to %s: %+v", id, got)
		}
	}

	err = h.c.SendAction(ctx, "a", v1.SendAction{Branch: "room", Action: v1.RemoteAction{Type: "teleport"}})
	if !errors.Is(err, ErrUnsupportedAction) {
		t.Fatalf("expected ErrUnsupportedAction, got %v", err)
	}
}

func TestController_SendActionWithoutWatchersDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.login(t, "a")
	h.msgs.reset()

	err := h.c.SendAction(context.Background(), "a", v1.SendAction{Branch: "empty", Action: v1.RemoteAction{Type: v1.ActionRemote}})
	if err != nil {
		t.Fatalf("SendAction: %v", err)
	}
	if len(h.msgs.to("a")) != 0 {
		t.Fatalf("expected nothing delivered")
	}
}

func TestController_PresenceEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.login(t, "watcher")
	h.login(t, "a")
	h.login(t, "b")
	h.watch(t, "a", "room", true)

	if err := h.c.WatchBranchDevices(ctx, "watcher", v1.WatchBranchDevices{Branch: "room"}); err != nil {
		t.Fatalf("WatchBranchDevices: %v", err)
	}
	replay := messagesOf[v1.ConnectedToBranch](h.msgs, "watcher")
	if len(replay) != 1 || replay[0].Connection.ConnectionID != "client-a" || !replay[0].Branch.Temporary {
		t.Fatalf("unexpected replay: %+v", replay)
	}

	h.msgs.reset()
	h.watch(t, "b", "room", false)
	joined := messagesOf[v1.ConnectedToBranch](h.msgs, "watcher")
	if len(joined) != 1 || joined[0].Connection.ConnectionID != "client-b" || joined[0].Branch.Branch != "room" {
		t.Fatalf("unexpected join event: %+v", joined)
	}

	h.msgs.reset()
	if err := h.c.Disconnect(ctx, "b"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	left := messagesOf[v1.DisconnectedFromBranch](h.msgs, "watcher")
	if len(left) != 1 || left[0].Connection.ConnectionID != "client-b" || left[0].Branch != "room" {
		t.Fatalf("unexpected leave event: %+v", left)
	}

	if err := h.c.UnwatchBranchDevices(ctx, "watcher", v1.UnwatchBranchDevices{Branch: "room"}); err != nil {
		t.Fatalf("UnwatchBranchDevices: %v", err)
	}
	h.msgs.reset()
	if err := h.c.UnwatchBranch(ctx, "a", v1.UnwatchBranch{Branch: "room"}); err != nil {
		t.Fatalf("UnwatchBranch: %v", err)
	}
	if len(h.msgs.to("watcher")) != 0 {
		t.Fatalf("unsubscribed watcher still receives presence events")
	}
}

func TestController_DeviceCount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.login(t, "a")
	h.login(t, "b")
	h.watch(t, "a", "room", false)
	h.msgs.reset()

	if err := h.c.DeviceCount(ctx, "a", v1.ConnectionCount{}); err != nil {
		t.Fatalf("DeviceCount: %v", err)
	}
	branch := "room"
	if err := h.c.DeviceCount(ctx, "a", v1.ConnectionCount{Branch: &branch}); err != nil {
		t.Fatalf("DeviceCount branch: %v", err)
	}

	got := messagesOf[v1.ConnectionCountResult](h.msgs, "a")
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].Branch != nil || got[0].Count != 2 {
		t.Fatalf("total count: %+v", got[0])
	}
	if got[1].Branch == nil || *got[1].Branch != "room" || got[1].Count != 1 {
		t.Fatalf("branch count: %+v", got[1])
	}
}

func TestController_Webhook(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil, WithRandom(RandomFunc(func() float64 { return 0 })))
	key := BranchKey{Branch: "hooks"}

	status, err := h.c.Webhook(ctx, key, WebhookRequest{Method: http.MethodPost, URL: "/webhook/hooks"})
	if err != nil || status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without watchers, got %d err=%v", status, err)
	}

	h.login(t, "a")
	h.login(t, "b")
	h.watch(t, "a", "hooks", false)
	h.watch(t, "b", "hooks", false)
	h.msgs.reset()

	status, err = h.c.Webhook(ctx, key, WebhookRequest{
		Method:  http.MethodPost,
		URL:     "/webhook/hooks?x=1",
		Headers: map[string]string{"content-type": "application/json"},
		Data:    json.RawMessage(`{"hello":"world"}`),
	})
	if err != nil || status != http.StatusOK {
		t.Fatalf("expected 200, got %d err=%v", status, err)
	}

	got := messagesOf[v1.ReceiveAction](h.msgs, "a")
	if len(got) != 1 {
		t.Fatalf("expected webhook on first watcher, got %d", len(got))
	}
	if got[0].Action.Type != v1.ActionDevice || got[0].Action.Connection.ConnectionID != "server" {
		t.Fatalf("unexpected action: %+v", got[0].Action)
	}
	var ev struct {
		Type    string            `json:"type"`
		Method  string            `json:"method"`
		URL     string            `json:"url"`
		Headers map[string]string `json:"headers"`
		Data    map[string]string `json:"data"`
	}
	if err := json.Unmarshal(got[0].Action.Event, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Type != "webhook" || ev.Method != http.MethodPost || ev.URL != "/webhook/hooks?x=1" || ev.Data["hello"] != "world" {
		t.Fatalf("unexpected webhook event: %+v", ev)
	}
	if len(h.msgs.to("b")) != 0 {
		t.Fatalf("webhook delivered to more than one device")
	}
}

func TestController_RateLimitDebounce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.login(t, "a")
	h.msgs.reset()

	for _, now := range []int64{0, 500, 1000} {
		if err := h.c.RateLimitExceeded(ctx, "a", 250, 301, now); err != nil {
			t.Fatalf("RateLimitExceeded(%d): %v", now, err)
		}
	}

	got := messagesOf[v1.RateLimitExceeded](h.msgs, "a")
	if len(got) != 2 {
		t.Fatalf("expected notifications at 0 and 1000, got %d", len(got))
	}
	if got[0].RetryAfter != 250 || got[0].TotalHits != 301 {
		t.Fatalf("unexpected payload: %+v", got[0])
	}

	last, ok, err := h.registry.RateLimitExceededTime(ctx, "a")
	if err != nil || !ok || last != 1000 {
		t.Fatalf("exceeded time=%d ok=%v err=%v", last, ok, err)
	}

	if err := h.c.RateLimitExceeded(ctx, "ghost", 1, 1, 0); err != nil {
		t.Fatalf("unknown connection must be a no-op: %v", err)
	}
}

func TestController_SyncTime(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(5000)
	h := newHarness(t, nil, WithClock(func() time.Time { return now }))

	// No login required.
	if err := h.c.SyncTime(context.Background(), "anyone", v1.SyncTime{ID: 3, ClientRequestTime: 1000}, time.UnixMilli(4990)); err != nil {
		t.Fatalf("SyncTime: %v", err)
	}
	got := messagesOf[v1.SyncTimeResponse](h.msgs, "anyone")
	if len(got) != 1 {
		t.Fatalf("expected one response, got %d", len(got))
	}
	want := v1.SyncTimeResponse{Type: v1.TypeSyncTimeResponse, ID: 3, ClientRequestTime: 1000, ServerReceiveTime: 4990, ServerTransmitTime: 5000}
	if got[0] != want {
		t.Fatalf("got %+v want %+v", got[0], want)
	}
}

func TestController_Login(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	verifier := TokenVerifierFunc(func(_ context.Context, tok string, _ time.Time) (TokenIdentity, error) {
		if tok != "good" {
			return TokenIdentity{}, errors.New("bad signature")
		}
		return TokenIdentity{UserID: "user-1", SessionID: "sess-1", ConnectionID: "from-token"}, nil
	})

	t.Run("anonymous", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, nil, WithTokenVerifier(verifier))
		conn, err := h.c.Login(ctx, "srv-1", v1.Login{Type: v1.TypeLogin})
		if err != nil {
			t.Fatalf("Login: %v", err)
		}
		if conn.ClientConnectionID != "srv-1" || conn.UserID != "" {
			t.Fatalf("unexpected anonymous connection: %+v", conn)
		}
		res := messagesOf[v1.LoginResult](h.msgs, "srv-1")
		if len(res) != 1 || res[0].Info.ConnectionID != "srv-1" {
			t.Fatalf("unexpected login_result: %+v", res)
		}
	})

	t.Run("token", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, nil, WithTokenVerifier(verifier), WithRequireAuth(true))
		conn, err := h.c.Login(ctx, "srv-1", v1.Login{Type: v1.TypeLogin, ConnectionToken: "good", ConnectionID: "declared"})
		if err != nil {
			t.Fatalf("Login: %v", err)
		}
		want := v1.ConnectionInfo{ConnectionID: "from-token", UserID: "user-1", SessionID: "sess-1"}
		if conn.Info() != want {
			t.Fatalf("info=%+v want %+v", conn.Info(), want)
		}
		stored, ok, err := h.registry.GetConnection(ctx, "srv-1")
		if err != nil || !ok || stored.UserID != "user-1" {
			t.Fatalf("registry connection=%+v ok=%v err=%v", stored, ok, err)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, nil, WithTokenVerifier(verifier), WithRequireAuth(true))
		if _, err := h.c.Login(ctx, "srv-1", v1.Login{ConnectionToken: "forged"}); !errors.Is(err, ErrUnacceptableConnectionToken) {
			t.Fatalf("expected ErrUnacceptableConnectionToken, got %v", err)
		}
		if _, err := h.c.Login(ctx, "srv-1", v1.Login{}); !errors.Is(err, ErrUnacceptableConnectionToken) {
			t.Fatalf("expected token required, got %v", err)
		}
		if _, ok, _ := h.registry.GetConnection(ctx, "srv-1"); ok {
			t.Fatalf("rejected login must not register the connection")
		}
	})
}

type denyRecord struct{ record string }

func (d denyRecord) CanAccessBranch(_ context.Context, _ Connection, key BranchKey) (bool, error) {
	return key.RecordName != d.record, nil
}

func TestController_Authorization(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil, WithAuthorizer(denyRecord{record: "secret"}))
	h.login(t, "a")

	err := h.c.WatchBranch(ctx, "a", v1.WatchBranch{RecordName: "secret", Inst: "i", Branch: "b"})
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}

	h.msgs.reset()
	err = h.c.AddUpdates(ctx, "a", v1.AddUpdates{RecordName: "secret", Inst: "i", Branch: "b", Updates: []string{"u"}, UpdateID: int64Ptr(9)})
	if err != nil {
		t.Fatalf("AddUpdates with updateId must ack, got %v", err)
	}
	acks := messagesOf[v1.UpdatesReceived](h.msgs, "a")
	if len(acks) != 1 || acks[0].ErrorCode != v1.ErrCodeNotAuthorized || acks[0].UpdateID != 9 {
		t.Fatalf("unexpected ack: %+v", acks)
	}

	if err := h.c.WatchBranch(ctx, "a", v1.WatchBranch{RecordName: "open", Inst: "i", Branch: "b"}); err != nil {
		t.Fatalf("WatchBranch open record: %v", err)
	}
}

func TestController_GetUpdatesIncludesTimestamps(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []MemoryStoreOption{WithMemoryClock(func() time.Time { return time.UnixMilli(1234) })})
	h.login(t, "a")
	if err := h.add(t, "a", "room", nil, "u1", "u2"); err != nil {
		t.Fatalf("AddUpdates: %v", err)
	}
	h.msgs.reset()

	if err := h.c.GetUpdates(context.Background(), "a", v1.GetUpdates{Branch: "room"}); err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	got := messagesOf[v1.AddUpdates](h.msgs, "a")
	if len(got) != 1 || got[0].Initial {
		t.Fatalf("unexpected reply: %+v", got)
	}
	if !slices.Equal(got[0].Updates, []string{"u1", "u2"}) || !slices.Equal(got[0].Timestamps, []int64{1234, 1234}) {
		t.Fatalf("unexpected log: %+v", got[0])
	}
	if n, _ := h.registry.CountConnectionsByNamespace(context.Background(), BranchKey{Branch: "room"}.DataNamespace()); n != 0 {
		t.Fatalf("get_updates must not subscribe")
	}
}

package room

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"collabsync/internal/auth"
	"collabsync/internal/crdt"
	"collabsync/internal/grid"
	"collabsync/internal/models"
	"collabsync/internal/platform"
)

type fakeVerifier struct{}

func (fakeVerifier) Verify(ctx context.Context, token, roomID string) (*auth.Identity, error) {
	switch token {
	case "":
		return nil, auth.ErrMissingToken
	case "good-token":
		return &auth.Identity{UserID: "user-" + token, DisplayName: "Tester"}, nil
	case "good-token-2":
		return &auth.Identity{UserID: "user-2", DisplayName: "Tester Two"}, nil
	}
	return nil, auth.ErrInvalidToken
}

type fakeSnapshots struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{data: make(map[string][]byte)}
}

func (f *fakeSnapshots) LoadSnapshot(ctx context.Context, roomID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.data[roomID]
	if !ok {
		return nil, platform.ErrNotFound
	}
	return b, nil
}

func (f *fakeSnapshots) SaveSnapshot(ctx context.Context, roomID string, snapshot []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[roomID] = snapshot
	return nil
}

func (f *fakeSnapshots) get(roomID string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.data[roomID]
	return b, ok
}

type fakeAccess struct {
	mu      sync.Mutex
	denied  map[string]bool
	err     error
	checked int
}

func (f *fakeAccess) CheckAccess(ctx context.Context, roomID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked++
	if f.err != nil {
		return false, f.err
	}
	return !f.denied[userID], nil
}

type fakeStates struct {
	mu     sync.Mutex
	kinds  map[string]models.TimerKind
	getErr error
}

func newFakeStates() *fakeStates {
	return &fakeStates{kinds: make(map[string]models.TimerKind)}
}

func (f *fakeStates) SaveRoomKey(ctx context.Context, roomKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.kinds[roomKey]; !ok {
		f.kinds[roomKey] = models.TimerNone
	}
	return nil
}

func (f *fakeStates) SetTimerKind(ctx context.Context, roomKey string, kind models.TimerKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds[roomKey] = kind
	return nil
}

func (f *fakeStates) GetTimerKind(ctx context.Context, roomKey string) (models.TimerKind, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return models.TimerNone, f.getErr
	}
	return f.kinds[roomKey], nil
}

func (f *fakeStates) ClearTimer(ctx context.Context, roomKey string) error {
	return f.SetTimerKind(ctx, roomKey, models.TimerNone)
}

func (f *fakeStates) kind(roomKey string) models.TimerKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kinds[roomKey]
}

type nopRegistry struct{}

func (nopRegistry) GetTrackedReferences(ctx context.Context, roomID string) ([]models.TrackedReference, error) {
	return nil, nil
}

func (nopRegistry) PushReferenceValues(ctx context.Context, roomID string, values []models.ReferenceValues) error {
	return nil
}

type testEnv struct {
	manager   *Manager
	snapshots *fakeSnapshots
	access    *fakeAccess
	states    *fakeStates
}

func newTestEnv() *testEnv {
	env := &testEnv{
		snapshots: newFakeSnapshots(),
		access:    &fakeAccess{denied: make(map[string]bool)},
		states:    newFakeStates(),
	}
	env.manager = NewManager(Deps{
		Verifier:  fakeVerifier{},
		Snapshots: env.snapshots,
		Access:    env.access,
		Registry:  nopRegistry{},
		States:    env.states,
		Intervals: Intervals{
			PeriodicSave:   time.Minute,
			DisconnectSave: time.Minute,
			ReferencePush:  time.Minute,
			PresenceFrame:  time.Millisecond,
			ReferenceTTL:   time.Minute,
		},
		GridRows: 3,
		GridCols: 2,
	})
	return env
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// touch makes the room's document non-empty.
func touch(t *testing.T, r *Room) {
	t.Helper()
	other := crdt.NewDoc("peer")
	u, err := other.Transact(func(tx *crdt.Txn) {
		row := tx.AppendRow(other.GetArray(grid.ContainerData))
		tx.SetEntry(row, "0", "content")
	})
	assert.Equal(t, err, nil)
	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, r.doc.ApplyUpdate(u), nil)
}

func TestGetOrCreateValidatesKey(t *testing.T) {
	env := newTestEnv()
	_, err := env.manager.GetOrCreate("no-kind-separator")
	assert.NotEqual(t, err, nil)
	_, err = env.manager.GetOrCreate("widget:abc")
	assert.NotEqual(t, err, nil)

	r1, err := env.manager.GetOrCreate("sheet:abc")
	assert.Equal(t, err, nil)
	r2, err := env.manager.GetOrCreate("sheet:abc")
	assert.Equal(t, err, nil)
	assert.Equal(t, r1 == r2, true)
}

func TestGetOrCreateRehydratesTimer(t *testing.T) {
	env := newTestEnv()
	// a previous process died with a debounce pending
	env.states.SetTimerKind(context.Background(), "document:r1", models.TimerDisconnectDebounce)

	r, err := env.manager.GetOrCreate("document:r1")
	assert.Equal(t, err, nil)
	r.mu.Lock()
	assert.Equal(t, r.timerKind, models.TimerDisconnectDebounce)
	assert.Equal(t, r.timer != nil, true)
	r.mu.Unlock()
}

func TestSaveSnapshotSkipsUntouchedDoc(t *testing.T) {
	env := newTestEnv()
	r, err := env.manager.GetOrCreate("document:r1")
	assert.Equal(t, err, nil)

	r.saveSnapshot(context.Background())
	_, ok := env.snapshots.get("r1")
	assert.Equal(t, ok, false)
}

func TestSaveSnapshotPersistsCompressedState(t *testing.T) {
	env := newTestEnv()
	r, err := env.manager.GetOrCreate("document:r1")
	assert.Equal(t, err, nil)
	touch(t, r)

	r.saveSnapshot(context.Background())
	stored, ok := env.snapshots.get("r1")
	assert.Equal(t, ok, true)

	// the stored blob decompresses into a loadable state
	restored := crdt.NewDoc("restored")
	assert.Equal(t, restored.LoadState(env.manager.decompress(stored)), nil)
	assert.Equal(t, restored.GetArray(grid.ContainerData).Len(), 1)
	assert.Equal(t, restored.GetArray(grid.ContainerData).Get(0).GetString("0"), "content")
}

func TestDecompressPassesThroughUncompressed(t *testing.T) {
	env := newTestEnv()
	raw := []byte("not zstd at all")
	assert.Equal(t, env.manager.decompress(raw), raw)

	blob := env.manager.compress(raw)
	assert.Equal(t, env.manager.decompress(blob), raw)
}

func TestDebounceTimerSavesAndTearsDown(t *testing.T) {
	env := newTestEnv()
	r, err := env.manager.GetOrCreate("document:r1")
	assert.Equal(t, err, nil)
	touch(t, r)

	r.mu.Lock()
	r.armTimer(models.TimerDisconnectDebounce, 50*time.Millisecond)
	r.mu.Unlock()

	waitFor(t, 2*time.Second, func() bool {
		_, saved := env.snapshots.get("r1")
		return saved
	})
	waitFor(t, 2*time.Second, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.stopped
	})
	assert.Equal(t, env.states.kind("document:r1"), models.TimerNone)

	// the manager hands out a fresh actor afterwards
	r2, err := env.manager.GetOrCreate("document:r1")
	assert.Equal(t, err, nil)
	assert.Equal(t, r != r2, true)
}

func TestReconnectBeforeDebounceCancelsSave(t *testing.T) {
	env := newTestEnv()
	r, err := env.manager.GetOrCreate("document:r1")
	assert.Equal(t, err, nil)
	touch(t, r)

	// a connection came back before the debounce fired
	c := &Conn{
		ID:      "sess-1",
		Session: models.NewSession("document:r1", "user-good-token", "Tester"),
		send:    make(chan outbound, 256),
	}
	r.mu.Lock()
	r.conns[c] = true
	r.armTimer(models.TimerDisconnectDebounce, 50*time.Millisecond)
	r.mu.Unlock()

	waitFor(t, 2*time.Second, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.timerKind == models.TimerPeriodic
	})

	// the final save was cancelled, everyone was revalidated, and the
	// actor stays up with the periodic loop restarted
	_, saved := env.snapshots.get("r1")
	assert.Equal(t, saved, false)
	env.access.mu.Lock()
	assert.Equal(t, env.access.checked >= 1, true)
	env.access.mu.Unlock()
	r.mu.Lock()
	assert.Equal(t, r.stopped, false)
	r.mu.Unlock()
}

func TestDurableTimerKindWinsOverMemory(t *testing.T) {
	env := newTestEnv()
	r, err := env.manager.GetOrCreate("document:r1")
	assert.Equal(t, err, nil)
	touch(t, r)

	// memory says periodic, the durable slot says debounce; the handler
	// must trust the slot and run the final-save path
	r.mu.Lock()
	r.timerKind = models.TimerPeriodic
	r.mu.Unlock()
	env.states.SetTimerKind(context.Background(), "document:r1", models.TimerDisconnectDebounce)

	r.onTimer()

	_, saved := env.snapshots.get("r1")
	assert.Equal(t, saved, true)
	r.mu.Lock()
	assert.Equal(t, r.stopped, true)
	r.mu.Unlock()
}

func TestLaggingTimerPersistFallsBackToMemory(t *testing.T) {
	env := newTestEnv()
	r, err := env.manager.GetOrCreate("document:r1")
	assert.Equal(t, err, nil)
	touch(t, r)

	// the durable slot still reads empty because the armTimer write has
	// not landed; the armed in-memory kind must win over it
	c := &Conn{
		ID:      "sess-1",
		Session: models.NewSession("document:r1", "user-good-token", "Tester"),
		send:    make(chan outbound, 256),
	}
	r.mu.Lock()
	r.conns[c] = true
	r.timerKind = models.TimerPeriodic
	r.mu.Unlock()

	r.onTimer()

	// the periodic pass ran and the loop stayed alive
	_, saved := env.snapshots.get("r1")
	assert.Equal(t, saved, true)
	r.mu.Lock()
	assert.Equal(t, r.timerKind, models.TimerPeriodic)
	assert.Equal(t, r.timer != nil, true)
	r.mu.Unlock()
}

func TestPeriodicTimerOnEmptyRoomStandsDown(t *testing.T) {
	env := newTestEnv()
	r, err := env.manager.GetOrCreate("document:r1")
	assert.Equal(t, err, nil)
	touch(t, r)
	env.states.SetTimerKind(context.Background(), "document:r1", models.TimerPeriodic)

	r.onTimer()

	// nothing to save for, slot reconciled, actor stays available
	_, saved := env.snapshots.get("r1")
	assert.Equal(t, saved, false)
	assert.Equal(t, env.states.kind("document:r1"), models.TimerNone)
	r.mu.Lock()
	assert.Equal(t, r.stopped, false)
	r.mu.Unlock()
}

func TestColdStartLoadsSnapshot(t *testing.T) {
	env := newTestEnv()

	seed := crdt.NewDoc("seed")
	_, err := seed.Transact(func(tx *crdt.Txn) {
		row := tx.AppendRow(seed.GetArray(grid.ContainerData))
		tx.SetEntry(row, "0", "restored")
	})
	assert.Equal(t, err, nil)
	state, err := seed.EncodeState()
	assert.Equal(t, err, nil)
	env.snapshots.SaveSnapshot(context.Background(), "r1", env.manager.compress(state))

	r, err := env.manager.GetOrCreate("document:r1")
	assert.Equal(t, err, nil)
	r.coldStart(context.Background())

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, r.doc.GetArray(grid.ContainerData).Len(), 1)
	assert.Equal(t, r.doc.GetArray(grid.ContainerData).Get(0).GetString("0"), "restored")
}

func TestColdStartMissingSnapshotStartsEmpty(t *testing.T) {
	env := newTestEnv()
	r, err := env.manager.GetOrCreate("document:r1")
	assert.Equal(t, err, nil)
	r.coldStart(context.Background())

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, r.doc.Touched(), false)
}

func TestRevalidationFailsOpen(t *testing.T) {
	env := newTestEnv()
	env.access.err = errors.New("access service down")
	r, err := env.manager.GetOrCreate("document:r1")
	assert.Equal(t, err, nil)

	// no connections and a broken access service: must not panic or stop
	r.revalidatePermissions(context.Background())
	r.mu.Lock()
	assert.Equal(t, r.stopped, false)
	r.mu.Unlock()
}

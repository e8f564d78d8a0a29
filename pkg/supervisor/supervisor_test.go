package supervisor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaden/nomarr/pkg/docstore"
	"github.com/xiaden/nomarr/pkg/health"
	"github.com/xiaden/nomarr/pkg/types"
)

type fakeMonitor struct {
	mu     sync.Mutex
	failed []string
}

func (f *fakeMonitor) SetFailed(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, id)
}

func (f *fakeMonitor) failedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.failed...)
}

type fakeSpawner struct {
	mu     sync.Mutex
	spawns []string
	ch     chan string
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{ch: make(chan string, 16)}
}

func (f *fakeSpawner) spawn(id string) error {
	f.mu.Lock()
	f.spawns = append(f.spawns, id)
	f.mu.Unlock()
	f.ch <- id
	return nil
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawns)
}

// testLimits keeps backoffs near-instant.
func testLimits() Limits {
	return Limits{
		MaxRapid:    5,
		RapidWindow: 5 * time.Minute,
		MaxLifetime: 20,
		BackoffCap:  5 * time.Millisecond,
	}
}

func openTestStore(t *testing.T) *docstore.Store {
	t.Helper()
	store, err := docstore.Open(t.TempDir(), docstore.CoreCollections()...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func die(s *Supervisor, id string) {
	s.OnStatusChange(id, types.StatusHealthy, types.StatusDead, health.Change{Reason: health.ReasonPipeClosed})
}

func TestDeathSchedulesRespawn(t *testing.T) {
	store := openTestStore(t)
	monitor := &fakeMonitor{}
	spawner := newFakeSpawner()
	s := New(store, monitor, spawner.spawn, testLimits())

	die(s, "w0")

	select {
	case id := <-spawner.ch:
		assert.Equal(t, "w0", id)
	case <-time.After(time.Second):
		t.Fatal("respawn never happened")
	}

	count, _ := s.RestartCount("w0")
	assert.Equal(t, 1, count)
	assert.Empty(t, monitor.failedIDs())
}

func TestNonDeadTransitionsIgnored(t *testing.T) {
	store := openTestStore(t)
	spawner := newFakeSpawner()
	s := New(store, &fakeMonitor{}, spawner.spawn, testLimits())

	s.OnStatusChange("w0", types.StatusStarting, types.StatusHealthy, health.Change{})
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, spawner.count())
}

func TestRapidCrashLoopMarksFailed(t *testing.T) {
	store := openTestStore(t)
	monitor := &fakeMonitor{}
	spawner := newFakeSpawner()
	s := New(store, monitor, spawner.spawn, testLimits())

	// Four deaths inside the window: each schedules a restart.
	for i := 0; i < 4; i++ {
		die(s, "w0")
		select {
		case <-spawner.ch:
		case <-time.After(time.Second):
			t.Fatal("respawn never happened")
		}
	}

	// The fifth death exhausts the rapid budget; no timer, the fifth
	// spawn is never attempted.
	die(s, "w0")
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 4, spawner.count())
	assert.Equal(t, []string{"w0"}, monitor.failedIDs())

	count, reason := s.RestartCount("w0")
	assert.Equal(t, 4, count)
	assert.Equal(t, ReasonRapidRestartLimit, reason)

	// failed_at_wall_ms persisted.
	doc, err := store.Get(docstore.CollRestartPolicy, "w0")
	require.NoError(t, err)
	rec, err := docstore.As[types.RestartRecord](doc)
	require.NoError(t, err)
	assert.NotZero(t, rec.FailedAt)
}

func TestCancelAllPreventsRespawn(t *testing.T) {
	store := openTestStore(t)
	spawner := newFakeSpawner()
	limits := testLimits()
	limits.BackoffCap = 50 * time.Millisecond
	s := New(store, &fakeMonitor{}, spawner.spawn, limits)

	die(s, "w0")
	// The backoff timer is pending; shutdown must cancel it.
	s.CancelAll()

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, spawner.count(), "no respawn after shutdown")

	// And new deaths are ignored entirely.
	die(s, "w1")
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, spawner.count())
}

func TestRespawnAbandonedWhenDisabled(t *testing.T) {
	store := openTestStore(t)
	spawner := newFakeSpawner()
	s := New(store, &fakeMonitor{}, spawner.spawn, testLimits())

	require.NoError(t, store.Meta().SetWorkerEnabled(false))

	die(s, "w0")
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, spawner.count(), "disabled system abandons restarts")

	// The counter still advanced; the death was real.
	count, _ := s.RestartCount("w0")
	assert.Equal(t, 1, count)
}

func TestResetClearsCounters(t *testing.T) {
	store := openTestStore(t)
	spawner := newFakeSpawner()
	s := New(store, &fakeMonitor{}, spawner.spawn, testLimits())

	die(s, "w0")
	select {
	case <-spawner.ch:
	case <-time.After(time.Second):
		t.Fatal("respawn never happened")
	}

	require.NoError(t, s.Reset("w0"))
	count, reason := s.RestartCount("w0")
	assert.Zero(t, count)
	assert.Empty(t, reason)
}

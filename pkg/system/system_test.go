package system

import (
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaden/nomarr/pkg/docstore"
	"github.com/xiaden/nomarr/pkg/health"
	"github.com/xiaden/nomarr/pkg/supervisor"
	"github.com/xiaden/nomarr/pkg/types"
	"github.com/xiaden/nomarr/pkg/worker"
)

type fakeHandle struct {
	mu         sync.Mutex
	pid        int
	alive      bool
	terminated bool
	killed     bool
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) IsAlive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

func (h *fakeHandle) Terminate() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated = true
	h.alive = false
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.killed = true
	h.alive = false
	return nil
}

func (h *fakeHandle) WaitExit(time.Duration) bool { return true }

type fakeFactory struct {
	mu      sync.Mutex
	spawned []string
	handles map[string]*fakeHandle
	writers map[string]*os.File
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		handles: make(map[string]*fakeHandle),
		writers: make(map[string]*os.File),
	}
}

func (f *fakeFactory) spawn(componentID string) (Handle, io.ReadCloser, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	h := &fakeHandle{pid: 1000 + len(f.spawned), alive: true}

	f.mu.Lock()
	f.spawned = append(f.spawned, componentID)
	f.handles[componentID] = h
	f.writers[componentID] = w
	f.mu.Unlock()
	return h, r, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

func openTestStore(t *testing.T) *docstore.Store {
	t.Helper()
	store, err := docstore.Open(t.TempDir(), docstore.CoreCollections()...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testConfig(workers int) Config {
	return Config{
		WorkerCount: workers,
		Policy: types.HealthPolicy{
			StartupTimeout:    time.Second,
			HeartbeatInterval: 50 * time.Millisecond,
			MaxMisses:         3,
		},
		Limits: supervisor.Limits{
			MaxRapid:    5,
			RapidWindow: 5 * time.Minute,
			MaxLifetime: 20,
			BackoffCap:  5 * time.Millisecond,
		},
		StopTimeout: 100 * time.Millisecond,
		KillGrace:   20 * time.Millisecond,
	}
}

func TestStartAllZeroWorkersIsNoOp(t *testing.T) {
	store := openTestStore(t)
	monitor := health.NewMonitor(nil)
	factory := newFakeFactory()

	sys := New(store, monitor, factory.spawn, testConfig(0))
	require.NoError(t, sys.StartAll())

	assert.Zero(t, factory.count())
	assert.Empty(t, sys.Status())

	count, err := store.Count(docstore.CollWorkerClaims)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStartAllSpawnsAndRegisters(t *testing.T) {
	store := openTestStore(t)
	monitor := health.NewMonitor(nil)
	monitor.Start()
	t.Cleanup(monitor.Stop)
	factory := newFakeFactory()

	sys := New(store, monitor, factory.spawn, testConfig(2))
	require.NoError(t, sys.StartAll())

	assert.Equal(t, 2, factory.count())

	statuses := sys.Status()
	require.Len(t, statuses, 2)
	assert.Equal(t, "tag-worker-0", statuses[0].ComponentID)
	assert.Equal(t, "tag-worker-1", statuses[1].ComponentID)
	assert.Equal(t, types.StatusStarting, statuses[0].Status)

	sys.StopAll(0)
	for _, h := range factory.handles {
		assert.True(t, h.terminated)
	}
}

func TestStartAllSkipsPersistedFailures(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Upsert(docstore.CollRestartPolicy, types.RestartRecord{
		ComponentID:   "tag-worker-0",
		RestartCount:  5,
		FailedAt:      types.NowMS(),
		FailureReason: supervisor.ReasonRapidRestartLimit,
	}))

	monitor := health.NewMonitor(nil)
	factory := newFakeFactory()
	sys := New(store, monitor, factory.spawn, testConfig(2))
	require.NoError(t, sys.StartAll())

	assert.Equal(t, 1, factory.count(), "failed component stays down")
	assert.Equal(t, []string{"tag-worker-1"}, factory.spawned)

	// The failed component still shows up in status from its record.
	statuses := sys.Status()
	require.Len(t, statuses, 2)
	assert.Equal(t, types.StatusFailed, statuses[0].Status)
	assert.Equal(t, supervisor.ReasonRapidRestartLimit, statuses[0].FailureReason)
}

func TestPauseResume(t *testing.T) {
	store := openTestStore(t)
	sys := New(store, health.NewMonitor(nil), newFakeFactory().spawn, testConfig(0))

	require.NoError(t, sys.Pause())
	enabled, err := store.Meta().WorkerEnabled()
	require.NoError(t, err)
	assert.False(t, enabled)

	require.NoError(t, sys.Resume())
	enabled, err = store.Meta().WorkerEnabled()
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestDeathWithJobRecordsCrash(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Insert(docstore.CollLibraryFiles, docstore.Document{
		"_key": "song", "needs_tagging": 1, "tagged": 0, "is_valid": 1,
	}))

	monitor := health.NewMonitor(nil)
	factory := newFakeFactory()
	sys := New(store, monitor, factory.spawn, testConfig(0))

	// Simulate the monitor reporting a death mid-job.
	sys.OnStatusChange("tag-worker-0", types.StatusHealthy, types.StatusDead, health.Change{
		CurrentJob: "song",
		Reason:     health.ReasonPipeClosed,
	})

	val, ok, err := store.Meta().Get(worker.CrashCountKey("song"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", val)
}

func TestStallWithoutDeathDoesNotToxify(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Insert(docstore.CollLibraryFiles, docstore.Document{
		"_key": "song", "needs_tagging": 1, "tagged": 0, "is_valid": 1,
	}))

	sys := New(store, health.NewMonitor(nil), newFakeFactory().spawn, testConfig(0))

	sys.OnStatusChange("tag-worker-0", types.StatusHealthy, types.StatusDead, health.Change{
		CurrentJob: "song",
		Reason:     health.ReasonHeartbeatTimeout,
	})

	_, ok, err := store.Meta().Get(worker.CrashCountKey("song"))
	require.NoError(t, err)
	assert.False(t, ok, "a stall is not a crash")
}

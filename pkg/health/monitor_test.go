package health

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaden/nomarr/pkg/types"
)

// fastPolicy keeps monitor tests quick: 30ms heartbeats, 3 misses.
func fastPolicy() types.HealthPolicy {
	return types.HealthPolicy{
		StartupTimeout:    200 * time.Millisecond,
		HeartbeatInterval: 30 * time.Millisecond,
		MaxMisses:         3,
	}
}

type transition struct {
	id       string
	from, to types.ComponentStatus
	reason   string
}

type captureHandler struct {
	mu          sync.Mutex
	transitions []transition
	dead        chan transition
}

func newCaptureHandler() *captureHandler {
	return &captureHandler{dead: make(chan transition, 8)}
}

func (h *captureHandler) OnStatusChange(id string, old, next types.ComponentStatus, ch Change) {
	h.mu.Lock()
	h.transitions = append(h.transitions, transition{id: id, from: old, to: next, reason: ch.Reason})
	h.mu.Unlock()
	if next == types.StatusDead {
		select {
		case h.dead <- transition{id: id, from: old, to: next, reason: ch.Reason}:
		default:
		}
	}
}

func (h *captureHandler) sawStatus(status types.ComponentStatus) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, tr := range h.transitions {
		if tr.to == status {
			return true
		}
	}
	return false
}

func startMonitor(t *testing.T) *Monitor {
	t.Helper()
	m := NewMonitor(nil)
	m.Start()
	t.Cleanup(m.Stop)
	return m
}

func waitDead(t *testing.T, h *captureHandler, within time.Duration) transition {
	t.Helper()
	select {
	case tr := <-h.dead:
		return tr
	case <-time.After(within):
		t.Fatal("component never declared dead")
		return transition{}
	}
}

func TestPipeEOFMeansDead(t *testing.T) {
	m := startMonitor(t)
	handler := newCaptureHandler()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	m.Register("w0", types.ComponentTypeTagWorker, r, fastPolicy(), handler)

	require.NoError(t, WriteFrame(w, types.Frame{Status: "healthy", PID: 7}))
	time.Sleep(20 * time.Millisecond)
	w.Close()

	tr := waitDead(t, handler, time.Second)
	assert.Equal(t, "w0", tr.id)
	assert.Equal(t, ReasonPipeClosed, tr.reason)
}

func TestMissedHeartbeatsMeanDead(t *testing.T) {
	m := startMonitor(t)
	handler := newCaptureHandler()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()
	m.Register("w0", types.ComponentTypeTagWorker, r, fastPolicy(), handler)

	// One healthy frame, then silence: three missed deadlines follow.
	require.NoError(t, WriteFrame(w, types.Frame{Status: "healthy"}))

	tr := waitDead(t, handler, time.Second)
	assert.Equal(t, ReasonHeartbeatTimeout, tr.reason)
	assert.True(t, handler.sawStatus(types.StatusHealthy), "went healthy before dying")
}

func TestSteadyHeartbeatsStayHealthy(t *testing.T) {
	m := startMonitor(t)
	handler := newCaptureHandler()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()
	m.Register("w0", types.ComponentTypeTagWorker, r, fastPolicy(), handler)

	stop := time.After(250 * time.Millisecond)
	ticker := time.NewTicker(15 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ticker.C:
			require.NoError(t, WriteFrame(w, types.Frame{Status: "healthy"}))
		case <-stop:
			break loop
		}
	}

	select {
	case <-handler.dead:
		t.Fatal("steady heartbeats must not die")
	default:
	}
	assert.True(t, m.LiveWorkerIDs()["w0"])
}

func TestRecoveringExtendsDeadline(t *testing.T) {
	m := startMonitor(t)
	handler := newCaptureHandler()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()
	m.Register("w0", types.ComponentTypeTagWorker, r, fastPolicy(), handler)

	require.NoError(t, WriteFrame(w, types.Frame{Status: "healthy"}))
	// The extension clamps to at least five seconds, far beyond the
	// normal 90ms timeout.
	require.NoError(t, WriteFrame(w, types.Frame{Status: "recovering", RecoverFor: 1}))

	time.Sleep(300 * time.Millisecond)
	select {
	case <-handler.dead:
		t.Fatal("recovering component died inside its extension")
	default:
	}
	assert.True(t, handler.sawStatus(types.StatusRecovering))
}

func TestStartupTimeout(t *testing.T) {
	m := startMonitor(t)
	handler := newCaptureHandler()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()
	m.Register("w0", types.ComponentTypeTagWorker, r, fastPolicy(), handler)

	// Starting frames keep the startup deadline rather than extending it.
	require.NoError(t, WriteFrame(w, types.Frame{Status: "starting"}))

	tr := waitDead(t, handler, time.Second)
	assert.Equal(t, types.StatusStarting, tr.from)
}

func TestSetFailedIsTerminal(t *testing.T) {
	m := startMonitor(t)
	handler := newCaptureHandler()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()
	m.Register("w0", types.ComponentTypeTagWorker, r, fastPolicy(), handler)

	m.SetFailed("w0")

	var failed bool
	for _, info := range m.Components() {
		if info.ComponentID == "w0" && info.Status == types.StatusFailed {
			failed = true
		}
	}
	assert.True(t, failed)
	assert.False(t, m.LiveWorkerIDs()["w0"])
}

func TestPeriodicHookRuns(t *testing.T) {
	m := startMonitor(t)

	var mu sync.Mutex
	runs := 0
	m.AddHook(Hook{
		Name:     "test",
		Interval: 30 * time.Millisecond,
		Run: func() {
			mu.Lock()
			runs++
			mu.Unlock()
		},
	})

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, runs, 2)
}

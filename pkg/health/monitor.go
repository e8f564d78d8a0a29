package health

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaden/nomarr/pkg/docstore"
	"github.com/xiaden/nomarr/pkg/log"
	"github.com/xiaden/nomarr/pkg/metrics"
	"github.com/xiaden/nomarr/pkg/types"
)

// Recovery extensions requested by a worker are clamped to this range.
const (
	minRecoverFor = 5 * time.Second
	maxRecoverFor = 120 * time.Second
)

// Transition reasons passed to handlers.
const (
	ReasonPipeClosed       = "pipe closed"
	ReasonHeartbeatTimeout = "heartbeat timeout"
	ReasonHeartbeat        = "heartbeat"
)

// Handler receives status-change callbacks from the monitor. Callbacks
// run on the monitor goroutine and must hand off anything heavy.
type Handler interface {
	OnStatusChange(componentID string, oldStatus, newStatus types.ComponentStatus, change Change)
}

// Change carries context for one status transition.
type Change struct {
	ComponentType types.ComponentType
	PID           int
	CurrentJob    string
	Reason        string
}

// ComponentInfo is a read-only view of one registry entry.
type ComponentInfo struct {
	ComponentID   string
	ComponentType types.ComponentType
	Status        types.ComponentStatus
	PID           int
	CurrentJob    string
	Misses        int
}

// Hook is a periodic task run on the monitor goroutine between pipe
// waits (the claim sweeper registers itself this way).
type Hook struct {
	Name     string
	Interval time.Duration
	Run      func()

	next time.Time
}

type entry struct {
	id         string
	ctype      types.ComponentType
	status     types.ComponentStatus
	policy     types.HealthPolicy
	pipe       io.ReadCloser
	handler    Handler
	deadline   time.Time
	misses     int
	pid        int
	currentJob string
	lastFrame  time.Time
}

type pipeEvent struct {
	componentID string
	frame       *types.Frame // nil on EOF or read error
}

// Monitor owns the process-wide component registry. One goroutine makes
// every liveness decision; per-pipe reader goroutines only decode
// frames and forward them. The database is never consulted: the status
// mirror in the health collection is write-through only.
type Monitor struct {
	mu      sync.Mutex
	entries map[string]*entry
	hooks   []*Hook

	events chan pipeEvent
	wake   chan struct{}
	stopCh chan struct{}
	done   chan struct{}

	mirror *docstore.Collection // nil disables mirroring
	logger zerolog.Logger
}

// NewMonitor creates a monitor. store may be nil (no status mirror).
func NewMonitor(store *docstore.Store) *Monitor {
	m := &Monitor{
		entries: make(map[string]*entry),
		events:  make(chan pipeEvent, 64),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		logger:  log.WithComponent("health"),
	}
	if store != nil {
		m.mirror = store.Collection(docstore.CollHealth)
	}
	return m
}

// Register adds a component with its pipe read end, policy, and
// lifecycle handler. The component starts in status starting with the
// startup timeout as its first deadline.
func (m *Monitor) Register(componentID string, ctype types.ComponentType, pipe io.ReadCloser, policy types.HealthPolicy, handler Handler) {
	m.mu.Lock()
	e := &entry{
		id:       componentID,
		ctype:    ctype,
		status:   types.StatusStarting,
		policy:   policy,
		pipe:     pipe,
		handler:  handler,
		deadline: time.Now().Add(policy.StartupTimeout),
	}
	m.entries[componentID] = e
	m.mu.Unlock()

	go m.readPipe(componentID, pipe)
	m.writeMirror(e)
	m.poke()

	m.logger.Info().Str("component_id", componentID).Msg("Component registered")
}

// Deregister removes a component entirely (graceful teardown path).
func (m *Monitor) Deregister(componentID string) {
	m.mu.Lock()
	e, ok := m.entries[componentID]
	if ok {
		delete(m.entries, componentID)
	}
	m.mu.Unlock()
	if ok && e.pipe != nil {
		e.pipe.Close()
	}
}

// SetFailed marks a component permanently failed. Called by the
// supervisor when restart limits are exhausted; no callback is fired.
func (m *Monitor) SetFailed(componentID string) {
	m.mu.Lock()
	e, ok := m.entries[componentID]
	if ok {
		e.status = types.StatusFailed
	}
	m.mu.Unlock()
	if ok {
		m.writeMirror(e)
		m.logger.Warn().Str("component_id", componentID).Msg("Component marked failed")
	}
}

// AddHook registers a periodic task run on the monitor goroutine.
func (m *Monitor) AddHook(h Hook) {
	m.mu.Lock()
	h.next = time.Now().Add(h.Interval)
	m.hooks = append(m.hooks, &h)
	m.mu.Unlock()
	m.poke()
}

// Components returns a snapshot of the registry.
func (m *Monitor) Components() []ComponentInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ComponentInfo, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, ComponentInfo{
			ComponentID:   e.id,
			ComponentType: e.ctype,
			Status:        e.status,
			PID:           e.pid,
			CurrentJob:    e.currentJob,
			Misses:        e.misses,
		})
	}
	return out
}

// LiveWorkerIDs returns the ids of components the monitor currently
// considers alive: non-terminal status and a heartbeat within twice the
// policy timeout (components still starting are alive by definition).
// This is the sweeper's liveness input; database timestamps are not.
func (m *Monitor) LiveWorkerIDs() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	live := make(map[string]bool, len(m.entries))
	for id, e := range m.entries {
		if e.status.Terminal() {
			continue
		}
		if e.status == types.StatusStarting {
			live[id] = true
			continue
		}
		if now.Sub(e.lastFrame) <= 2*e.policy.Timeout() {
			live[id] = true
		}
	}
	return live
}

// Start begins the monitoring loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop stops the monitoring loop and closes all registered pipes.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.done

	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()
	for _, e := range entries {
		if e.pipe != nil {
			e.pipe.Close()
		}
	}
}

func (m *Monitor) run() {
	defer close(m.done)
	m.logger.Info().Msg("Health monitor started")

	timer := time.NewTimer(m.slack())
	defer timer.Stop()

	for {
		select {
		case ev := <-m.events:
			m.handleEvent(ev)
		case <-timer.C:
			m.tick()
		case <-m.wake:
		case <-m.stopCh:
			m.logger.Info().Msg("Health monitor stopped")
			return
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(m.slack())
	}
}

// slack computes the wait until the nearest deadline or hook.
func (m *Monitor) slack() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	nearest := time.Now().Add(time.Minute)
	for _, e := range m.entries {
		if e.status.Terminal() {
			continue
		}
		if e.deadline.Before(nearest) {
			nearest = e.deadline
		}
	}
	for _, h := range m.hooks {
		if h.next.Before(nearest) {
			nearest = h.next
		}
	}

	d := time.Until(nearest)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

func (m *Monitor) readPipe(componentID string, pipe io.ReadCloser) {
	for {
		frame, err := ReadFrame(pipe)
		if err != nil {
			select {
			case m.events <- pipeEvent{componentID: componentID}:
			case <-m.stopCh:
			}
			return
		}
		select {
		case m.events <- pipeEvent{componentID: componentID, frame: &frame}:
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) handleEvent(ev pipeEvent) {
	m.mu.Lock()
	e, ok := m.entries[ev.componentID]
	if !ok || e.status.Terminal() {
		m.mu.Unlock()
		return
	}

	if ev.frame == nil {
		// EOF: the process side of the pipe is gone.
		old := e.status
		e.status = types.StatusDead
		if e.pipe != nil {
			e.pipe.Close()
			e.pipe = nil
		}
		m.mu.Unlock()
		m.transition(e, old, types.StatusDead, ReasonPipeClosed)
		return
	}

	metrics.HeartbeatsTotal.Inc()
	now := time.Now()
	e.lastFrame = now
	if ev.frame.PID != 0 {
		e.pid = ev.frame.PID
	}
	e.currentJob = ev.frame.CurrentJob

	old := e.status
	var next types.ComponentStatus
	switch ev.frame.Status {
	case string(types.StatusHealthy):
		e.misses = 0
		e.deadline = now.Add(e.policy.HeartbeatInterval)
		next = types.StatusHealthy
	case string(types.StatusRecovering):
		extend := time.Duration(ev.frame.RecoverFor * float64(time.Second))
		if extend < minRecoverFor {
			extend = minRecoverFor
		}
		if extend > maxRecoverFor {
			extend = maxRecoverFor
		}
		e.misses = 0
		e.deadline = now.Add(extend)
		next = types.StatusRecovering
	case string(types.StatusStarting):
		// Keep the startup deadline.
		next = types.StatusStarting
	case string(types.StatusStopping):
		next = types.StatusStopping
	default:
		m.logger.Warn().
			Str("component_id", e.id).
			Str("status", ev.frame.Status).
			Msg("Unknown heartbeat status")
		m.mu.Unlock()
		return
	}
	e.status = next
	m.mu.Unlock()

	if old != next {
		m.transition(e, old, next, ReasonHeartbeat)
	}
}

func (m *Monitor) tick() {
	now := time.Now()

	m.mu.Lock()
	var dead []*entry
	var deadOld []types.ComponentStatus
	for _, e := range m.entries {
		if e.status.Terminal() || now.Before(e.deadline) {
			continue
		}
		if e.status == types.StatusStarting {
			// Startup timeout expired without a healthy frame.
			deadOld = append(deadOld, e.status)
			e.status = types.StatusDead
			dead = append(dead, e)
			continue
		}
		e.misses++
		if e.misses >= e.policy.MaxMisses {
			deadOld = append(deadOld, e.status)
			e.status = types.StatusDead
			dead = append(dead, e)
		} else {
			e.deadline = now.Add(e.policy.HeartbeatInterval)
		}
	}

	var due []*Hook
	for _, h := range m.hooks {
		if !now.Before(h.next) {
			h.next = now.Add(h.Interval)
			due = append(due, h)
		}
	}
	m.mu.Unlock()

	for i, e := range dead {
		if e.pipe != nil {
			e.pipe.Close()
			e.pipe = nil
		}
		m.transition(e, deadOld[i], types.StatusDead, ReasonHeartbeatTimeout)
	}
	for _, h := range due {
		h.Run()
	}
}

func (m *Monitor) transition(e *entry, old, next types.ComponentStatus, reason string) {
	m.logger.Info().
		Str("component_id", e.id).
		Str("old", string(old)).
		Str("new", string(next)).
		Str("reason", reason).
		Msg("Component status changed")

	m.writeMirror(e)

	if e.handler != nil {
		e.handler.OnStatusChange(e.id, old, next, Change{
			ComponentType: e.ctype,
			PID:           e.pid,
			CurrentJob:    e.currentJob,
			Reason:        reason,
		})
	}
}

// writeMirror mirrors a component's status into the health collection.
// Fire and forget: failures are logged and never affect decisions.
func (m *Monitor) writeMirror(e *entry) {
	if m.mirror == nil {
		return
	}
	m.mu.Lock()
	rec := types.HealthRecord{
		ComponentID:   e.id,
		ComponentType: e.ctype,
		Status:        e.status,
		PID:           e.pid,
		CurrentJob:    e.currentJob,
		UpdatedAt:     types.NowMS(),
	}
	misses := e.misses
	m.mu.Unlock()
	if details, err := json.Marshal(map[string]any{"misses": misses}); err == nil {
		rec.DetailsJSON = string(details)
	}

	go func() {
		if err := m.mirror.Upsert(rec); err != nil {
			m.logger.Error().Err(err).Str("component_id", rec.ComponentID).Msg("Failed to mirror health status")
		}
	}()
}

func (m *Monitor) poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

package system

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaden/nomarr/pkg/docstore"
	"github.com/xiaden/nomarr/pkg/health"
	"github.com/xiaden/nomarr/pkg/log"
	"github.com/xiaden/nomarr/pkg/metrics"
	"github.com/xiaden/nomarr/pkg/supervisor"
	"github.com/xiaden/nomarr/pkg/types"
	"github.com/xiaden/nomarr/pkg/worker"
)

// Config tunes the worker system.
type Config struct {
	WorkerCount int
	Policy      types.HealthPolicy
	Limits      supervisor.Limits
	StopTimeout time.Duration // graceful window after SIGTERM before forced kill
	KillGrace   time.Duration // wait for exit after a forced kill
}

func (c *Config) withDefaults() {
	if c.WorkerCount < 0 {
		c.WorkerCount = 0
	}
	if c.Policy == (types.HealthPolicy{}) {
		c.Policy = types.DefaultWorkerPolicy()
	}
	if c.Limits == (supervisor.Limits{}) {
		c.Limits = supervisor.DefaultLimits()
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 2 * time.Second
	}
}

// System owns the worker subprocesses and wires the monitor, the
// supervisor, and crash attribution together. The supervisor gets a
// spawn function and the store at construction and never a reference
// back to the system.
type System struct {
	cfg     Config
	store   *docstore.Store
	monitor *health.Monitor
	sup     *supervisor.Supervisor
	spawn   SpawnFn
	toxic   *worker.ToxicTracker
	logger  zerolog.Logger

	mu      sync.Mutex
	handles map[string]Handle
}

// New creates the worker system.
func New(store *docstore.Store, monitor *health.Monitor, spawn SpawnFn, cfg Config) *System {
	cfg.withDefaults()
	s := &System{
		cfg:     cfg,
		store:   store,
		monitor: monitor,
		spawn:   spawn,
		toxic:   worker.NewToxicTracker(store),
		logger:  log.WithComponent("worker-system"),
		handles: make(map[string]Handle),
	}
	s.sup = supervisor.New(store, monitor, s.respawn, cfg.Limits)
	return s
}

// Supervisor exposes the restart supervisor for operator commands.
func (s *System) Supervisor() *supervisor.Supervisor {
	return s.sup
}

// OnStatusChange implements health.Handler: attribute crashes to the
// in-flight file, then let the supervisor decide restart or failure.
func (s *System) OnStatusChange(componentID string, oldStatus, newStatus types.ComponentStatus, change health.Change) {
	if newStatus == types.StatusDead && change.CurrentJob != "" && change.Reason == health.ReasonPipeClosed {
		// Lenient attribution: the heartbeat named this file as
		// in-flight when the process died. A stall without death never
		// toxifies.
		if err := s.toxic.RecordCrash(change.CurrentJob); err != nil {
			s.logger.Error().Err(err).Str("file_key", change.CurrentJob).Msg("Failed to record crash")
		}
	}
	s.sup.OnStatusChange(componentID, oldStatus, newStatus, change)
	s.updateGauges()
}

// StartAll spawns every configured worker. With zero workers it is a
// no-op. Components persisted as permanently failed are not spawned
// until an operator resets them.
func (s *System) StartAll() error {
	records := docstore.NewCollection(s.store, docstore.CollRestartPolicy)
	for i := 0; i < s.cfg.WorkerCount; i++ {
		componentID := fmt.Sprintf("tag-worker-%d", i)

		if doc, err := records.Get(componentID); err == nil {
			if rec, derr := docstore.As[types.RestartRecord](doc); derr == nil && rec.FailedAt != 0 {
				s.logger.Warn().
					Str("component_id", componentID).
					Str("reason", rec.FailureReason).
					Msg("Component is failed; not starting until reset")
				continue
			}
		}

		if err := s.spawnOne(componentID); err != nil {
			return err
		}
	}
	s.updateGauges()
	return nil
}

// spawnOne spawns one worker and registers it with the monitor.
func (s *System) spawnOne(componentID string) error {
	handle, pipe, err := s.spawn(componentID)
	if err != nil {
		return fmt.Errorf("start %s: %w", componentID, err)
	}

	s.mu.Lock()
	s.handles[componentID] = handle
	s.mu.Unlock()

	s.monitor.Register(componentID, types.ComponentTypeTagWorker, pipe, s.cfg.Policy, s)
	s.logger.Info().Str("component_id", componentID).Int("pid", handle.PID()).Msg("Worker started")
	return nil
}

// respawn is the supervisor's SpawnFn: replace a dead worker reusing
// its component id.
func (s *System) respawn(componentID string) error {
	s.mu.Lock()
	old, ok := s.handles[componentID]
	s.mu.Unlock()
	if ok && old.IsAlive() {
		// The previous process is somehow still up; take it down
		// before its replacement reuses the id.
		old.Kill()
		old.WaitExit(s.cfg.KillGrace)
	}
	s.monitor.Deregister(componentID)
	return s.spawnOne(componentID)
}

// StopAll stops everything gracefully: restart timers first (so a
// backoff firing mid-shutdown cannot respawn), then the workers, with
// SIGTERM escalation to a forced kill.
func (s *System) StopAll(timeout time.Duration) {
	if timeout <= 0 {
		timeout = s.cfg.StopTimeout
	}
	s.sup.CancelAll()

	s.mu.Lock()
	handles := make(map[string]Handle, len(s.handles))
	for id, h := range s.handles {
		handles[id] = h
	}
	s.handles = make(map[string]Handle)
	s.mu.Unlock()

	for id, h := range handles {
		if err := h.Terminate(); err != nil {
			s.logger.Debug().Err(err).Str("component_id", id).Msg("Terminate signal failed")
		}
	}

	deadline := time.Now().Add(timeout)
	for id, h := range handles {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		if !h.WaitExit(remaining) {
			s.logger.Warn().Str("component_id", id).Msg("Worker did not stop in time, killing")
			h.Kill()
			h.WaitExit(s.cfg.KillGrace)
		}
		s.monitor.Deregister(id)
	}
	s.updateGauges()
	s.logger.Info().Msg("All workers stopped")
}

// Pause disables the worker system via the persistent flag workers
// poll. In-flight jobs finish; no new ones start.
func (s *System) Pause() error {
	return s.store.Meta().SetWorkerEnabled(false)
}

// Resume re-enables the worker system.
func (s *System) Resume() error {
	return s.store.Meta().SetWorkerEnabled(true)
}

// Reset clears a failed component's restart counters and starts it
// again if it is not running.
func (s *System) Reset(componentID string) error {
	if err := s.sup.Reset(componentID); err != nil {
		return err
	}
	s.mu.Lock()
	h, running := s.handles[componentID]
	s.mu.Unlock()
	if running && h.IsAlive() {
		return nil
	}
	s.monitor.Deregister(componentID)
	return s.spawnOne(componentID)
}

// Status reports every known component: live registry entries merged
// with persisted restart counters, plus failed components that were
// never spawned this run.
func (s *System) Status() []types.WorkerStatus {
	seen := make(map[string]bool)
	var out []types.WorkerStatus

	for _, info := range s.monitor.Components() {
		count, reason := s.sup.RestartCount(info.ComponentID)
		out = append(out, types.WorkerStatus{
			ComponentID:   info.ComponentID,
			Status:        info.Status,
			PID:           info.PID,
			CurrentJob:    info.CurrentJob,
			RestartCount:  count,
			FailureReason: reason,
		})
		seen[info.ComponentID] = true
	}

	records := docstore.NewCollection(s.store, docstore.CollRestartPolicy)
	if docs, err := records.Find(nil); err == nil {
		for _, doc := range docs {
			rec, err := docstore.As[types.RestartRecord](doc)
			if err != nil || seen[rec.ComponentID] || rec.FailedAt == 0 {
				continue
			}
			out = append(out, types.WorkerStatus{
				ComponentID:   rec.ComponentID,
				Status:        types.StatusFailed,
				RestartCount:  rec.RestartCount,
				FailureReason: rec.FailureReason,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ComponentID < out[j].ComponentID })
	return out
}

func (s *System) updateGauges() {
	metrics.WorkersByStatus.Reset()
	for _, info := range s.monitor.Components() {
		metrics.WorkersByStatus.WithLabelValues(string(info.Status)).Inc()
	}
}

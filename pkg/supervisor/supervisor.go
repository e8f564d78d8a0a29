package supervisor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaden/nomarr/pkg/docstore"
	"github.com/xiaden/nomarr/pkg/health"
	"github.com/xiaden/nomarr/pkg/log"
	"github.com/xiaden/nomarr/pkg/metrics"
	"github.com/xiaden/nomarr/pkg/types"
)

// SpawnFn respawns a replacement subprocess for a dead component and
// re-registers it with the health monitor. The supervisor never holds
// a reference back to the worker system; this function is the only
// coupling between them.
type SpawnFn func(componentID string) error

// FailedSetter is the slice of the health monitor the supervisor needs.
type FailedSetter interface {
	SetFailed(componentID string)
}

// Supervisor consumes dead-component callbacks from the health monitor
// and decides restart versus permanent failure using persisted
// counters. It implements health.Handler.
type Supervisor struct {
	records *docstore.Collection
	meta    *docstore.Meta
	monitor FailedSetter
	spawn   SpawnFn
	limits  Limits
	logger  zerolog.Logger

	mu       sync.Mutex
	timers   map[string]*time.Timer
	shutdown bool
}

// New creates a supervisor over the given store, monitor, and spawner.
func New(store *docstore.Store, monitor FailedSetter, spawn SpawnFn, limits Limits) *Supervisor {
	return &Supervisor{
		records: store.Collection(docstore.CollRestartPolicy),
		meta:    store.Meta(),
		monitor: monitor,
		spawn:   spawn,
		limits:  limits,
		logger:  log.WithComponent("supervisor"),
		timers:  make(map[string]*time.Timer),
	}
}

// OnStatusChange implements health.Handler. Only dead transitions are
// acted on; the handler is idempotent per death because the pending
// timer is cancelled before a new decision is made.
func (s *Supervisor) OnStatusChange(componentID string, _, newStatus types.ComponentStatus, _ health.Change) {
	if newStatus != types.StatusDead {
		return
	}
	s.onDead(componentID)
}

func (s *Supervisor) onDead(componentID string) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	if t, ok := s.timers[componentID]; ok {
		t.Stop()
		delete(s.timers, componentID)
	}
	s.mu.Unlock()

	rec, err := s.record(componentID)
	if err != nil {
		s.logger.Error().Err(err).Str("component_id", componentID).Msg("Failed to read restart record")
		return
	}

	decision := ShouldRestart(rec.RestartCount, rec.LastRestartAt, time.Now(), s.limits)
	if !decision.Restart {
		s.markFailed(componentID, decision.Reason)
		return
	}

	rec.ComponentID = componentID
	rec.RestartCount++
	rec.LastRestartAt = types.NowMS()
	if err := s.records.Upsert(rec); err != nil {
		s.logger.Error().Err(err).Str("component_id", componentID).Msg("Failed to persist restart record")
	}
	metrics.WorkerRestartsTotal.Inc()

	s.logger.Info().
		Str("component_id", componentID).
		Int("restart_count", rec.RestartCount).
		Dur("backoff", decision.Backoff).
		Msg("Scheduling worker restart")

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.timers[componentID] = time.AfterFunc(decision.Backoff, func() {
		// Timer callbacks must stay light; the respawn does store and
		// process work, so hand it off.
		go s.respawn(componentID)
	})
	s.mu.Unlock()
}

func (s *Supervisor) respawn(componentID string) {
	s.mu.Lock()
	delete(s.timers, componentID)
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	enabled, err := s.meta.WorkerEnabled()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read worker_enabled flag")
	}
	if !enabled {
		s.logger.Info().Str("component_id", componentID).Msg("Workers disabled, abandoning restart")
		return
	}

	if err := s.spawn(componentID); err != nil {
		s.logger.Error().Err(err).Str("component_id", componentID).Msg("Respawn failed")
		// Treat the failed spawn as another death so backoff keeps
		// climbing instead of spinning.
		s.onDead(componentID)
	}
}

func (s *Supervisor) markFailed(componentID, reason string) {
	s.monitor.SetFailed(componentID)
	metrics.WorkerFailuresTotal.WithLabelValues(reason).Inc()

	rec, err := s.record(componentID)
	if err != nil {
		s.logger.Error().Err(err).Str("component_id", componentID).Msg("Failed to read restart record")
		rec = types.RestartRecord{}
	}
	rec.ComponentID = componentID
	rec.FailedAt = types.NowMS()
	rec.FailureReason = reason
	if err := s.records.Upsert(rec); err != nil {
		s.logger.Error().Err(err).Str("component_id", componentID).Msg("Failed to persist failure record")
	}

	s.logger.Error().
		Str("component_id", componentID).
		Str("reason", reason).
		Int("restart_count", rec.RestartCount).
		Msg("Component permanently failed")
}

// record loads the persisted restart record, or a zero record when the
// component has never been restarted.
func (s *Supervisor) record(componentID string) (types.RestartRecord, error) {
	doc, err := s.records.Get(componentID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return types.RestartRecord{ComponentID: componentID}, nil
		}
		return types.RestartRecord{}, err
	}
	return docstore.As[types.RestartRecord](doc)
}

// RestartCount returns the persisted restart counters for status
// surfaces.
func (s *Supervisor) RestartCount(componentID string) (int, string) {
	rec, err := s.record(componentID)
	if err != nil {
		return 0, ""
	}
	return rec.RestartCount, rec.FailureReason
}

// Reset clears a component's restart counters. This is the operator
// path out of permanent failure; the caller restarts the component.
func (s *Supervisor) Reset(componentID string) error {
	if _, err := s.records.Delete(componentID); err != nil {
		return fmt.Errorf("reset %s: %w", componentID, err)
	}
	s.logger.Info().Str("component_id", componentID).Msg("Restart counters reset")
	return nil
}

// CancelAll stops every pending restart timer and refuses new ones.
// Must be called before workers are signalled to stop, otherwise a
// backoff timer firing mid-shutdown would respawn a worker the
// operator is tearing down.
func (s *Supervisor) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

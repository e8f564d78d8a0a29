package sweeper

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaden/nomarr/pkg/docstore"
	"github.com/xiaden/nomarr/pkg/health"
	"github.com/xiaden/nomarr/pkg/log"
	"github.com/xiaden/nomarr/pkg/metrics"
	"github.com/xiaden/nomarr/pkg/types"
)

// Sweep reasons, used as metric labels.
const (
	ReasonDeadWorker     = "dead-worker"
	ReasonCompletedFile  = "completed-file"
	ReasonIneligibleFile = "ineligible-file"
)

// Liveness is the slice of the health monitor the sweeper consults.
// Worker liveness comes from the monitor's in-memory registry, never
// from timestamps persisted in the store.
type Liveness interface {
	LiveWorkerIDs() map[string]bool
}

// Sweeper removes orphaned claim leases: claims held by workers the
// monitor no longer considers alive, and claims referring to files that
// are no longer eligible for processing. Runs as a periodic hook on the
// monitor goroutine.
type Sweeper struct {
	claims *docstore.Collection
	files  *docstore.Collection
	live   Liveness
	batch  int
	logger zerolog.Logger
}

// New creates a sweeper over the given store and liveness source.
func New(db docstore.Interface, live Liveness) *Sweeper {
	return &Sweeper{
		claims: docstore.NewCollection(db, docstore.CollWorkerClaims),
		files:  docstore.NewCollection(db, docstore.CollLibraryFiles),
		live:   live,
		batch:  500,
		logger: log.WithComponent("sweeper"),
	}
}

// Hook wraps the sweeper as a health-monitor periodic hook.
func (s *Sweeper) Hook(interval time.Duration) health.Hook {
	return health.Hook{
		Name:     "claim-sweeper",
		Interval: interval,
		Run:      func() { s.Sweep() },
	}
}

// Sweep runs one bounded sweep cycle and returns how many claims were
// removed. Claim deletion is idempotent, so racing a worker's own
// completion delete is harmless.
func (s *Sweeper) Sweep() int {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SweepDuration)

	claims, err := s.claims.Find(nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list claims")
		return 0
	}
	if len(claims) > s.batch {
		claims = claims[:s.batch]
	}
	if len(claims) == 0 {
		return 0
	}

	live := s.live.LiveWorkerIDs()
	removed := 0
	for _, doc := range claims {
		claim, err := docstore.As[types.Claim](doc)
		if err != nil {
			s.logger.Error().Err(err).Msg("Malformed claim document")
			continue
		}

		reason := s.classify(claim, live)
		if reason == "" {
			continue
		}

		if _, err := s.claims.Delete(claim.Key); err != nil {
			s.logger.Error().Err(err).Str("claim", claim.Key).Msg("Failed to delete claim")
			continue
		}
		removed++
		metrics.ClaimsSweptTotal.WithLabelValues(reason).Inc()
		s.logger.Info().
			Str("claim", claim.Key).
			Str("worker_id", claim.WorkerID).
			Str("reason", reason).
			Msg("Orphaned claim removed")
	}
	return removed
}

// classify decides whether a claim is orphaned and why. Empty means
// the claim is healthy and stays.
func (s *Sweeper) classify(claim types.Claim, live map[string]bool) string {
	if !live[claim.WorkerID] {
		return ReasonDeadWorker
	}

	doc, err := s.files.Get(claim.FileID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return ReasonIneligibleFile
		}
		s.logger.Error().Err(err).Str("file_key", claim.FileID).Msg("Failed to load claimed file")
		return ""
	}
	file, err := docstore.As[types.LibraryFile](doc)
	if err != nil {
		s.logger.Error().Err(err).Str("file_key", claim.FileID).Msg("Malformed file document")
		return ""
	}

	if file.Tagged == 1 || file.NeedsTagging == 0 {
		return ReasonCompletedFile
	}
	if file.IsValid == 0 {
		return ReasonIneligibleFile
	}
	return ""
}

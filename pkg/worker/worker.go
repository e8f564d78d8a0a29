package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaden/nomarr/pkg/docstore"
	"github.com/xiaden/nomarr/pkg/log"
	"github.com/xiaden/nomarr/pkg/metrics"
	"github.com/xiaden/nomarr/pkg/types"
)

// ErrTooManyFailures is returned by Run when the pipeline keeps failing
// for reasons unrelated to any specific file (backend offline, model
// missing). The subprocess exits non-zero on it, which routes recovery
// through the health monitor and supervisor.
var ErrTooManyFailures = errors.New("too many consecutive pipeline failures")

// discoveryFilter selects files eligible for tagging. Key order comes
// from the store cursor; it is a stability choice, not a priority.
const discoveryFilter = "doc.needs_tagging == 1 && doc.is_valid == 1"

// Config tunes one worker loop.
type Config struct {
	ComponentID          string
	IdleInterval         time.Duration // sleep when discovery finds nothing
	PauseInterval        time.Duration // poll cadence for the worker_enabled flag
	DiscoveryBatch       int           // candidates fetched per discovery query
	MaxConsecutiveErrors int           // unattributable failures before self-termination
	TransportRetries     int           // attempts per store call on transport errors, with short sleeps between
}

func (c *Config) withDefaults() {
	if c.IdleInterval <= 0 {
		c.IdleInterval = 2 * time.Second
	}
	if c.PauseInterval <= 0 {
		c.PauseInterval = time.Second
	}
	if c.DiscoveryBatch <= 0 {
		c.DiscoveryBatch = 128
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = 10
	}
	if c.TransportRetries <= 0 {
		c.TransportRetries = 3
	}
}

// Worker is one discovery loop: find an unclaimed eligible file, claim
// it through the store's unique-key insert, run the pipeline, finalize.
// All coordination with sibling workers happens through the store; the
// loop itself holds no locks.
type Worker struct {
	cfg      Config
	db       docstore.Interface
	files    *docstore.Collection
	claims   *docstore.Collection
	meta     *docstore.Meta
	pipeline Pipeline
	hb       *Heartbeat // nil when embedded in tests
	logger   zerolog.Logger

	consecutiveErrs int
}

// New creates a worker. hb may be nil.
func New(db docstore.Interface, pipeline Pipeline, hb *Heartbeat, cfg Config) *Worker {
	cfg.withDefaults()
	return &Worker{
		cfg:      cfg,
		db:       db,
		files:    docstore.NewCollection(db, docstore.CollLibraryFiles),
		claims:   docstore.NewCollection(db, docstore.CollWorkerClaims),
		meta:     docstore.NewMeta(db),
		pipeline: pipeline,
		hb:       hb,
		logger:   log.WithWorkerID(cfg.ComponentID),
	}
}

// Run executes the worker loop until ctx is cancelled (graceful stop,
// returns nil) or the failure ceiling is hit (returns
// ErrTooManyFailures).
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Msg("Worker loop started")

	for {
		if ctx.Err() != nil {
			w.logger.Info().Msg("Worker loop stopped")
			return nil
		}

		enabled, err := w.meta.WorkerEnabled()
		if err != nil {
			if stop := w.recordFailure(ctx, err, "read worker_enabled flag"); stop != nil {
				return stop
			}
			continue
		}
		if !enabled {
			sleepCtx(ctx, w.cfg.PauseInterval)
			continue
		}

		candidate, err := w.discoverOne(ctx)
		if err != nil {
			if stop := w.recordFailure(ctx, err, "discovery"); stop != nil {
				return stop
			}
			continue
		}
		if candidate == "" {
			sleepCtx(ctx, w.cfg.IdleInterval)
			continue
		}

		claimed, err := w.tryClaim(candidate)
		if err != nil {
			if stop := w.recordFailure(ctx, err, "claim"); stop != nil {
				return stop
			}
			continue
		}
		if !claimed {
			// Lost the race; expected under contention, retry at once.
			continue
		}

		// The file may have been completed between discovery and claim
		// (the previous holder finished and released). Re-validate
		// before doing any work.
		eligible, err := w.stillEligible(candidate)
		if err != nil {
			w.releaseClaim(candidate)
			if stop := w.recordFailure(ctx, err, "revalidation"); stop != nil {
				return stop
			}
			continue
		}
		if !eligible {
			w.releaseClaim(candidate)
			continue
		}

		if err := w.processOne(ctx, candidate); err != nil {
			if stop := w.recordFailure(ctx, err, "pipeline"); stop != nil {
				return stop
			}
			continue
		}
		w.consecutiveErrs = 0
	}
}

// discoverOne returns the lexicographically smallest eligible file key
// with no claim, or "" when none of the first DiscoveryBatch eligible
// files is unclaimed.
func (w *Worker) discoverOne(ctx context.Context) (string, error) {
	var docs []docstore.Document
	err := w.withRetry(func() error {
		var qerr error
		docs, qerr = w.db.Query(ctx, docstore.Request{
			Collection: docstore.CollLibraryFiles,
			Filter:     discoveryFilter,
			Limit:      w.cfg.DiscoveryBatch,
		})
		return qerr
	})
	if err != nil {
		return "", fmt.Errorf("discovery query: %w", err)
	}
	for _, doc := range docs {
		key, _ := doc["_key"].(string)
		if key == "" {
			continue
		}
		claimed, err := w.claims.Has(types.ClaimKey(key))
		if err != nil {
			return "", fmt.Errorf("check claim for %s: %w", key, err)
		}
		if !claimed {
			return key, nil
		}
	}
	return "", nil
}

// stillEligible re-reads a claimed file's work state.
func (w *Worker) stillEligible(fileKey string) (bool, error) {
	doc, err := w.files.Get(fileKey)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("revalidate %s: %w", fileKey, err)
	}
	file, err := docstore.As[types.LibraryFile](doc)
	if err != nil {
		return false, err
	}
	return file.NeedsTagging == 1 && file.IsValid == 1, nil
}

// tryClaim attempts the unique insert that is the sole claim primitive.
func (w *Worker) tryClaim(fileKey string) (bool, error) {
	err := w.claims.Insert(types.Claim{
		Key:       types.ClaimKey(fileKey),
		FileID:    fileKey,
		WorkerID:  w.cfg.ComponentID,
		ClaimedAt: types.NowMS(),
	})
	if err != nil {
		if errors.Is(err, docstore.ErrDuplicateKey) {
			metrics.ClaimsContendedTotal.Inc()
			w.logger.Debug().Str("file_key", fileKey).Msg("Claim race lost")
			return false, nil
		}
		return false, fmt.Errorf("insert claim: %w", err)
	}
	metrics.ClaimsAcquiredTotal.Inc()
	return true, nil
}

func (w *Worker) processOne(ctx context.Context, fileKey string) error {
	w.setJob(fileKey)
	defer w.setJob("")

	timer := metrics.NewTimer()
	err := w.pipeline.Process(ctx, fileKey)
	timer.ObserveDuration(metrics.PipelineDuration)

	if err == nil {
		return w.finalizeSuccess(fileKey)
	}

	if errors.Is(err, ErrToxicFile) {
		w.logger.Warn().Err(err).Str("file_key", fileKey).Msg("Pipeline rejected file")
		if merr := w.markFileError(fileKey, err.Error()); merr != nil {
			w.logger.Error().Err(merr).Str("file_key", fileKey).Msg("Failed to mark file error")
		}
		w.releaseClaim(fileKey)
		w.consecutiveErrs = 0
		return nil
	}

	// Not attributable to the file: give it back and count the failure.
	w.releaseClaim(fileKey)
	return fmt.Errorf("process %s: %w", fileKey, err)
}

// finalizeSuccess is strictly two writes in this order: flip the file's
// work state, then delete the claim. A crash between the two leaves an
// orphaned claim for the sweeper; a crash before the first leaves the
// file rediscoverable once the claim is swept.
func (w *Worker) finalizeSuccess(fileKey string) error {
	err := w.withRetry(func() error {
		return w.markFileTagged(fileKey)
	})
	if err != nil {
		w.releaseClaim(fileKey)
		return fmt.Errorf("finalize %s: %w", fileKey, err)
	}

	w.releaseClaim(fileKey)
	metrics.FilesTaggedTotal.Inc()
	w.logger.Info().Str("file_key", fileKey).Msg("File tagged")
	return nil
}

// markFileTagged flips (needs_tagging, tagged) to (0, 1) in one atomic
// update. Idempotent: a second application writes the same state.
func (w *Worker) markFileTagged(fileKey string) error {
	return w.files.Update(fileKey, docstore.Document{
		"needs_tagging":  0,
		"tagged":         1,
		"tagged_version": w.pipeline.Version(),
		"last_tagged_at": types.NowMS(),
	})
}

// markFileError parks a file the pipeline declared toxic: out of the
// discovery stream, not tagged, reason recorded.
func (w *Worker) markFileError(fileKey, reason string) error {
	return w.files.Update(fileKey, docstore.Document{
		"needs_tagging": 0,
		"tagged":        0,
		"tag_error":     reason,
	})
}

// releaseClaim deletes the claim document. Deletion is idempotent, so a
// race with the sweeper is harmless.
func (w *Worker) releaseClaim(fileKey string) {
	if _, err := w.claims.Delete(types.ClaimKey(fileKey)); err != nil {
		w.logger.Error().Err(err).Str("file_key", fileKey).Msg("Failed to release claim")
	}
}

// recordFailure counts one unattributable failure. Returns
// ErrTooManyFailures once the ceiling is reached, nil otherwise.
func (w *Worker) recordFailure(ctx context.Context, err error, what string) error {
	if ctx.Err() != nil {
		return nil
	}
	w.consecutiveErrs++
	w.logger.Error().
		Err(err).
		Int("consecutive", w.consecutiveErrs).
		Msgf("Worker %s failed", what)

	if w.consecutiveErrs >= w.cfg.MaxConsecutiveErrors {
		return fmt.Errorf("%w after %d attempts: %v", ErrTooManyFailures, w.consecutiveErrs, err)
	}
	sleepCtx(ctx, time.Second)
	return nil
}

func (w *Worker) setJob(fileKey string) {
	if w.hb != nil {
		w.hb.SetJob(fileKey)
	}
}

// withRetry retries transport errors a short, bounded number of times.
// Semantic errors return immediately.
func (w *Worker) withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < w.cfg.TransportRetries; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, docstore.ErrTransport) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

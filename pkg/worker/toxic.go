package worker

import (
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/xiaden/nomarr/pkg/docstore"
	"github.com/xiaden/nomarr/pkg/log"
	"github.com/xiaden/nomarr/pkg/metrics"
)

// ToxicThreshold is how many attributed crashes park a file.
const ToxicThreshold = 2

// CrashCountKey is the meta key holding the crash counter for a file.
func CrashCountKey(fileKey string) string {
	return "job_crash_count:tag:" + fileKey
}

// ToxicTracker counts worker crashes attributed to specific files and
// parks files that keep killing workers.
//
// Attribution is deliberately lenient: only a crash observed while the
// worker's heartbeat named the file as its current job counts. An idle
// crash never toxifies — a falsely parked file stays parked until an
// operator intervenes, while an under-counted bad file merely costs
// restarts, which the supervisor already bounds.
type ToxicTracker struct {
	meta   *docstore.Meta
	files  *docstore.Collection
	logger zerolog.Logger
}

// NewToxicTracker creates a tracker over the given store.
func NewToxicTracker(db docstore.Interface) *ToxicTracker {
	return &ToxicTracker{
		meta:   docstore.NewMeta(db),
		files:  docstore.NewCollection(db, docstore.CollLibraryFiles),
		logger: log.WithComponent("toxic"),
	}
}

// RecordCrash increments the crash counter for a file and parks the
// file once the counter reaches the threshold. Counter writes are
// serialised by the caller (one supervision decision per component at
// a time), so read-modify-write is safe here.
func (t *ToxicTracker) RecordCrash(fileKey string) error {
	key := CrashCountKey(fileKey)
	val, _, err := t.meta.Get(key)
	if err != nil {
		return fmt.Errorf("read crash counter: %w", err)
	}
	count, _ := strconv.Atoi(val)
	count++
	if err := t.meta.Set(key, strconv.Itoa(count)); err != nil {
		return fmt.Errorf("write crash counter: %w", err)
	}

	t.logger.Warn().
		Str("file_key", fileKey).
		Int("crash_count", count).
		Msg("Worker crash attributed to file")

	if count < ToxicThreshold {
		return nil
	}
	return t.park(fileKey, fmt.Sprintf("crashed %d workers", count))
}

// park takes the file out of the discovery stream without marking it
// tagged.
func (t *ToxicTracker) park(fileKey, reason string) error {
	err := t.files.Update(fileKey, docstore.Document{
		"needs_tagging": 0,
		"tagged":        0,
		"tag_error":     reason,
	})
	if err != nil {
		return fmt.Errorf("park toxic file %s: %w", fileKey, err)
	}
	metrics.FilesToxicTotal.Inc()
	t.logger.Error().Str("file_key", fileKey).Str("reason", reason).Msg("File marked toxic")
	return nil
}

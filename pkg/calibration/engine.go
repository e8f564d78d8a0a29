package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaden/nomarr/pkg/docstore"
	"github.com/xiaden/nomarr/pkg/log"
	"github.com/xiaden/nomarr/pkg/metrics"
	"github.com/xiaden/nomarr/pkg/types"
)

// Tag tiers derived from the calibrated score.
const (
	TierPresent  = "present"
	TierStrong   = "strong"
	TierDefining = "defining"
)

// GenerationReport summarizes one Generate run.
type GenerationReport struct {
	FilesScanned int   `json:"files_scanned"`
	Labels       int   `json:"labels"`
	Updated      int   `json:"updated"`
	Unchanged    int   `json:"unchanged"`
	DurationMS   int64 `json:"duration_ms"`
}

// ApplicationReport summarizes one Apply run.
type ApplicationReport struct {
	FilesUpdated   int   `json:"files_updated"`
	LabelsApplied  int   `json:"labels_applied"`
	Uncalibrated   int   `json:"uncalibrated"`
	TagsWritten    int   `json:"tags_written"`
	DurationMS     int64 `json:"duration_ms"`
}

// Status reports the persisted calibration footprint.
type Status struct {
	Labels          int   `json:"labels"`
	HistoryEntries  int   `json:"history_entries"`
	LastGeneratedAt int64 `json:"last_generated_at_ms"`
}

// Engine derives per-label percentile calibrations from stored model
// predictions and applies them back onto tag records. Generation and
// application are independent operations; running either alone is
// valid.
type Engine struct {
	files   *docstore.Collection
	states  *docstore.Collection
	history *docstore.Collection

	binWidth float64
	logger   zerolog.Logger

	mu sync.Mutex // one generate or apply at a time
}

// New creates an engine with the given bin width (0 means default).
func New(db docstore.Interface, binWidth float64) *Engine {
	if binWidth <= 0 {
		binWidth = DefaultBinWidth
	}
	return &Engine{
		files:    docstore.NewCollection(db, docstore.CollLibraryFiles),
		states:   docstore.NewCollection(db, docstore.CollCalibrationState),
		history:  docstore.NewCollection(db, docstore.CollCalibrationHistory),
		binWidth: binWidth,
		logger:   log.WithComponent("calibration"),
	}
}

// Generate streams over every file's predictions, accumulates one
// sparse histogram per (model, head, label), derives p5/p95, and
// persists the result. Labels are calibrated independently: a binary
// head contributes one full-sized histogram per label, never a merged
// distribution. States whose histogram is unchanged are not rewritten,
// so regeneration over unchanged input leaves byte-identical
// documents.
func (e *Engine) Generate(ctx context.Context) (GenerationReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CalibrationDuration.WithLabelValues("generate"))
	metrics.CalibrationRunsTotal.WithLabelValues("generate").Inc()
	start := types.NowMS()

	docs, err := e.files.Find(nil)
	if err != nil {
		return GenerationReport{}, fmt.Errorf("list files: %w", err)
	}

	type triple struct{ model, head, label string }
	hists := make(map[triple]*sparseHist)

	report := GenerationReport{FilesScanned: len(docs)}
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		file, err := docstore.As[types.LibraryFile](doc)
		if err != nil {
			continue
		}
		for model, heads := range file.Predictions {
			for head, labels := range heads {
				for label, score := range labels {
					key := triple{model, head, label}
					h := hists[key]
					if h == nil {
						h = newSparseHist(e.binWidth)
						hists[key] = h
					}
					h.Add(score)
				}
			}
		}
	}

	report.Labels = len(hists)
	for key, h := range hists {
		stateKey := types.CalibrationStateKey(key.model, key.head, key.label)
		hist := h.Histogram(nil)

		if prev, err := e.loadState(stateKey); err == nil && reflect.DeepEqual(prev.Histogram, hist) {
			report.Unchanged++
			continue
		}

		state := types.CalibrationState{
			Key:         stateKey,
			Model:       key.model,
			Head:        key.head,
			Label:       key.label,
			Histogram:   hist,
			GeneratedAt: start,
		}
		if err := e.states.Upsert(state); err != nil {
			return report, fmt.Errorf("persist calibration %s: %w", stateKey, err)
		}
		if err := e.recordHistory(stateKey, hist, start); err != nil {
			e.logger.Error().Err(err).Str("state_key", stateKey).Msg("Failed to record drift history")
		}
		report.Updated++
	}

	metrics.CalibrationLabels.Set(float64(report.Labels))
	report.DurationMS = types.NowMS() - start
	e.logger.Info().
		Int("files", report.FilesScanned).
		Int("labels", report.Labels).
		Int("updated", report.Updated).
		Msg("Calibration generated")
	return report, nil
}

// recordHistory appends a drift snapshot comparing the new histogram
// against the most recent history entry for the same label.
func (e *Engine) recordHistory(stateKey string, hist types.Histogram, now int64) error {
	var apd, srd, jsd float64
	if prev, ok := e.latestHistory(stateKey); ok {
		apd, srd, jsd = Drift(prev.Histogram, hist)
	}

	entry := types.CalibrationHistoryEntry{
		Key:        fmt.Sprintf("%s:%019d", stateKey, time.Now().UnixNano()),
		StateKey:   stateKey,
		Histogram:  hist,
		APD:        apd,
		SRD:        srd,
		JSD:        jsd,
		RecordedAt: now,
	}
	if err := e.history.Upsert(entry); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// latestHistory returns the most recent history entry for a label.
func (e *Engine) latestHistory(stateKey string) (types.CalibrationHistoryEntry, bool) {
	docs, err := e.history.Find(docstore.Document{"state_key": stateKey})
	if err != nil || len(docs) == 0 {
		return types.CalibrationHistoryEntry{}, false
	}
	entries := make([]types.CalibrationHistoryEntry, 0, len(docs))
	for _, doc := range docs {
		if entry, err := docstore.As[types.CalibrationHistoryEntry](doc); err == nil {
			entries = append(entries, entry)
		}
	}
	if len(entries) == 0 {
		return types.CalibrationHistoryEntry{}, false
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].RecordedAt < entries[j].RecordedAt })
	return entries[len(entries)-1], true
}

// Apply recomputes calibrated tags for every file: each raw prediction
// is clipped to its label's [p5, p95], renormalised to [0, 1], and run
// through the tier table. A label with no calibration uses the raw
// score unchanged — application never fails for lack of calibration.
// Raw predictions are never modified.
func (e *Engine) Apply(ctx context.Context) (ApplicationReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CalibrationDuration.WithLabelValues("apply"))
	metrics.CalibrationRunsTotal.WithLabelValues("apply").Inc()
	start := types.NowMS()

	states, err := e.loadStates()
	if err != nil {
		return ApplicationReport{}, err
	}

	docs, err := e.files.Find(nil)
	if err != nil {
		return ApplicationReport{}, fmt.Errorf("list files: %w", err)
	}

	var report ApplicationReport
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		file, err := docstore.As[types.LibraryFile](doc)
		if err != nil || len(file.Predictions) == 0 {
			continue
		}

		tags := make(map[string]any)
		for model, heads := range file.Predictions {
			for head, labels := range heads {
				for label, raw := range labels {
					stateKey := types.CalibrationStateKey(model, head, label)
					value := raw
					if state, ok := states[stateKey]; ok {
						value = renormalize(raw, state.Histogram.Percentiles)
					} else {
						report.Uncalibrated++
					}
					report.LabelsApplied++

					tier := tierFor(value)
					if tier == "" {
						continue
					}
					tags[stateKey] = map[string]any{
						"value": math.Round(value*1000) / 1000,
						"tier":  tier,
					}
					report.TagsWritten++
				}
			}
		}

		if err := e.files.Update(file.Key, docstore.Document{"tags": tags}); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				continue
			}
			return report, fmt.Errorf("write tags for %s: %w", file.Key, err)
		}
		report.FilesUpdated++
	}

	report.DurationMS = types.NowMS() - start
	e.logger.Info().
		Int("files", report.FilesUpdated).
		Int("tags", report.TagsWritten).
		Msg("Calibrated tags written")
	return report, nil
}

// CurrentStatus reports the persisted calibration footprint.
func (e *Engine) CurrentStatus() (Status, error) {
	states, err := e.states.Find(nil)
	if err != nil {
		return Status{}, fmt.Errorf("list calibration states: %w", err)
	}
	historyCount, err := e.history.Count()
	if err != nil {
		return Status{}, fmt.Errorf("count history: %w", err)
	}

	status := Status{Labels: len(states), HistoryEntries: historyCount}
	for _, doc := range states {
		state, err := docstore.As[types.CalibrationState](doc)
		if err != nil {
			continue
		}
		if state.GeneratedAt > status.LastGeneratedAt {
			status.LastGeneratedAt = state.GeneratedAt
		}
	}
	return status, nil
}

func (e *Engine) loadState(key string) (types.CalibrationState, error) {
	doc, err := e.states.Get(key)
	if err != nil {
		return types.CalibrationState{}, err
	}
	return docstore.As[types.CalibrationState](doc)
}

func (e *Engine) loadStates() (map[string]types.CalibrationState, error) {
	docs, err := e.states.Find(nil)
	if err != nil {
		return nil, fmt.Errorf("list calibration states: %w", err)
	}
	states := make(map[string]types.CalibrationState, len(docs))
	for _, doc := range docs {
		state, err := docstore.As[types.CalibrationState](doc)
		if err != nil {
			continue
		}
		states[state.Key] = state
	}
	return states, nil
}

// renormalize clips a raw score to the calibration support and rescales
// it to [0, 1]. A degenerate support (p95 <= p5) leaves the raw score
// untouched rather than dividing by zero.
func renormalize(raw float64, p types.Percentiles) float64 {
	span := p.P95 - p.P5
	if span <= 0 {
		return raw
	}
	v := raw
	if v < p.P5 {
		v = p.P5
	}
	if v > p.P95 {
		v = p.P95
	}
	return (v - p.P5) / span
}

// tierFor maps a calibrated score onto the tag tier table.
func tierFor(v float64) string {
	switch {
	case v >= 0.85:
		return TierDefining
	case v >= 0.65:
		return TierStrong
	case v >= 0.35:
		return TierPresent
	default:
		return ""
	}
}

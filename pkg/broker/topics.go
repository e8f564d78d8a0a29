package broker

import (
	"encoding/json"
	"strings"

	"github.com/xiaden/nomarr/pkg/docstore"
	"github.com/xiaden/nomarr/pkg/types"
)

// Fixed topics; worker topics are built per component.
const (
	TopicQueueStatus  = "queue:status"
	TopicQueueJobs    = "queue:jobs"
	TopicSystemHealth = "system:health"
)

const (
	queueStatsPrefix = "queue:"
	queueStatsSuffix = ":stats"
	jobPrefix        = "job:"
)

// collectTopics builds the full topic -> value mapping from current
// store state. Reading the health collection here is reporting, not
// liveness: no decision is derived from it.
func (b *Broker) collectTopics() map[string]any {
	topics := make(map[string]any)

	b.collectQueues(topics)
	b.collectJobs(topics)
	b.collectWorkers(topics)

	return topics
}

func (b *Broker) collectQueues(topics map[string]any) {
	entries, err := b.meta.WithPrefix(queueStatsPrefix)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to read queue stats")
		return
	}

	aggregate := make(map[string]any)
	for key, raw := range entries {
		if !strings.HasSuffix(key, queueStatsSuffix) {
			continue
		}
		queueType := strings.TrimSuffix(strings.TrimPrefix(key, queueStatsPrefix), queueStatsSuffix)
		if queueType == "" {
			continue
		}
		value := parseJSONValue(raw)
		topics[queueStatsPrefix+queueType+":status"] = value
		aggregate[queueType] = value
	}
	if len(aggregate) > 0 {
		topics[TopicQueueStatus] = aggregate
	}
}

func (b *Broker) collectJobs(topics map[string]any) {
	entries, err := b.meta.WithPrefix(jobPrefix)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to read job entries")
		return
	}
	if len(entries) == 0 {
		return
	}

	jobs := make(map[string]any)
	for key, raw := range entries {
		// job:{id}:{field}
		rest := strings.TrimPrefix(key, jobPrefix)
		idx := strings.LastIndex(rest, ":")
		if idx <= 0 {
			continue
		}
		jobID, field := rest[:idx], rest[idx+1:]
		fields, _ := jobs[jobID].(map[string]any)
		if fields == nil {
			fields = make(map[string]any)
			jobs[jobID] = fields
		}
		fields[field] = parseJSONValue(raw)
	}
	topics[TopicQueueJobs] = jobs
}

func (b *Broker) collectWorkers(topics map[string]any) {
	docs, err := b.health.Find(nil)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to read health records")
		return
	}

	var components []any
	degraded := false
	for _, doc := range docs {
		rec, err := docstore.As[types.HealthRecord](doc)
		if err != nil {
			continue
		}

		restartCount, failureReason := 0, ""
		if rdoc, err := b.restarts.Get(rec.ComponentID); err == nil {
			if rr, err := docstore.As[types.RestartRecord](rdoc); err == nil {
				restartCount = rr.RestartCount
				failureReason = rr.FailureReason
			}
		}

		topic := "worker:" + string(rec.ComponentType) + ":" + rec.ComponentID + ":status"
		topics[topic] = map[string]any{
			"component_id": rec.ComponentID,
			"status":       string(rec.Status),
			"pid":          rec.PID,
			"current_job":  rec.CurrentJob,
		}

		if rec.Status.Terminal() {
			degraded = true
		}
		components = append(components, map[string]any{
			"component_id":   rec.ComponentID,
			"component_type": string(rec.ComponentType),
			"status":         string(rec.Status),
			"restart_count":  restartCount,
			"failure_reason": failureReason,
		})
	}

	overall := "ok"
	if degraded {
		overall = "degraded"
	}
	topics[TopicSystemHealth] = map[string]any{
		"status":     overall,
		"components": components,
	}
}

// parseJSONValue decodes a meta value as JSON, falling back to the raw
// string when it is not valid JSON.
func parseJSONValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

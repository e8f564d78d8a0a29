package broker

import (
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xiaden/nomarr/pkg/docstore"
	"github.com/xiaden/nomarr/pkg/log"
	"github.com/xiaden/nomarr/pkg/metrics"
	"github.com/xiaden/nomarr/pkg/types"
)

// Event kinds.
const (
	EventSnapshot = "snapshot"
	EventUpdate   = "update"
)

// subscriberBuffer bounds each subscriber channel. A slow subscriber
// loses its oldest events; the poll loop never blocks on anyone.
const subscriberBuffer = 64

// Event is one topic change delivered to subscribers.
type Event struct {
	Topic     string `json:"topic"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp_ms"`
	Payload   any    `json:"payload"`
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	ID     string
	Events <-chan Event
}

type subscriber struct {
	id       string
	patterns []string
	ch       chan Event
}

// push delivers with drop-oldest semantics.
func (s *subscriber) push(ev Event) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
			select {
			case <-s.ch:
				metrics.BrokerDroppedTotal.Inc()
			default:
			}
		}
	}
}

// Broker turns database state into a topic-addressed event stream. On a
// fixed cadence it rebuilds the topic mapping, diffs it against the
// previous snapshot under value equality, and fans out one event per
// changed topic to every subscriber whose pattern matches. No
// cross-topic ordering is guaranteed.
type Broker struct {
	meta     *docstore.Meta
	health   *docstore.Collection
	restarts *docstore.Collection
	interval time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	snapshot map[string]any
	subs     map[string]*subscriber

	stopCh chan struct{}
	done   chan struct{}
}

// New creates a broker polling at the given interval (500 ms default).
func New(db docstore.Interface, interval time.Duration) *Broker {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Broker{
		meta:     docstore.NewMeta(db),
		health:   docstore.NewCollection(db, docstore.CollHealth),
		restarts: docstore.NewCollection(db, docstore.CollRestartPolicy),
		interval: interval,
		logger:   log.WithComponent("broker"),
		snapshot: make(map[string]any),
		subs:     make(map[string]*subscriber),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the poll loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the poll loop and closes all subscriber channels.
func (b *Broker) Stop() {
	close(b.stopCh)
	<-b.done

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	metrics.BrokerSubscribers.Set(0)
}

// Subscribe registers a subscriber for the given topic patterns. The
// current snapshot of every matched topic is delivered immediately,
// then incremental updates only. Each call gets an independent
// snapshot delivery even for identical patterns.
func (b *Broker) Subscribe(patterns []string) Subscription {
	sub := &subscriber{
		id:       uuid.New().String(),
		patterns: append([]string(nil), patterns...),
		ch:       make(chan Event, subscriberBuffer),
	}

	b.mu.Lock()
	now := types.NowMS()
	for topic, value := range b.snapshot {
		if matchesAny(sub.patterns, topic) {
			sub.push(Event{Topic: topic, Type: EventSnapshot, Timestamp: now, Payload: value})
		}
	}
	b.subs[sub.id] = sub
	n := len(b.subs)
	b.mu.Unlock()

	metrics.BrokerSubscribers.Set(float64(n))
	b.logger.Debug().Str("subscriber_id", sub.id).Strs("patterns", patterns).Msg("Subscriber added")
	return Subscription{ID: sub.id, Events: sub.ch}
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids
// are a no-op.
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	n := len(b.subs)
	b.mu.Unlock()

	if ok {
		close(sub.ch)
		metrics.BrokerSubscribers.Set(float64(n))
	}
}

func (b *Broker) run() {
	defer close(b.done)
	b.logger.Info().Msg("State broker started")

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	// Prime the snapshot so early subscribers see current state.
	b.poll()

	for {
		select {
		case <-ticker.C:
			b.poll()
		case <-b.stopCh:
			b.logger.Info().Msg("State broker stopped")
			return
		}
	}
}

// poll refreshes every topic family, diffs against the snapshot, and
// broadcasts changes. Holding the lock across the diff keeps a
// subscriber connecting at time t from ever seeing an update that
// predates its snapshot.
func (b *Broker) poll() {
	current := b.collectTopics()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := types.NowMS()
	for topic, value := range current {
		if prev, ok := b.snapshot[topic]; ok && reflect.DeepEqual(prev, value) {
			continue
		}
		b.snapshot[topic] = value

		ev := Event{Topic: topic, Type: EventUpdate, Timestamp: now, Payload: value}
		for _, sub := range b.subs {
			if matchesAny(sub.patterns, topic) {
				sub.push(ev)
				metrics.BrokerEventsTotal.Inc()
			}
		}
	}

	// Topics that vanished drop out of the snapshot quietly.
	for topic := range b.snapshot {
		if _, ok := current[topic]; !ok {
			delete(b.snapshot, topic)
		}
	}
}

package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/sync-state-bridge/internal/crdt"
	syncstate "github.com/example/sync-state-bridge/internal/sync"
	"github.com/example/sync-state-bridge/internal/types"
)

const (
	defaultTopicPrefix = "doc:"
	defaultDedupeTTL   = 2 * time.Minute
	maxBackoffDelay    = 30 * time.Second
)

type redisMessage struct {
	DocumentID string `json:"document_id"`
	ClientID   string `json:"client_id"`
	Sequence   uint64 `json:"sequence"`
	Instance   string `json:"instance"`
	Payload    []byte `json:"payload"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

type outbound struct {
	doc    types.DocumentID
	update crdt.Update
}

var relayLatency = registerHistogram(prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "broadcast",
	Name:      "enqueue_to_apply_seconds",
	Help:      "Observed latency between publishing an update and applying it on another instance.",
	Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
}, []string{"document_id"}))

func registerHistogram(h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := prometheus.Register(h); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return regErr.ExistingCollector.(*prometheus.HistogramVec)
		}
	}
	return h
}

// RedisRelay replicates document updates between server instances through
// Redis Pub/Sub. Every update a watched document integrates is published on
// the document's topic; updates received from other instances are applied to
// the local replica with the relay as origin, so they are not sent back.
type RedisRelay struct {
	client   *redis.Client
	engine   *crdt.Engine
	logger   zerolog.Logger
	instance string

	topicPrefix string
	dedupeTTL   time.Duration

	seenMu sync.Mutex
	seen   map[string]time.Time

	queue chan outbound
}

// NewRedisRelay constructs a relay applying remote updates to engine.
func NewRedisRelay(client *redis.Client, engine *crdt.Engine, logger zerolog.Logger) *RedisRelay {
	return &RedisRelay{
		client:      client,
		engine:      engine,
		logger:      logger,
		instance:    ulid.Make().String(),
		topicPrefix: defaultTopicPrefix,
		dedupeTTL:   defaultDedupeTTL,
		seen:        make(map[string]time.Time),
		queue:       make(chan outbound, 1024),
	}
}

// Watch queues the updates of doc for publication. Updates the relay applied
// itself and updates replayed from the log are skipped.
func (r *RedisRelay) Watch(doc *crdt.Doc) func() {
	docID := doc.DocumentID()
	return doc.OnUpdate(func(evt crdt.UpdateEvent) {
		if evt.Origin == r || evt.Origin == crdt.FromLog {
			return
		}
		select {
		case r.queue <- outbound{doc: docID, update: evt.Update}:
		default:
			r.logger.Warn().Str("document", string(docID)).Msg("relay queue full; dropping update")
		}
	})
}

// Start begins publishing queued updates and consuming updates of other
// instances until ctx is cancelled.
func (r *RedisRelay) Start(ctx context.Context) {
	go r.publishLoop(ctx)
	go r.run(ctx)
}

func (r *RedisRelay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-r.queue:
			if err := r.Publish(ctx, item.doc, item.update); err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Str("document", string(item.doc)).Msg("relay publish failed")
			}
		}
	}
}

// Publish serializes an update and sends it to the document topic, retrying
// with backoff until it succeeds or ctx ends.
func (r *RedisRelay) Publish(ctx context.Context, docID types.DocumentID, u crdt.Update) error {
	if r == nil || r.client == nil {
		return errors.New("nil relay")
	}

	encoded, err := r.encode(docID, u)
	if err != nil {
		return err
	}

	topic := r.topic(docID)
	backoff := time.Second
	for {
		if err := r.client.Publish(ctx, topic, encoded).Err(); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			r.logger.Warn().Err(err).Str("topic", topic).Dur("backoff", backoff).Msg("redis publish failed; retrying")
			select {
			case <-time.After(backoff):
				backoff = minDuration(backoff*2, maxBackoffDelay)
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
}

func (r *RedisRelay) encode(docID types.DocumentID, u crdt.Update) ([]byte, error) {
	payload, err := crdt.EncodeUpdate(u)
	if err != nil {
		return nil, err
	}
	msg := redisMessage{
		DocumentID: string(docID),
		ClientID:   string(u.Client),
		Sequence:   u.Seq,
		Instance:   r.instance,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC().UnixNano(),
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode redis payload: %w", err)
	}
	return encoded, nil
}

func (r *RedisRelay) run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := r.client.PSubscribe(ctx, fmt.Sprintf("%s*", r.topicPrefix))
		if err := r.consume(ctx, pubsub); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn().Err(err).Dur("backoff", backoff).Msg("redis subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = minDuration(backoff*2, maxBackoffDelay)
		}
	}
}

func (r *RedisRelay) consume(ctx context.Context, pubsub *redis.PubSub) error {
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if err := r.process(msg.Payload); err != nil {
				r.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("failed to process relayed update")
			}
		}
	}
}

func (r *RedisRelay) process(raw string) error {
	var payload redisMessage
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if payload.DocumentID == "" || payload.ClientID == "" {
		return errors.New("incomplete payload")
	}
	if payload.Instance == r.instance {
		return nil
	}
	if payload.Sequence > 0 && r.isDuplicate(payload.DocumentID, payload.ClientID, payload.Sequence) {
		return nil
	}

	if payload.EnqueuedAt > 0 {
		latency := float64(time.Since(time.Unix(0, payload.EnqueuedAt))) / float64(time.Second)
		relayLatency.WithLabelValues(payload.DocumentID).Observe(latency)
	}

	u, err := crdt.DecodeUpdate(payload.Payload)
	if err != nil {
		return err
	}
	doc := r.engine.Doc(types.DocumentID(payload.DocumentID))
	if err := doc.ApplyUpdate(u, r); err != nil && !errors.Is(err, syncstate.ErrCausalityGap) {
		return err
	}
	return nil
}

func (r *RedisRelay) topic(docID types.DocumentID) string {
	return fmt.Sprintf("%s%s", r.topicPrefix, docID)
}

func (r *RedisRelay) isDuplicate(docID, clientID string, seq uint64) bool {
	key := docID + ":" + clientID + ":" + strconv.FormatUint(seq, 10)

	r.seenMu.Lock()
	defer r.seenMu.Unlock()

	if ts, ok := r.seen[key]; ok {
		if time.Since(ts) < r.dedupeTTL {
			return true
		}
	}

	r.seen[key] = time.Now()
	cutoff := time.Now().Add(-r.dedupeTTL)
	for k, ts := range r.seen {
		if ts.Before(cutoff) {
			delete(r.seen, k)
		}
	}
	return false
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

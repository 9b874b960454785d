// Package alertrouter accepts AlertRequests from every producer in
// the pipeline (WallTracker, TradeAggregator, LiquidationFilter,
// WSManager) and delivers them to an external Sink: routed by topic,
// de-duplicated per fingerprint within a cooldown window, optionally
// merged by micro-batching, and retried on transient delivery errors.
package alertrouter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketwatch/btcsentry/internal/domain"
)

// staticRoute maps an AlertKind to its default destination channel.
// A non-empty AlertRequest.TopicKey overrides this for kinds that
// split by (market, side), such as walls and large trades.
var staticRoute = map[domain.AlertKind]string{
	domain.AlertWallNew:          "walls",
	domain.AlertWallGone:         "walls",
	domain.AlertWallConfirmed:    "confirmed_walls",
	domain.AlertWallConfirmedEnd: "confirmed_walls",
	domain.AlertLargeTrade:       "trades",
	domain.AlertMegaTrade:        "mega_events",
	domain.AlertLiquidation:      "liquidations",
	domain.AlertMegaLiquidation:  "mega_events",
	domain.AlertWSDown:           "system",
	domain.AlertWSRecover:        "system",
	domain.AlertDigest:           "digest",
}

// defaultCooldown is the per-kind de-dup window. Kinds absent here
// have no cooldown: every request sends, whatever its fingerprint.
var defaultCooldown = map[domain.AlertKind]time.Duration{
	domain.AlertWallNew:          30 * time.Second,
	domain.AlertWallGone:         30 * time.Second,
	domain.AlertWallConfirmed:    60 * time.Second,
	domain.AlertWallConfirmedEnd: 60 * time.Second,
	domain.AlertLargeTrade:       10 * time.Second,
	domain.AlertMegaTrade:        10 * time.Second,
}

const (
	flushDeadline    = 300 * time.Millisecond
	flushQueueLength = 3
	maxQueueLen      = 1_000
	sendTimeout      = 10 * time.Second
)

var retryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

type queueKey struct {
	kind  domain.AlertKind
	topic string
}

// pendingBatch accumulates requests for one (kind, topic) pair between
// flushes.
type pendingBatch struct {
	items     []domain.AlertRequest
	deadline  time.Time
	armed     bool
}

// LogStore is the narrow persistence surface the router needs: an
// append-only record of every alert actually sent, per spec.md §4.8.
type LogStore interface {
	AppendAlertLog(kind domain.AlertKind, topic, text string, sentAt time.Time) error
}

// Router owns its pending-batch buffers and cooldown ledger
// exclusively behind mu; delivery itself (the suspension point) always
// happens after release.
type Router struct {
	sink  Sink
	log   zerolog.Logger
	store LogStore

	mu         sync.Mutex
	lastSentAt map[string]time.Time // fingerprint -> last send
	queues     map[queueKey]*pendingBatch

	droppedDup   int64
	droppedOverf int64
	sent         int64
	failed       int64
}

// Stats is a point-in-time snapshot of router counters for the ops
// HTTP surface.
type Stats struct {
	Sent            int64
	Failed          int64
	DroppedDup      int64
	DroppedOverflow int64
}

// Stats returns a snapshot of the router's counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Sent: r.sent, Failed: r.failed, DroppedDup: r.droppedDup, DroppedOverflow: r.droppedOverf}
}

func New(sink Sink, log zerolog.Logger) *Router {
	return &Router{
		sink:       sink,
		log:        log,
		lastSentAt: make(map[string]time.Time),
		queues:     make(map[queueKey]*pendingBatch),
	}
}

// SetStore attaches the append-only alert log; may be left unset in
// tests.
func (r *Router) SetStore(store LogStore) {
	r.store = store
}

// Emit enqueues a request. Cooldown and batching bookkeeping happen
// under the router's own lock; when the request fills its queue to
// flushQueueLength, Emit then delivers the batch itself after
// releasing the lock, so that call blocks on the sink (retries
// included).
func (r *Router) Emit(req domain.AlertRequest) {
	if req.ProducedAt.IsZero() {
		req.ProducedAt = time.Now()
	}

	r.mu.Lock()
	if r.onCooldownLocked(req) {
		r.mu.Unlock()
		return
	}

	topic := req.TopicKey
	if topic == "" {
		topic = staticRoute[req.Kind]
	}
	key := queueKey{kind: req.Kind, topic: topic}

	b, ok := r.queues[key]
	if !ok {
		b = &pendingBatch{}
		r.queues[key] = b
	}
	if len(b.items) >= maxQueueLen {
		b.items = b.items[1:]
		r.droppedOverf++
	}
	if !b.armed {
		b.deadline = req.ProducedAt.Add(flushDeadline)
		b.armed = true
	}
	b.items = append(b.items, req)
	shouldFlush := len(b.items) >= flushQueueLength
	var toFlush []domain.AlertRequest
	if shouldFlush {
		toFlush = b.items
		b.items = nil
		b.armed = false
	}
	r.mu.Unlock()

	if shouldFlush {
		r.deliverBatch(topic, toFlush)
	}
}

// onCooldownLocked reports and records whether req's fingerprint is
// currently suppressed. Must be called with mu held.
func (r *Router) onCooldownLocked(req domain.AlertRequest) bool {
	cooldown := defaultCooldown[req.Kind]
	if cooldown == 0 || req.Fingerprint == "" {
		return false
	}
	last, ok := r.lastSentAt[req.Fingerprint]
	if ok && req.ProducedAt.Sub(last) < cooldown {
		r.droppedDup++
		return true
	}
	r.lastSentAt[req.Fingerprint] = req.ProducedAt
	return false
}

// RunFlushLoop periodically sweeps every queue for batches whose
// deadline has elapsed and flushes them, even if they never reached
// the length trigger.
func (r *Router) RunFlushLoop(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.flushAll()
			return
		case <-ticker.C:
			r.sweepDeadlines()
		}
	}
}

func (r *Router) sweepDeadlines() {
	now := time.Now()
	type due struct {
		topic string
		items []domain.AlertRequest
	}
	var toFlush []due

	r.mu.Lock()
	for key, b := range r.queues {
		if b.armed && now.After(b.deadline) && len(b.items) > 0 {
			toFlush = append(toFlush, due{topic: key.topic, items: b.items})
			b.items = nil
			b.armed = false
		}
	}
	r.mu.Unlock()

	for _, d := range toFlush {
		r.deliverBatch(d.topic, d.items)
	}
}

// flushAll delivers every non-empty queue immediately; used on
// operator shutdown within the bounded grace period.
func (r *Router) flushAll() {
	type due struct {
		topic string
		items []domain.AlertRequest
	}
	var toFlush []due

	r.mu.Lock()
	for key, b := range r.queues {
		if len(b.items) > 0 {
			toFlush = append(toFlush, due{topic: key.topic, items: b.items})
			b.items = nil
			b.armed = false
		}
	}
	r.mu.Unlock()

	for _, d := range toFlush {
		r.deliverBatch(d.topic, d.items)
	}
}

// deliverBatch renders the batch (merging if >1) and attempts
// delivery with retries. Delivery order within this (kind, topic)
// queue matches production order because Emit only ever appends.
func (r *Router) deliverBatch(topic string, items []domain.AlertRequest) {
	if len(items) == 0 {
		return
	}
	var text, parseMode string
	if len(items) == 1 {
		text, parseMode = items[0].Render()
	} else {
		text, parseMode = mergeRender(items)
	}
	r.sendWithRetry(items[0].Kind, topic, text, parseMode)
}

func mergeRender(items []domain.AlertRequest) (string, string) {
	merged := fmt.Sprintf("%d events:\n", len(items))
	mode := "text"
	for _, it := range items {
		t, pm := it.Render()
		merged += "- " + t + "\n"
		mode = pm
	}
	return merged, mode
}

func (r *Router) sendWithRetry(kind domain.AlertKind, topic, text, parseMode string) {
	var lastErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := r.sink.Send(ctx, topic, text, parseMode)
		cancel()
		if err == nil {
			r.mu.Lock()
			r.sent++
			r.mu.Unlock()
			if r.store != nil {
				if logErr := r.store.AppendAlertLog(kind, topic, text, time.Now()); logErr != nil {
					r.log.Warn().Err(logErr).Str("topic", topic).Msg("append alert log failed")
				}
			}
			return
		}
		lastErr = err
		if errors.Is(err, domain.ErrPermanentIO) {
			break // permanent failure: don't burn the retry budget
		}
		if attempt < len(retryDelays) {
			time.Sleep(retryDelays[attempt])
		}
	}
	r.mu.Lock()
	r.failed++
	r.mu.Unlock()
	r.log.Error().Err(lastErr).Str("topic", topic).Msg("alert delivery failed permanently, dropping")
}

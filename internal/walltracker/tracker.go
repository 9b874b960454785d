// Package walltracker converts wall-lifecycle events from OrderBooks
// into user-facing alerts and persisted wall records, tracks
// confirmed-wall promotion, and applies the spoofing heuristic.
package walltracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/marketwatch/btcsentry/internal/domain"
	"github.com/marketwatch/btcsentry/internal/orderbook"
)

const (
	WallAlertUSD              = 2_000_000
	WallCancelAlertUSD        = 1_000_000
	ConfirmedWallThresholdUSD = 5_000_000
	ConfirmedMaxDistancePct   = 2.0
	ConfirmedDelay            = 60 * time.Second
	spoofWindow               = time.Hour
	spoofMinCount             = 2
	confirmedCheckInterval    = 10 * time.Second
)

// AlertEmitter is the narrow surface the tracker needs from the
// AlertRouter.
type AlertEmitter interface {
	Emit(req domain.AlertRequest)
}

// PersistentStore is the narrow surface the tracker needs from Store.
type PersistentStore interface {
	WallOpened(w domain.Wall) error
	WallUpdated(w domain.Wall) error
	WallClosed(w domain.Wall, reason domain.GoneReason, closedAt time.Time) error
}

type entry struct {
	wall domain.Wall
}

// Tracker owns the wall registry exclusively; no other component
// mutates it.
type Tracker struct {
	alerts AlertEmitter
	store  PersistentStore

	mu       sync.Mutex
	registry map[domain.WallKey]*entry
	// spoofLog survives wall removal, keyed by the wall's identity
	// rather than its (transient) registry entry, so an appear/gone/
	// reappear cycle accumulates sightings instead of resetting them.
	spoofLog map[domain.WallKey][]time.Time
}

func New(alerts AlertEmitter, store PersistentStore) *Tracker {
	return &Tracker{
		alerts:   alerts,
		store:    store,
		registry: make(map[domain.WallKey]*entry),
		spoofLog: make(map[domain.WallKey][]time.Time),
	}
}

// OpenWallCount returns the number of walls currently tracked, for the
// ops metrics surface.
func (t *Tracker) OpenWallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.registry)
}

// HandleWallEvents processes the events produced by one OrderBook
// update batch: WallSeen (Candidate->Active, same event) and WallGone.
func (t *Tracker) HandleWallEvents(events []orderbook.WallEvent) {
	for _, ev := range events {
		if ev.Seen {
			t.handleSeen(ev)
		} else {
			t.handleGone(ev)
		}
	}
}

func (t *Tracker) handleSeen(ev orderbook.WallEvent) {
	now := time.Now()

	t.mu.Lock()
	e, existed := t.registry[ev.Key]
	if !existed {
		e = &entry{wall: domain.Wall{
			Key:          ev.Key,
			EventID:      uuid.NewString(),
			Qty:          ev.Qty,
			NotionalUSD:  ev.Notional,
			DetectedAt:   now,
			FirstSeenMid: ev.Mid,
			LastSeenQty:  ev.Qty,
			State:        domain.WallActive,
		}}
		t.spoofLog[ev.Key] = append(t.spoofLog[ev.Key], now)
		t.registry[ev.Key] = e
	} else {
		e.wall.LastSeenQty = ev.Qty
		e.wall.NotionalUSD = ev.Notional
	}
	wallCopy := e.wall
	t.mu.Unlock()

	if t.store != nil {
		if !existed {
			_ = t.store.WallOpened(wallCopy)
		} else {
			_ = t.store.WallUpdated(wallCopy)
		}
	}

	if !existed && ev.Notional.GreaterThanOrEqual(decimal.NewFromInt(WallAlertUSD)) {
		t.emitNewWallAlert(ev, wallCopy)
	}
}

func (t *Tracker) handleGone(ev orderbook.WallEvent) {
	t.mu.Lock()
	e, ok := t.registry[ev.Key]
	if !ok {
		t.mu.Unlock()
		return
	}
	// age MUST be read before the registry entry is removed.
	age := time.Since(e.wall.DetectedAt)
	wasConfirmed := e.wall.State == domain.WallConfirmed
	priorNotional := e.wall.NotionalUSD
	wallCopy := e.wall
	delete(t.registry, ev.Key)
	t.mu.Unlock()

	if t.store != nil {
		_ = t.store.WallClosed(wallCopy, ev.Reason, time.Now())
	}

	if wasConfirmed {
		t.emit(domain.AlertWallConfirmedEnd, confirmedTopic(ev.Key), fmt.Sprintf("confirmed-gone:%s:%s:%s", ev.Key.Market, ev.Key.Side, ev.Key.PriceStr),
			func() (string, string) {
				return fmt.Sprintf("Confirmed wall gone: %s %s @ %s (age %s, reason %s)",
					ev.Key.Market, ev.Key.Side, ev.Key.PriceStr, age.Round(time.Second), ev.Reason), "text"
			})
	}

	if priorNotional.GreaterThanOrEqual(decimal.NewFromInt(WallCancelAlertUSD)) {
		t.emit(domain.AlertWallGone, wallTopic(ev.Key), fmt.Sprintf("gone:%s:%s:%s", ev.Key.Market, ev.Key.Side, ev.Key.PriceStr),
			func() (string, string) {
				return fmt.Sprintf("Wall gone: %s %s @ %s, notional $%s, age %s, reason %s",
					ev.Key.Market, ev.Key.Side, ev.Key.PriceStr, priorNotional.StringFixed(0), age.Round(time.Second), ev.Reason), "text"
			})
	}
}

func (t *Tracker) emitNewWallAlert(ev orderbook.WallEvent, wall domain.Wall) {
	t.mu.Lock()
	now := time.Now()
	cutoff := now.Add(-spoofWindow)
	sightings := t.spoofLog[ev.Key]
	kept := sightings[:0]
	for _, s := range sightings {
		if s.After(cutoff) {
			kept = append(kept, s)
		}
	}
	t.spoofLog[ev.Key] = kept
	spoofCount := len(kept)
	t.mu.Unlock()

	distance := wall.DistancePct(ev.Mid)
	spoofing := spoofCount >= spoofMinCount
	significance := significanceOf(ev.Notional)

	t.emit(domain.AlertWallNew, wallTopic(ev.Key), fmt.Sprintf("new:%s:%s:%s", ev.Key.Market, ev.Key.Side, ev.Key.PriceStr),
		func() (string, string) {
			text := fmt.Sprintf("New wall [%s] (%s): %s %s @ %s, notional $%s, distance %s%%",
				wall.EventID, significance, ev.Key.Market, ev.Key.Side, ev.Key.PriceStr, ev.Notional.StringFixed(0), distance.StringFixed(2))
			if spoofing {
				text += " [spoof warning: repeated wall at this level]"
			}
			return text, "text"
		})
}

func significanceOf(notional decimal.Decimal) string {
	switch {
	case notional.GreaterThanOrEqual(decimal.NewFromInt(ConfirmedWallThresholdUSD)):
		return "MASSIVE"
	case notional.GreaterThanOrEqual(decimal.NewFromInt(WallAlertUSD)):
		return "MAJOR"
	case notional.GreaterThanOrEqual(decimal.NewFromInt(WallCancelAlertUSD)):
		return "MODERATE"
	default:
		return "MINOR"
	}
}

// RunConfirmedWallLoop scans Active walls every 10s and promotes them
// to Confirmed once they meet the notional/distance/age bar. Promotion
// is monotonic within a wall's lifetime: demotion only happens via
// WallGone.
func (t *Tracker) RunConfirmedWallLoop(ctx context.Context) {
	ticker := time.NewTicker(confirmedCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.scanForConfirmations()
		}
	}
}

// scanForConfirmations iterates over a materialized snapshot of the
// key set (never the live map) because emitting may suspend for I/O.
func (t *Tracker) scanForConfirmations() {
	t.mu.Lock()
	keys := make([]domain.WallKey, 0, len(t.registry))
	for k := range t.registry {
		keys = append(keys, k)
	}
	t.mu.Unlock()

	threshold := decimal.NewFromInt(ConfirmedWallThresholdUSD)
	maxDist := decimal.NewFromFloat(ConfirmedMaxDistancePct)

	for _, key := range keys {
		t.mu.Lock()
		e, ok := t.registry[key]
		if !ok || e.wall.State != domain.WallActive {
			t.mu.Unlock()
			continue
		}
		wall := e.wall
		t.mu.Unlock()

		if wall.NotionalUSD.LessThan(threshold) {
			continue
		}
		if time.Since(wall.DetectedAt) < ConfirmedDelay {
			continue
		}
		if wall.DistancePct(wall.FirstSeenMid).Abs().GreaterThan(maxDist) {
			continue
		}

		t.mu.Lock()
		if e, ok := t.registry[key]; ok && e.wall.State == domain.WallActive {
			now := time.Now()
			e.wall.State = domain.WallConfirmed
			e.wall.ConfirmedAt = &now
		}
		t.mu.Unlock()

		t.emit(domain.AlertWallConfirmed, confirmedTopic(key), fmt.Sprintf("confirmed:%s:%s:%s", key.Market, key.Side, key.PriceStr),
			func() (string, string) {
				return fmt.Sprintf("Confirmed wall: %s %s @ %s, notional $%s",
					key.Market, key.Side, key.PriceStr, wall.NotionalUSD.StringFixed(0)), "text"
			})
	}
}

func (t *Tracker) emit(kind domain.AlertKind, topic, fingerprint string, render domain.RenderFunc) {
	if t.alerts == nil {
		return
	}
	t.alerts.Emit(domain.AlertRequest{
		Kind:        kind,
		TopicKey:    topic,
		Fingerprint: fingerprint,
		Render:      render,
		ProducedAt:  time.Now(),
	})
}

func wallTopic(key domain.WallKey) string {
	return fmt.Sprintf("walls_%s_%s", key.Market, key.Side)
}

func confirmedTopic(key domain.WallKey) string {
	return fmt.Sprintf("confirmed_walls_%s", key.Market)
}

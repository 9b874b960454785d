// Package tradeagg classifies trade prints into per-minute buckets,
// tracks cumulative volume delta per market, and raises large/mega
// trade alerts. It is grounded in the same bucket-and-flush shape as
// the order-book pruner: pure in-memory mutation under one mutex per
// owner, bucket persistence only at flush time (large/mega trades are
// appended to the store as they arrive).
package tradeagg

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketwatch/btcsentry/internal/domain"
)

// Per-market large/mega trade thresholds, in USD notional.
var (
	largeTradeThreshold = map[domain.Market]decimal.Decimal{
		domain.MarketSpot:    decimal.NewFromInt(100_000),
		domain.MarketFutures: decimal.NewFromInt(500_000),
	}
	megaTradeThreshold = map[domain.Market]decimal.Decimal{
		domain.MarketSpot:    decimal.NewFromInt(1_000_000),
		domain.MarketFutures: decimal.NewFromInt(5_000_000),
	}
)

const bucketFlushInterval = time.Minute

// AlertEmitter is the narrow surface the aggregator needs from AlertRouter.
type AlertEmitter interface {
	Emit(req domain.AlertRequest)
}

// BucketStore is the narrow surface needed from Store: persisting
// completed buckets, rehydrating CVD at cold start, and appending the
// append-only large/mega trade log.
type BucketStore interface {
	UpsertMinuteBucket(b domain.MinuteBucket) error
	RecentBuckets(market domain.Market, horizon time.Duration) ([]domain.MinuteBucket, error)
	AppendLargeTrade(ev domain.TradeEvent, kind domain.AlertKind) error
}

type cvdState struct {
	cvd        decimal.Decimal
	active     domain.MinuteBucket
	haveActive bool
}

// Aggregator owns one cvdState per market, exclusively: CVD and the
// active bucket are never read or written outside the owner's lock.
type Aggregator struct {
	alerts AlertEmitter
	store  BucketStore

	rehydrateHorizon time.Duration

	mu     sync.Mutex
	states map[domain.Market]*cvdState
}

// New constructs an Aggregator. rehydrateHorizon bounds how much
// bucket history Rehydrate pulls from the store at cold start.
func New(alerts AlertEmitter, store BucketStore, rehydrateHorizon time.Duration) *Aggregator {
	return &Aggregator{
		alerts:           alerts,
		store:            store,
		rehydrateHorizon: rehydrateHorizon,
		states:           make(map[domain.Market]*cvdState),
	}
}

func (a *Aggregator) lock()   { a.mu.Lock() }
func (a *Aggregator) unlock() { a.mu.Unlock() }

// Rehydrate reloads the running CVD for a market from the tail of the
// persisted bucket table, so a restart does not reset CVD to zero.
func (a *Aggregator) Rehydrate(market domain.Market) error {
	if a.store == nil {
		return nil
	}
	buckets, err := a.store.RecentBuckets(market, a.rehydrateHorizon)
	if err != nil {
		return fmt.Errorf("rehydrate %s: %w", market, err)
	}
	if len(buckets) == 0 {
		return nil
	}
	last := buckets[len(buckets)-1]

	a.lock()
	a.states[market] = &cvdState{cvd: last.CVDAtEnd}
	a.unlock()
	return nil
}

func (a *Aggregator) stateFor(market domain.Market) *cvdState {
	s, ok := a.states[market]
	if !ok {
		s = &cvdState{}
		a.states[market] = s
	}
	return s
}

// OnTrade classifies one trade print, updates the active minute
// bucket and running CVD, and emits a large/mega trade alert when the
// notional crosses threshold.
func (a *Aggregator) OnTrade(ev domain.TradeEvent) {
	minuteEpoch := ev.Ts.Unix() / 60

	a.lock()
	s := a.stateFor(ev.Market)
	if !s.haveActive || s.active.MinuteEpoch != minuteEpoch {
		a.flushLocked(ev.Market, s)
		s.active = domain.MinuteBucket{Market: ev.Market, MinuteEpoch: minuteEpoch}
		s.haveActive = true
	}

	switch ev.Side {
	case domain.TradeBuy:
		s.active.BuyVolUSD = s.active.BuyVolUSD.Add(ev.Notional)
		s.cvd = s.cvd.Add(ev.Notional)
	case domain.TradeSell:
		s.active.SellVolUSD = s.active.SellVolUSD.Add(ev.Notional)
		s.cvd = s.cvd.Sub(ev.Notional)
	}
	s.active.DeltaUSD = s.active.BuyVolUSD.Sub(s.active.SellVolUSD)
	s.active.VWAPNum = s.active.VWAPNum.Add(ev.Price.Mul(ev.Qty))
	s.active.VWAPDen = s.active.VWAPDen.Add(ev.Qty)
	s.active.TradeCount++
	s.active.CVDAtEnd = s.cvd
	a.unlock()

	a.maybeEmitTradeAlert(ev)
}

func (a *Aggregator) maybeEmitTradeAlert(ev domain.TradeEvent) {
	large, ok := largeTradeThreshold[ev.Market]
	if !ok || ev.Notional.LessThan(large) {
		return
	}

	kind := domain.AlertLargeTrade
	if mega, ok := megaTradeThreshold[ev.Market]; ok && ev.Notional.GreaterThanOrEqual(mega) {
		kind = domain.AlertMegaTrade
	}

	if a.store != nil {
		if err := a.store.AppendLargeTrade(ev, kind); err != nil {
			_ = err // persistence failure must not block alerting
		}
	}

	a.emit(domain.AlertRequest{
		Kind:        kind,
		TopicKey:    tradeTopic(ev.Market, ev.Side),
		Fingerprint: fmt.Sprintf("trade:%s:%s:%d", ev.Market, ev.Side, ev.Ts.UnixNano()),
		Render: func() (string, string) {
			return fmt.Sprintf("%s %s trade: %s %s, notional $%s @ %s",
				string(kind), ev.Market, ev.Side, ev.Qty.StringFixed(4), ev.Notional.StringFixed(0), ev.Price.StringFixed(2)), "text"
		},
		ProducedAt: time.Now(),
	})
}

// RunFlushLoop persists the active bucket for every market once a
// minute, starting a fresh bucket immediately after.
func (a *Aggregator) RunFlushLoop(ctx context.Context) {
	ticker := time.NewTicker(bucketFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.flushAll()
			return
		case <-ticker.C:
			a.flushAll()
		}
	}
}

func (a *Aggregator) flushAll() {
	a.lock()
	markets := make([]domain.Market, 0, len(a.states))
	for m := range a.states {
		markets = append(markets, m)
	}
	for _, m := range markets {
		a.flushLocked(m, a.states[m])
	}
	a.unlock()
}

// flushLocked persists the market's active bucket, if any, and clears
// it. Must be called with the aggregator's lock held; the store write
// itself happens after release to honor no-suspend-under-lock, so the
// bucket value is copied out first.
func (a *Aggregator) flushLocked(market domain.Market, s *cvdState) {
	if !s.haveActive || s.active.TradeCount == 0 {
		return
	}
	bucket := s.active
	s.haveActive = false

	if a.store == nil {
		return
	}
	a.unlock()
	if err := a.store.UpsertMinuteBucket(bucket); err != nil {
		_ = err // persistence failure for one bucket does not halt aggregation
	}
	a.lock()
}

// CVD returns the current running CVD for a market.
func (a *Aggregator) CVD(market domain.Market) decimal.Decimal {
	a.lock()
	defer a.unlock()
	if s, ok := a.states[market]; ok {
		return s.cvd
	}
	return decimal.Zero
}

func (a *Aggregator) emit(req domain.AlertRequest) {
	if a.alerts != nil {
		a.alerts.Emit(req)
	}
}

func tradeTopic(market domain.Market, side domain.TradeSide) string {
	return fmt.Sprintf("trades_%s_%s", market, side)
}

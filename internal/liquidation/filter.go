// Package liquidation filters forced-order events from the futures
// liquidation stream, persists and alerts on them, and runs the
// periodic digest-boundary checker shared across enabled report
// periods.
package liquidation

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketwatch/btcsentry/internal/domain"
)

// Liquidation notional thresholds, in USD.
const (
	AlertThresholdUSD = 250_000
	MegaThresholdUSD  = 2_000_000
)

// digestCheckInterval is how often the boundary checker wakes; it must
// divide every enabled period evenly so no boundary minute is missed.
const digestCheckInterval = 30 * time.Second

// DigestPeriods are the report windows, in minutes, checked against
// hour-aligned wall-clock boundaries.
var DigestPeriods = []int{15, 30, 60}

// AlertEmitter is the narrow surface needed from AlertRouter.
type AlertEmitter interface {
	Emit(req domain.AlertRequest)
}

// Store is the narrow persistence surface the filter needs.
type Store interface {
	AppendLiquidation(ev domain.LiquidationEvent) error
	DigestAggregate(market domain.Market, periodMinutes int, at time.Time) (DigestSummary, error)
}

// DigestSummary is the store-computed aggregation handed to the
// digest's render function; rendering itself is delegated to the
// caller-supplied formatter (kept out of this package so the exact
// report layout can evolve independently of the boundary logic).
type DigestSummary struct {
	Market        domain.Market
	PeriodMinutes int
	TradeCount    int64
	BuyVolUSD     decimal.Decimal
	SellVolUSD    decimal.Decimal
	DeltaUSD      decimal.Decimal
	Liquidations  int64
	LiquidatedUSD decimal.Decimal
}

// Filter watches the futures liquidation stream for the configured
// symbol and the periodic digest boundary.
type Filter struct {
	symbol  string
	alerts  AlertEmitter
	store   Store
	markets []domain.Market

	// lastFiredMinute records, per period, the minute-epoch boundary
	// last fired. The 30s ticker is not phase-aligned to wall-clock
	// minute boundaries, so two consecutive ticks can land in the same
	// boundary minute; this guards against firing the digest twice for
	// it. Only RunDigestLoop's own goroutine touches this, so it needs
	// no lock.
	lastFiredMinute map[int]int64
}

func New(symbol string, alerts AlertEmitter, store Store, markets []domain.Market) *Filter {
	return &Filter{
		symbol:          symbol,
		alerts:          alerts,
		store:           store,
		markets:         markets,
		lastFiredMinute: make(map[int]int64),
	}
}

// OnForceOrder processes one liquidation event. Events for a different
// symbol are dropped silently; forced orders only ever report the
// futures market.
func (f *Filter) OnForceOrder(symbol string, ev domain.LiquidationEvent) {
	if symbol != f.symbol {
		return
	}

	if f.store != nil {
		if err := f.store.AppendLiquidation(ev); err != nil {
			_ = err // a persistence failure must not block alerting
		}
	}

	if ev.Notional.LessThan(decimal.NewFromInt(AlertThresholdUSD)) {
		return
	}

	kind := domain.AlertLiquidation
	if ev.Notional.GreaterThanOrEqual(decimal.NewFromInt(MegaThresholdUSD)) {
		kind = domain.AlertMegaLiquidation
	}

	f.emit(domain.AlertRequest{
		Kind:        kind,
		TopicKey:    "liquidations",
		Fingerprint: fmt.Sprintf("liq:%s:%d", ev.Side, ev.Ts.UnixNano()),
		Render: func() (string, string) {
			return fmt.Sprintf("Liquidation: %s %s, notional $%s @ %s",
				ev.Side, ev.Qty.StringFixed(4), ev.Notional.StringFixed(0), ev.Price.StringFixed(2)), "text"
		},
		ProducedAt: time.Now(),
	})
}

// RunDigestLoop wakes every 30s and, for each enabled period whose
// boundary the current wall-clock minute satisfies, requests a digest
// per registered market. Rendering is delegated: the router receives
// a Render closure that re-fetches nothing further, just formats the
// already-queried DigestSummary.
func (f *Filter) RunDigestLoop(ctx context.Context) {
	ticker := time.NewTicker(digestCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			f.checkBoundaries(now)
		}
	}
}

func (f *Filter) checkBoundaries(now time.Time) {
	minuteOfHour := now.Minute()
	minuteEpoch := now.Truncate(time.Minute).Unix()
	for _, period := range DigestPeriods {
		if minuteOfHour%period != 0 {
			continue
		}
		if f.lastFiredMinute[period] == minuteEpoch {
			continue // already fired for this boundary minute
		}
		f.lastFiredMinute[period] = minuteEpoch
		for _, market := range f.markets {
			f.emitDigest(market, period, now)
		}
	}
}

func (f *Filter) emitDigest(market domain.Market, period int, at time.Time) {
	if f.store == nil {
		return
	}
	summary, err := f.store.DigestAggregate(market, period, at)
	if err != nil {
		return
	}

	topic := fmt.Sprintf("digest_%dm", period)
	f.emit(domain.AlertRequest{
		Kind:        domain.AlertDigest,
		TopicKey:    topic,
		Fingerprint: fmt.Sprintf("digest:%s:%d:%d", market, period, at.Truncate(time.Minute).Unix()),
		Render: func() (string, string) {
			return fmt.Sprintf("%d-min digest (%s): trades=%d buy=$%s sell=$%s delta=$%s liquidations=%d ($%s)",
				period, market, summary.TradeCount, summary.BuyVolUSD.StringFixed(0), summary.SellVolUSD.StringFixed(0),
				summary.DeltaUSD.StringFixed(0), summary.Liquidations, summary.LiquidatedUSD.StringFixed(0)), "text"
		},
		ProducedAt: time.Now(),
	})
}

func (f *Filter) emit(req domain.AlertRequest) {
	if f.alerts != nil {
		f.alerts.Emit(req)
	}
}

// Package orderbook maintains a synchronized bid/ask ladder for one
// (market, symbol) pair, applies diff events honoring the exchange's
// per-market sequencing rule, prunes distant levels, and reports
// wall-lifecycle events to WallTracker.
package orderbook

import (
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/shopspring/decimal"

	"github.com/marketwatch/btcsentry/internal/domain"
)

// WallThresholdUSD is the notional at or above which a resting level
// is scanned as a wall candidate. Inclusive: notional == threshold is
// a wall.
const WallThresholdUSD = 500_000

// PruneDistancePct bounds the wall scan and the once-a-minute pruner
// to levels within 50% of mid.
const PruneDistancePct = 0.5

func decimalComparator(a, b interface{}) int {
	return a.(decimal.Decimal).Cmp(b.(decimal.Decimal))
}

// ladder is an ordered decimal-price -> level map. Ascending iteration
// order is the treemap's natural order; descending is achieved by
// walking from the end.
type ladder struct {
	tree *treemap.Map
}

func newLadder() *ladder {
	return &ladder{tree: treemap.NewWith(decimalComparator)}
}

func (l *ladder) upsert(level domain.PriceLevel) {
	if level.Empty() {
		l.tree.Remove(level.Price)
		return
	}
	l.tree.Put(level.Price, level)
}

func (l *ladder) clear() { l.tree.Clear() }

func (l *ladder) get(price decimal.Decimal) (domain.PriceLevel, bool) {
	v, found := l.tree.Get(price)
	if !found {
		return domain.PriceLevel{}, false
	}
	return v.(domain.PriceLevel), true
}

// best returns the min (ascending, asks) or max (descending, bids) level.
func (l *ladder) best(ascending bool) (domain.PriceLevel, bool) {
	if l.tree.Empty() {
		return domain.PriceLevel{}, false
	}
	var v interface{}
	if ascending {
		_, v = l.tree.Min()
	} else {
		_, v = l.tree.Max()
	}
	return v.(domain.PriceLevel), true
}

func (l *ladder) topN(n int, ascending bool) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, n)
	it := l.tree.Iterator()
	if ascending {
		for it.Next() {
			out = append(out, it.Value().(domain.PriceLevel))
			if len(out) >= n {
				break
			}
		}
	} else {
		for it.End(); it.Prev(); {
			out = append(out, it.Value().(domain.PriceLevel))
			if len(out) >= n {
				break
			}
		}
	}
	return out
}

func (l *ladder) forEach(fn func(domain.PriceLevel) bool) {
	it := l.tree.Iterator()
	for it.Next() {
		if !fn(it.Value().(domain.PriceLevel)) {
			return
		}
	}
}

func (l *ladder) pruneBeyond(mid decimal.Decimal, pct float64) {
	if mid.IsZero() {
		return
	}
	bound := decimal.NewFromFloat(pct)
	var stale []decimal.Decimal
	it := l.tree.Iterator()
	for it.Next() {
		lvl := it.Value().(domain.PriceLevel)
		dist := lvl.Price.Sub(mid).Abs().Div(mid)
		if dist.GreaterThan(bound) {
			stale = append(stale, lvl.Price)
		}
	}
	for _, p := range stale {
		l.tree.Remove(p)
	}
}

// DiffEvent carries one exchange depth-diff message.
type DiffEvent struct {
	FirstUpdateID int64 // U
	FinalUpdateID int64 // u
	PrevFinalID   int64 // pu, futures only; zero on spot
	Bids          []domain.PriceLevel
	Asks          []domain.PriceLevel
}

// Snapshot carries a REST depth snapshot.
type Snapshot struct {
	LastUpdateID int64
	Bids         []domain.PriceLevel
	Asks         []domain.PriceLevel
}

// WallEvent is emitted after applying a diff batch.
type WallEvent struct {
	Market   domain.Market
	Seen     bool // true: WallSeen, false: WallGone
	Key      domain.WallKey
	Qty      decimal.Decimal
	Notional decimal.Decimal
	Mid      decimal.Decimal
	Reason   domain.GoneReason // only meaningful when !Seen
}

// OrderBook is the per-(market,symbol) synchronized ladder. All
// mutating operations and read snapshots serialize on mu; callers
// never hold mu across I/O.
type OrderBook struct {
	Market domain.Market
	Symbol string

	mu           sync.Mutex
	bids         *ladder
	asks         *ladder
	lastUpdateID int64
	ready        bool
	invalid      bool
	replaying    bool // set for the duration of ApplySnapshot's buffered-diff replay
	buffer       []DiffEvent
	anchorID     int64
	prevFinalID  int64

	wallNotional map[domain.WallKey]decimal.Decimal // currently-tracked wall notionals, for WallGone detection

	desyncSince   time.Time
	sequencingHit bool

	staleDiffDrops        int64
	sequencingViolations  int64
}

const maxBufferedDiffs = 10_000

// New constructs an OrderBook and immediately invalidates it: callers
// must drive it through SnapshotCoordinator's cold-start anchor before
// it becomes observable.
func New(market domain.Market, symbol string) *OrderBook {
	ob := &OrderBook{
		Market:       market,
		Symbol:       symbol,
		bids:         newLadder(),
		asks:         newLadder(),
		wallNotional: make(map[domain.WallKey]decimal.Decimal),
	}
	ob.Invalidate()
	return ob
}

// Invalidate atomically marks the book not-ready and opens the diff
// buffer; every diff arriving while invalid is appended (bounded).
func (ob *OrderBook) Invalidate() {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.invalid = true
	ob.ready = false
	ob.buffer = ob.buffer[:0]
	ob.desyncSince = time.Now()
}

// Ready reports whether the ladder is currently observable.
func (ob *OrderBook) Ready() bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.ready
}

// DesyncDuration returns how long the book has been not-ready, or zero
// if it is ready. Used by SnapshotCoordinator's 5s recovery loop.
func (ob *OrderBook) DesyncDuration() time.Duration {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if ob.ready {
		return 0
	}
	return time.Since(ob.desyncSince)
}

// ConsumeSequencingViolation reports and clears the sticky violation
// flag set by applyDiff; used by the recovery loop to force an
// out-of-schedule refresh even if the book has since gone ready.
func (ob *OrderBook) ConsumeSequencingViolation() bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	hit := ob.sequencingHit
	ob.sequencingHit = false
	return hit
}

// Counters returns cumulative diff-drop and sequencing-violation
// counts for the ops metrics surface.
func (ob *OrderBook) Counters() (staleDiffDrops, sequencingViolations int64) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.staleDiffDrops, ob.sequencingViolations
}

// OfferDiff appends a diff while invalid or while a snapshot replay is
// in flight, or applies it directly once ready. Returns wall events
// produced (nil while buffering).
func (ob *OrderBook) OfferDiff(ev DiffEvent) []WallEvent {
	ob.mu.Lock()
	if ob.invalid || ob.replaying {
		if len(ob.buffer) >= maxBufferedDiffs {
			ob.buffer = ob.buffer[1:]
		}
		ob.buffer = append(ob.buffer, ev)
		ob.mu.Unlock()
		return nil
	}
	ob.mu.Unlock()
	return ob.applyDiff(ev)
}

// ApplySnapshot installs a new ladder and replays the buffered diffs
// honoring the first-diff sequencing rule. While replaying, diffs that
// arrive concurrently via OfferDiff keep buffering instead of racing
// ahead of the replay; ready is only asserted once the replay has
// fully drained the buffer and no sequencing violation invalidated the
// book along the way.
func (ob *OrderBook) ApplySnapshot(snap Snapshot) []WallEvent {
	ob.mu.Lock()
	ob.bids.clear()
	ob.asks.clear()
	for _, l := range snap.Bids {
		ob.bids.upsert(l)
	}
	for _, l := range snap.Asks {
		ob.asks.upsert(l)
	}
	ob.lastUpdateID = snap.LastUpdateID
	ob.anchorID = snap.LastUpdateID
	ob.prevFinalID = 0
	ob.invalid = false
	ob.replaying = true
	ob.mu.Unlock()

	var events []WallEvent
	for {
		ob.mu.Lock()
		pending := ob.buffer
		ob.buffer = nil
		ob.mu.Unlock()

		if len(pending) == 0 {
			break
		}
		for _, ev := range pending {
			events = append(events, ob.applyDiff(ev)...)
		}

		ob.mu.Lock()
		violated := ob.invalid
		ob.mu.Unlock()
		if violated {
			break
		}
	}

	ob.mu.Lock()
	if !ob.invalid {
		ob.ready = true
	}
	ob.replaying = false
	ob.mu.Unlock()
	return events
}

// applyDiff enforces the sequencing rule for the given market, applies
// the levels, and runs the wall scan. On a sequencing violation it
// invalidates the book and returns nil (no wall events during desync).
func (ob *OrderBook) applyDiff(ev DiffEvent) []WallEvent {
	ob.mu.Lock()

	first := ob.prevFinalID == 0 && ob.lastUpdateID == ob.anchorID
	var ok bool
	switch ob.Market {
	case domain.MarketFutures:
		if ev.FinalUpdateID <= ob.lastUpdateID {
			ob.staleDiffDrops++
			ob.mu.Unlock()
			return nil // stale, dropped silently
		}
		if first {
			ok = ev.FirstUpdateID <= ob.anchorID && ob.anchorID <= ev.FinalUpdateID
		} else {
			ok = ev.PrevFinalID == ob.prevFinalID
		}
	default: // spot
		if ev.FinalUpdateID <= ob.lastUpdateID {
			ob.staleDiffDrops++
			ob.mu.Unlock()
			return nil
		}
		if first {
			ok = ev.FirstUpdateID <= ob.anchorID+1 && ob.anchorID+1 <= ev.FinalUpdateID
		} else {
			ok = ev.FirstUpdateID == ob.prevFinalID+1
		}
	}

	if !ok {
		ob.sequencingHit = true
		ob.sequencingViolations++
		ob.invalid = true
		ob.ready = false
		ob.buffer = ob.buffer[:0]
		ob.desyncSince = time.Now()
		ob.mu.Unlock()
		return nil
	}

	ob.lastUpdateID = ev.FinalUpdateID
	ob.prevFinalID = ev.FinalUpdateID

	prevWalls := make(map[domain.WallKey]decimal.Decimal, len(ob.wallNotional))
	for k, v := range ob.wallNotional {
		prevWalls[k] = v
	}

	touched := make(map[domain.WallKey]struct{})
	for _, l := range ev.Bids {
		ob.bids.upsert(l)
		touched[domain.WallKey{Market: ob.Market, Side: domain.SideBid, PriceStr: l.PriceStr}] = struct{}{}
	}
	for _, l := range ev.Asks {
		ob.asks.upsert(l)
		touched[domain.WallKey{Market: ob.Market, Side: domain.SideAsk, PriceStr: l.PriceStr}] = struct{}{}
	}

	mid := ob.midLocked()
	events := ob.scanWallsLocked(touched, prevWalls, mid)

	ob.mu.Unlock()
	return events
}

// scanWallsLocked must be called with mu held. It emits WallSeen for
// touched levels crossing the threshold within prune distance, and
// WallGone for previously-tracked walls that no longer qualify.
func (ob *OrderBook) scanWallsLocked(touched map[domain.WallKey]struct{}, prevWalls map[domain.WallKey]decimal.Decimal, mid decimal.Decimal) []WallEvent {
	var events []WallEvent
	bound := decimal.NewFromFloat(PruneDistancePct)

	for key := range touched {
		price, err := decimal.NewFromString(key.PriceStr)
		if err != nil {
			continue
		}
		var lvl domain.PriceLevel
		var found bool
		if key.Side == domain.SideBid {
			lvl, found = ob.bids.get(price)
		} else {
			lvl, found = ob.asks.get(price)
		}

		prevNotional, wasWall := prevWalls[key]

		if !found || lvl.Empty() {
			if wasWall {
				events = append(events, WallEvent{
					Market: ob.Market, Seen: false, Key: key,
					Qty: decimal.Zero, Notional: prevNotional, Mid: mid,
					Reason: domain.ReasonFilled,
				})
				delete(ob.wallNotional, key)
			}
			continue
		}

		notional := lvl.Notional()
		distOK := true
		if !mid.IsZero() {
			distOK = lvl.Price.Sub(mid).Abs().Div(mid).LessThanOrEqual(bound)
		}

		if notional.GreaterThanOrEqual(decimal.NewFromInt(WallThresholdUSD)) && distOK {
			ob.wallNotional[key] = notional
			events = append(events, WallEvent{
				Market: ob.Market, Seen: true, Key: key,
				Qty: lvl.Qty, Notional: notional, Mid: mid,
			})
			continue
		}

		if wasWall {
			reason := domain.ReasonCancelled
			prevQty := ob.impliedPrevQty(key, prevNotional)
			switch {
			case lvl.Qty.IsZero():
				reason = domain.ReasonFilled
			case lvl.Qty.LessThan(prevQty):
				reason = domain.ReasonPartial
			}
			events = append(events, WallEvent{
				Market: ob.Market, Seen: false, Key: key,
				Qty: lvl.Qty, Notional: prevNotional, Mid: mid,
				Reason: reason,
			})
			delete(ob.wallNotional, key)
		}
	}
	return events
}

// impliedPrevQty approximates the previous resting qty from the
// previous notional and current price, used only to distinguish a
// partial fill from a pure price-move cancellation. This is the
// approximate heuristic the spec calls out as exchange-dependent.
func (ob *OrderBook) impliedPrevQty(key domain.WallKey, prevNotional decimal.Decimal) decimal.Decimal {
	price, err := decimal.NewFromString(key.PriceStr)
	if err != nil || price.IsZero() {
		return decimal.Zero
	}
	return prevNotional.Div(price)
}

func (ob *OrderBook) midLocked() decimal.Decimal {
	bestBid, hasBid := ob.bids.best(false)
	bestAsk, hasAsk := ob.asks.best(true)
	if !hasBid || !hasAsk {
		return decimal.Zero
	}
	return bestBid.Price.Add(bestAsk.Price).Div(decimal.NewFromInt(2))
}

// Mid returns (best bid + best ask) / 2, or zero if either side is empty.
func (ob *OrderBook) Mid() decimal.Decimal {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.midLocked()
}

// TopN returns a defensive copy of the top N levels per side.
func (ob *OrderBook) TopN(n int) (bids, asks []domain.PriceLevel) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.bids.topN(n, false), ob.asks.topN(n, true)
}

// Imbalance1Pct returns (bidVol-askVol)/(bidVol+askVol) over levels
// within 1% of mid, or zero if mid is unavailable.
func (ob *OrderBook) Imbalance1Pct() decimal.Decimal {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	mid := ob.midLocked()
	if mid.IsZero() {
		return decimal.Zero
	}
	bound := mid.Mul(decimal.NewFromFloat(0.01))
	var bidVol, askVol decimal.Decimal
	ob.bids.forEach(func(l domain.PriceLevel) bool {
		if mid.Sub(l.Price).Abs().LessThanOrEqual(bound) {
			bidVol = bidVol.Add(l.Qty)
		}
		return true
	})
	ob.asks.forEach(func(l domain.PriceLevel) bool {
		if l.Price.Sub(mid).Abs().LessThanOrEqual(bound) {
			askVol = askVol.Add(l.Qty)
		}
		return true
	})
	total := bidVol.Add(askVol)
	if total.IsZero() {
		return decimal.Zero
	}
	return bidVol.Sub(askVol).Div(total)
}

// Prune drops levels more than 50% of mid away. Memory management
// only; pruned levels are never walls (they already sit outside the
// wall scan's distance bound).
func (ob *OrderBook) Prune() {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	mid := ob.midLocked()
	if mid.IsZero() {
		return
	}
	ob.bids.pruneBeyond(mid, PruneDistancePct)
	ob.asks.pruneBeyond(mid, PruneDistancePct)
}

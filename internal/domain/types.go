// Package domain holds the closed-set types shared across the ingestion
// pipeline: markets, sides, walls, trades, buckets and alert requests.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market is a closed set; the pipeline only ever watches BTC spot and
// BTC perpetual futures on one exchange.
type Market string

const (
	MarketSpot    Market = "spot"
	MarketFutures Market = "futures"
)

func (m Market) String() string { return string(m) }

// BookSide identifies a ladder side.
type BookSide string

const (
	SideBid BookSide = "bid"
	SideAsk BookSide = "ask"
)

// TradeSide identifies the taker side of a trade.
type TradeSide string

const (
	TradeBuy  TradeSide = "buy"
	TradeSell TradeSide = "sell"
)

// PriceLevel is a single ladder entry. Price is kept in its canonical
// decimal-string form so that map identity survives re-parse/format
// round trips; Qty is the parsed decimal used for arithmetic.
type PriceLevel struct {
	PriceStr string
	Price    decimal.Decimal
	Qty      decimal.Decimal
}

// Empty reports whether the level should be treated as a removal.
func (pl PriceLevel) Empty() bool { return pl.Qty.Sign() <= 0 }

// Notional returns price * qty.
func (pl PriceLevel) Notional() decimal.Decimal { return pl.Price.Mul(pl.Qty) }

// WallState is the wall lifecycle tag. Candidate and Active are
// recorded as the same registry entry; the distinction exists only so
// the first observation's mid is retained for distance computation.
type WallState string

const (
	WallCandidate WallState = "candidate"
	WallActive    WallState = "active"
	WallConfirmed WallState = "confirmed"
	WallGoneState WallState = "gone"
)

// GoneReason classifies why a wall left the book. Exact
// disambiguation between Cancelled and Partial is approximate by
// design (see spec's Open Questions) — this is a heuristic, not a
// guarantee.
type GoneReason string

const (
	ReasonCancelled GoneReason = "cancelled"
	ReasonFilled    GoneReason = "filled"
	ReasonPartial   GoneReason = "partial"
)

// WallKey identifies a wall uniquely within the registry.
type WallKey struct {
	Market   Market
	Side     BookSide
	PriceStr string
}

// Wall is a detected large resting order tracked through its lifecycle.
// EventID tags the wall's opening observation with a unique identifier
// so its lifecycle (open/update/close) can be correlated across log
// lines and persisted rows independent of the (market, side, price,
// detected_at) natural key.
type Wall struct {
	Key          WallKey
	EventID      string
	Qty          decimal.Decimal
	NotionalUSD  decimal.Decimal
	DetectedAt   time.Time
	FirstSeenMid decimal.Decimal
	LastSeenQty  decimal.Decimal
	State        WallState
	ConfirmedAt  *time.Time
}

// DistancePct is signed: negative for bids resting below mid, positive
// for asks resting above mid, following spec's sign convention.
func (w Wall) DistancePct(mid decimal.Decimal) decimal.Decimal {
	if mid.IsZero() {
		return decimal.Zero
	}
	price, err := decimal.NewFromString(w.Key.PriceStr)
	if err != nil {
		return decimal.Zero
	}
	return price.Sub(mid).Div(mid).Mul(decimal.NewFromInt(100))
}

// TradeEvent is a single classified trade print.
type TradeEvent struct {
	Market   Market
	Side     TradeSide
	Price    decimal.Decimal
	Qty      decimal.Decimal
	Notional decimal.Decimal
	Ts       time.Time
}

// MinuteBucket aggregates one minute of trade flow for a market.
type MinuteBucket struct {
	Market      Market
	MinuteEpoch int64
	BuyVolUSD   decimal.Decimal
	SellVolUSD  decimal.Decimal
	DeltaUSD    decimal.Decimal
	VWAPNum     decimal.Decimal
	VWAPDen     decimal.Decimal
	TradeCount  int64
	CVDAtEnd    decimal.Decimal
}

// LiquidationEvent is a forced-order event from the futures liquidation
// stream.
type LiquidationEvent struct {
	Market   Market
	Side     TradeSide
	Price    decimal.Decimal
	Qty      decimal.Decimal
	Notional decimal.Decimal
	Ts       time.Time
}

// AlertKind is the closed set of alert variants the router can carry.
// Kept as explicit tagged values rather than open polymorphism, per
// the design notes: the router's staticRoute table is a dispatch table
// keyed on this tag.
type AlertKind string

const (
	AlertWallNew          AlertKind = "wall_new"
	AlertWallGone         AlertKind = "wall_gone"
	AlertWallConfirmed    AlertKind = "wall_confirmed"
	AlertWallConfirmedEnd AlertKind = "wall_confirmed_gone"
	AlertLargeTrade       AlertKind = "large_trade"
	AlertMegaTrade        AlertKind = "mega_trade"
	AlertLiquidation      AlertKind = "liquidation"
	AlertMegaLiquidation  AlertKind = "mega_liquidation"
	AlertWSDown           AlertKind = "ws_down"
	AlertWSRecover        AlertKind = "ws_recover"
	AlertDigest           AlertKind = "digest"
)

// RenderFunc produces the alert text and the sink's parse_mode at send
// time, so batching can substitute a merged payload without the
// producer needing to know whether a batch occurred.
type RenderFunc func() (text string, parseMode string)

// AlertRequest is the unit of work the router consumes from any
// producer (WallTracker, TradeAggregator, LiquidationFilter, WSManager).
type AlertRequest struct {
	Kind        AlertKind
	TopicKey    string // overrides static_route[kind] when non-empty
	Fingerprint string
	Render      RenderFunc
	ProducedAt  time.Time
}

// Package binancewire decodes the exchange's combined-stream payloads
// (depthUpdate, aggTrade, forceOrder) into the pipeline's domain and
// orderbook types. Field names are grounded in the teacher's
// pkg/exchange/binance/ws_model.go tag conventions (U, u, pu, b, a, p,
// q, m, T, S, ap, s) rather than reinvented.
package binancewire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketwatch/btcsentry/internal/domain"
	"github.com/marketwatch/btcsentry/internal/orderbook"
)

// depthUpdate mirrors the exchange's depthUpdate event. PrevFinalID is
// only populated on the futures combined stream.
type depthUpdate struct {
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	PrevFinalID   int64      `json:"pu"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// DecodeDepthUpdate converts a raw depthUpdate payload into an
// orderbook.DiffEvent. PrevFinalID is zero on spot, where the futures
// pu-based rule does not apply.
func DecodeDepthUpdate(raw json.RawMessage) (orderbook.DiffEvent, error) {
	var du depthUpdate
	if err := json.Unmarshal(raw, &du); err != nil {
		return orderbook.DiffEvent{}, fmt.Errorf("decode depthUpdate: %w", err)
	}
	bids, err := toLevels(du.Bids)
	if err != nil {
		return orderbook.DiffEvent{}, fmt.Errorf("decode depthUpdate bids: %w", err)
	}
	asks, err := toLevels(du.Asks)
	if err != nil {
		return orderbook.DiffEvent{}, fmt.Errorf("decode depthUpdate asks: %w", err)
	}
	return orderbook.DiffEvent{
		FirstUpdateID: du.FirstUpdateID,
		FinalUpdateID: du.FinalUpdateID,
		PrevFinalID:   du.PrevFinalID,
		Bids:          bids,
		Asks:          asks,
	}, nil
}

func toLevels(raw [][]string) ([]domain.PriceLevel, error) {
	levels := make([]domain.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) != 2 {
			return nil, fmt.Errorf("malformed level %v", pair)
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, fmt.Errorf("parse price %q: %w", pair[0], err)
		}
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("parse qty %q: %w", pair[1], err)
		}
		levels = append(levels, domain.PriceLevel{PriceStr: pair[0], Price: price, Qty: qty})
	}
	return levels, nil
}

// aggTrade mirrors the exchange's aggTrade event.
type aggTrade struct {
	Price       string `json:"p"`
	Qty         string `json:"q"`
	BuyerMaker  bool   `json:"m"`
	TradeTimeMs int64  `json:"T"`
}

// DecodeAggTrade converts a raw aggTrade payload into a domain.TradeEvent
// for the given market. Side follows the taker: if the buyer was the
// maker, the taker sold.
func DecodeAggTrade(market domain.Market, raw json.RawMessage) (domain.TradeEvent, error) {
	var at aggTrade
	if err := json.Unmarshal(raw, &at); err != nil {
		return domain.TradeEvent{}, fmt.Errorf("decode aggTrade: %w", err)
	}
	price, err := decimal.NewFromString(at.Price)
	if err != nil {
		return domain.TradeEvent{}, fmt.Errorf("parse aggTrade price %q: %w", at.Price, err)
	}
	qty, err := decimal.NewFromString(at.Qty)
	if err != nil {
		return domain.TradeEvent{}, fmt.Errorf("parse aggTrade qty %q: %w", at.Qty, err)
	}
	side := domain.TradeBuy
	if at.BuyerMaker {
		side = domain.TradeSell
	}
	return domain.TradeEvent{
		Market:   market,
		Side:     side,
		Price:    price,
		Qty:      qty,
		Notional: price.Mul(qty),
		Ts:       time.UnixMilli(at.TradeTimeMs),
	}, nil
}

// forceOrderEnvelope wraps the liquidation order under "o", per
// spec.md §6's `forceOrder` (o:{S,q,ap,T,s}).
type forceOrderEnvelope struct {
	Order forceOrder `json:"o"`
}

type forceOrder struct {
	Side     string `json:"S"`
	Qty      string `json:"q"`
	AvgPrice string `json:"ap"`
	TimeMs   int64  `json:"T"`
	Symbol   string `json:"s"`
}

// DecodeForceOrder converts a raw forceOrder payload into a
// domain.LiquidationEvent and reports the instrument symbol so the
// caller can filter by symbol before dispatching.
func DecodeForceOrder(raw json.RawMessage) (symbol string, ev domain.LiquidationEvent, err error) {
	var env forceOrderEnvelope
	if err = json.Unmarshal(raw, &env); err != nil {
		return "", domain.LiquidationEvent{}, fmt.Errorf("decode forceOrder: %w", err)
	}
	o := env.Order
	price, err := decimal.NewFromString(o.AvgPrice)
	if err != nil {
		return "", domain.LiquidationEvent{}, fmt.Errorf("parse forceOrder avg price %q: %w", o.AvgPrice, err)
	}
	qty, err := decimal.NewFromString(o.Qty)
	if err != nil {
		return "", domain.LiquidationEvent{}, fmt.Errorf("parse forceOrder qty %q: %w", o.Qty, err)
	}
	side := domain.TradeSell
	if o.Side == "BUY" {
		side = domain.TradeBuy
	}
	ev = domain.LiquidationEvent{
		Market:   domain.MarketFutures,
		Side:     side,
		Price:    price,
		Qty:      qty,
		Notional: price.Mul(qty),
		Ts:       time.UnixMilli(o.TimeMs),
	}
	return o.Symbol, ev, nil
}

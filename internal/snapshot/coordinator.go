// Package snapshot anchors each OrderBook to a REST depth snapshot at
// start, re-anchors it periodically to guard against silent drift,
// and runs a short-interval recovery loop that bounds worst-case
// downtime after any desync.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/marketwatch/btcsentry/internal/domain"
	"github.com/marketwatch/btcsentry/internal/orderbook"
)

const (
	restTimeout       = 20 * time.Second
	refreshInterval   = time.Hour
	recoveryInterval  = 5 * time.Second
	desyncTolerance   = 10 * time.Second
	spotDepthLimit    = 1000
	futuresDepthLimit = 1000
)

// Fetcher retrieves a REST depth snapshot for one market. Production
// code uses restFetcher (below); tests substitute a fake.
type Fetcher interface {
	Fetch(ctx context.Context, market domain.Market, symbol string, limit int) (orderbook.Snapshot, error)
}

// Book is the subset of *orderbook.OrderBook the coordinator needs;
// declared as an interface so tests can use a lightweight double.
type Book interface {
	Invalidate()
	ApplySnapshot(orderbook.Snapshot) []orderbook.WallEvent
	Ready() bool
	DesyncDuration() time.Duration
	ConsumeSequencingViolation() bool
}

// target pairs a book with the market/symbol the fetcher needs.
type target struct {
	market domain.Market
	symbol string
	book   Book
	onWall func([]orderbook.WallEvent)
}

// DepthStore is the narrow persistence surface the coordinator needs:
// an append-only record of each anchor taken, per spec.md §4.8.
type DepthStore interface {
	AppendDepthSnapshot(market domain.Market, lastUpdateID int64, takenAt time.Time) error
}

// Coordinator drives cold-start anchoring, hourly refresh, and the 5s
// recovery loop for a set of order books.
type Coordinator struct {
	fetcher Fetcher
	log     zerolog.Logger
	store   DepthStore
	targets []target
}

func New(fetcher Fetcher, log zerolog.Logger) *Coordinator {
	return &Coordinator{fetcher: fetcher, log: log}
}

// SetStore attaches the append-only depth-snapshot log; may be left
// unset in tests.
func (c *Coordinator) SetStore(store DepthStore) {
	c.store = store
}

// Register adds a book to be anchored and periodically refreshed.
// onWall receives any wall events produced while replaying buffered
// diffs during ApplySnapshot (it may be nil).
func (c *Coordinator) Register(market domain.Market, symbol string, book Book, onWall func([]orderbook.WallEvent)) {
	c.targets = append(c.targets, target{market: market, symbol: symbol, book: book, onWall: onWall})
}

// ColdStart anchors every registered book before returning. Call once
// at startup, before WSManager starts delivering diffs.
func (c *Coordinator) ColdStart(ctx context.Context) error {
	for _, t := range c.targets {
		if err := c.anchor(ctx, t, spotLimit(t.market)); err != nil {
			return fmt.Errorf("cold start %s %s: %w", t.market, t.symbol, err)
		}
	}
	return nil
}

func spotLimit(m domain.Market) int {
	if m == domain.MarketFutures {
		return futuresDepthLimit
	}
	return spotDepthLimit
}

// anchor performs Invalidate -> fetch -> ApplySnapshot. MUST invalidate
// strictly before the fetch: the diff stream keeps arriving and is
// buffered in the meantime, replayed only once the new snapshot lands.
// Skipping this ordering is the canonical desync bug this design
// exists to avoid.
func (c *Coordinator) anchor(ctx context.Context, t target, limit int) error {
	t.book.Invalidate()

	fetchCtx, cancel := context.WithTimeout(ctx, restTimeout)
	defer cancel()

	snap, err := c.fetcher.Fetch(fetchCtx, t.market, t.symbol, limit)
	if err != nil {
		return err
	}

	events := t.book.ApplySnapshot(snap)
	if t.onWall != nil && len(events) > 0 {
		t.onWall(events)
	}
	if c.store != nil {
		if err := c.store.AppendDepthSnapshot(t.market, snap.LastUpdateID, time.Now()); err != nil {
			c.log.Warn().Err(err).Str("market", string(t.market)).Msg("append depth snapshot failed")
		}
	}
	return nil
}

// RunRefreshLoop re-anchors every registered book on a fixed hourly
// interval until ctx is cancelled.
func (c *Coordinator) RunRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, t := range c.targets {
				if err := c.anchor(ctx, t, spotLimit(t.market)); err != nil {
					c.log.Error().Err(err).Str("market", string(t.market)).Msg("scheduled refresh failed")
				}
			}
		}
	}
}

// RunRecoveryLoop inspects every book every 5s; if a book has been
// not-ready for more than 10s, or reported a sequencing violation
// since the last check, it forces an out-of-schedule refresh. This
// bounds worst-case downtime regardless of cause.
func (c *Coordinator) RunRecoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(recoveryInterval)
	defer ticker.Stop()
	c.recoveryTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.recoveryTick(ctx)
		}
	}
}

func (c *Coordinator) recoveryTick(ctx context.Context) {
	for _, t := range c.targets {
		violated := t.book.ConsumeSequencingViolation()
		stale := t.book.DesyncDuration() > desyncTolerance
		if violated || stale {
			if err := c.anchor(ctx, t, spotLimit(t.market)); err != nil {
				c.log.Error().Err(err).Str("market", string(t.market)).Msg("recovery refresh failed")
			}
		}
	}
}

// restFetcher is the production Fetcher: GET /depth?symbol=...&limit=...
// against the exchange's spot and futures REST hosts.
type restFetcher struct {
	client    *http.Client
	spotHost  string
	futsHost  string
}

func NewRESTFetcher(spotHost, futuresHost string) Fetcher {
	return &restFetcher{
		client:   &http.Client{Timeout: restTimeout},
		spotHost: spotHost,
		futsHost: futuresHost,
	}
}

type depthResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func (f *restFetcher) Fetch(ctx context.Context, market domain.Market, symbol string, limit int) (orderbook.Snapshot, error) {
	host := f.spotHost
	path := "/api/v3/depth"
	if market == domain.MarketFutures {
		host = f.futsHost
		path = "/fapi/v1/depth"
	}
	url := fmt.Sprintf("%s%s?symbol=%s&limit=%d", host, path, symbol, limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return orderbook.Snapshot{}, fmt.Errorf("%w: %v", domain.ErrPermanentIO, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return orderbook.Snapshot{}, fmt.Errorf("%w: %v", domain.ErrTransientIO, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return orderbook.Snapshot{}, fmt.Errorf("%w: status %d", domain.ErrTransientIO, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return orderbook.Snapshot{}, fmt.Errorf("%w: status %d", domain.ErrPermanentIO, resp.StatusCode)
	}

	var dr depthResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return orderbook.Snapshot{}, fmt.Errorf("%w: %v", domain.ErrPermanentIO, err)
	}

	return orderbook.Snapshot{
		LastUpdateID: dr.LastUpdateID,
		Bids:         toLevels(dr.Bids),
		Asks:         toLevels(dr.Asks),
	}, nil
}

func toLevels(raw [][]string) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) != 2 {
			continue
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			continue
		}
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			continue
		}
		out = append(out, domain.PriceLevel{PriceStr: pair[0], Price: price, Qty: qty})
	}
	return out
}

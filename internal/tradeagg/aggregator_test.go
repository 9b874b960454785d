package tradeagg

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketwatch/btcsentry/internal/domain"
)

type fakeAlerts struct {
	mu   sync.Mutex
	reqs []domain.AlertRequest
}

func (f *fakeAlerts) Emit(req domain.AlertRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
}

func (f *fakeAlerts) kinds() []domain.AlertKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.AlertKind, len(f.reqs))
	for i, r := range f.reqs {
		out[i] = r.Kind
	}
	return out
}

type fakeStore struct {
	mu          sync.Mutex
	upserts     []domain.MinuteBucket
	recent      map[domain.Market][]domain.MinuteBucket
	largeTrades []domain.TradeEvent
}

func (s *fakeStore) UpsertMinuteBucket(b domain.MinuteBucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, b)
	return nil
}

func (s *fakeStore) RecentBuckets(market domain.Market, horizon time.Duration) ([]domain.MinuteBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recent[market], nil
}

func (s *fakeStore) AppendLargeTrade(ev domain.TradeEvent, kind domain.AlertKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.largeTrades = append(s.largeTrades, ev)
	return nil
}

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

func trade(market domain.Market, side domain.TradeSide, price, qty string, ts time.Time) domain.TradeEvent {
	p := dec(price)
	q := dec(qty)
	return domain.TradeEvent{Market: market, Side: side, Price: p, Qty: q, Notional: p.Mul(q), Ts: ts}
}

func TestOnTradeAccumulatesBucketAndCVD(t *testing.T) {
	a := New(nil, nil, time.Hour)
	base := time.Unix(1_700_000_000, 0).UTC()

	a.OnTrade(trade(domain.MarketSpot, domain.TradeBuy, "50000", "1", base))
	a.OnTrade(trade(domain.MarketSpot, domain.TradeSell, "50000", "0.5", base.Add(time.Second)))

	assert.True(t, a.CVD(domain.MarketSpot).Equal(dec("25000")))
}

func TestMinuteRolloverStartsNewBucketAndFlushesPrior(t *testing.T) {
	store := &fakeStore{}
	a := New(nil, store, time.Hour)
	base := time.Unix(1_700_000_000, 0).UTC()

	a.OnTrade(trade(domain.MarketSpot, domain.TradeBuy, "50000", "1", base))
	a.OnTrade(trade(domain.MarketSpot, domain.TradeBuy, "50000", "1", base.Add(70*time.Second)))

	require.Len(t, store.upserts, 1)
	assert.Equal(t, int64(1), store.upserts[0].TradeCount)
}

func TestLargeAndMegaTradeAlerts(t *testing.T) {
	alerts := &fakeAlerts{}
	a := New(alerts, nil, time.Hour)
	base := time.Unix(1_700_000_000, 0).UTC()

	a.OnTrade(trade(domain.MarketSpot, domain.TradeBuy, "50000", "1", base)) // 50k, below large
	assert.Empty(t, alerts.kinds())

	a.OnTrade(trade(domain.MarketSpot, domain.TradeBuy, "50000", "3", base)) // 150k, large
	assert.Equal(t, []domain.AlertKind{domain.AlertLargeTrade}, alerts.kinds())

	a.OnTrade(trade(domain.MarketSpot, domain.TradeBuy, "50000", "30", base)) // 1.5M, mega
	assert.Equal(t, []domain.AlertKind{domain.AlertLargeTrade, domain.AlertMegaTrade}, alerts.kinds())
}

func TestRehydrateRestoresCVD(t *testing.T) {
	store := &fakeStore{recent: map[domain.Market][]domain.MinuteBucket{
		domain.MarketFutures: {
			{Market: domain.MarketFutures, MinuteEpoch: 1, CVDAtEnd: dec("123456")},
		},
	}}
	a := New(nil, store, time.Hour)

	require.NoError(t, a.Rehydrate(domain.MarketFutures))
	assert.True(t, a.CVD(domain.MarketFutures).Equal(dec("123456")))
}

func TestFlushAllOnShutdownPersistsActiveBucket(t *testing.T) {
	store := &fakeStore{}
	a := New(nil, store, time.Hour)
	base := time.Unix(1_700_000_000, 0).UTC()
	a.OnTrade(trade(domain.MarketSpot, domain.TradeBuy, "50000", "1", base))

	a.flushAll()

	require.Len(t, store.upserts, 1)
}

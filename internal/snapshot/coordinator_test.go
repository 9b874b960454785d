package snapshot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketwatch/btcsentry/internal/domain"
	"github.com/marketwatch/btcsentry/internal/orderbook"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeFetcher) Fetch(ctx context.Context, market domain.Market, symbol string, limit int) (orderbook.Snapshot, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return orderbook.Snapshot{LastUpdateID: 100}, nil
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeBook records the order in which Invalidate/ApplySnapshot are
// called so the invalidate-before-fetch ordering can be asserted.
type fakeBook struct {
	mu          sync.Mutex
	sequence    []string
	ready       bool
	desyncStart time.Time
	violated    bool
}

func newFakeBook() *fakeBook {
	return &fakeBook{desyncStart: time.Now()}
}

func (b *fakeBook) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sequence = append(b.sequence, "invalidate")
	b.ready = false
	b.desyncStart = time.Now()
}

func (b *fakeBook) ApplySnapshot(orderbook.Snapshot) []orderbook.WallEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sequence = append(b.sequence, "apply")
	b.ready = true
	return nil
}

func (b *fakeBook) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

func (b *fakeBook) DesyncDuration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ready {
		return 0
	}
	return time.Since(b.desyncStart)
}

func (b *fakeBook) ConsumeSequencingViolation() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.violated
	b.violated = false
	return v
}

func TestColdStartInvalidatesBeforeFetch(t *testing.T) {
	fetcher := &fakeFetcher{}
	book := newFakeBook()
	coord := New(fetcher, testLogger())
	coord.Register(domain.MarketFutures, "BTCUSDT", book, nil)

	require.NoError(t, coord.ColdStart(context.Background()))
	assert.Equal(t, []string{"invalidate", "apply"}, book.sequence)
	assert.True(t, book.Ready())
}

func TestRecoveryLoopRefreshesStaleBook(t *testing.T) {
	fetcher := &fakeFetcher{}
	book := newFakeBook()
	book.desyncStart = time.Now().Add(-20 * time.Second) // already stale
	coord := New(fetcher, testLogger())
	coord.Register(domain.MarketFutures, "BTCUSDT", book, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	coord.RunRecoveryLoop(ctx)

	assert.GreaterOrEqual(t, fetcher.Calls(), 1)
}

package orderbook

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketwatch/btcsentry/internal/domain"
)

func level(price, qty string) domain.PriceLevel {
	p := decimal.RequireFromString(price)
	q := decimal.RequireFromString(qty)
	return domain.PriceLevel{PriceStr: price, Price: p, Qty: q}
}

func baseSnapshot() Snapshot {
	return Snapshot{
		LastUpdateID: 100,
		Bids: []domain.PriceLevel{
			level("50400.00", "1"),
			level("50000.00", "0.001"), // below wall threshold on its own
		},
		Asks: []domain.PriceLevel{
			level("50600.00", "1"),
		},
	}
}

func TestFuturesColdStartAndSequencing(t *testing.T) {
	ob := New(domain.MarketFutures, "BTCUSDT")
	ob.ApplySnapshot(baseSnapshot())
	require.True(t, ob.Ready())

	// First diff: U=100,u=105,pu=99 — U<=anchor<=u, accepted.
	events := ob.OfferDiff(DiffEvent{FirstUpdateID: 100, FinalUpdateID: 105, PrevFinalID: 99})
	require.True(t, ob.Ready())
	_ = events

	// Second diff: pu must equal prev u (105).
	ob.OfferDiff(DiffEvent{FirstUpdateID: 106, FinalUpdateID: 110, PrevFinalID: 105})
	require.True(t, ob.Ready())

	// Third diff: pu=109 != prevFinal(110) -> rejected, book goes not-ready.
	ob.OfferDiff(DiffEvent{FirstUpdateID: 111, FinalUpdateID: 115, PrevFinalID: 109})
	require.False(t, ob.Ready())
	require.True(t, ob.ConsumeSequencingViolation())
}

func TestSpotFirstDiffBoundary(t *testing.T) {
	ob := New(domain.MarketSpot, "BTCUSDT")
	ob.ApplySnapshot(baseSnapshot()) // anchor = 100

	// U == anchor+1 == 101 is accepted.
	ob.OfferDiff(DiffEvent{FirstUpdateID: 101, FinalUpdateID: 104})
	assert.True(t, ob.Ready())
}

func TestSpotFirstDiffRejectedWhenUTooHigh(t *testing.T) {
	ob := New(domain.MarketSpot, "BTCUSDT")
	ob.ApplySnapshot(baseSnapshot()) // anchor = 100

	// U=102 > anchor+1(101): rejected.
	ob.OfferDiff(DiffEvent{FirstUpdateID: 102, FinalUpdateID: 104})
	assert.False(t, ob.Ready())
}

func TestEmptyDiffIsNoop(t *testing.T) {
	ob := New(domain.MarketFutures, "BTCUSDT")
	ob.ApplySnapshot(baseSnapshot())
	before := ob.Mid()
	ob.OfferDiff(DiffEvent{FirstUpdateID: 100, FinalUpdateID: 101, PrevFinalID: 100})
	assert.True(t, ob.Mid().Equal(before))
}

func TestWallDetectionInclusiveThreshold(t *testing.T) {
	ob := New(domain.MarketFutures, "BTCUSDT")
	ob.ApplySnapshot(baseSnapshot()) // mid = 50500

	// bid at 50000 qty=10 -> notional exactly 500_000 == threshold: inclusive.
	events := ob.OfferDiff(DiffEvent{
		FirstUpdateID: 100, FinalUpdateID: 101, PrevFinalID: 100,
		Bids: []domain.PriceLevel{level("50000.00", "10")},
	})
	require.Len(t, events, 1)
	assert.True(t, events[0].Seen)
	assert.Equal(t, domain.SideBid, events[0].Key.Side)
}

func TestWallGoneReasonFilled(t *testing.T) {
	ob := New(domain.MarketFutures, "BTCUSDT")
	ob.ApplySnapshot(baseSnapshot())
	ob.OfferDiff(DiffEvent{
		FirstUpdateID: 100, FinalUpdateID: 101, PrevFinalID: 100,
		Bids: []domain.PriceLevel{level("50000.00", "50")}, // $2.5M wall
	})
	events := ob.OfferDiff(DiffEvent{
		FirstUpdateID: 101, FinalUpdateID: 102, PrevFinalID: 101,
		Bids: []domain.PriceLevel{level("50000.00", "0")}, // removed
	})
	require.Len(t, events, 1)
	assert.False(t, events[0].Seen)
	assert.Equal(t, domain.ReasonFilled, events[0].Reason)
}

func TestApplySnapshotNotReadyWhenReplayHitsSequencingViolation(t *testing.T) {
	ob := New(domain.MarketFutures, "BTCUSDT")
	ob.Invalidate()
	ob.OfferDiff(DiffEvent{FirstUpdateID: 95, FinalUpdateID: 99, PrevFinalID: 94})    // stale relative to anchor=100
	ob.OfferDiff(DiffEvent{FirstUpdateID: 106, FinalUpdateID: 110, PrevFinalID: 105}) // U=106 > anchor: fails the first-diff rule

	ob.ApplySnapshot(baseSnapshot()) // anchor = 100

	// The first buffered diff is stale (u=99 <= anchor) and dropped, so
	// the second is the first diff applied after the anchor; its U=106 >
	// anchor=100 fails the futures first-diff rule, the replay hits a
	// sequencing violation partway through, and the book must NOT be
	// asserted ready afterward.
	assert.False(t, ob.Ready())
}

func TestOfferDiffBuffersWhileReplaying(t *testing.T) {
	ob := New(domain.MarketFutures, "BTCUSDT")
	ob.ApplySnapshot(baseSnapshot())
	require.True(t, ob.Ready())

	// Simulate a diff arriving mid-replay: invalid is already false (the
	// snapshot is installed) but replaying still gates OfferDiff, so a
	// concurrently-delivered live diff must not race straight into
	// applyDiff ahead of the diffs still queued for replay.
	ob.mu.Lock()
	ob.replaying = true
	ob.mu.Unlock()

	ev := ob.OfferDiff(DiffEvent{FirstUpdateID: 101, FinalUpdateID: 102, PrevFinalID: 100})
	assert.Nil(t, ev)

	ob.mu.Lock()
	buffered := len(ob.buffer)
	ob.replaying = false
	ob.mu.Unlock()
	assert.Equal(t, 1, buffered)
}

func TestInvalidateBuffersDiffsUntilSnapshot(t *testing.T) {
	ob := New(domain.MarketFutures, "BTCUSDT")
	ob.ApplySnapshot(baseSnapshot())
	ob.Invalidate()
	require.False(t, ob.Ready())

	ev := ob.OfferDiff(DiffEvent{FirstUpdateID: 100, FinalUpdateID: 101, PrevFinalID: 100})
	assert.Nil(t, ev)
	assert.False(t, ob.Ready())

	snap := baseSnapshot()
	snap.LastUpdateID = 100
	ob.ApplySnapshot(snap)
	assert.True(t, ob.Ready())
}

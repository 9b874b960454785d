package binancewire

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketwatch/btcsentry/internal/domain"
)

func TestDecodeDepthUpdate(t *testing.T) {
	raw := []byte(`{"U":100,"u":105,"pu":99,"b":[["50000.00","1.5"],["49999.00","0"]],"a":[["50010.00","2.0"]]}`)

	diff, err := DecodeDepthUpdate(raw)
	require.NoError(t, err)
	assert.EqualValues(t, 100, diff.FirstUpdateID)
	assert.EqualValues(t, 105, diff.FinalUpdateID)
	assert.EqualValues(t, 99, diff.PrevFinalID)
	require.Len(t, diff.Bids, 2)
	assert.Equal(t, "50000.00", diff.Bids[0].PriceStr)
	assert.True(t, diff.Bids[0].Qty.Equal(dec("1.5")))
	assert.True(t, diff.Bids[1].Qty.IsZero())
	require.Len(t, diff.Asks, 1)
	assert.Equal(t, "50010.00", diff.Asks[0].PriceStr)
}

func TestDecodeDepthUpdateSpotHasNoPrevFinal(t *testing.T) {
	raw := []byte(`{"U":200,"u":210,"b":[],"a":[]}`)

	diff, err := DecodeDepthUpdate(raw)
	require.NoError(t, err)
	assert.EqualValues(t, 0, diff.PrevFinalID)
}

func TestDecodeDepthUpdateMalformedLevel(t *testing.T) {
	raw := []byte(`{"U":1,"u":2,"b":[["only-one"]],"a":[]}`)
	_, err := DecodeDepthUpdate(raw)
	assert.Error(t, err)
}

func TestDecodeAggTradeBuyerTaker(t *testing.T) {
	raw := []byte(`{"p":"50000.00","q":"0.1","m":false,"T":1700000000000}`)

	ev, err := DecodeAggTrade(domain.MarketSpot, raw)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeBuy, ev.Side)
	assert.True(t, ev.Notional.Equal(dec("5000.000")))
}

func TestDecodeAggTradeSellerTaker(t *testing.T) {
	raw := []byte(`{"p":"50000.00","q":"0.1","m":true,"T":1700000000000}`)

	ev, err := DecodeAggTrade(domain.MarketFutures, raw)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeSell, ev.Side)
	assert.Equal(t, domain.MarketFutures, ev.Market)
}

func TestDecodeForceOrder(t *testing.T) {
	raw := []byte(`{"o":{"S":"SELL","q":"10.0","ap":"48000.00","T":1700000000000,"s":"BTCUSDT"}}`)

	symbol, ev, err := DecodeForceOrder(raw)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", symbol)
	assert.Equal(t, domain.MarketFutures, ev.Market)
	assert.Equal(t, domain.TradeSell, ev.Side)
	assert.True(t, ev.Notional.Equal(dec("480000.00")))
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

package adapter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantpipe-md-risk/internal/market"
)

func TestOKXBuildSubscribe(t *testing.T) {
	a := NewOKXAdapter(TradingTypeFutures)
	frame, err := a.BuildSubscribe("BTC/USDT", market.DataTypeDepth)
	require.NoError(t, err)

	var req okxRequest
	require.NoError(t, json.Unmarshal(frame, &req))
	assert.Equal(t, "subscribe", req.Op)
	require.Len(t, req.Args, 1)
	assert.Equal(t, "books5", req.Args[0].Channel)
	assert.Equal(t, "BTC-USDT-SWAP", req.Args[0].InstID)
}

func TestOKXDecodePong(t *testing.T) {
	a := NewOKXAdapter(TradingTypeSpot)
	dec, err := a.Decode([]byte("pong"))
	require.NoError(t, err)
	assert.True(t, dec.Pong)
}

func TestOKXDecodeSubscribeAckAndError(t *testing.T) {
	a := NewOKXAdapter(TradingTypeSpot)

	dec, err := a.Decode([]byte(`{"event":"subscribe","arg":{"channel":"tickers","instId":"BTC-USDT"}}`))
	require.NoError(t, err)
	assert.Empty(t, dec.Events)

	_, err = a.Decode([]byte(`{"event":"error","code":"60012","msg":"Invalid request"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "60012")
}

func TestOKXDecodeTicker(t *testing.T) {
	a := NewOKXAdapter(TradingTypeFutures)
	raw := []byte(`{"arg":{"channel":"tickers","instId":"BTC-USDT-SWAP"},"data":[{
		"instId":"BTC-USDT-SWAP","last":"50100","bidPx":"50099.9","bidSz":"2.5",
		"askPx":"50100.1","askSz":"1.2","open24h":"49600","high24h":"50500",
		"low24h":"49000","vol24h":"12345","volCcy24h":"618000000",
		"ts":"1700000000500"}]}`)

	dec, err := a.Decode(raw)
	require.NoError(t, err)
	require.Len(t, dec.Events, 1)

	ev := dec.Events[0]
	assert.Equal(t, "okx", ev.Exchange)
	assert.Equal(t, "BTC/USDT", ev.Symbol)
	assert.Equal(t, int64(1700000000500), ev.ExchangeTS)
	require.NotNil(t, ev.Ticker)
	assert.Equal(t, 50100.0, ev.Ticker.Last)
	assert.InDelta(t, 500.0, ev.Ticker.Change, 1e-9)
	assert.InDelta(t, 500.0/49600*100, ev.Ticker.ChangePercent, 1e-9)
}

func TestOKXDecodeBooks(t *testing.T) {
	a := NewOKXAdapter(TradingTypeSpot)
	raw := []byte(`{"arg":{"channel":"books5","instId":"BTC-USDT"},"data":[{
		"bids":[["50000","1.5","0","1"]],"asks":[["50000.5","0.8","0","1"]],
		"ts":"1700000000600"}]}`)

	dec, err := a.Decode(raw)
	require.NoError(t, err)
	require.Len(t, dec.Events, 1)

	depth := dec.Events[0].Depth
	require.NotNil(t, depth)
	assert.Equal(t, market.Level{Price: 50000, Amount: 1.5}, depth.Bids[0])
	assert.Equal(t, market.Level{Price: 50000.5, Amount: 0.8}, depth.Asks[0])
}

func TestOKXDecodeTrades(t *testing.T) {
	a := NewOKXAdapter(TradingTypeSpot)
	raw := []byte(`{"arg":{"channel":"trades","instId":"BTC-USDT"},"data":[
		{"instId":"BTC-USDT","tradeId":"t1","px":"50000","sz":"0.5","side":"buy","ts":"100"},
		{"instId":"BTC-USDT","tradeId":"t2","px":"49999","sz":"0.2","side":"sell","ts":"101"}]}`)

	dec, err := a.Decode(raw)
	require.NoError(t, err)
	require.Len(t, dec.Events, 2)
	assert.Equal(t, market.SideBuy, dec.Events[0].Trade.Side)
	assert.Equal(t, market.SideSell, dec.Events[1].Trade.Side)
	assert.Equal(t, int64(101), dec.Events[1].ExchangeTS)
}

func TestOKXDecodeFunding(t *testing.T) {
	a := NewOKXAdapter(TradingTypeFutures)
	raw := []byte(`{"arg":{"channel":"funding-rate","instId":"BTC-USDT-SWAP"},"data":[{
		"instId":"BTC-USDT-SWAP","fundingRate":"0.0001","fundingTime":"1700028800000",
		"markPx":"50101","indexPx":"50098"}]}`)

	dec, err := a.Decode(raw)
	require.NoError(t, err)
	require.Len(t, dec.Events, 1)

	f := dec.Events[0].Funding
	require.NotNil(t, f)
	assert.Equal(t, 0.0001, f.FundingRate)
	assert.Equal(t, int64(1700028800000), f.NextFundingTime)
	assert.Equal(t, 50101.0, f.MarkPrice)
}

func TestOKXDecodeCandle(t *testing.T) {
	a := NewOKXAdapter(TradingTypeSpot)
	raw := []byte(`{"arg":{"channel":"candle1m","instId":"BTC-USDT"},"data":[
		["1700000000000","50000","50080","49990","50050","10.5","525000","525100","1"]]}`)

	dec, err := a.Decode(raw)
	require.NoError(t, err)
	require.Len(t, dec.Events, 1)

	k := dec.Events[0].Kline
	require.NotNil(t, k)
	assert.Equal(t, "1m", k.Interval)
	assert.Equal(t, int64(1700000000000), k.OpenTime)
	assert.Equal(t, int64(1700000060000), k.CloseTime)
	assert.Equal(t, 50050.0, k.Close)
	assert.True(t, k.Closed)
}

package account

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"quantpipe-md-risk/internal/adapter"
)

// DefaultBinanceFuturesURL is the USDT-margined futures REST base.
const DefaultBinanceFuturesURL = "https://fapi.binance.com"

// BinanceCredentials holds the API key pair for signed endpoints.
type BinanceCredentials struct {
	APIKey    string
	APISecret string
}

// BinanceFutures implements Exchange against the Binance USDT-M futures
// REST API. Balance and position endpoints are HMAC-signed; tickers are
// public.
type BinanceFutures struct {
	http  *resty.Client
	creds BinanceCredentials
	syms  *adapter.BinanceAdapter // native symbol mapping
}

// NewBinanceFutures creates a futures REST client. baseURL may be empty for
// the production endpoint.
func NewBinanceFutures(baseURL string, creds BinanceCredentials) *BinanceFutures {
	if baseURL == "" {
		baseURL = DefaultBinanceFuturesURL
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("X-MBX-APIKEY", creds.APIKey)

	return &BinanceFutures{
		http:  httpClient,
		creds: creds,
		syms:  adapter.NewBinanceAdapter(adapter.TradingTypeFutures),
	}
}

// Name implements Exchange.
func (b *BinanceFutures) Name() string { return "binance" }

// sign appends timestamp and HMAC-SHA256 signature to the query string.
func (b *BinanceFutures) sign(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(b.creds.APISecret))
	mac.Write([]byte(query))
	return query + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}

type binanceAccountResponse struct {
	TotalMarginBalance string `json:"totalMarginBalance"`
	TotalInitialMargin string `json:"totalInitialMargin"`
	AvailableBalance   string `json:"availableBalance"`
}

// FetchBalance pulls account equity and margin usage from /fapi/v2/account.
func (b *BinanceFutures) FetchBalance(ctx context.Context) (*Snapshot, error) {
	var result binanceAccountResponse
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryString(b.sign(url.Values{})).
		SetResult(&result).
		Get("/fapi/v2/account")
	if err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch balance: status %d: %s", resp.StatusCode(), resp.String())
	}

	equity, err := decimal.NewFromString(result.TotalMarginBalance)
	if err != nil {
		return nil, fmt.Errorf("parse totalMarginBalance: %w", err)
	}
	available, err := decimal.NewFromString(result.AvailableBalance)
	if err != nil {
		return nil, fmt.Errorf("parse availableBalance: %w", err)
	}
	usedMargin, err := decimal.NewFromString(result.TotalInitialMargin)
	if err != nil {
		return nil, fmt.Errorf("parse totalInitialMargin: %w", err)
	}
	return &Snapshot{
		Equity:     equity,
		Available:  available,
		UsedMargin: usedMargin,
	}, nil
}

type binancePositionRisk struct {
	Symbol      string `json:"symbol"`
	PositionAmt string `json:"positionAmt"`
	EntryPrice  string `json:"entryPrice"`
	MarkPrice   string `json:"markPrice"`
	Leverage    string `json:"leverage"`
	Notional    string `json:"notional"`
}

// FetchPositions pulls open positions from /fapi/v2/positionRisk. Flat
// entries (positionAmt == 0) are skipped.
func (b *BinanceFutures) FetchPositions(ctx context.Context) ([]Position, error) {
	var result []binancePositionRisk
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryString(b.sign(url.Values{})).
		SetResult(&result).
		Get("/fapi/v2/positionRisk")
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch positions: status %d: %s", resp.StatusCode(), resp.String())
	}

	var positions []Position
	for _, raw := range result {
		amt, err := decimal.NewFromString(raw.PositionAmt)
		if err != nil || amt.IsZero() {
			continue
		}
		side := SideLong
		if amt.IsNegative() {
			side = SideShort
		}
		entry, _ := decimal.NewFromString(raw.EntryPrice)
		mark, _ := decimal.NewFromString(raw.MarkPrice)
		leverage, _ := decimal.NewFromString(raw.Leverage)
		notional, _ := decimal.NewFromString(raw.Notional)
		positions = append(positions, Position{
			Symbol:     b.syms.FromNative(raw.Symbol),
			Side:       side,
			Size:       amt.Abs(),
			EntryPrice: entry,
			Leverage:   leverage,
			MarkPrice:  mark,
			Notional:   notional.Abs(),
		})
	}
	return positions, nil
}

type binancePriceTicker struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// FetchTickers pulls current prices from /fapi/v1/ticker/price and filters
// to the requested canonical symbols.
func (b *BinanceFutures) FetchTickers(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	wanted := make(map[string]string, len(symbols)) // native -> canonical
	for _, s := range symbols {
		wanted[b.syms.ToNative(s)] = s
	}

	var result []binancePriceTicker
	resp, err := b.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/fapi/v1/ticker/price")
	if err != nil {
		return nil, fmt.Errorf("fetch tickers: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch tickers: status %d: %s", resp.StatusCode(), resp.String())
	}

	prices := make(map[string]decimal.Decimal, len(wanted))
	for _, t := range result {
		canonical, ok := wanted[t.Symbol]
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(t.Price)
		if err != nil {
			continue
		}
		prices[canonical] = price
	}
	return prices, nil
}

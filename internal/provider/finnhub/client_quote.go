package finnhub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marketdata/internal/fetch"
	"marketdata/internal/provider"
	"marketdata/internal/resource"
)

// quote is the /quote response.
type quote struct {
	Current       float64 `json:"c"`
	Change        float64 `json:"d"`
	ChangePercent float64 `json:"dp"`
	High          float64 `json:"h"`
	Low           float64 `json:"l"`
	Open          float64 `json:"o"`
	PrevClose     float64 `json:"pc"`
	Timestamp     int64   `json:"t"`
}

// QuoteEndpoint describes the real-time quote call for symbol.
func (c *FinnhubAPIClient) QuoteEndpoint(symbol string) fetch.Endpoint[provider.Quote] {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	return fetch.Endpoint[provider.Quote]{
		Provider: provider.Finnhub,
		Op:       "quote",
		Method:   http.MethodGet,
		URL:      c.url("/quote", url.Values{"symbol": {symbol}}),
		Header:   c.header.Clone(),
		Decode: func(body []byte) (provider.Quote, error) {
			var q quote
			if err := json.Unmarshal(body, &q); err != nil {
				return provider.Quote{}, err
			}
			// Unknown symbols come back as an all-zero object.
			if q.Timestamp == 0 && q.Current == 0 {
				return provider.Quote{}, errors.New("empty quote")
			}
			return provider.Quote{
				Symbol:        symbol,
				Price:         q.Current,
				Change:        q.Change,
				ChangePercent: q.ChangePercent,
				High:          q.High,
				Low:           q.Low,
				Open:          q.Open,
				PrevClose:     q.PrevClose,
				Source:        provider.Finnhub,
				ReceivedAt:    time.Unix(q.Timestamp, 0).UTC(),
			}, nil
		},
		Token:    resource.QuoteToken,
		CacheKey: symbol,
	}
}

// Quote retrieves the real-time quote for symbol.
func (c *FinnhubAPIClient) Quote(ctx context.Context, symbol string) (provider.Quote, error) {
	if err := requireParam("quote", "symbol", strings.TrimSpace(symbol)); err != nil {
		return provider.Quote{}, err
	}
	return fetch.Do(ctx, c.fetcher, c.QuoteEndpoint(symbol))
}

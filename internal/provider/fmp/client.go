package fmp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"strings"

	"marketdata/internal/clock"
	"marketdata/internal/errs"
	"marketdata/internal/fetch"
	"marketdata/internal/provider"
	"marketdata/internal/resource"
)

const baseURL = "https://financialmodelingprep.com/api/v3"

// FMPAPIClient is a client for the Financial Modeling Prep API.
type FMPAPIClient struct {
	// baseURL is the base URL for the API.
	baseURL string
	// fetcher performs, classifies and retries requests.
	fetcher *fetch.Client
	// clock stamps decoded records.
	clock clock.Clock
	// header contains additional headers to be sent with each request.
	header http.Header
	// query contains additional query parameters to be sent with each request.
	query url.Values
}

// FMPAPIClientOption is a configuration option for the FMP API client.
type FMPAPIClientOption func(*FMPAPIClient)

// WithBaseURL sets the base URL for the API.
func WithBaseURL(baseURL string) FMPAPIClientOption {
	return func(c *FMPAPIClient) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHeader sets additional headers to be sent with each request.
func WithHeader(header http.Header) FMPAPIClientOption {
	return func(c *FMPAPIClient) {
		for key, values := range header {
			for _, value := range values {
				c.header.Add(key, value)
			}
		}
	}
}

// WithClock sets the clock used for ReceivedAt.
func WithClock(clk clock.Clock) FMPAPIClientOption {
	return func(c *FMPAPIClient) {
		c.clock = clk
	}
}

// NewFMPAPIClient creates a new FMP API client sending through fetcher.
func NewFMPAPIClient(key string, fetcher *fetch.Client, options ...FMPAPIClientOption) (*FMPAPIClient, error) {
	if fetcher == nil {
		return nil, errors.New("fmp: nil fetch client")
	}
	var fmpAPIClient = &FMPAPIClient{
		baseURL: baseURL,
		fetcher: fetcher,
		clock:   clock.Real(),
		header:  http.Header{},
		query:   url.Values{},
	}
	if key != "" {
		fmpAPIClient.query.Add("apikey", key)
	}
	for _, option := range options {
		option(fmpAPIClient)
	}
	return fmpAPIClient, nil
}

// keyMetricsTTM is one element of the /key-metrics-ttm response.
type keyMetricsTTM struct {
	PERatio       float64 `json:"peRatioTTM"`
	PBRatio       float64 `json:"pbRatioTTM"`
	DividendYield float64 `json:"dividendYieldTTM"`
	ROE           float64 `json:"roeTTM"`
	DebtToEquity  float64 `json:"debtToEquityTTM"`
	MarketCap     float64 `json:"marketCapTTM"`
}

// KeyMetricsEndpoint describes the trailing-twelve-month metrics call for
// symbol.
func (c *FMPAPIClient) KeyMetricsEndpoint(symbol string) fetch.Endpoint[provider.Metrics] {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	return fetch.Endpoint[provider.Metrics]{
		Provider: provider.FMP,
		Op:       "key-metrics-ttm",
		Method:   http.MethodGet,
		URL:      fmt.Sprintf("%s/key-metrics-ttm/%s?%s", c.baseURL, url.PathEscape(symbol), maps.Clone(c.query).Encode()),
		Header:   c.header.Clone(),
		Decode: func(body []byte) (provider.Metrics, error) {
			var rows []keyMetricsTTM
			if err := json.Unmarshal(body, &rows); err != nil {
				return provider.Metrics{}, err
			}
			if len(rows) == 0 {
				return provider.Metrics{}, fmt.Errorf("no key metrics for %s", symbol)
			}
			m := rows[0]
			return provider.Metrics{
				Symbol:        symbol,
				PERatio:       m.PERatio,
				PBRatio:       m.PBRatio,
				DividendYield: m.DividendYield,
				ROE:           m.ROE,
				DebtToEquity:  m.DebtToEquity,
				MarketCap:     m.MarketCap,
				Source:        provider.FMP,
				ReceivedAt:    c.clock.Now().UTC(),
			}, nil
		},
		Token:    resource.MetricsToken,
		CacheKey: symbol,
	}
}

// KeyMetrics retrieves trailing fundamentals for symbol.
func (c *FMPAPIClient) KeyMetrics(ctx context.Context, symbol string) (provider.Metrics, error) {
	if strings.TrimSpace(symbol) == "" {
		return provider.Metrics{}, errs.New(errs.ErrInvalidRequest, "key-metrics-ttm", errors.New("symbol is required"))
	}
	return fetch.Do(ctx, c.fetcher, c.KeyMetricsEndpoint(symbol))
}

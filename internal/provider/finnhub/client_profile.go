package finnhub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"marketdata/internal/fetch"
	"marketdata/internal/provider"
	"marketdata/internal/resource"
)

// profile is the /stock/profile2 response. Market capitalization is in
// millions of the listing currency.
type profile struct {
	Ticker    string  `json:"ticker"`
	Name      string  `json:"name"`
	Exchange  string  `json:"exchange"`
	Currency  string  `json:"currency"`
	Country   string  `json:"country"`
	Industry  string  `json:"finnhubIndustry"`
	IPO       string  `json:"ipo"`
	Logo      string  `json:"logo"`
	WebURL    string  `json:"weburl"`
	MarketCap float64 `json:"marketCapitalization"`
}

// ProfileEndpoint describes the company profile call for symbol.
func (c *FinnhubAPIClient) ProfileEndpoint(symbol string) fetch.Endpoint[provider.Lookup] {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	return fetch.Endpoint[provider.Lookup]{
		Provider: provider.Finnhub,
		Op:       "profile",
		Method:   http.MethodGet,
		URL:      c.url("/stock/profile2", url.Values{"symbol": {symbol}}),
		Header:   c.header.Clone(),
		Decode: func(body []byte) (provider.Lookup, error) {
			var p profile
			if err := json.Unmarshal(body, &p); err != nil {
				return provider.Lookup{}, err
			}
			if p.Name == "" && p.Ticker == "" {
				return provider.Lookup{}, errors.New("empty profile")
			}
			return provider.Lookup{
				Symbol:    symbol,
				Name:      p.Name,
				Exchange:  p.Exchange,
				Currency:  p.Currency,
				Country:   p.Country,
				Industry:  p.Industry,
				IPO:       p.IPO,
				Logo:      p.Logo,
				WebURL:    p.WebURL,
				MarketCap: p.MarketCap * 1e6,
			}, nil
		},
		Token:    resource.LookupToken,
		CacheKey: symbol,
	}
}

// Profile retrieves descriptive company data for symbol.
func (c *FinnhubAPIClient) Profile(ctx context.Context, symbol string) (provider.Lookup, error) {
	if err := requireParam("profile", "symbol", strings.TrimSpace(symbol)); err != nil {
		return provider.Lookup{}, err
	}
	return fetch.Do(ctx, c.fetcher, c.ProfileEndpoint(symbol))
}

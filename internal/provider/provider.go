// Package provider holds the normalized records every upstream market-data
// provider is decoded into, plus the provider names used to key quotas.
package provider

import "time"

// Provider names. They key the rate limiter buckets, circuit breakers and
// configuration sections.
const (
	Finnhub   = "finnhub"
	FMP       = "fmp"
	Marketaux = "marketaux"
)

// Quote is a real-time price snapshot. Short-lived.
type Quote struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"change_percent"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	Open          float64   `json:"open"`
	PrevClose     float64   `json:"prev_close"`
	Source        string    `json:"source"`
	ReceivedAt    time.Time `json:"received_at"`
}

// Lookup is descriptive company metadata.
type Lookup struct {
	Symbol    string  `json:"symbol"`
	Name      string  `json:"name"`
	Exchange  string  `json:"exchange"`
	Currency  string  `json:"currency"`
	Country   string  `json:"country"`
	Industry  string  `json:"industry"`
	IPO       string  `json:"ipo,omitempty"`
	Logo      string  `json:"logo,omitempty"`
	WebURL    string  `json:"web_url,omitempty"`
	MarketCap float64 `json:"market_cap"`
}

// Metrics are trailing fundamentals.
type Metrics struct {
	Symbol        string    `json:"symbol"`
	PERatio       float64   `json:"pe_ratio"`
	PBRatio       float64   `json:"pb_ratio"`
	DividendYield float64   `json:"dividend_yield"`
	ROE           float64   `json:"roe"`
	DebtToEquity  float64   `json:"debt_to_equity"`
	MarketCap     float64   `json:"market_cap"`
	Source        string    `json:"source"`
	ReceivedAt    time.Time `json:"received_at"`
}

// SearchResult is one match of a symbol search.
type SearchResult struct {
	Symbol        string `json:"symbol"`
	DisplaySymbol string `json:"display_symbol"`
	Description   string `json:"description"`
	Type          string `json:"type"`
}

// NewsItem is one article mentioning a symbol.
type NewsItem struct {
	UUID        string    `json:"uuid"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	URL         string    `json:"url"`
	Source      string    `json:"source"`
	Symbols     []string  `json:"symbols,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// Package marketaux is a client for the Marketaux news API. Its free tier
// allows 100 requests per day, so user-initiated calls are also throttled by a
// cooldown upstream of this client.
package marketaux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marketdata/internal/errs"
	"marketdata/internal/fetch"
	"marketdata/internal/provider"
	"marketdata/internal/resource"
)

const baseURL = "https://api.marketaux.com"

// MarketauxAPIClient is a client for the Marketaux API.
type MarketauxAPIClient struct {
	baseURL string
	fetcher *fetch.Client
	header  http.Header
	query   url.Values
}

// MarketauxAPIClientOption is a configuration option for the Marketaux API client.
type MarketauxAPIClientOption func(*MarketauxAPIClient)

// WithBaseURL sets the base URL for the API.
func WithBaseURL(baseURL string) MarketauxAPIClientOption {
	return func(c *MarketauxAPIClient) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHeader sets additional headers to be sent with each request.
func WithHeader(header http.Header) MarketauxAPIClientOption {
	return func(c *MarketauxAPIClient) {
		for key, values := range header {
			for _, value := range values {
				c.header.Add(key, value)
			}
		}
	}
}

// WithLanguage restricts articles to language. Defaults to "en".
func WithLanguage(language string) MarketauxAPIClientOption {
	return func(c *MarketauxAPIClient) {
		c.query.Set("language", language)
	}
}

// NewMarketauxAPIClient creates a new Marketaux API client sending through fetcher.
func NewMarketauxAPIClient(key string, fetcher *fetch.Client, options ...MarketauxAPIClientOption) (*MarketauxAPIClient, error) {
	if fetcher == nil {
		return nil, errors.New("marketaux: nil fetch client")
	}
	var marketauxAPIClient = &MarketauxAPIClient{
		baseURL: baseURL,
		fetcher: fetcher,
		header:  http.Header{},
		query:   url.Values{"filter_entities": {"true"}, "language": {"en"}},
	}
	if key != "" {
		marketauxAPIClient.query.Set("api_token", key)
	}
	for _, option := range options {
		option(marketauxAPIClient)
	}
	return marketauxAPIClient, nil
}

type newsResponse struct {
	Data []struct {
		UUID        string `json:"uuid"`
		Title       string `json:"title"`
		Description string `json:"description"`
		URL         string `json:"url"`
		Source      string `json:"source"`
		PublishedAt string `json:"published_at"`
		Entities    []struct {
			Symbol string `json:"symbol"`
		} `json:"entities"`
	} `json:"data"`
}

// NewsEndpoint describes the latest-articles call for symbol.
func (c *MarketauxAPIClient) NewsEndpoint(symbol string) fetch.Endpoint[[]provider.NewsItem] {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	query := maps.Clone(c.query)
	query.Set("symbols", symbol)
	return fetch.Endpoint[[]provider.NewsItem]{
		Provider: provider.Marketaux,
		Op:       "news",
		Method:   http.MethodGet,
		URL:      fmt.Sprintf("%s/v1/news/all?%s", c.baseURL, query.Encode()),
		Header:   c.header.Clone(),
		Decode:   decodeNews,
		Token:    resource.NewsToken,
		CacheKey: symbol,
	}
}

func decodeNews(body []byte) ([]provider.NewsItem, error) {
	var res newsResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, err
	}
	if res.Data == nil {
		return nil, errors.New("response has no data array")
	}
	items := make([]provider.NewsItem, 0, len(res.Data))
	for _, d := range res.Data {
		published, err := time.Parse(time.RFC3339Nano, d.PublishedAt)
		if err != nil {
			return nil, fmt.Errorf("article %s: published_at: %w", d.UUID, err)
		}
		item := provider.NewsItem{
			UUID:        d.UUID,
			Title:       d.Title,
			Description: d.Description,
			URL:         d.URL,
			Source:      d.Source,
			PublishedAt: published.UTC(),
		}
		for _, e := range d.Entities {
			if e.Symbol != "" {
				item.Symbols = append(item.Symbols, e.Symbol)
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// News retrieves recent articles mentioning symbol.
func (c *MarketauxAPIClient) News(ctx context.Context, symbol string) ([]provider.NewsItem, error) {
	if strings.TrimSpace(symbol) == "" {
		return nil, errs.New(errs.ErrInvalidRequest, "news", errors.New("symbol is required"))
	}
	return fetch.Do(ctx, c.fetcher, c.NewsEndpoint(symbol))
}

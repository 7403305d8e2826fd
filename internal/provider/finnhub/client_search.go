package finnhub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"marketdata/internal/fetch"
	"marketdata/internal/provider"
	"marketdata/internal/resource"
)

type searchResponse struct {
	Count  int `json:"count"`
	Result []struct {
		Description   string `json:"description"`
		DisplaySymbol string `json:"displaySymbol"`
		Symbol        string `json:"symbol"`
		Type          string `json:"type"`
	} `json:"result"`
}

// NormalizeQuery is the cache key of a symbol search.
func NormalizeQuery(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}

// SearchEndpoint describes the symbol lookup call for query.
func (c *FinnhubAPIClient) SearchEndpoint(query string) fetch.Endpoint[[]provider.SearchResult] {
	query = NormalizeQuery(query)
	return fetch.Endpoint[[]provider.SearchResult]{
		Provider: provider.Finnhub,
		Op:       "search",
		Method:   http.MethodGet,
		URL:      c.url("/search", url.Values{"q": {query}}),
		Header:   c.header.Clone(),
		Decode: func(body []byte) ([]provider.SearchResult, error) {
			var res searchResponse
			if err := json.Unmarshal(body, &res); err != nil {
				return nil, err
			}
			out := make([]provider.SearchResult, 0, len(res.Result))
			for _, r := range res.Result {
				out = append(out, provider.SearchResult{
					Symbol:        r.Symbol,
					DisplaySymbol: r.DisplaySymbol,
					Description:   r.Description,
					Type:          r.Type,
				})
			}
			return out, nil
		},
		Token:    resource.SymbolSearchToken,
		CacheKey: query,
	}
}

// Search looks up symbols matching query.
func (c *FinnhubAPIClient) Search(ctx context.Context, query string) ([]provider.SearchResult, error) {
	if err := requireParam("search", "query", NormalizeQuery(query)); err != nil {
		return nil, err
	}
	return fetch.Do(ctx, c.fetcher, c.SearchEndpoint(query))
}

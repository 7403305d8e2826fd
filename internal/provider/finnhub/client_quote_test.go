package finnhub_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"marketdata/internal/errs"
	"marketdata/internal/httpx/httpxmock"
	"marketdata/internal/provider"
	"marketdata/internal/provider/finnhub"
	"marketdata/internal/resource"
)

func TestQuote(t *testing.T) {
	t.Parallel()

	// Arrange: create a mock controller
	ctrl := gomock.NewController(t)

	// Arrange: create a mock HTTP client
	httpClient := httpxmock.NewMockHTTPClient(ctrl)

	// Assert: stub the Do method
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			require.Equal(t, http.MethodGet, req.Method)
			require.Equal(t, "test-key", req.URL.Query().Get("token"))
			require.Equal(t, "/api/v1/quote", req.URL.Path)
			require.Equal(t, "AAPL", req.URL.Query().Get("symbol"))
			return okResponse(t, sampleQuote), nil
		}).
		Times(1)

	// Arrange: setup a new Finnhub API client
	client, err := finnhub.NewFinnhubAPIClient("test-key", newFetcher(t, httpClient))
	require.NoError(t, err)

	// Act: call Quote with a lower-case symbol
	q, err := client.Quote(t.Context(), " aapl ")
	require.NoError(t, err)

	// Assert: the wire shape is mapped onto the record
	require.Equal(t, provider.Quote{
		Symbol:        "AAPL",
		Price:         189.5,
		Change:        1.5,
		ChangePercent: 0.8,
		High:          190,
		Low:           187,
		Open:          188,
		PrevClose:     188,
		Source:        provider.Finnhub,
		ReceivedAt:    time.Unix(1743516000, 0).UTC(),
	}, q)
}

func TestQuote_UnknownSymbol(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	httpClient := httpxmock.NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			return okResponse(t, map[string]any{"c": 0, "d": nil, "dp": nil, "h": 0, "l": 0, "o": 0, "pc": 0, "t": 0}), nil
		}).
		Times(1)

	client, err := finnhub.NewFinnhubAPIClient("test-key", newFetcher(t, httpClient))
	require.NoError(t, err)

	_, err = client.Quote(t.Context(), "NOPE")
	require.ErrorIs(t, err, errs.ErrDecoding)
}

func TestQuote_EmptySymbol(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	client, err := finnhub.NewFinnhubAPIClient("test-key", newFetcher(t, httpxmock.NewMockHTTPClient(ctrl)))
	require.NoError(t, err)

	_, err = client.Quote(t.Context(), "  ")
	require.ErrorIs(t, err, errs.ErrInvalidRequest)
}

func TestQuoteEndpoint_CacheKey(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	client, err := finnhub.NewFinnhubAPIClient("test-key", newFetcher(t, httpxmock.NewMockHTTPClient(ctrl)))
	require.NoError(t, err)

	ep := client.QuoteEndpoint("msft")
	require.Equal(t, "MSFT", ep.CacheKey)
	require.Equal(t, resource.QuoteToken, ep.Token)
	require.Equal(t, provider.Finnhub, ep.Provider)
}

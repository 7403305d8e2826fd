package finnhub_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"marketdata/internal/httpx/httpxmock"
	"marketdata/internal/provider/finnhub"
)

func TestSearch(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	httpClient := httpxmock.NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			require.Equal(t, "/api/v1/search", req.URL.Path)
			require.Equal(t, "apple inc", req.URL.Query().Get("q"))
			return okResponse(t, map[string]any{
				"count": 2,
				"result": []map[string]any{
					{"description": "APPLE INC", "displaySymbol": "AAPL", "symbol": "AAPL", "type": "Common Stock"},
					{"description": "APPLE INC", "displaySymbol": "AAPL.SW", "symbol": "AAPL.SW", "type": "Common Stock"},
				},
			}), nil
		}).
		Times(1)

	client, err := finnhub.NewFinnhubAPIClient("test-key", newFetcher(t, httpClient))
	require.NoError(t, err)

	// Act
	results, err := client.Search(t.Context(), "  Apple   Inc ")

	// Assert
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "AAPL", results[0].Symbol)
	require.Equal(t, "AAPL.SW", results[1].DisplaySymbol)
}

func TestNormalizeQuery(t *testing.T) {
	t.Parallel()

	require.Equal(t, "apple inc", finnhub.NormalizeQuery("  Apple\tINC "))
	require.Equal(t, "", finnhub.NormalizeQuery("   "))
}

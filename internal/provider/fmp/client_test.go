package fmp_test

import (
	"bytes"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"marketdata/internal/clock"
	"marketdata/internal/errs"
	"marketdata/internal/fetch"
	"marketdata/internal/httpx"
	"marketdata/internal/httpx/httpxmock"
	"marketdata/internal/provider"
	"marketdata/internal/provider/fmp"
	"marketdata/internal/retrier"
)

func newClient(t *testing.T, httpClient httpx.HTTPClient, options ...fmp.FMPAPIClientOption) *fmp.FMPAPIClient {
	t.Helper()
	fetcher, err := fetch.New(
		httpx.New(time.Second, httpx.WithHTTPClient(httpClient)),
		fetch.WithRetry(retrier.Config{MaxAttempts: 1}),
	)
	require.NoError(t, err)
	client, err := fmp.NewFMPAPIClient("test-key", fetcher, options...)
	require.NoError(t, err)
	return client
}

func respond(body string) *http.Response {
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewBufferString(body))}
}

func TestNewFMPAPIClient(t *testing.T) {
	t.Parallel()

	_, err := fmp.NewFMPAPIClient("test-key", nil)
	require.Error(t, err)
}

func TestKeyMetrics(t *testing.T) {
	t.Parallel()

	// Arrange: create a mock controller
	ctrl := gomock.NewController(t)

	// Arrange: create a mock HTTP client
	httpClient := httpxmock.NewMockHTTPClient(ctrl)

	// Assert: stub the Do method
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			require.Equal(t, "/api/v3/key-metrics-ttm/AAPL", req.URL.Path)
			require.Equal(t, "test-key", req.URL.Query().Get("apikey"))
			return respond(`[{"peRatioTTM":29.1,"pbRatioTTM":45.2,"dividendYieldTTM":0.0052,"roeTTM":1.47,"debtToEquityTTM":1.8,"marketCapTTM":2.8e12}]`), nil
		}).
		Times(1)

	// Arrange: pin the clock
	now := time.Date(2025, 4, 1, 14, 0, 0, 0, time.UTC)
	client := newClient(t, httpClient, fmp.WithClock(clock.NewFake(now)))

	// Act: call KeyMetrics
	m, err := client.KeyMetrics(t.Context(), "aapl")

	// Assert: the first row is mapped onto the record
	require.NoError(t, err)
	require.Equal(t, provider.Metrics{
		Symbol:        "AAPL",
		PERatio:       29.1,
		PBRatio:       45.2,
		DividendYield: 0.0052,
		ROE:           1.47,
		DebtToEquity:  1.8,
		MarketCap:     2.8e12,
		Source:        provider.FMP,
		ReceivedAt:    now,
	}, m)
}

func TestKeyMetrics_EmptyArray(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	httpClient := httpxmock.NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		Return(respond(`[]`), nil).
		Times(1)

	_, err := newClient(t, httpClient).KeyMetrics(t.Context(), "NOPE")
	require.ErrorIs(t, err, errs.ErrDecoding)

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, []byte(`[]`), e.Payload)
}

func TestKeyMetrics_QuotaExceeded(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	httpClient := httpxmock.NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		Return(&http.Response{
			StatusCode: http.StatusTooManyRequests,
			Header:     http.Header{"Retry-After": []string{"3600"}},
			Body:       io.NopCloser(bytes.NewBufferString(`{"Error Message":"Limit Reach"}`)),
		}, nil).
		Times(1)

	_, err := newClient(t, httpClient).KeyMetrics(t.Context(), "AAPL")
	require.ErrorIs(t, err, errs.ErrRateLimited)
	wait, ok := errs.RetryAfter(err)
	require.True(t, ok)
	require.Equal(t, time.Hour, wait)
}

func TestWithBaseURL(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	httpClient := httpxmock.NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			require.Equal(t, "http://localhost:8080/v3/key-metrics-ttm/MSFT?apikey=test-key", req.URL.String())
			return respond(`[{"peRatioTTM":35}]`), nil
		}).
		Times(1)

	_, err := newClient(t, httpClient, fmp.WithBaseURL("http://localhost:8080/v3/")).KeyMetrics(t.Context(), "MSFT")
	require.NoError(t, err)
}

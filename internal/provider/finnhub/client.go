package finnhub

import (
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"

	"marketdata/internal/errs"
	"marketdata/internal/fetch"
)

const baseURL = "https://finnhub.io/api/v1"

// FinnhubAPIClient is a client for the Finnhub API.
type FinnhubAPIClient struct {
	// baseURL is the base URL for the API.
	baseURL string
	// fetcher performs, classifies and retries requests.
	fetcher *fetch.Client
	// header contains additional headers to be sent with each request.
	header http.Header
	// query contains additional query parameters to be sent with each request.
	query url.Values
}

// FinnhubAPIClientOption is a configuration option for the Finnhub API client.
type FinnhubAPIClientOption func(*FinnhubAPIClient)

// WithBaseURL sets the base URL for the API.
func WithBaseURL(baseURL string) FinnhubAPIClientOption {
	return func(c *FinnhubAPIClient) {
		c.baseURL = baseURL
	}
}

// WithHeader sets additional headers to be sent with each request.
func WithHeader(header http.Header) FinnhubAPIClientOption {
	return func(c *FinnhubAPIClient) {
		for key, values := range header {
			for _, value := range values {
				c.header.Add(key, value)
			}
		}
	}
}

// NewFinnhubAPIClient creates a new Finnhub API client sending through fetcher.
func NewFinnhubAPIClient(key string, fetcher *fetch.Client, options ...FinnhubAPIClientOption) (*FinnhubAPIClient, error) {
	if fetcher == nil {
		return nil, errors.New("finnhub: nil fetch client")
	}
	var finnhubAPIClient = &FinnhubAPIClient{
		baseURL: baseURL,
		fetcher: fetcher,
		header:  http.Header{},
		query:   url.Values{},
	}
	if key != "" {
		// https://finnhub.io/docs/api/authentication
		finnhubAPIClient.query.Add("token", key)
	}
	for _, option := range options {
		option(finnhubAPIClient)
	}
	return finnhubAPIClient, nil
}

// url joins path and the client's query with extra parameters.
func (c *FinnhubAPIClient) url(path string, extra url.Values) string {
	query := maps.Clone(c.query)
	for key, values := range extra {
		for _, value := range values {
			query.Add(key, value)
		}
	}
	return fmt.Sprintf("%s%s?%s", c.baseURL, path, query.Encode())
}

func requireParam(op, name, value string) error {
	if value == "" {
		return errs.New(errs.ErrInvalidRequest, op, fmt.Errorf("%s is required", name))
	}
	return nil
}

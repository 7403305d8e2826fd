package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"marketdata/internal/aggregate"
	"marketdata/internal/errs"
	"marketdata/internal/marketdata"
	"marketdata/internal/provider"
	"marketdata/internal/search"
)

type fakeService struct {
	quotes    []provider.Quote
	quotesErr error
	searchErr error
	newsErr   error
	gotSyms   []string
	gotUser   bool
	gotStream string
}

func (f *fakeService) Quotes(_ context.Context, symbols []string) ([]provider.Quote, error) {
	f.gotSyms = symbols
	return f.quotes, f.quotesErr
}

func (f *fakeService) Composite(_ context.Context, symbols []string) ([]aggregate.Entity, error) {
	f.gotSyms = symbols
	out := make([]aggregate.Entity, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, aggregate.Entity{Symbol: s, Quote: provider.Quote{Symbol: s, Price: 1}})
	}
	return out, nil
}

func (f *fakeService) SearchSymbols(_ context.Context, query string) ([]provider.SearchResult, error) {
	return []provider.SearchResult{{Symbol: strings.ToUpper(query)}}, f.searchErr
}

func (f *fakeService) SearchAsYouType(_ context.Context, stream, query string) ([]provider.SearchResult, error) {
	f.gotStream = stream
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return []provider.SearchResult{{Symbol: strings.ToUpper(query)}}, nil
}

func (f *fakeService) News(_ context.Context, symbol string, userInitiated bool) ([]provider.NewsItem, error) {
	f.gotUser = userInitiated
	if f.newsErr != nil {
		return nil, f.newsErr
	}
	return []provider.NewsItem{{Title: symbol + " beats estimates"}}, nil
}

func (f *fakeService) Stats() marketdata.Stats { return marketdata.Stats{} }

func serve(t *testing.T, svc marketService, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	a := &api{svc: svc, logger: zap.NewNop(), timeout: time.Second}
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rr := httptest.NewRecorder()
	a.routes().ServeHTTP(rr, req)
	return rr
}

func TestQuotes_GetSplitsSymbols(t *testing.T) {
	t.Parallel()

	svc := &fakeService{quotes: []provider.Quote{{Symbol: "AAPL", Price: 189.5}}}
	rr := serve(t, svc, http.MethodGet, "/api/quotes?symbols=AAPL,%20MSFT,,", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if len(svc.gotSyms) != 2 || svc.gotSyms[0] != "AAPL" || svc.gotSyms[1] != "MSFT" {
		t.Fatalf("unexpected symbols: %v", svc.gotSyms)
	}
	var resp quotesResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Quotes) != 1 || resp.Quotes[0].Price != 189.5 || len(resp.Errors) != 0 {
		t.Fatalf("unexpected: %+v", resp)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content type %q", ct)
	}
}

func TestQuotes_Post(t *testing.T) {
	t.Parallel()

	svc := &fakeService{quotes: []provider.Quote{{Symbol: "AAPL"}}}
	rr := serve(t, svc, http.MethodPost, "/api/quotes", `{"symbols":["AAPL"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}

	rr = serve(t, svc, http.MethodPost, "/api/quotes", `{"symbols":[]}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty symbols: status=%d", rr.Code)
	}
	rr = serve(t, svc, http.MethodPost, "/api/quotes", `{"tickers":["AAPL"]}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: status=%d", rr.Code)
	}
}

func TestQuotes_MissingSymbols(t *testing.T) {
	t.Parallel()

	rr := serve(t, &fakeService{}, http.MethodGet, "/api/quotes", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestQuotes_PartialFailureStillServes(t *testing.T) {
	t.Parallel()

	svc := &fakeService{
		quotes:    []provider.Quote{{Symbol: "AAPL"}},
		quotesErr: errs.New(errs.ErrTransport, "quote BAD", errors.New("502")),
	}
	rr := serve(t, svc, http.MethodGet, "/api/quotes?symbols=AAPL,BAD", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var resp quotesResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Quotes) != 1 || len(resp.Errors) != 1 {
		t.Fatalf("unexpected: %+v", resp)
	}
}

func TestQuotes_AllFailedMapsStatus(t *testing.T) {
	t.Parallel()

	svc := &fakeService{quotesErr: errs.New(errs.ErrTransport, "quote BAD", errors.New("502"))}
	rr := serve(t, svc, http.MethodGet, "/api/quotes?symbols=BAD", "")
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestComposite(t *testing.T) {
	t.Parallel()

	rr := serve(t, &fakeService{}, http.MethodGet, "/api/composite?symbols=AAPL,MSFT", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var resp compositeResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Entities) != 2 || resp.Entities[1].Symbol != "MSFT" {
		t.Fatalf("unexpected: %+v", resp.Entities)
	}
}

func TestSearch_StreamUsesDebouncer(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	rr := serve(t, svc, http.MethodGet, "/api/search?q=app&stream=tab-1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if svc.gotStream != "tab-1" {
		t.Fatalf("stream=%q", svc.gotStream)
	}

	svc = &fakeService{searchErr: search.ErrSuperseded}
	rr = serve(t, svc, http.MethodGet, "/api/search?q=app&stream=tab-1", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("superseded: status=%d", rr.Code)
	}
}

func TestNews_CooldownIs429WithRetryAfter(t *testing.T) {
	t.Parallel()

	svc := &fakeService{newsErr: errs.Cooldown("news", provider.Marketaux, 90*time.Second)}
	rr := serve(t, svc, http.MethodGet, "/api/news?symbol=AAPL", "")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "90" {
		t.Fatalf("Retry-After=%q", got)
	}
	if !svc.gotUser {
		t.Fatal("news without background flag must be user-initiated")
	}
	var resp errorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(resp.Error, "Please wait") {
		t.Fatalf("message=%q", resp.Error)
	}
}

func TestNews_Background(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	rr := serve(t, svc, http.MethodGet, "/api/news?symbol=AAPL&background=1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if svc.gotUser {
		t.Fatal("background flag ignored")
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	rr := serve(t, &fakeService{}, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK || rr.Body.String() != `"ok"` {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
}

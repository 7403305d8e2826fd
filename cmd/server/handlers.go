package main

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"marketdata/internal/aggregate"
	"marketdata/internal/config"
	"marketdata/internal/errs"
	"marketdata/internal/marketdata"
	"marketdata/internal/provider"
	"marketdata/internal/search"
)

const maxSymbols = 1000

// marketService is the part of marketdata.Service the handlers use.
type marketService interface {
	Quotes(ctx context.Context, symbols []string) ([]provider.Quote, error)
	Composite(ctx context.Context, symbols []string) ([]aggregate.Entity, error)
	SearchSymbols(ctx context.Context, query string) ([]provider.SearchResult, error)
	SearchAsYouType(ctx context.Context, stream, query string) ([]provider.SearchResult, error)
	News(ctx context.Context, symbol string, userInitiated bool) ([]provider.NewsItem, error)
	Stats() marketdata.Stats
}

type api struct {
	svc     marketService
	logger  *zap.Logger
	timeout time.Duration
}

type quotesResponse struct {
	Quotes []provider.Quote `json:"quotes"`
	Errors []string         `json:"errors,omitempty"`
}

type compositeResponse struct {
	Entities []aggregate.Entity `json:"entities"`
}

type searchResponse struct {
	Results []provider.SearchResult `json:"results"`
}

type newsResponse struct {
	News []provider.NewsItem `json:"news"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`"ok"`))
	})
	mux.HandleFunc("/api/quotes", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			a.handleGetQuotes(w, r)
		case http.MethodPost:
			a.handlePostQuotes(w, r)
		default:
			a.writeJSON(w, http.StatusMethodNotAllowed, errorResponse{"method not allowed"})
		}
	})
	mux.HandleFunc("GET /api/composite", a.handleComposite)
	mux.HandleFunc("GET /api/search", a.handleSearch)
	mux.HandleFunc("GET /api/news", a.handleNews)
	mux.HandleFunc("GET /api/stats", func(w http.ResponseWriter, r *http.Request) {
		a.writeJSON(w, http.StatusOK, a.svc.Stats())
	})
	return withJSONHeaders(withGzip(recoverPanic(a.logger, limitBody(mux))))
}

// symbolsParam reads the comma-separated symbols query parameter.
func symbolsParam(r *http.Request) ([]string, string) {
	q := r.URL.Query().Get("symbols")
	if strings.TrimSpace(q) == "" {
		return nil, "missing symbols query param"
	}
	symbols := config.SplitCSV(q)
	if len(symbols) > maxSymbols {
		return nil, "too many symbols (max 1000)"
	}
	return symbols, ""
}

func (a *api) handleGetQuotes(w http.ResponseWriter, r *http.Request) {
	symbols, problem := symbolsParam(r)
	if problem != "" {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{problem})
		return
	}
	a.writeQuotes(w, r.Context(), symbols)
}

type postBody struct {
	Symbols []string `json:"symbols"`
}

func (a *api) handlePostQuotes(w http.ResponseWriter, r *http.Request) {
	var b postBody
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{"invalid JSON body"})
		return
	}
	if len(b.Symbols) == 0 {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{"symbols cannot be empty"})
		return
	}
	if len(b.Symbols) > maxSymbols {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{"too many symbols (max 1000)"})
		return
	}
	a.writeQuotes(w, r.Context(), b.Symbols)
}

func (a *api) writeQuotes(w http.ResponseWriter, rctx context.Context, symbols []string) {
	ctx, cancel := context.WithTimeout(rctx, a.timeout)
	defer cancel()

	quotes, err := a.svc.Quotes(ctx, symbols)
	if len(quotes) == 0 && err != nil {
		a.writeError(w, err)
		return
	}
	resp := quotesResponse{Quotes: quotes}
	if err != nil {
		a.logger.Warn("partial quotes", zap.Int("requested", len(symbols)), zap.Int("served", len(quotes)), zap.Error(err))
		resp.Errors = []string{errs.UserMessage(err)}
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *api) handleComposite(w http.ResponseWriter, r *http.Request) {
	symbols, problem := symbolsParam(r)
	if problem != "" {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{problem})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()

	entities, err := a.svc.Composite(ctx, symbols)
	if err != nil && len(entities) == 0 {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, compositeResponse{Entities: entities})
}

func (a *api) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if strings.TrimSpace(q) == "" {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{"missing q query param"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()

	var (
		results []provider.SearchResult
		err     error
	)
	if stream := r.URL.Query().Get("stream"); stream != "" {
		results, err = a.svc.SearchAsYouType(ctx, stream, q)
	} else {
		results, err = a.svc.SearchSymbols(ctx, q)
	}
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, searchResponse{Results: results})
}

func (a *api) handleNews(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if strings.TrimSpace(symbol) == "" {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{"missing symbol query param"})
		return
	}
	// Requests are user-initiated unless the caller says otherwise.
	userInitiated := r.URL.Query().Get("background") == ""

	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()
	items, err := a.svc.News(ctx, symbol, userInitiated)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, newsResponse{News: items})
}

// writeError maps err onto a status code and a message safe for end users.
func (a *api) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, errs.ErrRateLimited), errors.Is(err, errs.ErrCooldown):
		status = http.StatusTooManyRequests
		if wait, ok := errs.RetryAfter(err); ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		}
	case errors.Is(err, search.ErrSuperseded):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, errs.ErrTransport), errors.Is(err, errs.ErrDecoding):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		a.logger.Warn("request failed", zap.Int("status", status), zap.Error(err))
	}
	a.writeJSON(w, status, errorResponse{errs.UserMessage(err)})
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		a.logger.Debug("writing response", zap.Error(err))
	}
}

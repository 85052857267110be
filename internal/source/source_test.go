package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/stock-poller/internal/models"
)

func TestHTTPGetClassifiesStatuses(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, models.ErrNotFound},
		{http.StatusUnauthorized, models.ErrFatal},
		{http.StatusForbidden, models.ErrFatal},
		{http.StatusTooManyRequests, models.ErrTransient},
		{http.StatusInternalServerError, models.ErrTransient},
		{http.StatusBadGateway, models.ErrTransient},
		{http.StatusTeapot, models.ErrTransient},
	}

	for _, tc := range cases {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))
		_, err := httpGet(context.Background(), ts.Client(), ts.URL)
		ts.Close()
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
	}
}

func TestHTTPGetNetworkFailureIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	ts.Close()

	_, err := httpGet(context.Background(), &http.Client{Timeout: time.Second}, ts.URL)
	if !errors.Is(err, models.ErrTransient) {
		t.Fatalf("expected ErrTransient for refused connection, got %v", err)
	}
}

func TestYFinanceFetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v8/finance/chart/AAPL" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"chart":{"result":[{"meta":{"symbol":"AAPL","currency":"USD","regularMarketPrice":189.91,"regularMarketTime":1760174400,"chartPreviousClose":188.5}}],"error":null}}`))
	}))
	defer ts.Close()

	src := NewYFinance(time.Second, zerolog.Nop())
	src.baseURL = ts.URL

	obs, err := src.Fetch(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if obs.Symbol != "AAPL" || obs.Source != "yfinance" {
		t.Fatalf("unexpected observation identity: %+v", obs)
	}
	if obs.Fields["price"] != 189.91 || obs.Fields["currency"] != "USD" {
		t.Fatalf("unexpected fields: %v", obs.Fields)
	}
	if obs.CapturedAt != time.Unix(1760174400, 0).UTC() {
		t.Fatalf("unexpected captured_at: %s", obs.CapturedAt)
	}
}

func TestYFinanceFetchNoResult(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"chart":{"result":[],"error":null}}`))
	}))
	defer ts.Close()

	src := NewYFinance(time.Second, zerolog.Nop())
	src.baseURL = ts.URL

	if _, err := src.Fetch(context.Background(), "NOPE"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAlphaVantageFetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("apikey") != "demo" {
			t.Errorf("expected api key in query, got %q", r.URL.Query().Get("apikey"))
		}
		w.Write([]byte(`{"Global Quote":{"01. symbol":"AAPL","02. open":"188.00","03. high":"190.20","04. low":"187.10","05. price":"189.91","06. volume":"43210000","07. latest trading day":"2025-10-10"}}`))
	}))
	defer ts.Close()

	src, err := NewAlphaVantage("demo", time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	src.baseURL = ts.URL

	obs, err := src.Fetch(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if obs.Fields["price"] != 189.91 || obs.Fields["volume"] != 43210000.0 {
		t.Fatalf("unexpected fields: %v", obs.Fields)
	}
	if obs.CapturedAt != time.Date(2025, 10, 10, 0, 0, 0, 0, time.UTC) {
		t.Fatalf("unexpected captured_at: %s", obs.CapturedAt)
	}
}

func TestAlphaVantageRateLimitNoteIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"Note":"Thank you for using Alpha Vantage! Our standard API rate limit is 25 requests per day."}`))
	}))
	defer ts.Close()

	src, err := NewAlphaVantage("demo", time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	src.baseURL = ts.URL

	if _, err := src.Fetch(context.Background(), "AAPL"); !errors.Is(err, models.ErrTransient) {
		t.Fatalf("expected ErrTransient for rate limit note, got %v", err)
	}
}

func TestAlphaVantageErrorMessageIsFatal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"Error Message":"Invalid API call."}`))
	}))
	defer ts.Close()

	src, err := NewAlphaVantage("demo", time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	src.baseURL = ts.URL

	if _, err := src.Fetch(context.Background(), "AAPL"); !errors.Is(err, models.ErrFatal) {
		t.Fatalf("expected ErrFatal for provider error message, got %v", err)
	}
}

func TestAlphaVantageRequiresAPIKey(t *testing.T) {
	if _, err := NewAlphaVantage("", time.Second, zerolog.Nop()); !errors.Is(err, models.ErrConfig) {
		t.Fatalf("expected ErrConfig for missing api key, got %v", err)
	}
}

func TestPolygonFetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/aggs/ticker/AAPL/prev" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"status":"OK","results":[{"o":188.0,"h":190.2,"l":187.1,"c":189.91,"v":43210000,"t":1760054400000}]}`))
	}))
	defer ts.Close()

	src, err := NewPolygon("demo", time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	src.baseURL = ts.URL

	obs, err := src.Fetch(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if obs.Fields["price"] != 189.91 || obs.Fields["open"] != 188.0 {
		t.Fatalf("unexpected fields: %v", obs.Fields)
	}
	if obs.CapturedAt != time.UnixMilli(1760054400000).UTC() {
		t.Fatalf("unexpected captured_at: %s", obs.CapturedAt)
	}
}

func TestPolygonFetchNoResults(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"status":"OK","results":[]}`))
	}))
	defer ts.Close()

	src, err := NewPolygon("demo", time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	src.baseURL = ts.URL

	if _, err := src.Fetch(context.Background(), "NOPE"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

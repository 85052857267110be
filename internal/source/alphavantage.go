package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/stock-poller/internal/models"
)

const alphaVantageBaseURL = "https://www.alphavantage.co"

// AlphaVantage fetches quotes from the Alpha Vantage GLOBAL_QUOTE endpoint.
type AlphaVantage struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  zerolog.Logger
}

// NewAlphaVantage constructs the Alpha Vantage adapter.
func NewAlphaVantage(apiKey string, timeout time.Duration, logger zerolog.Logger) (*AlphaVantage, error) {
	if apiKey == "" {
		return nil, models.WrapConfig(fmt.Errorf("alpha_vantage: api key is required"))
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &AlphaVantage{
		baseURL: alphaVantageBaseURL,
		apiKey:  apiKey,
		client:  newHTTPClient(timeout),
		logger:  logger,
	}, nil
}

// Name implements Source.
func (s *AlphaVantage) Name() string { return "alpha_vantage" }

type alphaVantageQuote struct {
	GlobalQuote map[string]string `json:"Global Quote"`
	// Note is set when the free-tier rate limit is hit.
	Note         string `json:"Note"`
	ErrorMessage string `json:"Error Message"`
}

// Fetch implements Source.
func (s *AlphaVantage) Fetch(ctx context.Context, symbol string) (models.Observation, error) {
	endpoint := fmt.Sprintf("%s/query?function=GLOBAL_QUOTE&symbol=%s&apikey=%s",
		s.baseURL, url.QueryEscape(symbol), url.QueryEscape(s.apiKey))
	body, err := httpGet(ctx, s.client, endpoint)
	if err != nil {
		return models.Observation{}, err
	}

	var quote alphaVantageQuote
	if err := json.Unmarshal(body, &quote); err != nil {
		return models.Observation{}, models.WrapTransient(fmt.Errorf("alpha_vantage: decode response: %v", err))
	}
	if quote.Note != "" {
		return models.Observation{}, models.WrapTransient(fmt.Errorf("alpha_vantage: rate limit note: %s", quote.Note))
	}
	if quote.ErrorMessage != "" {
		return models.Observation{}, models.WrapFatal(fmt.Errorf("alpha_vantage: %s", quote.ErrorMessage))
	}
	if len(quote.GlobalQuote) == 0 {
		return models.Observation{}, fmt.Errorf("%w: alpha_vantage returned no quote for %s", models.ErrNotFound, symbol)
	}

	fields := map[string]any{}
	if price, ok := parseQuoteFloat(quote.GlobalQuote, "05. price"); ok {
		fields["price"] = price
	}
	if open, ok := parseQuoteFloat(quote.GlobalQuote, "02. open"); ok {
		fields["open"] = open
	}
	if high, ok := parseQuoteFloat(quote.GlobalQuote, "03. high"); ok {
		fields["high"] = high
	}
	if low, ok := parseQuoteFloat(quote.GlobalQuote, "04. low"); ok {
		fields["low"] = low
	}
	if volume, ok := parseQuoteFloat(quote.GlobalQuote, "06. volume"); ok {
		fields["volume"] = volume
	}
	if len(fields) == 0 {
		return models.Observation{}, models.WrapTransient(fmt.Errorf("alpha_vantage: quote for %s carried no numeric fields", symbol))
	}

	capturedAt := time.Now().UTC()
	if day, ok := quote.GlobalQuote["07. latest trading day"]; ok {
		if parsed, err := time.Parse("2006-01-02", day); err == nil {
			capturedAt = parsed.UTC()
		}
	}

	return models.Observation{
		Symbol:     symbol,
		Fields:     fields,
		CapturedAt: capturedAt,
		Source:     s.Name(),
	}, nil
}

func parseQuoteFloat(quote map[string]string, key string) (float64, bool) {
	raw, ok := quote[key]
	if !ok {
		return 0, false
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return val, true
}

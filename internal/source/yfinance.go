package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/stock-poller/internal/models"
)

const yfinanceBaseURL = "https://query1.finance.yahoo.com"

// YFinance fetches quotes from the Yahoo Finance chart endpoint, which
// requires no API key.
type YFinance struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewYFinance constructs the Yahoo Finance adapter.
func NewYFinance(timeout time.Duration, logger zerolog.Logger) *YFinance {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &YFinance{
		baseURL: yfinanceBaseURL,
		client:  newHTTPClient(timeout),
		logger:  logger,
	}
}

// Name implements Source.
func (s *YFinance) Name() string { return "yfinance" }

type yfinanceChart struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol             string  `json:"symbol"`
				Currency           string  `json:"currency"`
				RegularMarketPrice float64 `json:"regularMarketPrice"`
				RegularMarketTime  int64   `json:"regularMarketTime"`
				PreviousClose      float64 `json:"chartPreviousClose"`
			} `json:"meta"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Fetch implements Source.
func (s *YFinance) Fetch(ctx context.Context, symbol string) (models.Observation, error) {
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?interval=1d&range=1d", s.baseURL, url.PathEscape(symbol))
	body, err := httpGet(ctx, s.client, endpoint)
	if err != nil {
		return models.Observation{}, err
	}

	var chart yfinanceChart
	if err := json.Unmarshal(body, &chart); err != nil {
		return models.Observation{}, models.WrapTransient(fmt.Errorf("yfinance: decode response: %v", err))
	}
	if chart.Chart.Error != nil {
		return models.Observation{}, models.WrapTransient(fmt.Errorf("yfinance: %s: %s", chart.Chart.Error.Code, chart.Chart.Error.Description))
	}
	if len(chart.Chart.Result) == 0 {
		return models.Observation{}, fmt.Errorf("%w: yfinance returned no result for %s", models.ErrNotFound, symbol)
	}

	meta := chart.Chart.Result[0].Meta
	capturedAt := time.Unix(meta.RegularMarketTime, 0).UTC()
	if meta.RegularMarketTime == 0 {
		capturedAt = time.Now().UTC()
	}

	return models.Observation{
		Symbol: symbol,
		Fields: map[string]any{
			"price":          meta.RegularMarketPrice,
			"previous_close": meta.PreviousClose,
			"currency":       meta.Currency,
		},
		CapturedAt: capturedAt,
		Source:     s.Name(),
	}, nil
}

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

const polygonBaseURL = "https://api.polygon.io"

// Polygon fetches previous-day aggregates from the Polygon.io REST API.
type Polygon struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  zerolog.Logger
}

// NewPolygon constructs the Polygon adapter.
func NewPolygon(apiKey string, timeout time.Duration, logger zerolog.Logger) (*Polygon, error) {
	if apiKey == "" {
		return nil, models.WrapConfig(fmt.Errorf("polygon: api key is required"))
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Polygon{
		baseURL: polygonBaseURL,
		apiKey:  apiKey,
		client:  newHTTPClient(timeout),
		logger:  logger,
	}, nil
}

// Name implements Source.
func (s *Polygon) Name() string { return "polygon" }

type polygonAggs struct {
	Status  string `json:"status"`
	Results []struct {
		Open      float64 `json:"o"`
		High      float64 `json:"h"`
		Low       float64 `json:"l"`
		Close     float64 `json:"c"`
		Volume    float64 `json:"v"`
		Timestamp int64   `json:"t"`
	} `json:"results"`
	Error string `json:"error"`
}

// Fetch implements Source.
func (s *Polygon) Fetch(ctx context.Context, symbol string) (models.Observation, error) {
	endpoint := fmt.Sprintf("%s/v2/aggs/ticker/%s/prev?adjusted=true&apiKey=%s",
		s.baseURL, url.PathEscape(symbol), url.QueryEscape(s.apiKey))
	body, err := httpGet(ctx, s.client, endpoint)
	if err != nil {
		return models.Observation{}, err
	}

	var aggs polygonAggs
	if err := json.Unmarshal(body, &aggs); err != nil {
		return models.Observation{}, models.WrapTransient(fmt.Errorf("polygon: decode response: %v", err))
	}
	if aggs.Error != "" {
		return models.Observation{}, models.WrapTransient(fmt.Errorf("polygon: %s", aggs.Error))
	}
	if len(aggs.Results) == 0 {
		return models.Observation{}, fmt.Errorf("%w: polygon returned no aggregates for %s", models.ErrNotFound, symbol)
	}

	agg := aggs.Results[0]
	capturedAt := time.UnixMilli(agg.Timestamp).UTC()
	if agg.Timestamp == 0 {
		capturedAt = time.Now().UTC()
	}

	return models.Observation{
		Symbol: symbol,
		Fields: map[string]any{
			"open":   agg.Open,
			"high":   agg.High,
			"low":    agg.Low,
			"price":  agg.Close,
			"volume": agg.Volume,
		},
		CapturedAt: capturedAt,
		Source:     s.Name(),
	}, nil
}

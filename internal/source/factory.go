package source

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/stock-poller/internal/config"
	"github.com/example/stock-poller/internal/models"
)

// New constructs the data source adapter selected by configuration.
func New(cfg config.SourceConfig, logger zerolog.Logger) (Source, error) {
	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second

	switch cfg.Type {
	case config.SourceYFinance:
		src := NewYFinance(timeout, logger)
		logger.Info().Str("source", src.Name()).Msg("data source initialised")
		return src, nil
	case config.SourceAlphaVantage:
		src, err := NewAlphaVantage(cfg.AlphaVantageAPIKey, timeout, logger)
		if err != nil {
			return nil, fmt.Errorf("factory: alpha_vantage source init: %w", err)
		}
		logger.Info().Str("source", src.Name()).Msg("data source initialised")
		return src, nil
	case config.SourcePolygon:
		src, err := NewPolygon(cfg.PolygonAPIKey, timeout, logger)
		if err != nil {
			return nil, fmt.Errorf("factory: polygon source init: %w", err)
		}
		logger.Info().Str("source", src.Name()).Msg("data source initialised")
		return src, nil
	default:
		return nil, models.WrapConfig(fmt.Errorf("factory: unsupported data source %q", cfg.Type))
	}
}

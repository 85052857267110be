package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/stock-poller/internal/breaker"
	"github.com/example/stock-poller/internal/config"
	"github.com/example/stock-poller/internal/deadletter"
	"github.com/example/stock-poller/internal/envelope"
	"github.com/example/stock-poller/internal/health"
	"github.com/example/stock-poller/internal/logger"
	"github.com/example/stock-poller/internal/metrics"
	"github.com/example/stock-poller/internal/poller"
	"github.com/example/stock-poller/internal/publisher"
	queuefactory "github.com/example/stock-poller/internal/queue/factory"
	"github.com/example/stock-poller/internal/ratelimit"
	"github.com/example/stock-poller/internal/source"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "stock-poller").Logger()

	m := metrics.New()

	tracker := health.NewTracker(logger.Component(baseLogger, "health"))
	healthSrv := health.NewServer(tracker, cfg.Health.Port)
	go func() {
		if err := healthSrv.Start(); err != nil {
			log.Error().Err(err).Msg("health server terminated")
		}
	}()

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(m, cfg.Metrics.Port)
		go func() {
			if err := metricsSrv.Start(); err != nil {
				log.Error().Err(err).Msg("metrics server terminated")
			}
		}()
		log.Info().Int("port", cfg.Metrics.Port).Msg("metrics server started")
	}

	backend, err := queuefactory.New(cfg.Queue, logger.Component(baseLogger, "queue"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise queue backend")
	}
	if err := backend.Connect(ctx); err != nil {
		// A broker outage at startup is not a configuration error; the
		// breaker and retry policy take over from here.
		log.Warn().Err(err).Msg("queue backend not reachable at startup, will retry on publish")
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close queue backend")
		}
	}()

	brk, err := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      time.Duration(cfg.Breaker.OpenSeconds) * time.Second,
		OnStateChange: func(from, to breaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			m.BreakerState.Set(float64(to))
			if to == breaker.StateClosed {
				tracker.ReportHealthy("breaker")
			} else {
				tracker.ReportDegraded("breaker", "circuit breaker "+to.String())
			}
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise circuit breaker")
	}

	sink := buildDeadLetterSink(ctx, cfg, baseLogger, log)

	pub, err := publisher.New(publisher.Config{
		MaxAttempts:       cfg.Retry.MaxAttempts,
		BaseBackoff:       time.Duration(cfg.Retry.BaseBackoffSeconds) * time.Second,
		MaxBackoff:        time.Duration(cfg.Retry.MaxBackoffSeconds) * time.Second,
		WorkerConcurrency: cfg.Retry.WorkerConcurrency,
	}, publisher.Dependencies{
		Backend:    backend,
		Breaker:    brk,
		DeadLetter: sink,
		Metrics:    m,
		Logger:     log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise publisher")
	}

	src, err := source.New(cfg.Source, logger.Component(baseLogger, "source"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise data source")
	}

	limiter, err := ratelimit.New(cfg.RateLimit.MaxRequests, time.Duration(cfg.RateLimit.WindowSeconds)*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise rate limiter")
	}

	pol, err := poller.New(poller.Config{
		Interval:               time.Duration(cfg.Poll.IntervalSeconds) * time.Second,
		Symbols:                cfg.Source.Symbols,
		MaxConsecutiveFailures: cfg.Poll.MaxConsecutiveFailures,
		BaseBackoff:            time.Duration(cfg.Retry.BaseBackoffSeconds) * time.Second,
		MaxBackoff:             time.Duration(cfg.Retry.MaxBackoffSeconds) * time.Second,
	}, poller.Dependencies{
		Source:     src,
		Limiter:    limiter,
		Codec:      envelope.NewCodec(nil),
		Submitter:  pub,
		Health:     tracker,
		DeadLetter: sink,
		Metrics:    m,
		Logger:     log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise poller")
	}

	// Publish workers outlive the poll loop by the shutdown grace period so
	// in-flight envelopes can finish delivery.
	grace := time.Duration(cfg.App.ShutdownGraceSeconds) * time.Second
	deliveryCtx, cancelDelivery := context.WithCancel(context.Background())
	defer cancelDelivery()

	pub.Start(deliveryCtx)
	pol.Start(ctx)
	tracker.SetReady()
	log.Info().
		Str("source", cfg.Source.Type).
		Str("queue_type", cfg.Queue.Type).
		Msg("stock poller started")

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	stopCtx, cancelStop := context.WithTimeout(context.Background(), grace)
	defer cancelStop()
	if err := pol.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Msg("poller did not stop within grace period")
	}

	go func() {
		<-time.After(grace)
		cancelDelivery()
	}()
	pub.Stop()

	if qs, ok := sink.(*deadletter.QueueSink); ok {
		qs.Close()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	_ = healthSrv.Shutdown(shutdownCtx)

	log.Info().Msg("stock poller stopped")
}

// buildDeadLetterSink prefers a queue destination for dead letters and falls
// back to the structured log when none is configured or reachable.
func buildDeadLetterSink(ctx context.Context, cfg *config.Config, baseLogger *zerolog.Logger, log zerolog.Logger) deadletter.Sink {
	dlqLogger := logger.Component(baseLogger, "deadletter")

	dlqBackend, err := queuefactory.NewDeadLetter(cfg.Queue, dlqLogger)
	if err != nil {
		log.Warn().Err(err).Msg("dead-letter backend init failed, using log sink")
		return deadletter.NewLogSink(dlqLogger)
	}
	if dlqBackend == nil {
		return deadletter.NewLogSink(dlqLogger)
	}
	if err := dlqBackend.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("dead-letter backend not reachable at startup, will retry on flush")
	}

	sink := deadletter.NewQueueSink(dlqBackend, 256, dlqLogger)
	sink.Start()
	return sink
}

func fail(stage string, err error) {
	lg := zerolog.New(os.Stdout).With().Timestamp().Logger()
	lg.Fatal().Err(err).Str("stage", stage).Msg("stock poller init failed")
}

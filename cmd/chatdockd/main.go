package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chatdock/internal/catalog"
	"chatdock/internal/config"
	"chatdock/internal/credentials"
	"chatdock/internal/dispatch"
	"chatdock/internal/ratelimit"
	"chatdock/internal/services"
	"chatdock/internal/store"
)

const healthProbeInterval = 5 * time.Minute

// app holds the wired core; transports attach to it out of process scope.
type app struct {
	registry      *services.ProviderRegistry
	conversations *services.ConversationService
	engine        *dispatch.Engine
	logger        zerolog.Logger
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("no .env file found")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("loading configuration")
	}

	secrets, err := credentials.NewStore(cfg.CredentialsFile, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("opening credential store")
	}

	st, err := store.New(cfg.DataDir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("opening data store")
	}

	cat := catalog.New()
	limiter := ratelimit.New(logger)
	stats := dispatch.NewStats()

	registry, err := services.NewProviderRegistry(cfg.DataDir, secrets, logger, limiter, stats)
	if err != nil {
		logger.Fatal().Err(err).Msg("opening provider registry")
	}

	// Per-attempt deadlines come from provider config, not the shared client.
	httpClient := &http.Client{}
	engine := dispatch.NewEngine(registry, secrets, cat, limiter, stats, httpClient, cfg.HealthProbeTimeout, logger)

	a := &app{
		registry:      registry,
		conversations: services.NewConversationService(st, registry, engine, cat, cfg, logger),
		engine:        engine,
		logger:        logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.probeLoop(ctx)

	logger.Info().
		Str("data_dir", cfg.DataDir).
		Str("default_model", cfg.DefaultModel).
		Msg("chatdock core ready")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info().Msg("shutting down")
}

// probeLoop refreshes health snapshots for every active provider.
func (a *app) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		providers, derr := a.registry.ListProviders()
		if derr != nil {
			a.logger.Warn().Err(derr).Msg("listing providers for health probe")
			continue
		}
		for _, p := range providers {
			if !p.Active {
				continue
			}
			health, derr := a.engine.CheckProviderHealth(ctx, p.ID)
			if derr != nil {
				a.logger.Warn().Str("provider_id", p.ID).Str("kind", string(derr.Kind)).Msg("health probe failed")
				continue
			}
			a.logger.Debug().
				Str("provider_id", p.ID).
				Str("status", string(health.Status)).
				Dur("latency", health.LastResponseTime).
				Msg("health probe")
		}
	}
}

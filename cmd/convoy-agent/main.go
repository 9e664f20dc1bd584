package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/convoy/internal/agent"
	"github.com/3cpo-dev/convoy/internal/env"
	"github.com/3cpo-dev/convoy/internal/telemetry"
)

var version = "dev"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("service", "convoy-agent").Logger()
	if lvl, err := zerolog.ParseLevel(env.String("CONVOY_LOG_LEVEL", "info")); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	addr := env.String("CONVOY_AGENT_ADDR", ":8088")
	telemetry.InitGlobal(telemetry.Config{
		Enabled:  true,
		Endpoint: env.String("CONVOY_OTLP_ENDPOINT", ""),
		Service:  "convoy-agent",
		Version:  version,
	})
	srv := &agent.Server{Version: version, Token: env.String("CONVOY_AGENT_TOKEN", "")}
	if srv.Token == "" {
		log.Warn().Msg("CONVOY_AGENT_TOKEN is not set; exec requests are not authenticated")
	}
	tlsCfg, err := agent.LoadMTLSConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("load tls config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		if tlsCfg.Enabled() {
			errc <- srv.ListenAndServeTLS(addr, tlsCfg)
			return
		}
		errc <- srv.ListenAndServe(addr)
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("agent stopped")
		}
	case <-ctx.Done():
		log.Info().Msg("convoy-agent shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
		if err := telemetry.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("flush telemetry")
		}
	}
}

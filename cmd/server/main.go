package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avoss/huddle/internal/adapters/engine"
	router "github.com/avoss/huddle/internal/adapters/http"
	"github.com/avoss/huddle/internal/app"
	"github.com/avoss/huddle/internal/config"
	"github.com/avoss/huddle/internal/domain"

	"github.com/pion/webrtc/v4"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	eng := engine.New(engine.Config{
		ListenIP:    cfg.WebRTC.ListenIP,
		AnnouncedIP: cfg.WebRTC.AnnouncedIP,
		MinPort:     cfg.WebRTC.MinPort,
		MaxPort:     cfg.WebRTC.MaxPort,
		Codecs:      codecsFromConfig(cfg.WebRTC.Codecs),
	})
	orch := app.NewOrchestrator(eng)

	r := router.SetupRouter(ctx, cfg, orch)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("huddle server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited gracefully")
}

// codecsFromConfig maps config entries to the engine's codec table; an
// empty config falls back to the engine defaults.
func codecsFromConfig(entries []config.CodecConfig) []engine.Codec {
	out := make([]engine.Codec, 0, len(entries))
	for _, e := range entries {
		out = append(out, engine.Codec{
			Kind: domain.MediaKind(e.Kind),
			Capability: webrtc.RTPCodecCapability{
				MimeType:    e.MimeType,
				ClockRate:   e.ClockRate,
				Channels:    e.Channels,
				SDPFmtpLine: e.Parameters,
			},
		})
	}
	return out
}

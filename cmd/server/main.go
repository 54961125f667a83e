package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/wapuda/vastreel/internal/clickurl"
	"github.com/wapuda/vastreel/internal/compositor"
	"github.com/wapuda/vastreel/internal/config"
	"github.com/wapuda/vastreel/internal/deliver"
	"github.com/wapuda/vastreel/internal/logx"
	"github.com/wapuda/vastreel/internal/pipeline"
	"github.com/wapuda/vastreel/internal/server"
	"github.com/wapuda/vastreel/internal/source"
	"github.com/wapuda/vastreel/internal/version"
)

func main() {
	c, err := config.Load()
	logx.Setup(logx.FromEnv("server"))
	if err != nil {
		log.Fatal().Err(err).Msg("loading configuration")
	}
	log.Info().Str("version", version.Get().String()).Str("config", c.String()).Msg("server starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", c.DataDir).Msg("creating data dir")
	}

	// runs re-probe until a compositor is found
	var runner compositor.Runner
	if bin, err := compositor.Probe(ctx, c.Compositor); err != nil {
		log.Error().Err(err).Msg("compositor unavailable")
	} else {
		runner = compositor.NewExecutor(bin)
	}

	var notifier deliver.Notifier
	tg, err := deliver.NewTelegram(c.Telegram)
	switch {
	case err != nil:
		log.Error().Err(err).Msg("telegram delivery disabled")
	case tg != nil:
		notifier = tg
		log.Info().Int64("chat_id", c.Telegram.ChatID).Msg("telegram delivery enabled")
	}

	p := pipeline.New(c, clickurl.New(c.Resolver), runner, pipeline.ProbeLocator(c.Compositor), notifier)
	srv := server.New(c, source.NewLoader(c), p, version.Get().GitVersion)

	ln, err := net.Listen("tcp", c.HTTPAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", c.HTTPAddr).Msg("listen")
	}
	if err := srv.Run(ctx, ln); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
	log.Info().Msg("server stopped")
}

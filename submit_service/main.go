package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/niczy/gitsubmit/internal/config"
	"github.com/niczy/gitsubmit/internal/logging"
	"github.com/niczy/gitsubmit/internal/server"
	submitservice "github.com/niczy/gitsubmit/internal/services/submit"
)

func main() {
	cfg, err := config.Load(os.Getenv("GITSUBMIT_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Pretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := server.Build(ctx, cfg, server.Options{})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build server")
	}
	defer stack.Close()

	lis, err := net.Listen("tcp", cfg.Server.SubmitAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to listen")
	}

	s := submitservice.NewGRPCServer(stack)
	go func() {
		if err := stack.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Project config watcher stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()

	log.Info().Str("addr", cfg.Server.SubmitAddr).Int("workers", stack.Pool.Workers()).Msg("SubmitService server listening")
	if err := s.Serve(lis); err != nil {
		log.Fatal().Err(err).Msg("Failed to serve")
	}
}

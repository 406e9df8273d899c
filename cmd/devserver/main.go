package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/voltwork/messaging/internal/auth"
	"github.com/voltwork/messaging/internal/config"
	"github.com/voltwork/messaging/internal/devserver"
	"github.com/voltwork/messaging/internal/logging"
	"github.com/voltwork/messaging/internal/messaging"
	"github.com/voltwork/messaging/internal/metrics"
)

// Usage:
//
//	devserver              serve
//	devserver token <user> print a session token for user
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Log.ServiceName == "" {
		cfg.Log.ServiceName = "devserver"
	}
	logging.Init(cfg.Log)
	logger := logging.L()

	if len(os.Args) > 2 && os.Args[1] == "token" {
		tok, err := auth.IssueToken([]byte(cfg.DevServer.JWTSecret), os.Args[2], "citizen", 24*time.Hour)
		if err != nil {
			logger.Fatal().Err(err).Msg("issue token")
		}
		fmt.Println(tok)
		return
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	srvCfg := devserver.DefaultConfig()
	srvCfg.Address = cfg.DevServer.Address
	srvCfg.Secret = []byte(cfg.DevServer.JWTSecret)
	srvCfg.HeartbeatInterval = cfg.DevServer.HeartbeatInterval
	srvCfg.PollTimeout = cfg.DevServer.PollTimeout

	server := devserver.New(srvCfg, logger)

	// NATS is optional for local development.
	natsCfg := messaging.DefaultNATSConfig()
	natsCfg.URL = cfg.Realtime.NATSURL
	natsCfg.Name = "voltwork-devserver"
	natsClient, err := messaging.NewNATSClient(natsCfg, logger)
	if err != nil {
		logger.Warn().Err(err).Str("url", natsCfg.URL).Msg("nats unavailable, bridge disabled")
	} else {
		defer natsClient.Close()
		if err := server.ServeNATS(natsClient); err != nil {
			logger.Fatal().Err(err).Msg("start nats bridge")
		}
	}

	logger.Info().
		Str("addr", srvCfg.Address).
		Dur("heartbeat_interval", srvCfg.HeartbeatInterval).
		Dur("poll_timeout", srvCfg.PollTimeout).
		Bool("nats", natsClient != nil).
		Msg("voltwork dev server starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gCtx)
	})
	if cfg.Metrics.Address != "" {
		g.Go(func() error {
			return metrics.Serve(gCtx, cfg.Metrics.Address)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("dev server stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("dev server exited")
}

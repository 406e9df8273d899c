package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voltwork/messaging/internal/api"
	"github.com/voltwork/messaging/internal/auth"
	"github.com/voltwork/messaging/internal/config"
	"github.com/voltwork/messaging/internal/connection"
	"github.com/voltwork/messaging/internal/conversation"
	"github.com/voltwork/messaging/internal/events"
	"github.com/voltwork/messaging/internal/logging"
	"github.com/voltwork/messaging/internal/metrics"
	"github.com/voltwork/messaging/internal/notify"
	"github.com/voltwork/messaging/internal/transport"
	"github.com/voltwork/messaging/internal/ui"
)

const (
	tokenEnv        = "VOLTWORK_TOKEN"
	pushTokenEnv    = "VOLTWORK_PUSH_TOKEN"
	launchConvEnv   = "VOLTWORK_LAUNCH_CONVERSATION"
	registerBackoff = time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Log.ServiceName == "" {
		cfg.Log.ServiceName = "chatclient"
	}
	logging.Init(cfg.Log)
	logger := logging.L()

	var tokens auth.TokenSource = auth.EnvToken(tokenEnv)
	if cfg.Auth.TokenFile != "" {
		tokens = auth.NewFileStore(cfg.Auth.TokenFile)
	}

	store, closeStore, err := newStore(cfg.Notifications)
	if err != nil {
		logger.Fatal().Err(err).Msg("open notification store")
	}
	defer closeStore()

	router := events.NewRouter(logger)

	connCfg := connection.DefaultConfig()
	connCfg.URL = cfg.Realtime.URL
	connCfg.Transports = cfg.Realtime.Transports
	connCfg.ReconnectAttempts = cfg.Realtime.ReconnectAttempts
	connCfg.ReconnectDelay = cfg.Realtime.ReconnectDelay
	connCfg.ConnectTimeout = cfg.Realtime.ConnectTimeout
	connCfg.GraceWindow = cfg.Realtime.GraceWindow
	connCfg.GraceAttempts = cfg.Realtime.GraceAttempts

	dialers := []transport.Dialer{
		transport.PollingDialer{},
		transport.WebSocketDialer{},
		transport.NATSDialer{URL: cfg.Realtime.NATSURL, Logger: logger},
	}
	manager := connection.NewManager(connCfg, tokens, dialers, router.HandleRaw, logger)
	defer manager.Disconnect()

	backend := api.NewClient(cfg.API.URL, cfg.API.Timeout, tokens, logger)
	console := ui.NewConsole(os.Stdout)
	nav := newNavigator(console)
	user := notify.TokenUser(tokens)

	dispatcher := notify.NewDispatcher(router, store, console, nav, user, logger)
	dispatcher.Start()
	defer dispatcher.Stop()

	device := &notify.StaticDevice{Token: os.Getenv(pushTokenEnv)}
	if conv := os.Getenv(launchConvEnv); conv != "" {
		device.Launch = map[string]string{"conversationId": conv}
	}
	launcher := notify.NewLauncher(nav, device, cfg.Notifications.LaunchDelay, logger)
	registrar := notify.NewRegistrar(device, backend, cfg.Notifications.RegistrationRetries, registerBackoff, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if manager.Connect(ctx) {
		logger.Info().Str(logging.FieldTransport, manager.Transport()).Msg("realtime connected")
	} else {
		logger.Warn().Msg("realtime unavailable, messages will be sent over REST")
	}
	registrar.RegisterAsync(ctx)

	app := &app{
		ctx:        ctx,
		logger:     logger,
		out:        os.Stdout,
		manager:    manager,
		client:     conversation.NewClient(manager, logger),
		router:     router,
		backend:    backend,
		console:    console,
		dispatcher: dispatcher,
		store:      store,
		user:       user,
		nav:        nav,
	}

	g, gCtx := errgroup.WithContext(ctx)
	if cfg.Metrics.Address != "" {
		g.Go(func() error {
			return metrics.Serve(gCtx, cfg.Metrics.Address)
		})
	}
	g.Go(func() error {
		app.followLinks(gCtx)
		return nil
	})
	g.Go(func() error {
		launcher.CheckInitial(gCtx, nav.ready)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return app.repl(os.Stdin)
	})

	nav.markReady()
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("chat client stopped with error")
	}
	app.closeConversation()
}

// newStore opens the configured notification store.
func newStore(cfg config.NotificationsConfig) (notify.Store, func(), error) {
	if cfg.Store == "redis" {
		rs, err := notify.NewRedisStore(cfg.RedisAddress, cfg.RedisDB, cfg.MaxRecords)
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { _ = rs.Close() }, nil
	}
	return notify.NewMemoryStore(cfg.MaxRecords), func() {}, nil
}

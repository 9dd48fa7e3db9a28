package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/gogo/relay/internal/bus"
	"github.com/xiaot623/gogo/relay/internal/config"
	internalhttp "github.com/xiaot623/gogo/relay/internal/http"
	"github.com/xiaot623/gogo/relay/internal/hub"
	"github.com/xiaot623/gogo/relay/internal/logging"
	"github.com/xiaot623/gogo/relay/internal/metrics"
	"github.com/xiaot623/gogo/relay/internal/policy"
	"github.com/xiaot623/gogo/relay/internal/relay"
	"github.com/xiaot623/gogo/relay/internal/store"
	"github.com/xiaot623/gogo/relay/internal/upstream"
	"github.com/xiaot623/gogo/relay/internal/webhook"
	"github.com/xiaot623/gogo/relay/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	logger := logging.Component("main")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("relay stopped with error")
	}
	logger.Info().Msg("relay stopped")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().
		Int("ws_port", cfg.WSPort).
		Int("http_port", cfg.HTTPPort).
		Str("upstream", cfg.Upstream.BaseURL).
		Str("session_store", cfg.SessionStore).
		Msg("starting relay")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()
	b := bus.New(logging.Component("bus"))
	defer b.Close()

	client := upstream.NewClient(upstream.Config{
		BaseURL:             cfg.Upstream.BaseURL,
		OrgID:               cfg.Upstream.OrgID,
		DeveloperName:       cfg.Upstream.DeveloperName,
		CapabilitiesVersion: cfg.Upstream.CapabilitiesVersion,
		Platform:            cfg.Upstream.Platform,
		Language:            cfg.Upstream.Language,
		Timeout:             cfg.Upstream.Timeout,
	})

	rl := relay.New(client, st, b, m, relay.Options{
		Reconnect:      cfg.Stream.Reconnect,
		InitialBackoff: cfg.Stream.InitialBackoff,
		MaxBackoff:     cfg.Stream.MaxBackoff,
		MaxElapsed:     cfg.Stream.MaxElapsed,
	})
	defer rl.Close()

	connectionHub := hub.NewHub(
		hub.WithMetrics(m),
		hub.WithIdleTeardown(cfg.SessionIdleTimeout, func(sessionID string) {
			teardownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := rl.Teardown(teardownCtx, sessionID, "idle"); err != nil {
				logger.Warn().Err(err).Str("session_id", sessionID).Msg("idle teardown failed")
			}
		}),
	)

	engine, err := policy.Load(ctx, cfg.PolicyFile)
	if err != nil {
		return errors.Wrap(err, "load webhook policy")
	}
	ingestor := webhook.NewIngestor(engine, st, b, m)

	g, gctx := errgroup.WithContext(ctx)

	// Subscribe before any server starts so no delivery is published into
	// a bus without subscribers.
	messages, err := b.Subscribe(gctx)
	if err != nil {
		return errors.Wrap(err, "subscribe to bus")
	}
	forwarder := ws.NewForwarder(connectionHub)

	wsEcho := internalhttp.NewEcho("ws")
	ws.NewServer(cfg, connectionHub, rl).Register(wsEcho)

	httpServer := internalhttp.NewServer(connectionHub, ingestor, st, rl, m)

	g.Go(func() error {
		connectionHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		forwarder.Consume(messages)
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.WSPort)
		logger.Info().Str("addr", addr).Msg("websocket server listening")
		if err := wsEcho.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "websocket server")
		}
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		logger.Info().Str("addr", addr).Msg("internal http server listening")
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "internal http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down relay")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := wsEcho.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("failed to shutdown websocket server gracefully")
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("failed to shutdown http server gracefully")
		}
		return nil
	})

	return g.Wait()
}

func openStore(cfg *config.Config) (store.SessionStore, error) {
	switch cfg.SessionStore {
	case "sqlite":
		st, err := store.NewSQLiteStore(cfg.SQLiteDSN)
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite session store")
		}
		return st, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/KoHat1998/livenix-bridge/internal/bridge"
	"github.com/KoHat1998/livenix-bridge/internal/config"
	"github.com/KoHat1998/livenix-bridge/internal/httpserver"
	"github.com/KoHat1998/livenix-bridge/internal/mediaengine"
	"github.com/KoHat1998/livenix-bridge/internal/metrics"
	"github.com/KoHat1998/livenix-bridge/internal/signaling"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	engineCfg := mediaengine.EngineConfig{
		AnnouncedIP: cfg.AnnouncedIP,
		Logger:      logger,
	}
	if cfg.UDPPortRange != nil {
		engineCfg.UDPPortMin = cfg.UDPPortRange.Min
		engineCfg.UDPPortMax = cfg.UDPPortRange.Max
	}

	// Construct the engine early so misconfigurations are caught on startup.
	// No sockets open until peers create transports.
	router, err := mediaengine.NewRouter(engineCfg)
	if err != nil {
		logger.Error("failed to configure media router", "err", err)
		os.Exit(2)
	}
	api, err := mediaengine.NewPlainAPI(engineCfg)
	if err != nil {
		logger.Error("failed to configure plain ingestion", "err", err)
		os.Exit(2)
	}

	logger.Info("starting livenix-bridge",
		"listen_addr", cfg.ListenAddr,
		"announced_ip", cfg.AnnouncedIP,
		"max_peers", cfg.MaxPeers,
		"ws_idle_timeout", cfg.SignalingWSIdleTimeout,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
	)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	coord := bridge.NewCoordinator(bridge.Config{
		Router:   router,
		Logger:   logger,
		Metrics:  m,
		MaxPeers: cfg.MaxPeers,
	})

	srv := httpserver.New(cfg, logger, m)
	sig := signaling.New(signaling.Options{
		Config:      cfg,
		Logger:      logger,
		Coordinator: coord,
		Router:      router,
		API:         api,
		Metrics:     m,
	})
	sig.RegisterRoutes(srv.Mux())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		_ = router.Close()
		if err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	_ = router.Close()

	if err := <-errCh; err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rcourtman/entitle/internal/auth"
	"github.com/rcourtman/entitle/internal/entitlement"
	"github.com/rcourtman/entitle/internal/gateway"
	"github.com/rcourtman/entitle/internal/logging"
	"github.com/rcourtman/entitle/internal/registry"
	"github.com/rs/zerolog/log"
)

// Run starts the entitlement HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "entitle",
	})

	log.Info().Str("version", version).Msg("Starting entitlement server")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	reg, err := registry.NewEntitlementRegistry(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open entitlement registry: %w", err)
	}
	defer reg.Close()

	gw := gateway.NewStripeGateway(cfg.StripeAPIKey)
	svc := entitlement.NewService(reg, gw, cfg.EntitlementConfig())
	authenticator := auth.NewAuthenticator(cfg.JWTSecret, reg)

	mux := http.NewServeMux()
	RegisterRoutes(mux, &Deps{
		Config:   cfg,
		Registry: reg,
		Service:  svc,
		Auth:     authenticator,
		Version:  version,
	})

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           RequestContext(SecurityHeaders(mux)),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Derived context for background goroutines
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Start the entitlement sweeper
	sweeper := entitlement.NewSweeper(svc, cfg.SweepInterval)
	go sweeper.Run(ctx)

	// Start server in background
	go func() {
		log.Info().Str("addr", addr).Msg("Entitlement server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
		}
	}()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("Entitlement server stopped")
	return nil
}

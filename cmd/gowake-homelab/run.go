package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fgeck/gowake-homelab/internal/config"
	"github.com/fgeck/gowake-homelab/internal/metrics"
	"github.com/fgeck/gowake-homelab/internal/models"
	"github.com/fgeck/gowake-homelab/internal/services/runner"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bot",
	Long: `Run the bot until interrupted:
1. Log in to Discord
2. Wait for the gateway to settle
3. Find the configured server and channel
4. Purge old messages from the channel
5. Post the instructions and one message per device
6. Probe every device and show its state
7. Handle wake and shutdown reactions while probing periodically`,
	RunE: runBot,
}

func runBot(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	// Load configuration
	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return err
	}

	// Validate configuration
	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return err
	}

	unusable := config.UnusableMACs(cfg)
	for _, dev := range cfg.Devices {
		if err, ok := unusable[dev.Name]; ok {
			log.Warn().Err(err).Str("device", dev.Name).Msg("device cannot be woken")
		}
	}

	log.Info().
		Str("config", configFile).
		Int("devices", len(cfg.Devices)).
		Dur("interval", cfg.StatusCheckInterval).
		Msg("configuration loaded")

	// Set up context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
		cancel()
	}()

	runnerSvc, err := runner.New(log.Logger, *cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to create bot")
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics != nil {
		serveMetrics(gctx, g, cfg.Metrics)
	}

	g.Go(func() error {
		defer cancel()
		return runnerSvc.Run(gctx, *cfg)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("bot stopped")
		return err
	}

	log.Info().Msg("bot stopped")
	return nil
}

func serveMetrics(ctx context.Context, g *errgroup.Group, cfg *models.MetricsConfig) {
	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler(reg))

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		log.Info().Str("listen", cfg.Listen).Msg("serving metrics")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

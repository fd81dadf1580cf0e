package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/timzifer/patchbay/config"
	"github.com/timzifer/patchbay/internal/logging"
	"github.com/timzifer/patchbay/internal/reload"
	"github.com/timzifer/patchbay/service"
	"github.com/timzifer/patchbay/telemetry"
)

func main() {
	cfgPath := flag.String("config", "patchbay.yaml", "Path to configuration file")
	healthcheck := flag.Bool("healthcheck", false, "Validate configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if *healthcheck {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *healthcheck {
		fmt.Println("configuration ok")
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	collector, err := newTelemetryCollector(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
		collector = telemetry.Noop()
	}
	if cfg.Telemetry.Enabled && cfg.Telemetry.Listen != "" {
		go serveMetrics(cfg.Telemetry.Listen)
	}

	if cfg.HotReload {
		err = runWithHotReload(ctx, *cfgPath, cfg, collector)
	} else {
		err = run(ctx, cfg, collector)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("daemon stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, collector telemetry.Collector) error {
	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer cleanup()
	log.Logger = logger

	srv, err := service.New(serviceSettings(cfg), logger, collector)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	defer srv.Close()
	return srv.Run(ctx)
}

func runWithHotReload(ctx context.Context, cfgPath string, initialCfg *config.Config, collector telemetry.Collector) error {
	watcher, err := reload.NewWatcher(cfgPath)
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	cfg := initialCfg
	for {
		logger, cleanup, err := logging.Setup(cfg.Logging)
		if err != nil {
			return fmt.Errorf("setup logger: %w", err)
		}
		log.Logger = logger

		srv, err := service.New(serviceSettings(cfg), logger, collector)
		if err != nil {
			cleanup()
			return fmt.Errorf("create service: %w", err)
		}

		runCtx, cancelRun := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Run(runCtx)
		}()

		reloaded := false
	loop:
		for {
			select {
			case <-ctx.Done():
				cancelRun()
				err := <-errCh
				srv.Close()
				cleanup()
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return ctx.Err()
			case err := <-errCh:
				cancelRun()
				srv.Close()
				cleanup()
				return err
			case <-ticker.C:
				changed, err := watcher.Check()
				if err != nil {
					logger.Error().Err(err).Msg("failed to check configuration changes")
					continue
				}
				if !changed {
					continue
				}
				newCfg, err := config.Load(cfgPath)
				if err != nil {
					logger.Error().Err(err).Msg("failed to reload configuration")
					continue
				}
				cancelRun()
				if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
					logger.Error().Err(err).Msg("service stopped during reload")
				}
				srv.Close()
				cleanup()
				if err := watcher.Update(); err != nil {
					logger.Error().Err(err).Msg("failed to update watcher state")
				}
				cfg = newCfg
				reloaded = true
				break loop
			}
		}
		if !reloaded {
			return nil
		}
		log.Info().Str("config", watcher.Path()).Msg("configuration reloaded")
	}
}

func serviceSettings(cfg *config.Config) service.Settings {
	return service.Settings{
		ControlSocket:   cfg.Service.ControlSocket,
		TransferSocket:  cfg.Service.TransferSocket,
		RegionName:      cfg.Service.RegionName,
		RegionSize:      cfg.Service.RegionSize,
		ProtocolVersion: cfg.Service.ProtocolVersion,
		SampleRate:      cfg.Service.SampleRate,
		BufferSize:      cfg.Service.BufferSize,
		MaxModules:      cfg.Service.MaxModules,
	}
}

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "prometheus":
		return telemetry.NewPrometheusCollector(nil)
	default:
		return telemetry.Noop(), fmt.Errorf("unsupported telemetry provider %q", cfg.Provider)
	}
}

func serveMetrics(listen string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(listen, mux); err != nil {
		log.Error().Err(err).Str("listen", listen).Msg("metrics endpoint stopped")
	}
}

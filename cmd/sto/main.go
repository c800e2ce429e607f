// Command sto runs the sponsored transaction orchestrator.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"confio/config"
	"confio/observability/logging"
	telemetry "confio/observability/otel"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to a YAML or TOML configuration file (environment only when empty)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("sto: load config: %v", err)
	}

	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Service:    cfg.Otel.ServiceName,
		Env:        cfg.Environment,
		Debug:      cfg.VerboseLogs,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logCloser.Close()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(rootCtx, telemetry.Config{
		ServiceName: cfg.Otel.ServiceName,
		Environment: cfg.Environment,
		Network:     cfg.NetworkName,
		Sponsor:     cfg.SponsorAddress,
		Endpoint:    cfg.Otel.Endpoint,
		Insecure:    cfg.Otel.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Otel.Headers),
		Metrics:     cfg.Otel.Metrics,
		Traces:      cfg.Otel.Traces,
	})
	if err != nil {
		log.Fatalf("sto: init telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	app, err := build(rootCtx, cfg, logger)
	if err != nil {
		logger.Error("sto: startup failed", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		app.dispatcher.Run(ctx)
		return nil
	})
	g.Go(func() error {
		app.scheduler.Start(ctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("sto listening", "addr", cfg.Listen, "network", cfg.NetworkName, "sponsor", cfg.SponsorAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("sto: exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("sto stopped")
}

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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/edvin/rollout/internal/api"
	"github.com/edvin/rollout/internal/api/handler"
	"github.com/edvin/rollout/internal/config"
	"github.com/edvin/rollout/internal/credentials"
	"github.com/edvin/rollout/internal/engine"
	"github.com/edvin/rollout/internal/history"
	"github.com/edvin/rollout/internal/logging"
	"github.com/edvin/rollout/internal/metrics"
	"github.com/edvin/rollout/internal/model"
	"github.com/edvin/rollout/internal/registry"
	"github.com/edvin/rollout/internal/remote"
	"github.com/edvin/rollout/internal/rollback"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("deployd"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, pool, err := history.Open(ctx, logger, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open history stores")
	}
	var lookup handler.Lookup
	checks := map[string]api.Pinger{}
	if pool != nil {
		defer pool.Close()
		if err := metrics.RegisterPgxPoolMetrics(prometheus.DefaultRegisterer, pool); err != nil {
			logger.Fatal().Err(err).Msg("failed to register pool metrics")
		}
		lookup = history.NewPostgresStore(pool)
		checks["history_db"] = pool
	}

	resolver := credentials.NewResolver()
	exec, err := remote.NewSSHExecutor(logger, resolver, remote.SSHConfig{
		KnownHostsFile:        cfg.SSHKnownHosts,
		InsecureIgnoreHostKey: cfg.SSHInsecureIgnoreHostKey,
		DialTimeout:           cfg.SSHDialTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create ssh executor")
	}
	defer exec.Close()

	tracker := engine.NewTracker(0)
	eng := engine.New(logger, exec,
		registry.NewDockerClient(logger, exec, resolver, 2*time.Minute),
		rollback.NewController(logger, exec, rollback.Options{}),
		engine.Options{},
	).WithObserver(tracker)
	if stores.Len() > 0 {
		eng.WithHistory(stores)
	}

	deployments := handler.NewDeployment(ctx, logger, eng, tracker, lookup, handler.TargetDefaults{
		SSHUser:       cfg.DefaultSSHUser,
		SSHCredential: model.CredentialHandle(cfg.DefaultSSHCredential),
	})
	srv := api.NewServer(logger, cfg.APIToken, deployments, checks)

	tlsConfig, err := cfg.ServerTLS()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure TLS")
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           srv,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	metricsServer := metrics.NewServer(cfg.MetricsListenAddr)

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Bool("tls", tlsConfig != nil).Msg("starting deployd API server")
		var err error
		if tlsConfig != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()
	go func() {
		logger.Info().Str("addr", cfg.MetricsListenAddr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)

	// In-flight deployments see a canceled context and roll back.
	cancel()
	deployments.Wait()
	logger.Info().Msg("deployd stopped")
}

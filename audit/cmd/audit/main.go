package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/auth"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/broadcast"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/config"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/filemirror"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/handlers"
	auditnats "github.com/telhawk-systems/telhawk-audit/audit/internal/nats"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/repository"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/server"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/service"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/stats"
	"github.com/telhawk-systems/telhawk-audit/common/logging"
	"github.com/telhawk-systems/telhawk-audit/common/messaging"

	natsclient "github.com/telhawk-systems/telhawk-audit/common/messaging/nats"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("audit"))
	logging.SetDefault(logger)

	slog.Info("Starting Audit service",
		slog.Int("port", cfg.Server.Port),
		slog.String("storage_backend", cfg.Storage.Backend),
		slog.String("nats_url", cfg.NATS.URL),
		slog.Bool("jetstream", cfg.NATS.JetStream.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)
	if *configPath != "" {
		slog.Info("Loaded configuration", slog.String("config_path", *configPath))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event store
	repo, err := repository.Open(ctx, cfg.RepositoryConfig())
	if err != nil {
		log.Fatalf("Failed to open %s repository: %v", cfg.Storage.Backend, err)
	}
	defer repo.Close()

	// File mirror
	var mirror *filemirror.Mirror
	if cfg.FileMirror.Enabled {
		mirror = filemirror.New(cfg.FileMirror.Path)
		slog.Info("File mirror enabled", slog.String("path", cfg.FileMirror.Path))
	} else {
		slog.Info("File mirror disabled - FULL_STORE and FILE_STORE events are not written to disk")
	}

	bc := broadcast.New(cfg.Notifications.BufferSize)

	// Per-application stats
	var (
		statsClient *stats.Client
		collector   *stats.Collector
	)
	if cfg.Redis.Enabled {
		instanceID := cfg.Redis.InstanceID
		if instanceID == "" {
			hostname, _ := os.Hostname()
			instanceID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
		}
		statsClient, err = stats.NewClient(cfg.Redis.URL, instanceID)
		if err != nil {
			slog.Warn("Failed to initialize audit stats, continuing without them", logging.Error(err))
		} else {
			collector = stats.NewCollector(statsClient, cfg.Redis.FlushInterval, logger.Logger)
			slog.Info("Audit stats enabled",
				slog.String("instance", instanceID),
				slog.Duration("flush_interval", cfg.Redis.FlushInterval))
		}
	} else {
		slog.Info("Redis disabled - per-application stats will not be collected")
	}

	// Message bus
	natsCfg := natsclient.Config{
		URL:           cfg.NATS.URL,
		Name:          cfg.NATS.Name,
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait,
		Timeout:       5 * time.Second,
		Username:      cfg.NATS.Username,
		Password:      cfg.NATS.Password,
		Token:         cfg.NATS.Token,
		Logger:        logger.Logger,
	}
	var (
		bus messaging.Client
		js  *natsclient.JetStreamClient
	)
	if cfg.NATS.JetStream.Enabled {
		js, err = natsclient.NewJetStreamClient(natsCfg)
		bus = js
	} else {
		var c *natsclient.Client
		c, err = natsclient.NewClient(natsCfg)
		bus = c
	}
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}

	// Event router
	opts := []service.Option{service.WithLogger(logger.Logger)}
	if collector != nil {
		opts = append(opts, service.WithRecorder(collector))
	}
	if rules := cfg.ForwardRules(); len(rules) > 0 {
		opts = append(opts, service.WithForwarder(auditnats.NewForwarder(bus), rules))
		slog.Info("Event forwarding enabled", slog.Int("rules", len(rules)))
	}
	router := service.New(repo, mirror, bc, opts...)

	// Ingress
	subjects := auditnats.Subjects{Events: cfg.NATS.Subjects.Events, Notify: cfg.NATS.Subjects.Notify}
	natsHandler := auditnats.NewHandler(bus, router, subjects, cfg.NATS.QueueGroup, logger.Logger)
	if js != nil {
		stream := natsclient.AuditStream
		stream.Name = cfg.NATS.JetStream.Stream
		stream.Subjects = []string{subjects.Events, subjects.Notify}
		stream.MaxAge = cfg.NATS.JetStream.MaxAge
		err = natsHandler.StartJetStream(ctx, js, stream, cfg.NATS.JetStream.ConsumerPrefix)
	} else {
		err = natsHandler.Start(ctx)
	}
	if err != nil {
		log.Fatalf("Failed to start NATS handler: %v", err)
	}

	// Notification relay
	var relayDone <-chan error
	if cfg.Notifications.Relay.Enabled {
		relayDone = auditnats.NewRelay(bc, bus, cfg.Notifications.Relay.Subject, logger.Logger).Start(ctx)
	}

	// Admin API
	var authMW *auth.Middleware
	if cfg.Auth.Disabled {
		slog.Warn("Authentication disabled - /audit endpoints are open")
	} else {
		authMW = auth.NewMiddleware(
			auth.NewValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
			cfg.Auth.AllowedScopes,
			false,
			logger.Logger,
		)
	}
	h := handlers.New(router, bc, statsClient, logger.Logger)
	h.SetBus(bus)
	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: server.NewRouter(h, server.Options{
			Auth:        authMW,
			CORSOrigins: cfg.Server.CORSOrigins,
			Logger:      logger.Logger,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Audit service listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		slog.Error("Server error", logging.Error(err))
	}

	slog.Info("Shutting down audit service...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// stop intake first so in-flight events finish against live stores
	if err := natsHandler.Stop(); err != nil {
		slog.Warn("Failed to stop NATS handler", logging.Error(err))
	}
	// closing the broadcaster ends notification streams and the relay
	bc.Close()
	if relayDone != nil {
		if err := <-relayDone; err != nil {
			slog.Warn("Notification relay stopped with error", logging.Error(err))
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", logging.Error(err))
	}
	if err := bus.Drain(); err != nil {
		slog.Warn("Failed to drain NATS connection", logging.Error(err))
	}
	if collector != nil {
		collector.Stop()
		_ = statsClient.Close()
	}

	st := router.Stats()
	slog.Info("Audit service stopped",
		slog.Uint64("processed", st.Processed),
		slog.Uint64("failed", st.Failed),
		slog.Uint64("notifications", st.Notifications))
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/luafetch/internal/backend"
	"github.com/italolelis/luafetch/internal/cleanup"
	"github.com/italolelis/luafetch/internal/config"
	"github.com/italolelis/luafetch/internal/credential"
	"github.com/italolelis/luafetch/internal/downloader"
	"github.com/italolelis/luafetch/internal/http/rest"
	"github.com/italolelis/luafetch/internal/installer"
	"github.com/italolelis/luafetch/internal/logctx"
	"github.com/italolelis/luafetch/internal/notifier"
	"github.com/italolelis/luafetch/internal/orchestrator"
	"github.com/italolelis/luafetch/internal/prober"
	"github.com/italolelis/luafetch/internal/state"
	"github.com/italolelis/luafetch/internal/storage/sqlite"
	"github.com/italolelis/luafetch/internal/telemetry"
	"github.com/italolelis/luafetch/internal/transfer"
	"github.com/italolelis/luafetch/internal/transport"
	"github.com/italolelis/luafetch/internal/verification"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := logctx.New(os.Stdout, cfg.SlogLevel())
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("luafetch starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInterval:   cfg.Telemetry.OTLPInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedStateRepository(database, tel)
	store := state.NewJournaledStore(repo, logger)

	restored, err := store.Restore(ctx)
	if err != nil {
		return err
	}

	logger.Info("state restored", "records", restored)

	// =========================================================================
	// Start Backend Client
	cred := credential.NewHolder(cfg.APIKeyPrefix)
	if cfg.APIKey != "" {
		if err := cred.Set(cfg.APIKey); err != nil {
			return fmt.Errorf("invalid API_KEY: %w", err)
		}

		logger.Info("api key configured", "key", cred.Masked())
	}

	verifier := verification.NewProvider(cfg.HostVersion, cfg.HTTP.UserAgent)

	httpClient := transport.NewClient(transport.Options{
		Timeout:     cfg.HTTP.Timeout,
		MaxAttempts: cfg.HTTP.MaxAttempts,
		BackoffMin:  cfg.HTTP.BackoffMin,
		BackoffMax:  cfg.HTTP.BackoffMax,
		UserAgent:   cfg.HTTP.UserAgent,
	}, verifier)

	bc, err := backend.NewClient(cfg.APIBaseURL, httpClient, cred.Get)
	if err != nil {
		return fmt.Errorf("failed to build backend client: %w", err)
	}

	be := transfer.NewInstrumentedBackend(bc, tel, "backend")

	logger.Info("backend client ready", "base_url", cfg.APIBaseURL, "instance_id", verifier.InstanceID())

	// =========================================================================
	// Start Orchestrator
	// Workers outlive the signal so that Shutdown can let them finish.
	orch := orchestrator.New(context.WithoutCancel(ctx), orchestrator.Dependencies{
		Store:   store,
		Backend: be,
		Prober: prober.New(be,
			prober.WithConcurrency(cfg.Probe.Concurrency),
			prober.WithDeadline(cfg.Probe.Deadline),
			prober.WithTelemetry(tel),
		),
		Fetcher: downloader.New(be, downloader.Options{
			ScratchDir:       cfg.ScratchDir,
			ChunkSize:        cfg.ChunkSize,
			ProgressInterval: cfg.ProgressInterval,
			Telemetry:        tel,
		}),
		Installer: installer.New(installer.Options{
			TargetDir:    cfg.TargetDir,
			PrimaryExt:   cfg.PrimaryExtension,
			MaxEntrySize: cfg.MaxEntrySize,
		}),
		Credential: cred,
		Telemetry:  tel,
	}, orchestrator.Config{
		FallbackEndpoints: cfg.FallbackEndpoints,
		IdentityEndpoints: cfg.IdentityEndpoints,
	})

	// =========================================================================
	// Start Notification
	setupNotificationForOrchestrator(ctx, orch, cfg)

	// =========================================================================
	// Start Cleanup
	go cleanup.Run(ctx, repo, cleanup.Options{
		ScratchDir:     cfg.ScratchDir,
		ScratchMaxAge:  cfg.ScratchMaxAge,
		StateRetention: cfg.StateRetention,
		Interval:       cfg.CleanupInterval,
	})

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, orch, cred, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for items...",
		"target_dir", cfg.TargetDir,
		"scratch_dir", cfg.ScratchDir,
		"fallback_endpoints", cfg.FallbackEndpoints,
	)

	var runErr error

	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")
	}

	// Give outstanding requests and workers a deadline for completion.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to gracefully shutdown the server", "err", err)

		if err = server.Close(); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
	}

	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to wait for running items", "err", err)
	}

	return runErr
}

func setupNotificationForOrchestrator(ctx context.Context, orch *orchestrator.Orchestrator, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	forward := func(events <-chan orchestrator.ItemEvent) {
		for event := range events {
			if notif == nil {
				continue
			}

			if err := notif.Notify(context.WithoutCancel(ctx), notifier.FormatEvent(event)); err != nil {
				logger.Error("failed to send notification", "item_id", event.ID, "err", err)
			}
		}
	}

	go forward(orch.OnItemFinished)
	go forward(orch.OnItemFailed)
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, orch *orchestrator.Orchestrator, cred *credential.Holder, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	items := rest.NewItemsHandler(orch, cred, cfg.API.Username, cfg.API.Password)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Mount("/api", items.Routes())
	r.Handle("/metrics", tel.Handler())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

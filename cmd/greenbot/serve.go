package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/greenbot/backend/internal/config"
	"github.com/zhouzirui/greenbot/backend/internal/handler"
	"github.com/zhouzirui/greenbot/backend/internal/middleware"
	chatModel "github.com/zhouzirui/greenbot/backend/internal/model/chat"
	"github.com/zhouzirui/greenbot/backend/internal/model/persona"
	quizModel "github.com/zhouzirui/greenbot/backend/internal/model/quiz"
	"github.com/zhouzirui/greenbot/backend/internal/service/ai"
	"github.com/zhouzirui/greenbot/backend/internal/service/auth"
	"github.com/zhouzirui/greenbot/backend/internal/service/chat"
	"github.com/zhouzirui/greenbot/backend/internal/service/quiz"
	"github.com/zhouzirui/greenbot/backend/internal/store/kv"
	"github.com/zhouzirui/greenbot/backend/internal/store/remote"
	"github.com/zhouzirui/greenbot/backend/pkg/telemetry"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides PORT")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		log.WithError(err).Warn("failed to initialize tracing, continuing without it")
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	storage, err := kv.NewFileStore(cfg.Storage.DataDir)
	if err != nil {
		return err
	}

	var db *remote.DB
	if cfg.Storage.RemoteEnabled() {
		db, err = remote.Open(ctx, remote.Dialect(cfg.Storage.DatabaseDriver), cfg.Storage.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		log.WithField("driver", cfg.Storage.DatabaseDriver).Info("remote storage enabled")
	} else {
		log.Info("DATABASE_URL 未配置，仅启用匿名本地存储")
	}

	personaStore := persona.NewMemoryStore(persona.Seed())
	aiService := ai.NewService(ai.NewClient(cfg.AI))

	bank, err := quizModel.DefaultBank()
	if err != nil {
		return err
	}

	registryCfg := chat.RegistryConfig{
		Personas:      personaStore,
		Responder:     aiService,
		Storage:       storage,
		CredentialKey: cfg.AI.CredentialKey(),
		FallbackKey:   cfg.AI.APIKey,
		IdleTTL:       cfg.Server.ClientIdleTTL,
	}

	services := handler.Services{
		Personas:       personaStore,
		Limiter:        middleware.NewRateLimiter(cfg.RateLimit),
		Provider:       string(cfg.AI.Provider),
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}

	if db != nil {
		registryCfg.Remote = func(userID string) chatModel.Store {
			return db.ForUser(userID)
		}
		registryCfg.AccountKeys = db

		authService := auth.NewService(db, cfg.Auth)
		if err := authService.Init(ctx); err != nil {
			return err
		}
		defer authService.Dispose()
		services.Auth = authService
		services.Quizzes = quiz.NewService(bank, db)
	} else {
		services.Quizzes = quiz.NewService(bank, nil)
	}

	registry := chat.NewRegistry(registryCfg)
	registry.Start(ctx)
	defer registry.Close()
	services.Registry = registry

	// closing the registry ends open event streams so shutdown does not wait on them
	return startServer(ctx, cfg.Server, handler.NewRouter(services), registry.Close)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, onShutdown ...func()) error {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	for _, fn := range onShutdown {
		srv.RegisterOnShutdown(fn)
	}

	log.WithField("addr", serverCfg.Addr).Info("GreenBot backend listening")
	return runServer(ctx, srv)
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

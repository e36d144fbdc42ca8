package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/soaringjerry/NormLab/internal/api"
	"github.com/soaringjerry/NormLab/internal/config"
	dbstore "github.com/soaringjerry/NormLab/internal/db"
	"github.com/soaringjerry/NormLab/internal/llm"
	"github.com/soaringjerry/NormLab/internal/middleware"
	"github.com/soaringjerry/NormLab/internal/services"
)

const (
	shutdownGrace = 15 * time.Second
	sweepInterval = 5 * time.Minute
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the participant and researcher HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Addr = addr
			}
			if err := cfg.RequireLLM(); err != nil {
				return err
			}
			completer, err := llm.NewClient(llm.Config{
				APIKey:  cfg.OpenAIKey,
				BaseURL: cfg.OpenAIBaseURL,
				Model:   cfg.OpenAIModel,
			})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger, completer)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides NORMLAB_ADDR)")
	return cmd
}

// server is everything serve needs to run and tear down.
type server struct {
	handler  http.Handler
	store    *dbstore.SQLiteStore
	sessions api.SessionRegistry
	drafts   *services.DraftService
	close    func()
}

// buildServer wires config, storage, the experiment and the router.
func buildServer(ctx context.Context, cfg *config.Config, logger *slog.Logger, completer services.Completer) (*server, error) {
	store, sqlDB, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	closers := []func(){func() { closeDB(sqlDB, logger) }}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	catalog, err := services.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		closeAll()
		return nil, err
	}

	metrics := api.NewMetrics()
	metered := api.MeterStore(store, metrics)

	var backup services.TranscriptWriter
	if cfg.TranscriptDir != "" {
		backup = services.NewFileTranscriptWriter(cfg.TranscriptDir)
	}
	engine := services.NewConversationEngine(api.MeterCompleter(completer, metrics), cfg.TerminationToken, cfg.CompletionTimeout)
	assigner := services.NewConditionAssigner(catalog, metered, logger, services.WithFallback(cfg.AssignFallback))
	x := services.NewExperiment(catalog, services.NewDuplicateGuard(metered), assigner, engine,
		services.NewResultRecorder(metered, backup), cfg.Rules(), logger)
	x.OnTransition = metrics.ObserveTransition

	var sessions api.SessionRegistry
	if cfg.RedisURL != "" {
		reg, err := api.NewRedisRegistryFromURL(ctx, cfg.RedisURL, api.WithTTL(cfg.SessionTTL))
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		closers = append(closers, func() { _ = reg.Close() })
		sessions = reg
		logger.Info("session registry", "backend", "redis")
	} else {
		sessions = api.NewMemoryRegistry(cfg.SessionTTL)
		logger.Info("session registry", "backend", "memory", "ttl", cfg.SessionTTL)
	}

	var auth *services.AuthService
	if cfg.AdminEmail != "" {
		middleware.SetSecret(cfg.JWTSecret)
		auth = services.NewAuthService(api.NewResearcherStore(cfg.AdminEmail, cfg.AdminPasswordHash), api.NewTokenSigner())
	}

	drafts := services.NewDraftService(metered, cfg.DraftInterval)
	rt := api.NewRouter(api.Options{
		Experiment:     x,
		Store:          metered,
		Sessions:       sessions,
		Drafts:         drafts,
		Exports:        services.NewExportService(metered),
		Analytics:      services.NewAnalyticsService(catalog, metered),
		Auth:           auth,
		Metrics:        metrics,
		Logger:         logger,
		AllowedOrigins: cfg.CORSOrigins,
		Commit:         cfg.Commit,
		BuildTime:      cfg.BuildTime,
	})
	mux := http.NewServeMux()
	rt.Register(mux)
	if cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))
	}

	var handler http.Handler = mux
	handler = middleware.LocaleMiddleware(handler)
	handler = middleware.NoStore(handler)
	handler = middleware.SecureHeaders(handler)
	handler = middleware.CORS(cfg.CORSOrigins)(handler)
	handler = middleware.RequestLog(logger)(handler)

	return &server{handler: handler, store: store, sessions: sessions, drafts: drafts, close: closeAll}, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, completer services.Completer) error {
	srv, err := buildServer(ctx, cfg, logger, completer)
	if err != nil {
		return err
	}
	defer srv.close()

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("normlab listening", "addr", cfg.Addr, "commit", cfg.Commit)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				srv.sweep(cfg.SessionTTL, logger)
			}
		}
	})
	return g.Wait()
}

// sweep expires in-process sessions and the draft limiters of sessions idle
// past the session lifetime.
func (s *server) sweep(ttl time.Duration, logger *slog.Logger) {
	if mem, ok := s.sessions.(*api.MemoryRegistry); ok {
		if n := mem.Sweep(); n > 0 {
			logger.Debug("expired sessions swept", "count", n)
		}
	}
	if n := s.drafts.Sweep(ttl); n > 0 {
		logger.Debug("idle draft limiters swept", "count", n)
	}
}

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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"

	"mappoints/internal/api"
	"mappoints/internal/config"
	"mappoints/internal/livesync"
	"mappoints/internal/logger"
	"mappoints/internal/storage"
)

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:          "mappointsd",
		Short:        "Live map points API and websocket server",
		SilenceUsage: true,
		RunE: func(c *cobra.Command, args []string) error {
			return serve(c.Context(), configFile)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", os.Getenv("CONFIG_FILE"), "Path to configuration (json, yaml or toml)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and live map server",
		RunE: func(c *cobra.Command, args []string) error {
			return serve(c.Context(), configFile)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(c *cobra.Command, args []string) error {
			return migrate(c.Context(), configFile)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context, configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	log := logger.Setup(cfg.Log.Level, cfg.Log.Format)

	b := initBackends(ctx, cfg, log)
	defer b.close()

	hub := api.NewHub()
	go hub.Run(ctx)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(api.AccessLog(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.HTTP.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	deps := api.Deps{
		Store:          b.store,
		Hub:            hub,
		Auth:           b.authMem,
		AuthTTL:        cfg.Auth.TTL,
		Events:         b.events,
		IdempotencyTTL: cfg.Points.IdempotencyTTL,
		Live: livesync.Options{
			Limits: livesync.RegionLimits{
				MinRadiusKM: cfg.Region.MinRadiusKM,
				MaxRadiusKM: cfg.Region.MaxRadiusKM,
				Widen:       cfg.Region.Widen,
			},
			FetchTimeout: cfg.Points.FetchTimeout,
			WriteTimeout: cfg.Points.WriteTimeout,
		},
		Logger: log,
	}
	// interface fields stay nil unless backed, so the api can tell them apart
	if b.identityDB != nil {
		deps.IdentityDB = b.identityDB
	}
	if b.idem != nil {
		deps.Idempotency = b.idem
		go pruneIdempotency(ctx, b.idem, log)
	}
	api.AttachRoutes(r, deps)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("mappoints API listening", "addr", cfg.HTTP.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down", "timeout", cfg.HTTP.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func migrate(ctx context.Context, configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	log := logger.Setup(cfg.Log.Level, cfg.Log.Format)
	if cfg.Database.URL == "" {
		return errors.New("database.url is required to migrate")
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	pool, err := storage.DefaultPool(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()

	applied, err := storage.ApplySchema(ctx, pool)
	if err != nil {
		return err
	}
	log.Info("schema checked", "hash", storage.SchemaHash(), "applied", applied)
	return nil
}

func pruneIdempotency(ctx context.Context, idem *storage.IdempotencyStore, log *slog.Logger) {
	ticker := time.NewTicker(idem.TTL())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := idem.Prune(ctx)
			if err != nil {
				log.Warn("idempotency prune failed", "err", err)
				continue
			}
			if n > 0 {
				log.Debug("idempotency keys pruned", "count", n)
			}
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/gluk-w/claworc/scout/internal/config"
	"github.com/gluk-w/claworc/scout/internal/handlers"
	"github.com/gluk-w/claworc/scout/internal/logging"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := config.Load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), settings)
		},
	}
}

func serve(ctx context.Context, settings *config.Settings) error {
	logging.Init(settings.ResolvedLogPath())
	defer logging.Close()

	a, err := wireApp(settings)
	if err != nil {
		return err
	}
	defer a.close()

	c := cron.New()
	if _, err := a.auditor.Schedule(c, settings.AuditPurgeSchedule); err != nil {
		return fmt.Errorf("audit purge schedule: %w", err)
	}
	c.Start()
	defer c.Stop()

	if settings.APIToken == "" {
		log.Printf("WARNING: SCOUT_API_TOKEN is not set, the API is unauthenticated")
	}

	api := handlers.New(handlers.Options{
		Registry:           a.registry,
		Pool:               a.pool,
		Executor:           a.executor,
		Auditor:            a.auditor,
		DB:                 a.db,
		Gatherer:           a.metrics,
		LogPath:            settings.ResolvedLogPath(),
		CommandTimeout:     settings.CommandTimeout,
		MaxOutputBytes:     a.maxOutput,
		APIToken:           settings.APIToken,
		RateLimitPerMinute: settings.RateLimitPerMinute,
	})

	srv := &http.Server{
		Addr:    settings.ListenAddr,
		Handler: api.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server starting on %s", settings.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
	return nil
}

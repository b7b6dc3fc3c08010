package cmd

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
	"github.com/spf13/cobra"

	"github.com/visage/gateway/api"
	"github.com/visage/gateway/config"
	"github.com/visage/gateway/faceapi"
	"github.com/visage/gateway/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		store, err := metrics.NewBoltStoreFromFile(
			cfg.DataDir+"/metrics.db", nil,
			metrics.WithRetention(cfg.Retention()),
		)
		if err != nil {
			return fmt.Errorf("opening metrics store: %w", err)
		}
		defer store.Close()

		face := faceapi.NewClient(cfg.FaceServiceURL,
			faceapi.WithAPIKey(cfg.FaceServiceKey),
			faceapi.WithTimeout(cfg.UpstreamTimeout()),
		)

		a := api.New(store, face,
			api.WithLogger(logger),
			api.WithSessionCacheSize(cfg.SessionCacheSize),
			api.WithScanTuning(cfg.ScanConfig(), cfg.GateThresholds()),
		)

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Use(a.StatsMiddleware)

		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Handle("/metrics", a.StatsHandler())
		r.Mount("/api/v1", a.Router())

		server := &http.Server{
			Addr:              cfg.Addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		logger.Info("gateway listening",
			"addr", cfg.Addr,
			"data_dir", cfg.DataDir,
			"face_service", cfg.FaceServiceURL,
		)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("shutting down", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

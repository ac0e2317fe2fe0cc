package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/IINGS/Crawler/internal/api"
	"github.com/IINGS/Crawler/internal/app"
	"github.com/IINGS/Crawler/internal/schedule"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and scheduled crawls",
		Long: `Serves the operator API and starts every source that declares a
schedule on its cron expression. SIGINT or SIGTERM stops the schedules,
cancels active runs at their next page boundary and drains delivery.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := resolveConfig(ctx)
	if err != nil {
		return err
	}
	baseCtx := context.WithoutCancel(ctx)
	a, err := newApp(ctx, cfg, app.Options{BaseContext: baseCtx})
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	logger := a.Logger

	scheduler := schedule.New(a.Runner, logger.Named("schedule"))
	for _, src := range cfg.Sources {
		if src.Schedule == "" {
			continue
		}
		if err := scheduler.Add(src.Group, src.Schedule); err != nil {
			closeApp(a, shutdownTimeout(cfg))
			return err
		}
	}

	apiServer := api.NewServer(a.Runner, a.State, a.Queue, api.Config{
		APIKey:      cfg.Server.APIKey,
		StopTimeout: shutdownTimeout(cfg),
	}, logger.Named("api"))
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Server.Port)),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	scheduler.Start()
	logger.Info("scheduler started", zap.Int("scheduled_groups", scheduler.Len()))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server error", zap.Error(err))
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(baseCtx, shutdownTimeout(cfg))
	defer cancel()
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler stop failed", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", zap.Error(err))
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

func closeApp(a *app.App, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		a.Logger.Warn("shutdown incomplete", zap.Error(err))
	}
}

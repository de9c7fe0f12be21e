// Command luckydraw-link checks and keeps a connection to the lucky draw
// backend.
//
//	luckydraw-link doctor             run diagnostics once and exit non-zero if unhealthy
//	luckydraw-link serve -addr :8081  keep the connection alive and serve /status
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/supabase-community/auth-go/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	supabase "github.com/luckydraw/supabase-link"
	"github.com/luckydraw/supabase-link/config"
	"github.com/luckydraw/supabase-link/diagnostics"
	"github.com/luckydraw/supabase-link/internal/statusapi"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("luckydraw-link", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional TOML config file")
	addr := fs.String("addr", ":8081", "listen address for serve")
	if len(args) == 0 {
		return errors.New("usage: luckydraw-link <doctor|serve> [flags]")
	}
	mode := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	sup := supabase.NewSupervisor(cfg, supabase.SupervisorOptions{Logger: logger})
	sup.OnError(func(err error) {
		logger.Debug("connection error", zap.Error(err))
	})
	defer sup.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "doctor":
		return doctor(ctx, cfg, sup, logger)
	case "serve":
		return serve(ctx, cfg, sup, *addr, logger)
	}
	return fmt.Errorf("unknown command %q", mode)
}

// currentAuth checks the auth service of whatever client the supervisor
// holds at the time of the run.
type currentAuth struct {
	sup *supabase.Supervisor
}

func (a currentAuth) HealthCheck() (*types.HealthCheckResponse, error) {
	backend, _ := a.sup.Backend()
	client, ok := backend.(*supabase.Client)
	if !ok || client == nil {
		return nil, errors.New("client not initialized")
	}
	return client.Auth.HealthCheck()
}

func newReporter(cfg config.Config, sup *supabase.Supervisor, logger *zap.Logger) *diagnostics.Reporter {
	return diagnostics.New(cfg, diagnostics.Options{
		Supervisor: sup,
		Auth:       currentAuth{sup: sup},
		Logger:     logger,
	})
}

func doctor(ctx context.Context, cfg config.Config, sup *supabase.Supervisor, logger *zap.Logger) error {
	if err := sup.Initialize(ctx); err != nil {
		logger.Warn("initial connection failed", zap.Error(err))
	}
	report := newReporter(cfg, sup, logger).Run(ctx)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if !report.Healthy() {
		return fmt.Errorf("%d diagnostic errors", report.ErrorCount)
	}
	return nil
}

func serve(ctx context.Context, cfg config.Config, sup *supabase.Supervisor, addr string, logger *zap.Logger) error {
	// Retries are scheduled by the supervisor itself; a failed first attempt is
	// not fatal.
	if err := sup.Initialize(ctx); err != nil {
		logger.Warn("initial connection failed", zap.Error(err))
	}

	srv := &http.Server{
		Addr: addr,
		Handler: statusapi.SetupRoutes(statusapi.Deps{
			Supervisor:  sup,
			Diagnostics: newReporter(cfg, sup, logger),
			Config:      cfg.Status(),
			Logger:      logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

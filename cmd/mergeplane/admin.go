package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/mergeplane/internal/admin"
	"github.com/fentz26/mergeplane/internal/audit"
	"github.com/fentz26/mergeplane/internal/scheduler"
	"github.com/fentz26/mergeplane/internal/store"
)

var (
	listenAddr string
	dbPath     string
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Start the admin service",
	Long:  `Starts the admin service which accepts merge tasks from remote controllers and runs them.`,
	RunE:  runAdmin,
}

func init() {
	adminCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	adminCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
}

func runAdmin(cmd *cobra.Command, args []string) error {
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	logger.Info("starting admin", "listen", cfg.ListenAddr, "db", cfg.DBPath)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return err
	}
	s, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}

	// Claims of a previous process are stale: its workers are gone.
	released, err := s.ReleaseClaims()
	if err != nil {
		s.Close()
		return err
	}
	if released > 0 {
		logger.Info("released stale task claims", "count", released)
	}

	pdr := audit.NewPDRWriter(s)
	service := admin.NewService(s, pdr, logger)
	runner := admin.NewRunner(service, admin.RunnerConfig{
		Registry:    newRegistry(),
		Executor:    &cfg.Executor,
		DefaultKind: cfg.TableKind,
		Logger:      logger,
	})

	sched := scheduler.New(s, pdr, runner, &cfg.Scheduler, logger)
	service.SetCanceller(sched)
	server := admin.NewServer(service, sched, cfg.ListenAddr, logger)

	sched.Start()

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case runErr = <-serverErr:
		if runErr != nil {
			logger.Error("server error", "error", runErr)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown", "error", err)
	}
	sched.Stop()
	if err := s.Close(); err != nil {
		logger.Error("database close", "error", err)
	}
	logger.Info("shutdown complete")
	return runErr
}

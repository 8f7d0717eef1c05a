package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/wreuel/bambuddy-sub000/internal/api"
	"github.com/wreuel/bambuddy-sub000/internal/config"
	"github.com/wreuel/bambuddy-sub000/internal/core"
	"github.com/wreuel/bambuddy-sub000/internal/db"
	"github.com/wreuel/bambuddy-sub000/internal/devicestate"
	"github.com/wreuel/bambuddy-sub000/internal/ftps"
	"github.com/wreuel/bambuddy-sub000/internal/library"
	"github.com/wreuel/bambuddy-sub000/internal/webhook"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fleet manager daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// A second daemon on the same database would double-dispatch prints.
	lock := flock.New(cfg.Database.LockFile)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock file: %w", err)
	}
	if !locked {
		return fmt.Errorf("another instance holds %s", cfg.Database.LockFile)
	}
	defer lock.Unlock()

	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	storage, err := library.NewStorage(store, filepath.Join(filepath.Dir(cfg.Database.Path), "library"))
	if err != nil {
		return fmt.Errorf("failed to initialize library storage: %w", err)
	}

	sender := webhook.NewSender(store, webhook.Config{
		RetryCount:  cfg.Webhooks.RetryCount,
		RetryDelay:  cfg.Webhooks.RetryDelay,
		Timeout:     cfg.Webhooks.Timeout,
		WorkerCount: cfg.Webhooks.WorkerCount,
		QueueSize:   cfg.Webhooks.QueueSize,
	})
	sender.Start()
	defer sender.Stop()

	client := ftps.NewClient(ftps.Config{
		Port:                   cfg.Transport.Port,
		ConnectTimeout:         cfg.Transport.ConnectTimeout,
		IOTimeout:              cfg.Transport.IOTimeout,
		TransferTimeout:        cfg.Transport.TransferTimeout,
		ClearDataChannelModels: cfg.Transport.ClearDataChannelModels,
		SkipFinalAckModels:     cfg.Transport.SkipFinalAckModels,
	}, ftps.NewModeCache())
	transport := ftps.NewTransport(client)

	expected := core.NewExpectedPrints()
	tracker := devicestate.NewTracker(3*cfg.Scheduler.PollInterval, expected)

	scheduler := core.NewScheduler(store, tracker, tracker, transport, sender, expected, &cfg.Scheduler)
	tracker.OnResult(func(printerID int64, stage string) {
		scheduler.HandlePrintResult(context.Background(), printerID, stage)
	})

	dispatch := core.NewDispatchQueue(store, tracker, transport, sender, expected, &cfg.Dispatch)

	scheduler.Start()
	defer scheduler.Stop()
	dispatch.Start()
	defer dispatch.Stop()

	router, err := api.NewRouter(api.Deps{
		Store:    store,
		Tracker:  tracker,
		Dispatch: dispatch,
		Storage:  storage,
	})
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[serve] listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		log.Printf("[serve] received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[serve] forced shutdown: %v", err)
	}

	return nil
}

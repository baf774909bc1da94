package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andi/fileconvert/backend/api"
	"github.com/andi/fileconvert/backend/config"
	"github.com/andi/fileconvert/backend/conversion"
	"github.com/andi/fileconvert/backend/converter"
	"github.com/andi/fileconvert/backend/database"
	"github.com/andi/fileconvert/backend/dispatcher"
	"github.com/andi/fileconvert/backend/engine"
	"github.com/andi/fileconvert/backend/jobstore"
	"github.com/andi/fileconvert/backend/watcher"
	"github.com/joho/godotenv"
)

func main() {
	// A .env file is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("Warning: Failed to load .env: %v", err)
	}

	cfg, err := config.LoadFromEnv(config.DefaultPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Setup logging
	if err := os.MkdirAll(cfg.Logging.Dir, 0755); err != nil {
		log.Fatalf("Failed to create log directory: %v", err)
	}

	logFile, err := os.OpenFile(cfg.Logging.AppLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	defer logFile.Close()

	// Log to both console and file
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))

	log.Println("=== FileConvert Starting ===")
	log.Printf("Configuration: %+v", cfg)

	registry, err := engine.LoadFile(cfg.Conversion.EnginesPath)
	if err != nil {
		log.Fatalf("Failed to load engine table: %v", err)
	}
	log.Printf("Loaded %d conversion engine(s)", len(registry.List()))

	store, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize job store: %v", err)
	}
	defer closeStore()

	layout := conversion.NewLayout(cfg.Storage.UploadDir, cfg.Storage.OutputDir)
	if err := layout.Ensure(); err != nil {
		log.Fatalf("Failed to create storage directories: %v", err)
	}

	hub := api.NewWebSocketHub()

	disp := dispatcher.New(
		store,
		converter.NewCommand(registry),
		layout,
		dispatcher.WithMaxRunning(cfg.Conversion.MaxRunning),
		dispatcher.WithTimeout(cfg.Conversion.Timeout),
		dispatcher.WithNotifier(hub),
	)
	log.Printf("Dispatcher initialized (max running %d, timeout %v)", cfg.Conversion.MaxRunning, cfg.Conversion.Timeout)

	service := conversion.NewService(registry, store, disp, layout, cfg.Storage.MaxFileSize)

	var watch *watcher.Watcher
	if len(cfg.Watcher.Rules) > 0 {
		watch, err = watcher.New(service, cfg.Watcher.Rules)
		if err != nil {
			log.Fatalf("Failed to initialize file watcher: %v", err)
		}
		if err := watch.Start(); err != nil {
			log.Printf("File watcher error: %v", err)
		}
	}

	server := api.New(service, disp, hub, cfg.Logging.Dir)
	addr := cfg.Addr()

	// Setup graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		fmt.Printf("FileConvert server is running on http://%s\n", addr)
		if err := server.Start(addr); err != nil {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		log.Fatalf("Server error: %v", err)
	case sig := <-quit:
		log.Printf("Received signal: %v", sig)
		log.Println("Shutting down gracefully...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		log.Println("Stopping HTTP server...")
		if err := server.Shutdown(); err != nil {
			log.Printf("Error shutting down server: %v", err)
		}

		if watch != nil {
			watch.Stop()
		}

		// Running conversions are cancelled and recorded as failed
		log.Println("Stopping dispatcher...")
		if err := disp.Stop(ctx); err != nil {
			log.Printf("Error stopping dispatcher: %v", err)
		}

		hub.Stop()
		log.Println("Shutdown complete")
	}
}

// openStore returns the configured job store and its close function
func openStore(cfg *config.Config) (jobstore.Store, func(), error) {
	if cfg.Database.Driver == "memory" {
		log.Println("Using in-memory job store")
		return jobstore.NewMemory(), func() {}, nil
	}

	db, err := database.New(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	log.Printf("Database initialized (%s)", db.Driver())

	repo := database.NewJobRepo(db)

	// Conversions do not survive a restart
	failed, err := repo.FailInterrupted()
	if err != nil {
		log.Printf("Warning: Failed to fail interrupted jobs: %v", err)
	} else if failed > 0 {
		log.Printf("Marked %d interrupted job(s) as failed", failed)
	}

	return repo, func() {
		log.Println("Closing database connections...")
		db.Close()
	}, nil
}

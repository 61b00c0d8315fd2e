package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"nuggetfactory/internal/api"
	"nuggetfactory/internal/backend"
	"nuggetfactory/internal/config"
	"nuggetfactory/internal/dispatcher"
	"nuggetfactory/internal/interfaces"
	"nuggetfactory/internal/persist"
	"nuggetfactory/internal/queue"
)

func main() {
	// .env is optional; real environment variables win
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithError(err).Warn("Failed to read .env file")
	}

	// Load configuration
	cfg := config.Load()

	// Configure global logger
	config.ConfigureGlobalLogger(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	// Validate backend kind
	backends := backend.NewFactory(config.NewLogger())
	if !backends.ValidateBackendKind(cfg.Backend.Kind) {
		logrus.Fatalf("Unsupported backend kind: %s, supported kinds: %s",
			cfg.Backend.Kind, strings.Join(backends.GetSupportedTypes(), ", "))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize components
	qm := queue.NewManager(cfg.Redis)
	records := persist.NewRecordStoreWithClient(qm.Redis())

	// one independent client per concurrent generation
	concurrency := cfg.Dispatcher.MaxConcurrent
	if concurrency < 1 {
		concurrency = 1
	}
	generators := make([]dispatcher.Generator, 0, concurrency)
	var transport interfaces.Transport
	for i := 0; i < concurrency; i++ {
		generator, err := backends.CreateGenerator(ctx, cfg, records)
		if err != nil {
			logrus.Fatalf("Failed to set up %s backend: %v", cfg.Backend.Kind, err)
		}
		transport = generator.Transport()
		if closer, ok := transport.(io.Closer); ok {
			defer closer.Close()
		}
		if _, err := generator.Refresh(ctx); err != nil {
			logrus.WithError(err).Warn("Backend inventory not available yet")
		}
		generators = append(generators, generator)
	}

	taskDispatcher := dispatcher.NewDispatcher(qm, cfg.Dispatcher, generators...)

	logrus.WithFields(logrus.Fields{
		"backend":     transport.Name(),
		"endpoint":    transport.Endpoint(),
		"output":      cfg.Output.Dir,
		"concurrency": concurrency,
	}).Info("Generation backend ready")

	// Start queue manager
	go func() {
		if err := qm.Start(ctx); err != nil {
			logrus.WithError(err).Error("Failed to start queue manager")
		}
	}()
	logrus.Info("Starting queue manager")

	// Start task dispatcher
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		if err := taskDispatcher.Start(ctx); err != nil {
			logrus.WithError(err).Error("Failed to start task dispatcher")
		}
	}()
	logrus.Info("Starting task dispatcher")

	// Start HTTP server
	probe, _ := backends.Prober(interfaces.BackendKind(cfg.Backend.Kind))
	router := gin.Default()
	apiHandler := api.NewHandler(qm, records,
		api.ReadinessCheck{Name: "redis", Check: qm.Ping},
		api.ReadinessCheck{Name: "backend", Check: func(ctx context.Context) error {
			return probe(ctx, transport.Endpoint())
		}},
	)
	apiHandler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	// Start server
	go func() {
		logrus.Infof("Server starting on port %d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Failed to listen: %s\n", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Server shutting down...")

	// Graceful shutdown
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(ctxShutdown); err != nil {
		logrus.Fatal("Server forced to shutdown:", err)
	}

	// interrupted generations are requeued by the queue manager on the next start
	cancel()
	<-dispatcherDone

	if err := qm.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close Redis connection")
	}

	logrus.Info("Server exited")
}

// main package for the float-service
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/book-expert/float-service/internal/agent"
	"github.com/book-expert/float-service/internal/api"
	"github.com/book-expert/float-service/internal/config"
	"github.com/book-expert/float-service/internal/generation"
	"github.com/book-expert/float-service/internal/metrics"
	"github.com/book-expert/float-service/internal/objectstore"
	"github.com/book-expert/float-service/internal/pool"
	"github.com/book-expert/float-service/internal/worker"
)

// transferMargin is added to the inference timeout to bound a whole NATS job.
const transferMargin = 2 * time.Minute

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir(), "float-service-bootstrap.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}
	defer bootstrapLog.Close()

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	err = cfg.EnsureDirectories()
	if err != nil {
		bootstrapLog.Error("Failed to create directories: %v", err)

		return err
	}

	// 3. Initialize the final logger based on the loaded configuration
	log, err := setupLogger(cfg.Paths.BaseLogsDir, "float-service.log")
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return err
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, log)
}

// serve wires the components together and blocks until ctx is canceled or a
// component fails.
func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	collector := metrics.New()

	workerPool, err := pool.New(cfg.Pool.Workers, cfg.Pool.Queue(), collector, log)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer workerPool.Close()

	service := generation.NewService(
		workerPool, cfg.Inference.ResDir, cfg.Inference.InferenceTimeout(), log,
		generation.WithRecorder(collector),
	)

	defer func() {
		closeErr := service.Close()
		if closeErr != nil {
			log.Warn("Failed to close inference agent: %v", closeErr)
		}
	}()

	log.Info("Generated videos are written to %s", service.ResDir())

	handler := api.NewRouter(api.New(service, api.Options{
		ScratchDir:         cfg.Paths.ScratchDir,
		MaxUploadBytes:     cfg.Server.MaxUploadBytes,
		RateLimitPerSecond: cfg.Server.RateLimitPerSecond,
		RateLimitBurst:     cfg.Server.RateLimitBurst,
	}, collector, log))

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout(),
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.System("FLOAT service listening on %s", server.Addr)

		listenErr := server.ListenAndServe()
		if listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", listenErr)
		}

		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		defer cancel()

		log.System("Shutting down HTTP server")

		shutdownErr := server.Shutdown(shutdownCtx)
		if shutdownErr != nil {
			return fmt.Errorf("http server shutdown failed: %w", shutdownErr)
		}

		return nil
	})

	group.Go(func() error {
		return loadAgent(groupCtx, cfg, service, log)
	})

	if cfg.NATS.Enabled {
		group.Go(func() error {
			return runWorker(groupCtx, cfg, service, log)
		})
	}

	err = group.Wait()
	if err != nil {
		log.Error("Service stopped with error: %v", err)

		return err
	}

	log.System("Service stopped")

	return nil
}

func loadAgent(ctx context.Context, cfg *config.Config, service *generation.Service, log *logger.Logger) error {
	log.Info("Loading inference agent (backend %s)", cfg.Inference.Backend)

	start := time.Now()

	loaded, err := agent.Load(ctx, cfg.Inference, log)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}

		return fmt.Errorf("failed to load inference agent: %w", err)
	}

	service.SetAgent(loaded)
	log.System("Inference agent ready after %s", time.Since(start).Round(time.Millisecond))

	return nil
}

func runWorker(ctx context.Context, cfg *config.Config, service *generation.Service, log *logger.Logger) error {
	natsConnection, err := nats.Connect(cfg.NATS.URL, nats.Name("float-service"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, cfg.NATS.ObjectStoreBucket)
	if err != nil {
		return err
	}

	var jobTimeout time.Duration
	if cfg.Inference.InferenceTimeout() > 0 {
		jobTimeout = cfg.Inference.InferenceTimeout() + transferMargin
	}

	natsWorker := worker.NewNatsWorker(
		natsConnection,
		cfg.NATS.InferenceSubject,
		store,
		service,
		cfg.Paths.ScratchDir,
		jobTimeout,
		log,
	)

	return natsWorker.Run(ctx)
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}

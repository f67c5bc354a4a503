// Command voiceclone-worker synthesizes text events from NATS with the
// logged-in user's cloned voice.
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
	"github.com/book-expert/voiceclone/internal/api"
	"github.com/book-expert/voiceclone/internal/config"
	"github.com/book-expert/voiceclone/internal/objectstore"
	"github.com/book-expert/voiceclone/internal/tokenstore"
	"github.com/book-expert/voiceclone/internal/voice"
	"github.com/book-expert/voiceclone/internal/voice/textprep"
	"github.com/book-expert/voiceclone/internal/worker"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	bootstrapLogFileName = "voiceclone-worker-bootstrap.log"
	logFileName          = "voiceclone-worker.log"
	metricsPath          = "/metrics"
	readHeaderTimeout    = 5 * time.Second
	shutdownTimeout      = 10 * time.Second
)

const (
	logMsgBootstrap      = "Bootstrap logger created."
	logMsgConfigLoaded   = "Configuration loaded successfully."
	logFmtStarted        = "voiceclone-worker listening on %s for backend %s"
	logFmtMetricsServing = "Serving metrics on %s%s"
	logFmtMetricsFailed  = "Metrics server failed: %v"
	logMsgShutdown       = "Shutting down"
)

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	bootstrapLog, err := setupLogger(os.TempDir(), bootstrapLogFileName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	defer func() { _ = bootstrapLog.Close() }()

	bootstrapLog.Info(logMsgBootstrap)

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info(logMsgConfigLoaded)

	err = cfg.EnsureDirectories()
	if err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	log, err := setupLogger(cfg.Paths.BaseLogsDir, logFileName)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return err
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, log)
}

// serve wires the worker and blocks until ctx is done.
func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	clientMetrics, err := api.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("failed to register client metrics: %w", err)
	}

	workerMetrics, err := worker.NewMetrics(registry)
	if err != nil {
		return err
	}

	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to get JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		return err
	}

	tokens, closeTokens, err := tokenstore.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s session store: %w", cfg.Session.Store, err)
	}

	if closeTokens != nil {
		defer func() { _ = closeTokens() }()
	}

	client, err := api.New(api.Config{
		BaseURL:         cfg.Backend.URL,
		Timeout:         cfg.Backend.Timeout(),
		CoalesceRefresh: true,
	}, tokens, log, api.WithMetrics(clientMetrics))
	if err != nil {
		return fmt.Errorf("failed to create api client: %w", err)
	}

	service, err := voice.NewService(client, log, voice.Options{})
	if err != nil {
		return fmt.Errorf("failed to create voice service: %w", err)
	}

	var normalizer *textprep.Normalizer
	if cfg.Batch.NormalizeText {
		normalizer = textprep.New()
	}

	natsWorker, err := worker.NewNatsWorker(
		natsConnection,
		cfg.NATS.TextProcessedSubject,
		store,
		service,
		log,
		worker.WithNormalizer(normalizer),
		worker.WithMetrics(workerMetrics),
	)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	metricsServer := startMetricsServer(cfg.Metrics.ListenAddr, registry, log)

	log.System(logFmtStarted, cfg.NATS.TextProcessedSubject, cfg.Backend.URL)

	runErr := natsWorker.Run(ctx)

	log.Info(logMsgShutdown)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return errors.Join(runErr, metricsServer.Shutdown(shutdownCtx))
}

func startMetricsServer(addr string, registry *prometheus.Registry, log *logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		log.Info(logFmtMetricsServing, addr, metricsPath)

		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(logFmtMetricsFailed, err)
		}
	}()

	return server
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wifi-positioning/scan-ingester/internal/awsclient"
	"github.com/wifi-positioning/scan-ingester/internal/config"
	"github.com/wifi-positioning/scan-ingester/internal/firehose"
	scanhttp "github.com/wifi-positioning/scan-ingester/internal/http"
	"github.com/wifi-positioning/scan-ingester/internal/ingest"
	"github.com/wifi-positioning/scan-ingester/internal/metrics"
	"github.com/wifi-positioning/scan-ingester/internal/queue"
	"github.com/wifi-positioning/scan-ingester/internal/transform"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "check-config":
		runCheckConfig()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: scan-ingester <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve          Start the ingestion service")
	fmt.Println("  check-config   Validate the configuration and exit")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting scan-ingester",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
		zap.String("queue_url", cfg.SQS.QueueURL),
		zap.String("delivery_stream", cfg.Firehose.DeliveryStream),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clients, err := awsclient.New(ctx, cfg.AWS)
	if err != nil {
		logger.Fatal("failed to build AWS clients", zap.Error(err))
	}

	// --- Delivery publisher ---
	publisher := firehose.New(clients.Firehose, cfg.Firehose, logger.Named("firehose"))
	pubCtx, pubCancel := context.WithCancel(context.Background())
	defer pubCancel()
	go publisher.Run(pubCtx)

	// --- Ingestion pipeline ---
	transformer := transform.New(cfg.Filter, logger.Named("transform"))
	ingestor := ingest.New(clients.S3, transformer, publisher, cfg.S3, cfg.Decode, logger.Named("ingest"))
	receiver := queue.NewReceiver(clients.SQS, ingestor, cfg.SQS, logger.Named("queue"))
	receiver.Start()

	logger.Info("ingestion pipeline started",
		zap.Int("max_concurrent_batches", cfg.SQS.MaxConcurrentBatches),
		zap.Int("max_batch_records", cfg.Firehose.MaxBatchRecords),
	)

	// --- HTTP server ---
	httpServer := scanhttp.NewServer(cfg.Service.HTTPListen, receiver, publisher, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("scan-ingester started")

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	// Graceful shutdown: stop HTTP intake, stop fetching queue messages and
	// drain in-flight objects, then flush the publisher. Work still pending
	// at the deadline is abandoned to queue redelivery.
	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutMs) * time.Millisecond
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	receiver.Stop(shutdownCtx)

	if err := publisher.Close(shutdownCtx); err != nil {
		logger.Error("publisher close error", zap.Error(err))
	}
	pubCancel()

	logger.Info("scan-ingester stopped")
}

func runCheckConfig() {
	configPath, _ := parseFlags(os.Args[2:])

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("config OK: queue=%s stream=%s region=%s\n",
		cfg.SQS.QueueURL, cfg.Firehose.DeliveryStream, cfg.AWS.Region)
}

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evradar/evradar/internal/canonical"
	"github.com/evradar/evradar/internal/collector"
	"github.com/evradar/evradar/internal/config"
	"github.com/evradar/evradar/internal/logger"
	"github.com/evradar/evradar/internal/metrics"
	"github.com/evradar/evradar/internal/pipeline"
	"github.com/evradar/evradar/internal/store"
	"github.com/evradar/evradar/internal/telegram"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	runOnce    = flag.Bool("once", false, "Run one batch and exit")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)

	// Open the event store
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Fatal("Failed to open store at %s: %v", cfg.Store.Path, err)
	}
	defer st.Close()

	// Compile canonicalization rules
	rules, err := cfg.Rules.CompiledMacroRules()
	if err != nil {
		logger.Fatal("Invalid macro rules: %v", err)
	}
	keys := canonical.NewGenerator(rules)

	// Assemble collectors
	collectors := []collector.Collector{
		collector.NewCalendarCollector(cfg.Collectors, rules, cfg.Rules.RiskBySubtype),
		collector.NewRSSCollector(cfg.Collectors, cfg.Rules, st),
		collector.NewOpexCollector(cfg.Collectors.OpexMonths),
	}

	pipe := pipeline.New(collectors, keys, st, cfg.Calendar)

	// Initialize Telegram client
	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, 3, time.Second)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		logger.Info("Telegram client initialized")
	}

	// Optional metrics listener
	var exporter *metrics.Exporter
	if cfg.Metrics.Enabled {
		exporter = metrics.NewExporter(cfg.Metrics.Listen)
		go func() {
			logger.Info("Metrics listening on %s", cfg.Metrics.Listen)
			if err := exporter.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server: %v", err)
			}
		}()
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received")
		cancel()
	}()

	runBatch(ctx, pipe, telegramClient, exporter)

	if *runOnce {
		shutdownMetrics(exporter)
		return
	}

	logger.Info("Starting batch loop (interval: %v)", cfg.Run.Interval)
	ticker := time.NewTicker(cfg.Run.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownMetrics(exporter)
			logger.Info("Service stopped")
			return
		case <-ticker.C:
			runBatch(ctx, pipe, telegramClient, exporter)
		}
	}
}

func runBatch(ctx context.Context, pipe *pipeline.Pipeline, telegramClient *telegram.Client, exporter *metrics.Exporter) {
	start := time.Now()
	stats, err := pipe.Run(ctx)
	if err != nil {
		logger.Error("Batch run failed: %v", err)
	}
	if stats == nil {
		return
	}

	if exporter != nil {
		exporter.RecordRun(stats, time.Since(start))
	}
	if telegramClient != nil {
		if err := telegramClient.SendRunSummary(stats, start); err != nil {
			logger.Warn("Failed to send Telegram summary: %v", err)
		}
	}
}

func shutdownMetrics(exporter *metrics.Exporter) {
	if exporter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exporter.Shutdown(ctx); err != nil {
		logger.Warn("Metrics shutdown: %v", err)
	}
}

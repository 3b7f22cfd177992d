package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/flowsentry/flowsentry/internal/config"
	"github.com/flowsentry/flowsentry/internal/detector"
	"github.com/flowsentry/flowsentry/internal/feed"
	"github.com/flowsentry/flowsentry/internal/logger"
	"github.com/flowsentry/flowsentry/internal/storage"
	"github.com/flowsentry/flowsentry/internal/telegram"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	store, err := storage.New(cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	feedClient := feed.NewClient(
		cfg.Feed.APIURL,
		cfg.Feed.Timeout,
		cfg.Feed.MaxRetries,
		cfg.Feed.RetryDelayBase,
	)

	engineConfig := detector.Config{
		ClusteringHorizon: cfg.Detector.ClusteringHorizon,
		HistoryRetention:  cfg.Detector.HistoryRetention,
		ExpectedPerWindow: cfg.ExpectedBetsPerWindow(),
		ZMin:              cfg.Detector.ZMin,
		DRMin:             cfg.Detector.DRMin,
		HMin:              cfg.Detector.HMin,
		Weights: detector.Weights{
			Z: cfg.Detector.Weights.Z,
			D: cfg.Detector.Weights.D,
			B: cfg.Detector.Weights.B,
		},
		TopK:               cfg.Detector.TopK,
		CooldownMultiplier: cfg.Detector.CooldownMultiplier,
		CheckpointInterval: cfg.Detector.CheckpointInterval,
	}
	engine := detector.New(store, engineConfig)

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		engine.Shutdown()
		cancel()
	}()

	if cfg.Telegram.Enabled && telegramClient != nil {
		telegramClient.ListenForCommands(ctx)
	}

	logger.Info("Starting flow monitoring (interval: %v, horizon: %v, z_min: %.2f, dr_min: %.2f, h_min: %.2f)",
		cfg.Feed.PollInterval,
		cfg.Detector.ClusteringHorizon,
		cfg.Detector.ZMin,
		cfg.Detector.DRMin,
		cfg.Detector.HMin,
	)

	ticker := time.NewTicker(cfg.Feed.PollInterval)
	defer ticker.Stop()

	consecutiveFailures := 0

	handleCycleResult := func(err error) {
		if err != nil {
			consecutiveFailures++
			logger.Error("Polling cycle failed: %v", err)
			if consecutiveFailures == 1 && telegramClient != nil {
				if sendErr := telegramClient.SendError(err); sendErr != nil {
					logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
				}
			}
		} else {
			if consecutiveFailures > 0 && telegramClient != nil {
				if sendErr := telegramClient.SendRecovery(consecutiveFailures); sendErr != nil {
					logger.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
				}
			}
			consecutiveFailures = 0
		}
	}

	lastPoll := time.Now().Add(-cfg.Feed.PollInterval)

	logger.Debug("Running initial polling cycle")
	handleCycleResult(runPollCycle(ctx, feedClient, engine, store, telegramClient, cfg, &lastPoll))

	for {
		select {
		case <-ctx.Done():
			logger.Info("Service stopped")
			return

		case <-ticker.C:
			logger.Debug("Starting scheduled polling cycle")
			handleCycleResult(runPollCycle(ctx, feedClient, engine, store, telegramClient, cfg, &lastPoll))
			if n, err := store.PruneBets(time.Now().Add(-cfg.Storage.MaxBetAge)); err != nil {
				logger.Warn("Failed to prune bets: %v", err)
			} else if n > 0 {
				logger.Debug("Pruned %d aged bets", n)
			}
		}
	}
}

func runPollCycle(
	ctx context.Context,
	feedClient *feed.Client,
	engine *detector.Engine,
	store *storage.Storage,
	telegramClient *telegram.Client,
	cfg *config.Config,
	lastPoll *time.Time,
) error {
	startTime := time.Now()
	logger.Info("Starting polling cycle")

	bets, err := feedClient.FetchBets(ctx, *lastPoll, cfg.Feed.Limit)
	if err != nil {
		return fmt.Errorf("failed to fetch bets: %w", err)
	}
	*lastPoll = startTime
	logger.Info("Fetched %d bets since last poll", len(bets))

	for i := range bets {
		if err := store.AddBet(&bets[i]); err != nil {
			logger.Warn("Failed to record bet for market %s: %v", bets[i].MarketID, err)
		}
	}

	records := engine.ProcessBatch(bets)
	logger.Info("Detected %d anomalies across %d tracked markets", len(records), engine.TrackedMarkets())

	notify := engine.TopForNotification(records, cfg.Feed.PollInterval)
	if len(notify) > 0 {
		logger.Info("Post-processed anomalies: %d selected for notification", len(notify))

		if telegramClient != nil {
			if err := telegramClient.Send(notify); err != nil {
				logger.Error("Failed to send Telegram notification: %v", err)
			} else {
				logger.Info("Sent Telegram notification with %d anomalies", len(notify))
				engine.RecordNotified(notify)

				ids := make([]string, len(notify))
				for i, r := range notify {
					ids[i] = r.ID
				}
				if err := store.MarkNotified(ids); err != nil {
					logger.Warn("Failed to mark anomalies notified: %v", err)
				}
			}
		} else {
			logger.Debug("Anomalies detected but Telegram notifications disabled")
		}
	} else {
		logger.Info("No anomalies selected for notification this cycle")
	}

	logger.Info("Polling cycle completed in %v", time.Since(startTime))
	return nil
}

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"devicebridge/internal/api"
	"devicebridge/internal/cloud"
	"devicebridge/internal/config"
	"devicebridge/internal/devices"
	"devicebridge/internal/engine"
	"devicebridge/internal/push"
	"devicebridge/internal/radio"
	"devicebridge/internal/store"
	"devicebridge/internal/transport"
	"devicebridge/internal/webhook"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "devices.yaml"
	}
	cloudToken := os.Getenv("CLOUD_TOKEN")

	cfg, err := config.Load(configPath, logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Starting device bridge",
		zap.String("config", configPath),
		zap.Int("devices", len(cfg.Devices)))

	// Durable cached-state store
	db, err := store.Open(cfg.StorePath)
	if err != nil {
		logger.Fatal("Failed to open state store", zap.Error(err))
	}
	defer db.Close()

	// Cloud client; with no token it reports itself unusable and the
	// transport selector routes around it.
	cloudClient := cloud.NewClient(cfg.Cloud.BaseURL, cloudToken, cloud.Options{
		MaxAttempts: cfg.Cloud.MaxAttempts,
		RetryDelay:  cfg.Cloud.RetryDelay.Std(),
		Timeout:     cfg.Cloud.Timeout.Std(),
		Disabled:    cfg.Cloud.Disabled,
	}, logger)
	if cloudToken == "" {
		logger.Warn("CLOUD_TOKEN not set; cloud transport unavailable")
	}

	selector := transport.NewSelector(cloudClient)
	registry := webhook.NewRegistry(logger)

	scanner, commander, closeRadio := buildRadio(cfg.Radio, logger)
	defer closeRadio()

	fleet, err := buildFleet(cfg, engine.Deps{
		Selector:        selector,
		Cloud:           cloudClient,
		Scanner:         scanner,
		Commander:       commander,
		Store:           db,
		Logger:          logger,
		Sync:            logState(logger),
		RegisterWebhook: registry.Register,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to build device fleet", zap.Error(err))
	}

	fleet.StartAll()
	defer fleet.StopAll()

	// Vendor push channel, when configured. Webhooks over the HTTP API
	// work either way.
	pushURL := os.Getenv("PUSH_URL")
	if pushURL == "" {
		pushURL = cfg.Push.URL
	}
	if pushURL != "" {
		pushClient := push.NewClient(pushURL, cloudToken, registry, logger)
		if err := pushClient.Connect(); err != nil {
			logger.Warn("Push channel unavailable", zap.Error(err))
		} else {
			defer pushClient.Disconnect()
		}
	}

	server := api.NewServer(fleet, registry, logger, cfg.API.Port)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start API server", zap.Error(err))
	}
	defer server.Stop()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Device bridge running. Press Ctrl+C to exit.")
	<-sigChan

	logger.Info("Shutting down gracefully...")
}

// buildFleet assembles one engine per configured device.
func buildFleet(cfg *config.Config, base engine.Deps, logger *zap.Logger) (*engine.Fleet, error) {
	fleet := engine.NewFleet(logger)

	for _, d := range cfg.Devices {
		profile, err := devices.ProfileFor(devices.Type(d.Type), devices.Options{
			LowBatteryThreshold: d.LowBatteryThreshold,
			HideLightSensor:     d.HideLightSensor,
		})
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", d.ID, err)
		}

		e, err := engine.New(engine.Config{
			ID:             d.ID,
			Name:           d.Name,
			Address:        d.Address,
			Model:          d.Model,
			Mode:           d.Mode(),
			Offline:        d.Offline,
			PollInterval:   d.PollInterval.Std(),
			DebounceWindow: d.DebounceWindow.Std(),
			ScanDuration:   d.ScanDuration.Std(),
			RetryDelay:     d.RetryDelay.Std(),
			FollowUpDelay:  d.FollowUpDelay.Std(),
			MaxRetries:     d.MaxRetries,
		}, profile, base)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", d.ID, err)
		}

		if err := fleet.Add(e); err != nil {
			return nil, err
		}
	}

	return fleet, nil
}

// buildRadio wires the local transport. Without a radio port the
// local path stays unconfigured and hybrid devices fall back to
// cloud.
func buildRadio(cfg config.RadioConfig, logger *zap.Logger) (radio.Scanner, radio.Commander, func()) {
	if cfg.Port == "" {
		logger.Info("No radio port configured; local transport disabled")
		return nil, nil, func() {}
	}

	dongle, err := radio.OpenDongle(cfg.Port, cfg.Baud, logger)
	if err != nil {
		logger.Warn("Radio dongle unavailable; local transport disabled",
			zap.Error(err))
		return nil, nil, func() {}
	}
	return dongle, dongle, func() { dongle.Close() }
}

// logState is the default sync callback: it surfaces reconciled state
// in the log. A hub integration replaces this with its characteristic
// updates.
func logState(logger *zap.Logger) engine.SyncFunc {
	return func(deviceID string, state map[string]interface{}) {
		logger.Debug("State synchronized",
			zap.String("device", deviceID),
			zap.Any("state", state))
	}
}

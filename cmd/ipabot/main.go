// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

// Ipabot runs the decrypt bot: it polls Telegram for updates, admits
// requests into the priority queue, and drives the single on-device
// worker. Run ipabot-setup first to produce the config file.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/appstore"
	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/bot"
	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/device"
	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/lib/config"
	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/pipeline"
	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/queue"
	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/telegram"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	pflag.StringVar(&configPath, "config", "", "path to ipabot.yaml (default: $IPABOT_CONFIG)")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("ipabot %s\n", version)
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := telegram.NewClient(telegram.ClientConfig{
		Token:  cfg.Telegram.Token,
		APIURL: cfg.Telegram.APIURL,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	// Verify the token before wiring anything else; a bad token
	// otherwise surfaces as an endless poll-retry loop.
	me, err := client.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("verifying bot token: %w", err)
	}
	logger.Info("authenticated", "bot", me.Username, "id", me.ID)

	sink, err := telegram.NewChannelSink(telegram.ChannelSinkConfig{
		Client:    client,
		ChannelID: cfg.Telegram.BackupChannelID,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	controller, err := device.NewController(device.Config{
		Host:           cfg.Device.Host,
		Port:           cfg.Device.Port,
		User:           cfg.Device.User,
		Password:       cfg.Device.Password,
		KeyFile:        cfg.Device.KeyFile,
		CommandTimeout: cfg.CommandTimeout(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer controller.Close()

	packages, err := device.NewPackages(device.PackagesConfig{
		Device: controller,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	decryptor, err := device.NewDecryptor(device.DecryptorConfig{
		Device:    controller,
		OutputDir: cfg.Device.WorkDir,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	ipatoolPath, err := cfg.BinaryPath(cfg.AppStore.IPAToolBin)
	if err != nil {
		return err
	}
	store, err := appstore.NewClient(appstore.ClientConfig{
		Country:     cfg.AppStore.Country,
		IPAToolPath: ipatoolPath,
		DownloadDir: cfg.Paths.Downloads,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	state := queue.NewState(queue.Config{
		OwnerID:        cfg.Telegram.OwnerID,
		Public:         cfg.Queue.Public,
		FreeDailyLimit: cfg.Queue.FreeDailyLimit,
		Location:       cfg.Location(),
		Logger:         logger,
	})

	reconciler := pipeline.NewReconciler(pipeline.ReconcilerConfig{
		Sink:   sink,
		Logger: logger,
	})
	pipe := pipeline.New(pipeline.Config{
		Store:       store,
		Classifier:  store,
		Device:      controller,
		Packages:    packages,
		Decryptor:   decryptor,
		Sink:        sink,
		Reconciler:  reconciler,
		Country:     cfg.AppStore.Country,
		DownloadDir: cfg.Paths.Downloads,
		Logger:      logger,
	})
	executor := queue.NewExecutor(queue.ExecutorConfig{
		State:        state,
		Runner:       pipe,
		PollInterval: cfg.PollInterval(),
		Logger:       logger,
	})

	commandBot, err := bot.New(bot.Config{
		Messenger:  client,
		State:      state,
		Classifier: store,
		Packages:   packages,
		Observer:   sink,
		Country:    cfg.AppStore.Country,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	watcher, err := telegram.NewWatcher(telegram.WatcherConfig{
		Client:  client,
		Handler: commandBot.HandleUpdate,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	executorDone := make(chan error, 1)
	go func() {
		executorDone <- executor.Run(ctx)
	}()

	watcherDone := make(chan error, 1)
	go func() {
		watcherDone <- watcher.Run(ctx)
	}()

	logger.Info("ipabot running",
		"owner", cfg.Telegram.OwnerID,
		"channel", cfg.Telegram.BackupChannelID,
		"public", cfg.Queue.Public,
	)

	// Block until the watcher stops: either the shutdown signal
	// arrived, or polling exhausted its retry budget. The executor
	// finishes its in-flight job before Run returns.
	watcherErr := <-watcherDone
	stop()
	if err := <-executorDone; err != nil && ctx.Err() == nil {
		logger.Error("executor stopped", "error", err)
	}

	if watcherErr != nil && ctx.Err() == nil {
		return watcherErr
	}
	logger.Info("shut down cleanly")
	return nil
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/JakeFAU/multisession-harvester/internal/config"
	"github.com/JakeFAU/multisession-harvester/internal/credentials"
	"github.com/JakeFAU/multisession-harvester/internal/harvest"
	"github.com/JakeFAU/multisession-harvester/internal/logging"
	"github.com/JakeFAU/multisession-harvester/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "", "Path to config file")
	sheet := flag.String("sheet", "", "Export destination for the run command")
	topic := flag.String("topic", "", "Topic filter, alternatives separated by commas")
	target := flag.Int("target", 50, "Target number of jobs")
	harvestMode := flag.String("mode", string(harvest.ModeBalanced), "conservative, balanced, aggressive or hybrid")
	accounts := flag.Int("accounts", 0, "Cap on concurrent accounts (0 means planner decides)")
	seedCount := flag.Int("seed-count", 5, "Placeholder accounts written by seed-accounts")
	seedDomain := flag.String("seed-domain", "example.com", "Email domain for seed-accounts")
	seedPassword := flag.String("seed-password", "", "Shared password for seed-accounts")
	flag.Parse()

	command := "serve"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}

	// a missing .env is fine
	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		return 1
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		return 1
	}
	defer func() {
		if syncErr := logging.Sync(logger); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	if command == "seed-accounts" {
		if *seedPassword == "" || *seedCount <= 0 {
			logger.Error("seed-accounts needs -seed-password and a positive -seed-count")
			return 2
		}
		creds := credentials.Default(*seedCount, *seedDomain, *seedPassword)
		if err := credentials.WriteFile(cfg.Credentials.Path, creds); err != nil {
			logger.Error("write account file failed", zap.Error(err))
			return 1
		}
		logger.Info("account file written",
			zap.String("path", cfg.Credentials.Path),
			zap.Int("accounts", len(creds)),
		)
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.Build(ctx, &cfg, logger)
	if err != nil {
		logger.Error("build application failed", zap.Error(err))
		return 1
	}

	switch command {
	case "serve":
		if err := app.Run(ctx); err != nil {
			logger.Error("application stopped with error", zap.Error(err))
			return 1
		}
		return 0
	case "run":
		defer func() {
			if err := app.Close(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("close application failed", zap.Error(err))
			}
		}()
		parsed, err := harvest.ParseMode(*harvestMode)
		if err != nil {
			logger.Error("invalid harvest mode", zap.Error(err))
			return 2
		}
		result, err := app.RunOnce(ctx, harvest.RunRequest{
			Sheet:       *sheet,
			Topic:       *topic,
			Target:      *target,
			Mode:        parsed,
			MaxAccounts: *accounts,
		})
		if err != nil {
			logger.Error("run failed", zap.Error(err))
			return 2
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			logger.Error("write result failed", zap.Error(err))
			return 1
		}
		if !result.Success {
			return 1
		}
		return 0
	default:
		logger.Error("unknown command", zap.String("command", command))
		return 2
	}
}

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/VitoHuang720618/bojiu/internal/audit"
	"github.com/VitoHuang720618/bojiu/internal/auth"
	"github.com/VitoHuang720618/bojiu/internal/config"
	"github.com/VitoHuang720618/bojiu/internal/db"
	"github.com/VitoHuang720618/bojiu/internal/observability"
)

func main() {
	var configPath string
	open := func(ctx context.Context, migrate bool) (*stack, error) {
		return openStack(ctx, configPath, migrate)
	}

	rootCmd := newRootCmd(open)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (defaults to CONFIG_FILE)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type stack struct {
	users *auth.UserService
	audit *audit.Repository
	close func() error
}

func openStack(ctx context.Context, configPath string, migrate bool) (*stack, error) {
	cfg, err := config.Load(config.Options{LoadDotEnv: true, File: configPath})
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	database, err := db.Open(ctx, cfg.Database.URL, db.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if migrate {
		if err := db.RunMigrations(ctx, database); err != nil {
			_ = database.Close()
			return nil, err
		}
	}

	return newStack(database, cfg.Password.BcryptCost, observability.NewLoggerTo(os.Stderr)), nil
}

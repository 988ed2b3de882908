package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sslvsup/serviceup-insights/internal/app"
	"github.com/sslvsup/serviceup-insights/internal/config"
)

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:           "insights",
		Short:         "Invoice ingestion and insight pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (env vars override it)")

	root.AddCommand(
		nightlyCMD(&cfgPath),
		backfillCMD(&cfgPath),
		drainCMD(&cfgPath),
		migrateCMD(&cfgPath),
		scheduleCMD(&cfgPath),
		inspectCMD(&cfgPath),
		searchCMD(&cfgPath),
	)

	if err := root.Execute(); err != nil {
		slog.Error("Command failed.", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and installs the JSON logger.
func loadConfig(cfgPath string) (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(app.NewLogger(os.Stdout, cfg.Log.Level))
	return cfg, nil
}

// withApp builds the dependency bundle, runs fn under a context cancelled by
// SIGINT/SIGTERM and closes every client afterwards.
func withApp(cfgPath string, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			slog.Warn("Failed to close clients.", "error", cerr)
		}
	}()
	return fn(ctx, a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

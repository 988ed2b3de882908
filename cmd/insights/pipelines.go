package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/sslvsup/serviceup-insights/internal/app"
	"github.com/sslvsup/serviceup-insights/internal/models"
	"github.com/sslvsup/serviceup-insights/internal/store"
)

func nightlyCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "nightly",
		Short: "Ingest new invoices, drain the queue and regenerate insights",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*cfgPath, func(ctx context.Context, a *app.App) error {
				report, err := a.Pipeline.RunNightly(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			})
		},
	}
}

func backfillCMD(cfgPath *string) *cobra.Command {
	var limit int
	c := &cobra.Command{
		Use:   "backfill",
		Short: "Queue and process every historical invoice not yet parsed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*cfgPath, func(ctx context.Context, a *app.App) error {
				report, err := a.Pipeline.RunBackfill(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			})
		},
	}
	c.Flags().IntVar(&limit, "limit", 0, "maximum number of new invoices to queue (0 = all)")
	return c
}

func drainCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Process pending invoices until the queue is empty",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*cfgPath, func(ctx context.Context, a *app.App) error {
				stats, err := a.Orchestrator.DrainPending(ctx, func(s models.DrainStats) {
					slog.Info("Drain progress.", "batches", s.Batches, "processed", s.Processed, "failed", s.Failed, "skipped", s.Skipped)
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, stats)
			})
		},
	}
}

func migrateCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			return store.Migrate(cfg.Database.URL)
		},
	}
}

func scheduleCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run the nightly pipeline on its cron schedule and serve /metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*cfgPath, func(ctx context.Context, a *app.App) error {
				sched, err := app.ParseSchedule(a.Config.Schedule.Cron, a.Config.Schedule.Timezone)
				if err != nil {
					return err
				}
				if addr := a.Config.Schedule.MetricsAddr; addr != "" {
					go func() {
						if err := app.ServeMetrics(ctx, addr, a.Registry); err != nil {
							slog.Error("Metrics server stopped.", "error", err)
						}
					}()
				}
				err = sched.RunScheduled(ctx, time.Now, func(ctx context.Context) error {
					_, err := a.Pipeline.RunNightly(ctx)
					return err
				})
				if ctx.Err() != nil {
					slog.Info("Scheduler stopped.")
					return nil
				}
				return err
			})
		},
	}
}

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/gorhill/cronexpr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sslvsup/serviceup-insights/internal/errs"
)

// NewLogger returns a JSON logger at the given level. Unknown levels fall
// back to info.
func NewLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// Schedule computes run times from a cron expression in a fixed timezone.
type Schedule struct {
	expr *cronexpr.Expression
	loc  *time.Location
}

func ParseSchedule(cronLine, timezone string) (*Schedule, error) {
	const op = "app.ParseSchedule"
	expr, err := cronexpr.Parse(cronLine)
	if err != nil {
		return nil, errs.E(errs.KindConfiguration, op, fmt.Errorf("invalid cron %q: %w", cronLine, err))
	}
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, errs.E(errs.KindConfiguration, op, fmt.Errorf("invalid timezone %q: %w", timezone, err))
	}
	return &Schedule{expr: expr, loc: loc}, nil
}

// Next returns the first run strictly after t.
func (s *Schedule) Next(t time.Time) time.Time {
	return s.expr.Next(t.In(s.loc))
}

// RunScheduled calls job at every scheduled time until ctx is cancelled. A
// failing job is logged and the next slot is still honoured.
func (s *Schedule) RunScheduled(ctx context.Context, now func() time.Time, job func(context.Context) error) error {
	for {
		next := s.Next(now())
		if next.IsZero() {
			return errs.Errorf(errs.KindConfiguration, "app.RunScheduled", "schedule has no future runs")
		}
		wait := next.Sub(now())
		slog.Info("Next pipeline run scheduled.", "at", next.Format(time.RFC3339), "in", wait.Round(time.Second).String())

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := job(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			slog.Error("Scheduled run failed.", "error", err, "kind", errs.KindOf(err))
		}
	}
}

// ServeMetrics exposes the registry on addr until ctx is cancelled.
func ServeMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Serving metrics.", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

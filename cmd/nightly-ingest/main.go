package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/sslvsup/serviceup-insights/internal/app"
	"github.com/sslvsup/serviceup-insights/internal/config"
	"github.com/sslvsup/serviceup-insights/internal/models"
)

var (
	pipelineApp *app.App
	once        sync.Once
	initErr     error
)

func init() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	functions.CloudEvent("NightlyIngest", nightlyIngest)
}

// main is required by the Go Functions Framework.
func main() {}

func initApp() {
	cfg, err := config.Load(os.Getenv("INSIGHTS_CONFIG"))
	if err != nil {
		initErr = err
		return
	}
	slog.SetDefault(app.NewLogger(os.Stdout, cfg.Log.Level))
	pipelineApp, initErr = app.New(context.Background(), cfg)
}

// nightlyIngest runs the pipeline named in the event payload. An empty
// payload runs the nightly pipeline.
func nightlyIngest(ctx context.Context, e cloudevents.Event) error {
	once.Do(initApp)
	if initErr != nil {
		slog.Error("Critical error during function initialization.", "error", initErr)
		return initErr
	}

	req, err := models.DecodeTriggerRequest(e.Data())
	if err != nil {
		slog.Error("Failed to unmarshal event data.", "error", err, "data", string(e.Data()))
		return err
	}
	logCtx := slog.With("eventId", e.ID(), "pipeline", req.Pipeline)
	logCtx.Info("Trigger received.")

	switch req.Pipeline {
	case models.PipelineNightly:
		_, err := pipelineApp.Pipeline.RunNightly(ctx)
		return err
	case models.PipelineBackfill:
		_, err := pipelineApp.Pipeline.RunBackfill(ctx, req.Limit)
		return err
	default:
		logCtx.Error("Unknown pipeline requested.")
		return fmt.Errorf("unknown pipeline %q", req.Pipeline)
	}
}

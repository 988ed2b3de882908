package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"google.golang.org/api/option"

	"github.com/sslvsup/serviceup-insights/internal/models"
)

// WorkflowInsightTrigger starts one insight regeneration workflow execution per fleet.
type WorkflowInsightTrigger struct {
	client *executions.Client
	parent string
}

func NewWorkflowInsightTrigger(ctx context.Context, projectID, location, workflowID string, opts ...option.ClientOption) (*WorkflowInsightTrigger, error) {
	if projectID == "" || location == "" || workflowID == "" {
		return nil, fmt.Errorf("NewWorkflowInsightTrigger: projectID, location and workflowID cannot be empty")
	}
	client, err := executions.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create executions client: %w", err)
	}
	return &WorkflowInsightTrigger{
		client: client,
		parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s", projectID, location, workflowID),
	}, nil
}

// Regenerate starts the workflow for one fleet and returns the execution name.
func (t *WorkflowInsightTrigger) Regenerate(ctx context.Context, req models.InsightRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	exec, err := t.client.CreateExecution(ctx, &executionspb.CreateExecutionRequest{
		Parent: t.parent,
		Execution: &executionspb.Execution{
			Argument: string(payload),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create execution for fleet %d: %w", req.FleetID, err)
	}
	slog.Info("Insight regeneration triggered.", "fleetId", req.FleetID, "execution", exec.GetName())
	return exec.GetName(), nil
}

func (t *WorkflowInsightTrigger) Close() error {
	return t.client.Close()
}

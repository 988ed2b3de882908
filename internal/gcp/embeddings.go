package gcp

import (
	"context"
	"fmt"

	aiplatform "cloud.google.com/go/aiplatform/apiv1"
	"cloud.google.com/go/aiplatform/apiv1/aiplatformpb"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/structpb"
)

// EmbeddingClient calls a Vertex AI publisher text embedding model.
type EmbeddingClient struct {
	client     *aiplatform.PredictionClient
	endpoint   string
	model      string
	dimensions int
}

// NewEmbeddingClient connects to the regional prediction endpoint.
func NewEmbeddingClient(ctx context.Context, projectID, region, model string, dimensions int, opts ...option.ClientOption) (*EmbeddingClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewEmbeddingClient: projectID and region cannot be empty")
	}
	opts = append([]option.ClientOption{option.WithEndpoint(fmt.Sprintf("%s-aiplatform.googleapis.com:443", region))}, opts...)

	client, err := aiplatform.NewPredictionClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create prediction client: %w", err)
	}
	return &EmbeddingClient{
		client:     client,
		endpoint:   fmt.Sprintf("projects/%s/locations/%s/publishers/google/models/%s", projectID, region, model),
		model:      model,
		dimensions: dimensions,
	}, nil
}

func (c *EmbeddingClient) Model() string { return c.model }

// Embed returns the vector for one text.
func (c *EmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	instance, err := structpb.NewStruct(map[string]any{
		"content":   text,
		"task_type": "RETRIEVAL_DOCUMENT",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding instance: %w", err)
	}
	params, err := structpb.NewStruct(map[string]any{
		"outputDimensionality": c.dimensions,
		"autoTruncate":         true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding parameters: %w", err)
	}

	resp, err := c.client.Predict(ctx, &aiplatformpb.PredictRequest{
		Endpoint:   c.endpoint,
		Instances:  []*structpb.Value{structpb.NewStructValue(instance)},
		Parameters: structpb.NewStructValue(params),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding prediction failed: %w", err)
	}
	if len(resp.GetPredictions()) == 0 {
		return nil, fmt.Errorf("embedding prediction returned no results")
	}

	values := resp.GetPredictions()[0].GetStructValue().GetFields()["embeddings"].GetStructValue().GetFields()["values"].GetListValue().GetValues()
	if len(values) == 0 {
		return nil, fmt.Errorf("embedding prediction has no values")
	}
	vec := make([]float32, len(values))
	for i, v := range values {
		vec[i] = float32(v.GetNumberValue())
	}
	return vec, nil
}

func (c *EmbeddingClient) Close() error {
	return c.client.Close()
}

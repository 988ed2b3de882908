package gcp

import (
	"context"
	"fmt"
	"sort"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sslvsup/serviceup-insights/internal/models"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
func NewFirestoreClient(ctx context.Context, projectID string, opts ...option.ClientOption) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// FirestoreCheckpointStore keeps one document per pipeline name.
type FirestoreCheckpointStore struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreCheckpointStore(client *firestore.Client, collection string) *FirestoreCheckpointStore {
	return &FirestoreCheckpointStore{client: client, collection: collection}
}

// Load returns the checkpoint for name, or a zero checkpoint if none exists.
func (s *FirestoreCheckpointStore) Load(ctx context.Context, name string) (models.Checkpoint, error) {
	snap, err := s.client.Collection(s.collection).Doc(name).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return models.Checkpoint{Name: name}, nil
	}
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("failed to load checkpoint %s: %w", name, err)
	}

	var cp models.Checkpoint
	if err := snap.DataTo(&cp); err != nil {
		return models.Checkpoint{}, fmt.Errorf("failed to decode checkpoint %s: %w", name, err)
	}
	cp.Name = name
	return cp, nil
}

// Save merges cp into the stored document. A nil LastSuccessAt leaves the
// stored value untouched; a non-nil Metadata replaces the stored map whole.
func (s *FirestoreCheckpointStore) Save(ctx context.Context, cp models.Checkpoint) error {
	data, fields := checkpointFields(cp)
	if _, err := s.client.Collection(s.collection).Doc(cp.Name).Set(ctx, data, firestore.Merge(fields...)); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", cp.Name, err)
	}
	return nil
}

// checkpointFields returns the document data for cp and the top-level paths
// it overwrites. Metadata is never merged key by key.
func checkpointFields(cp models.Checkpoint) (map[string]any, []firestore.FieldPath) {
	data := map[string]any{
		"pipelineName": cp.Name,
		"lastStatus":   string(cp.LastStatus),
	}
	if cp.LastRunAt != nil {
		data["lastRunAt"] = *cp.LastRunAt
	}
	if cp.LastSuccessAt != nil {
		data["lastSuccessAt"] = *cp.LastSuccessAt
	}
	if cp.Metadata != nil {
		data["metadata"] = cp.Metadata
	}

	fields := make([]firestore.FieldPath, 0, len(data))
	for k := range data {
		fields = append(fields, firestore.FieldPath{k})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i][0] < fields[j][0] })
	return data, fields
}

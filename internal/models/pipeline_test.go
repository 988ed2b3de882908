package models

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTriggerRequest(t *testing.T) {
	wrapped := func(payload string) string {
		return `{"message":{"data":"` + base64.StdEncoding.EncodeToString([]byte(payload)) + `","messageId":"1"},"subscription":"projects/p/subscriptions/s"}`
	}

	tests := []struct {
		name string
		data string
		want TriggerRequest
	}{
		{name: "empty", data: "", want: TriggerRequest{Pipeline: PipelineNightly}},
		{name: "direct", data: `{"pipeline":"backfill","limit":25}`, want: TriggerRequest{Pipeline: PipelineBackfill, Limit: 25}},
		{name: "pubsub backfill", data: wrapped(`{"pipeline":"backfill","limit":5}`), want: TriggerRequest{Pipeline: PipelineBackfill, Limit: 5}},
		{name: "pubsub without data", data: `{"message":{"messageId":"2"}}`, want: TriggerRequest{Pipeline: PipelineNightly}},
		{name: "pubsub empty object", data: wrapped(`{}`), want: TriggerRequest{Pipeline: PipelineNightly}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeTriggerRequest([]byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeTriggerRequestRejectsGarbage(t *testing.T) {
	_, err := DecodeTriggerRequest([]byte("not json"))
	assert.Error(t, err)

	_, err = DecodeTriggerRequest([]byte(`{"message":{"data":"` + base64.StdEncoding.EncodeToString([]byte("nope")) + `"}}`))
	assert.Error(t, err)
}

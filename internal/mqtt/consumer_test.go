package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opticut/collab/internal/events"
)

type fakeClient struct {
	mu        sync.Mutex
	published []publishedMessage
	fail      error
}

type publishedMessage struct {
	topic   string
	payload string
}

func (f *fakeClient) Connect(context.Context) error { return nil }
func (f *fakeClient) IsConnected() bool             { return true }
func (f *fakeClient) Disconnect()                   {}

func (f *fakeClient) Publish(_ context.Context, topic, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.published = append(f.published, publishedMessage{topic: topic, payload: payload})
	return nil
}

func TestConsumerPublishesEventAsJSON(t *testing.T) {
	client := &fakeClient{}
	consumer := NewConsumer(client, "collab")

	event := events.NewEvent(events.EventLockAcquired, "tenant-1", events.LockAcquiredPayload{
		DocumentType: "cutting_plan",
		DocumentID:   "42",
		LockedBy:     "alice",
		LockedAt:     time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC),
		ExpiresAt:    time.Date(2026, 3, 15, 10, 5, 0, 0, time.UTC),
	})

	require.NoError(t, consumer.ProcessEvent(context.Background(), event))

	require.Len(t, client.published, 1)
	assert.Equal(t, "collab/tenant-1/lock_acquired", client.published[0].topic)

	var decoded events.Event
	require.NoError(t, json.Unmarshal([]byte(client.published[0].payload), &decoded))
	assert.Equal(t, event.ID, decoded.ID)
	assert.Equal(t, events.EventLockAcquired, decoded.Type)
	assert.Equal(t, "tenant-1", decoded.TenantID)
}

func TestConsumerTopicConstruction(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		want   string
	}{
		{"default prefix", "", "collab/acme/user_online"},
		{"custom prefix", "factory/events", "factory/events/acme/user_online"},
		{"trailing slash trimmed", "collab/", "collab/acme/user_online"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			consumer := NewConsumer(&fakeClient{}, tc.prefix)
			event := events.NewEvent(events.EventUserOnline, "acme", nil)
			assert.Equal(t, tc.want, consumer.Topic(event))
		})
	}
}

func TestConsumerSwallowsPublishFailures(t *testing.T) {
	client := &fakeClient{fail: assert.AnError}
	consumer := NewConsumer(client, "collab")

	event := events.NewEvent(events.EventLockReleased, "tenant-1", events.LockReleasedPayload{
		DocumentType: "order",
		DocumentID:   "7",
	})

	// Broadcast failures never propagate to the bus.
	assert.NoError(t, consumer.ProcessEvent(context.Background(), event))
}

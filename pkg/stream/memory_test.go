package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, sub Subscription, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(out))
		}
	}
	return out
}

func TestMemoryStreamPublishRetains(t *testing.T) {
	ms := NewMemoryStream()
	ctx := context.Background()

	require.NoError(t, ms.Publish(ctx, "workflow-status", "engine", []byte(`{"a":1}`)))
	require.NoError(t, ms.Publish(ctx, "workflow-status", "engine", []byte(`{"a":2}`)))

	retained := ms.Retained("workflow-status")
	require.Len(t, retained, 2)
	assert.JSONEq(t, `{"a":1}`, string(retained[0].Payload))
}

func TestMemoryStreamEphemeralNotRetained(t *testing.T) {
	ms := NewMemoryStream()
	require.NoError(t, ms.Ephemeral(context.Background(), "error-notifications", "live", []byte(`{}`)))
	assert.Empty(t, ms.Retained("error-notifications"))
}

func TestMemoryStreamSubscribeReceives(t *testing.T) {
	ms := NewMemoryStream()
	ctx := context.Background()

	sub, err := ms.Subscribe(ctx, "workflow-status", nil)
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, ms.Publish(ctx, "workflow-status", "engine", []byte(`{"n":1}`)))
	require.NoError(t, ms.Ephemeral(ctx, "workflow-status", "live", []byte(`{"n":2}`)))

	evs := collect(t, sub, 2)
	assert.JSONEq(t, `{"n":1}`, string(evs[0].Payload))
	assert.JSONEq(t, `{"n":2}`, string(evs[1].Payload))
}

func TestMemoryStreamFilter(t *testing.T) {
	ms := NewMemoryStream()
	ctx := context.Background()

	sub, err := ms.Subscribe(ctx, "t", func(ev Event) bool {
		return string(ev.Payload) == "keep"
	})
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, ms.Publish(ctx, "t", "g", []byte("drop")))
	require.NoError(t, ms.Publish(ctx, "t", "g", []byte("keep")))

	evs := collect(t, sub, 1)
	assert.Equal(t, "keep", string(evs[0].Payload))
}

func TestMemoryStreamCancelStopsDelivery(t *testing.T) {
	ms := NewMemoryStream()
	ctx := context.Background()

	sub, err := ms.Subscribe(ctx, "t", nil)
	require.NoError(t, err)
	sub.Cancel()

	require.NoError(t, ms.Publish(ctx, "t", "g", []byte("x")))
	_, open := <-sub.Events()
	assert.False(t, open, "channel must be closed after cancel")
}

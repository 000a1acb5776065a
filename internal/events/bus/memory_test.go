package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	var got atomic.Int32
	_, err := b.Subscribe(SubjectSessionCreated, func(ctx context.Context, n *Notification) error {
		got.Add(1)
		return nil
	})
	require.NoError(t, err)

	n := NewNotification(SubjectSessionCreated, "aaaaaaaaaaaa", nil)
	require.NoError(t, b.Publish(context.Background(), SubjectSessionCreated, n))

	waitFor(t, func() bool { return got.Load() == 1 })
}

func TestWildcardSubscription(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	var got atomic.Int32
	_, err := b.Subscribe("session.*", func(ctx context.Context, n *Notification) error {
		got.Add(1)
		return nil
	})
	require.NoError(t, err)

	for _, subject := range []string{SubjectSessionCreated, SubjectSessionStatus, SubjectSessionDeleted} {
		require.NoError(t, b.Publish(context.Background(), subject, NewNotification(subject, "aaaaaaaaaaaa", nil)))
	}

	waitFor(t, func() bool { return got.Load() == 3 })
}

func TestTailWildcard(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	var got atomic.Int32
	_, err := b.Subscribe(">", func(ctx context.Context, n *Notification) error {
		got.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), SubjectSessionChunk,
		NewNotification(SubjectSessionChunk, "aaaaaaaaaaaa", map[string]interface{}{"kind": "text"})))

	waitFor(t, func() bool { return got.Load() == 1 })
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	var got atomic.Int32
	sub, err := b.Subscribe(SubjectSessionStatus, func(ctx context.Context, n *Notification) error {
		got.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), SubjectSessionStatus,
		NewNotification(SubjectSessionStatus, "aaaaaaaaaaaa", nil)))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), got.Load())
}

func TestPublishAfterCloseFails(t *testing.T) {
	b := NewMemoryBus(nil)
	b.Close()
	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), SubjectSessionCreated,
		NewNotification(SubjectSessionCreated, "aaaaaaaaaaaa", nil)))
}

package streaming

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentz/agentz/internal/common/logger"
	"github.com/agentz/agentz/internal/events/bus"
)

func newTestHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub(logger.Default())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	return h, cancel
}

func recvOne(t *testing.T, c *Client) *bus.Notification {
	t.Helper()
	select {
	case data := <-c.send:
		var n bus.Notification
		require.NoError(t, json.Unmarshal(data, &n))
		return &n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return nil
	}
}

func TestHubRoutesBySession(t *testing.T) {
	h, cancel := newTestHub(t)
	defer cancel()

	log := logger.Default()
	alice := NewClient("alice", nil, h, log)
	bob := NewClient("bob", nil, h, log)
	h.Register(alice)
	h.Register(bob)
	alice.Subscribe("a1b2c3d4e5f6")
	bob.Subscribe("ffffffffffff")

	h.Broadcast(&bus.Notification{
		Subject:   bus.SubjectSessionStatus,
		SessionID: "a1b2c3d4e5f6",
	})

	n := recvOne(t, alice)
	assert.Equal(t, "a1b2c3d4e5f6", n.SessionID)
	assert.Empty(t, bob.send)
}

func TestHubFirehoseSubscription(t *testing.T) {
	h, cancel := newTestHub(t)
	defer cancel()

	c := NewClient("watcher", nil, h, logger.Default())
	h.Register(c)
	c.Subscribe("*")

	h.Broadcast(&bus.Notification{
		Subject:   bus.SubjectSessionChunk,
		SessionID: "a1b2c3d4e5f6",
	})

	n := recvOne(t, c)
	assert.Equal(t, bus.SubjectSessionChunk, n.Subject)
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	h, cancel := newTestHub(t)
	defer cancel()

	c := NewClient("fickle", nil, h, logger.Default())
	h.Register(c)
	c.Subscribe("a1b2c3d4e5f6")
	require.Equal(t, 1, h.SubscriberCount("a1b2c3d4e5f6"))

	c.Unsubscribe("a1b2c3d4e5f6")
	assert.Equal(t, 0, h.SubscriberCount("a1b2c3d4e5f6"))
	assert.False(t, c.IsSubscribed("a1b2c3d4e5f6"))
}

func TestHubBindBusForwards(t *testing.T) {
	h, cancel := newTestHub(t)
	defer cancel()

	b := bus.NewMemoryBus(logger.Default())
	defer b.Close()
	require.NoError(t, h.BindBus(b))

	c := NewClient("bound", nil, h, logger.Default())
	h.Register(c)
	c.Subscribe("a1b2c3d4e5f6")

	require.NoError(t, b.Publish(context.Background(), bus.SubjectSessionCompleted,
		bus.NewNotification(bus.SubjectSessionCompleted, "a1b2c3d4e5f6", nil)))

	n := recvOne(t, c)
	assert.Equal(t, bus.SubjectSessionCompleted, n.Subject)
}

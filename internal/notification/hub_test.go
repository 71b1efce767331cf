package notification

import (
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/orders/internal/metrics"
	"example.com/backstage/services/orders/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestHub(opts Options) (*Hub, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts.Now = clock.Now
	return NewHub(opts, metrics.NewMetrics()), clock
}

func statusChanged(orderID string) models.NotificationEvent {
	return models.NotificationEvent{Kind: models.EventStatusChanged, OrderID: orderID}
}

func TestPublishAssignsIncreasingIDs(t *testing.T) {
	hub, _ := newTestHub(Options{})

	first := hub.Publish(statusChanged("O1"), "b1")
	second := hub.Publish(statusChanged("O1"), "b1", "O1")

	require.Less(t, first.ID, second.ID)
	require.Equal(t, second.ID, hub.LastEventID())
	require.Len(t, hub.CatchUp("b1", 0), 2)
	require.Len(t, hub.CatchUp("O1", 0), 1)
}

func TestPublishDeduplicatesSubjects(t *testing.T) {
	hub, _ := newTestHub(Options{})
	hub.Publish(statusChanged("O1"), "b1", "b1", "")

	require.Len(t, hub.CatchUp("b1", 0), 1)
	require.EqualValues(t, 1, hub.Unread("b1"))
}

func TestLiveSubscriptionReceivesInOrder(t *testing.T) {
	hub, _ := newTestHub(Options{})
	sub := hub.Subscribe("O1")
	defer sub.Close()

	for i := 0; i < 5; i++ {
		hub.Publish(statusChanged("O1"), "O1")
	}

	var last uint64
	for i := 0; i < 5; i++ {
		evt := <-sub.Events()
		require.Greater(t, evt.ID, last)
		last = evt.ID
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	hub, _ := newTestHub(Options{QueueSize: 2})
	sub := hub.Subscribe("b1")
	defer sub.Close()

	var ids []uint64
	for i := 0; i < 5; i++ {
		ids = append(ids, hub.Publish(statusChanged("O1"), "b1").ID)
	}

	require.EqualValues(t, 3, sub.Dropped())
	require.Equal(t, ids[3], (<-sub.Events()).ID)
	require.Equal(t, ids[4], (<-sub.Events()).ID)
}

func TestBacklogBoundedBySize(t *testing.T) {
	hub, _ := newTestHub(Options{BacklogSize: 3})
	for i := 0; i < 10; i++ {
		hub.Publish(statusChanged("O1"), "b1")
	}

	backlog := hub.CatchUp("b1", 0)
	require.Len(t, backlog, 3)
	require.EqualValues(t, 8, backlog[0].ID)
}

func TestBacklogBoundedByAge(t *testing.T) {
	hub, clock := newTestHub(Options{BacklogAge: time.Hour})
	hub.Publish(statusChanged("O1"), "b1")
	clock.Advance(2 * time.Hour)
	recent := hub.Publish(statusChanged("O1"), "b1")

	backlog := hub.CatchUp("b1", 0)
	require.Len(t, backlog, 1)
	require.Equal(t, recent.ID, backlog[0].ID)

	clock.Advance(2 * time.Hour)
	require.Equal(t, 1, hub.Prune())
	require.Empty(t, hub.CatchUp("b1", 0))
}

func TestCatchUpSinceID(t *testing.T) {
	hub, _ := newTestHub(Options{})
	seen := hub.Publish(statusChanged("O1"), "b1")
	missed := hub.Publish(statusChanged("O1"), "b1")

	backlog := hub.CatchUp("b1", seen.ID)
	require.Len(t, backlog, 1)
	require.Equal(t, missed.ID, backlog[0].ID)
	require.Empty(t, hub.CatchUp("unknown", 0))
}

func TestResumeHasNoGap(t *testing.T) {
	hub, _ := newTestHub(Options{})
	first := hub.Publish(statusChanged("O1"), "b1")
	second := hub.Publish(statusChanged("O1"), "b1")

	sub, backlog := hub.Resume("b1", first.ID)
	defer sub.Close()
	third := hub.Publish(statusChanged("O1"), "b1")

	require.Len(t, backlog, 1)
	require.Equal(t, second.ID, backlog[0].ID)
	require.Equal(t, third.ID, (<-sub.Events()).ID)
}

func TestUnreadIsMonotonicUntilMarkRead(t *testing.T) {
	hub, _ := newTestHub(Options{BacklogSize: 1})
	for i := 0; i < 4; i++ {
		hub.Publish(statusChanged("O1"), "b1")
	}
	require.EqualValues(t, 4, hub.Unread("b1"))

	require.EqualValues(t, 4, hub.MarkRead("b1"))
	require.Zero(t, hub.Unread("b1"))

	hub.Publish(statusChanged("O1"), "b1")
	require.EqualValues(t, 1, hub.Unread("b1"))
}

func TestCloseStopsDelivery(t *testing.T) {
	hub, _ := newTestHub(Options{})
	sub := hub.Subscribe("b1")
	sub.Close()
	sub.Close()

	hub.Publish(statusChanged("O1"), "b1")

	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestConcurrentPublishersNeverBlock(t *testing.T) {
	hub, _ := newTestHub(Options{QueueSize: 1})
	sub := hub.Subscribe("b1")
	defer sub.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Publish(statusChanged("O1"), "b1")
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishers blocked on a slow subscriber")
	}
	require.EqualValues(t, 20, hub.Unread("b1"))
}

package events_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stemflow/internal/events"
)

func TestPublishStampsAndDelivers(t *testing.T) {
	hub := events.NewHub(16, nil)
	defer hub.Close()

	sub := hub.Subscribe(4)
	first := hub.Publish(events.Event{BatchID: "b1", Kind: events.KindBatchStarted})
	second := hub.Publish(events.Event{BatchID: "b1", JobID: "j1", Kind: events.KindJobStarted})

	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.False(t, first.Timestamp.IsZero())

	got := <-sub.Events()
	assert.Equal(t, events.KindBatchStarted, got.Kind)
	got = <-sub.Events()
	assert.Equal(t, "j1", got.JobID)
}

func TestSubscribersReceiveIndependentCopies(t *testing.T) {
	hub := events.NewHub(16, nil)
	defer hub.Close()

	a := hub.Subscribe(1)
	b := hub.Subscribe(1)
	hub.Publish(events.Event{Kind: events.KindBatchCompleted, Payload: events.Payload{Summary: &events.BatchSummary{Succeeded: 2}}})

	evA := <-a.Events()
	evA.Payload.Summary.Succeeded = 99
	evB := <-b.Events()
	assert.Equal(t, 2, evB.Payload.Summary.Succeeded)

	recent := hub.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, 2, recent[0].Payload.Summary.Succeeded)
}

func TestSlowSubscriberDroppedWithoutBlocking(t *testing.T) {
	hub := events.NewHub(16, nil)
	defer hub.Close()

	slow := hub.Subscribe(1)
	fast := hub.Subscribe(16)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Publish(events.Event{Kind: events.KindJobProgress})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	assert.True(t, slow.Dropped())
	assert.False(t, fast.Dropped())

	received := 0
	for range slow.Events() {
		received++
	}
	assert.Equal(t, 1, received, "slow subscriber keeps only what fit before it was dropped")
	assert.Len(t, fast.Events(), 10)
	assert.Equal(t, 1, hub.SubscriberCount())

	slow.Close()
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	hub := events.NewHub(4, nil)
	sub := hub.Subscribe(1)
	sub.Close()
	sub.Close()
	_, ok := <-sub.Events()
	assert.False(t, ok)
	hub.Close()
	hub.Close()

	late := hub.Subscribe(1)
	_, ok = <-late.Events()
	assert.False(t, ok, "subscriptions after close start closed")
}

func TestFetchHistory(t *testing.T) {
	hub := events.NewHub(3, nil)
	defer hub.Close()
	for i := 0; i < 5; i++ {
		hub.Publish(events.Event{Kind: events.KindJobProgress})
	}

	got, next, err := hub.Fetch(context.Background(), 0, 10, false)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(3), got[0].Sequence)
	assert.Equal(t, uint64(5), next)

	got, next, err = hub.Fetch(context.Background(), 5, 10, false)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, uint64(5), next)
	assert.Equal(t, uint64(5), hub.LastSequence())
}

func TestFetchWaitWakesOnPublish(t *testing.T) {
	hub := events.NewHub(8, nil)
	defer hub.Close()

	result := make(chan []events.Event, 1)
	go func() {
		got, _, _ := hub.Fetch(context.Background(), 0, 10, true)
		result <- got
	}()
	time.Sleep(20 * time.Millisecond)
	hub.Publish(events.Event{Kind: events.KindBatchStarted})

	select {
	case got := <-result:
		require.Len(t, got, 1)
		assert.Equal(t, events.KindBatchStarted, got[0].Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not wake")
	}
}

func TestFetchWaitHonorsContext(t *testing.T) {
	hub := events.NewHub(8, nil)
	defer hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := hub.Fetch(ctx, 0, 10, true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type recordingSink struct {
	mu        sync.Mutex
	delivered []events.Event
	fail      bool
	closed    bool
	block     chan struct{}
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(ctx context.Context, evt events.Event) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broker unavailable")
	}
	s.delivered = append(s.delivered, evt)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

func TestAttachSinkDeliversAndCloses(t *testing.T) {
	hub := events.NewHub(16, nil)
	sink := &recordingSink{}
	hub.AttachSink(context.Background(), sink, 8)

	for i := 0; i < 3; i++ {
		hub.Publish(events.Event{Kind: events.KindJobProgress})
	}
	require.Eventually(t, func() bool { return sink.count() == 3 }, 2*time.Second, 5*time.Millisecond)

	statuses := hub.SinkStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "recording", statuses[0].Name)
	assert.Equal(t, int64(3), statuses[0].Delivered)

	hub.Close()
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.True(t, sink.closed)
}

func TestAttachSinkSubscribesBeforeReturning(t *testing.T) {
	hub := events.NewHub(16, nil)
	defer hub.Close()
	sink := &recordingSink{}
	hub.AttachSink(context.Background(), sink, 8)
	assert.Equal(t, 1, hub.SubscriberCount())

	first := hub.Publish(events.Event{Kind: events.KindBatchStarted, BatchID: "b1"})
	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, first.Sequence, sink.delivered[0].Sequence)
	assert.Equal(t, events.KindBatchStarted, sink.delivered[0].Kind)
}

func TestAttachSinkRecordsFailures(t *testing.T) {
	hub := events.NewHub(16, nil)
	defer hub.Close()
	sink := &recordingSink{fail: true}
	hub.AttachSink(context.Background(), sink, 8)

	hub.Publish(events.Event{Kind: events.KindJobFailed})
	require.Eventually(t, func() bool {
		statuses := hub.SinkStatuses()
		return len(statuses) == 1 && statuses[0].Failed == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "broker unavailable", hub.SinkStatuses()[0].LastError)
}

func TestSlowSinkResubscribesWithoutBlockingPublisher(t *testing.T) {
	hub := events.NewHub(64, nil)
	sink := &recordingSink{block: make(chan struct{})}
	hub.AttachSink(context.Background(), sink, 1)
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	for i := 0; i < 20; i++ {
		hub.Publish(events.Event{Kind: events.KindJobProgress})
	}
	assert.Less(t, time.Since(start), time.Second)

	close(sink.block)
	require.Eventually(t, func() bool {
		statuses := hub.SinkStatuses()
		return len(statuses) == 1 && statuses[0].Resubscribe >= 1
	}, 2*time.Second, 5*time.Millisecond)
	hub.Close()
}

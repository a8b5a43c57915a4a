package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"stemflow/internal/logging"
)

const (
	defaultHistory    = 1024
	defaultSubBuffer  = 64
	sinkDeliveryLimit = 10 * time.Second
)

// Hub fans events out to subscribers and keeps a bounded history.
type Hub struct {
	mu       sync.Mutex
	cond     *sync.Cond
	logger   *slog.Logger
	capacity int
	history  []Event
	nextSeq  uint64
	subs     map[*Subscription]struct{}
	closed   bool

	sinkWG sync.WaitGroup
	sinks  []*sinkState
}

// Subscription is one observer's view of the hub.
type Subscription struct {
	hub     *Hub
	ch      chan Event
	dropped atomic.Bool
}

// NewHub constructs a hub retaining historySize events for Fetch.
func NewHub(historySize int, logger *slog.Logger) *Hub {
	if historySize <= 0 {
		historySize = defaultHistory
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	h := &Hub{
		logger:   logging.NewComponentLogger(logger, "events"),
		capacity: historySize,
		subs:     make(map[*Subscription]struct{}),
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Subscribe attaches a new observer with the given channel buffer.
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubBuffer
	}
	sub := &Subscription{hub: h, ch: make(chan Event, buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Events returns the delivery channel. It is closed when the subscription
// ends for any reason.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped reports whether the hub detached this subscriber for falling behind.
func (s *Subscription) Dropped() bool {
	return s.dropped.Load()
}

// Close detaches the subscriber. Safe to call more than once.
func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}

// Publish stamps the event and delivers it without blocking. The stamped
// event is returned.
func (h *Hub) Publish(evt Event) Event {
	if h == nil {
		return evt
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return evt
	}

	h.nextSeq++
	evt.Sequence = h.nextSeq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt = evt.clone()

	if len(h.history) == h.capacity {
		copy(h.history, h.history[1:])
		h.history = h.history[:h.capacity-1]
	}
	h.history = append(h.history, evt)

	for sub := range h.subs {
		select {
		case sub.ch <- evt.clone():
		default:
			delete(h.subs, sub)
			sub.dropped.Store(true)
			close(sub.ch)
			logging.WarnWithContext(h.logger, "subscriber dropped; buffer full", "subscriber_dropped",
				logging.Int64("seq", int64(evt.Sequence)),
				logging.Int("buffer", cap(sub.ch)),
				logging.String(logging.FieldErrorHint, "consume events faster or raise workflow.subscriber_buffer"),
				logging.String(logging.FieldImpact, "observer stops receiving events until it resubscribes"),
			)
		}
	}
	h.cond.Broadcast()
	return evt
}

// Fetch returns history events with sequence greater than since. When wait is
// true it blocks until one arrives or ctx ends.
func (h *Hub) Fetch(ctx context.Context, since uint64, limit int, wait bool) ([]Event, uint64, error) {
	if h == nil {
		return nil, since, nil
	}
	if limit <= 0 || limit > h.capacity {
		limit = h.capacity
	}

	stop := make(chan struct{})
	defer close(stop)
	if wait && ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				h.mu.Lock()
				h.cond.Broadcast()
				h.mu.Unlock()
			case <-stop:
			}
		}()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		events, next := h.snapshotLocked(since, limit)
		if len(events) > 0 || !wait || h.closed {
			return events, next, ctxErr(ctx)
		}
		if err := ctxErr(ctx); err != nil {
			return nil, next, err
		}
		h.cond.Wait()
	}
}

// Recent returns up to limit of the newest history events.
func (h *Hub) Recent(limit int) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	if limit <= 0 || limit > len(h.history) {
		limit = len(h.history)
	}
	out := make([]Event, limit)
	copy(out, h.history[len(h.history)-limit:])
	return out
}

// LastSequence returns the most recently assigned sequence number.
func (h *Hub) LastSequence() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextSeq
}

// SubscriberCount returns the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription, waits for sink goroutines and closes sinks.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
	h.cond.Broadcast()
	sinks := h.sinks
	h.mu.Unlock()

	h.sinkWG.Wait()
	for _, state := range sinks {
		if err := state.sink.Close(); err != nil {
			h.logger.Warn("event sink close failed",
				logging.String("sink", state.sink.Name()),
				logging.Error(err),
			)
		}
	}
}

func (h *Hub) snapshotLocked(since uint64, limit int) ([]Event, uint64) {
	start := -1
	for i, evt := range h.history {
		if evt.Sequence > since {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, h.nextSeq
	}
	end := start + limit
	if end > len(h.history) {
		end = len(h.history)
	}
	out := make([]Event, end-start)
	copy(out, h.history[start:end])
	return out, out[len(out)-1].Sequence
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}

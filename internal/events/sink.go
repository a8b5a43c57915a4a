package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"stemflow/internal/logging"
)

// Sink forwards events to an external system.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt Event) error
	Close() error
}

// SinkStatus reports delivery counters for one sink.
type SinkStatus struct {
	Name        string    `json:"name"`
	Delivered   int64     `json:"delivered"`
	Failed      int64     `json:"failed"`
	Resubscribe int64     `json:"resubscribed"`
	LastError   string    `json:"lastError,omitempty"`
	LastErrorAt time.Time `json:"lastErrorAt,omitzero"`
}

type sinkState struct {
	sink   Sink
	mu     sync.Mutex
	status SinkStatus
}

func (s *sinkState) record(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.status.Delivered++
		return
	}
	s.status.Failed++
	s.status.LastError = err.Error()
	s.status.LastErrorAt = time.Now().UTC()
}

func (s *sinkState) snapshot() SinkStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.status
	out.Name = s.sink.Name()
	return out
}

// AttachSink drives sink from its own subscription until ctx ends or the hub
// closes. The subscription exists when AttachSink returns, so every event
// published afterwards reaches the sink. A sink that falls behind is
// resubscribed; the missed events are not replayed.
func (h *Hub) AttachSink(ctx context.Context, sink Sink, buffer int) {
	if h == nil || sink == nil {
		return
	}
	state := &sinkState{sink: sink}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = sink.Close()
		return
	}
	h.sinks = append(h.sinks, state)
	h.sinkWG.Add(1)
	h.mu.Unlock()

	logger := h.logger.With(logging.String("sink", sink.Name()))
	sub := h.Subscribe(buffer)
	go func() {
		defer h.sinkWG.Done()
		for {
			h.drainToSink(ctx, sub, state, logger)
			if !sub.Dropped() || ctx.Err() != nil {
				sub.Close()
				return
			}
			sub = h.Subscribe(buffer)
			state.mu.Lock()
			state.status.Resubscribe++
			state.mu.Unlock()
			logging.WarnWithContext(logger, "event sink fell behind; resubscribing", "sink_resubscribed",
				logging.String(logging.FieldImpact, "events published while the sink was behind were not forwarded"),
			)
		}
	}()
}

func (h *Hub) drainToSink(ctx context.Context, sub *Subscription, state *sinkState, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			deliverCtx, cancel := context.WithTimeout(ctx, sinkDeliveryLimit)
			err := state.sink.Deliver(deliverCtx, evt)
			cancel()
			state.record(err)
			if err != nil {
				logger.Warn("event sink delivery failed",
					logging.Int64("seq", int64(evt.Sequence)),
					logging.String(logging.FieldEventType, "sink_delivery_failed"),
					logging.Error(err),
				)
			}
		}
	}
}

// SinkStatuses returns counters for every attached sink.
func (h *Hub) SinkStatuses() []SinkStatus {
	h.mu.Lock()
	sinks := append([]*sinkState(nil), h.sinks...)
	h.mu.Unlock()
	out := make([]SinkStatus, 0, len(sinks))
	for _, state := range sinks {
		out = append(out, state.snapshot())
	}
	return out
}

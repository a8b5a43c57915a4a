package notifications

import (
	"context"

	"stemflow/internal/config"
	"stemflow/internal/events"
)

// Sink forwards hub events to a Service according to the notification
// toggles in config.
type Sink struct {
	svc    Service
	batch  bool
	errors bool
}

// NewSink wraps svc as an events.Sink.
func NewSink(cfg *config.Config, svc Service) *Sink {
	return &Sink{
		svc:    svc,
		batch:  cfg.Notifications.Batch,
		errors: cfg.Notifications.Errors,
	}
}

// Name implements events.Sink.
func (s *Sink) Name() string { return "ntfy" }

// Deliver implements events.Sink.
func (s *Sink) Deliver(ctx context.Context, evt events.Event) error {
	switch evt.Kind {
	case events.KindBatchStarted:
		if s.batch && evt.Payload.Summary != nil {
			return s.svc.NotifyBatchStarted(ctx, evt.BatchID, evt.Payload.Summary.TotalSubmitted)
		}
	case events.KindBatchCompleted:
		if evt.Payload.Summary == nil {
			return nil
		}
		if s.batch || (s.errors && evt.Payload.Summary.Error != "") {
			return s.svc.NotifyBatchCompleted(ctx, *evt.Payload.Summary)
		}
	case events.KindJobFailed:
		if s.errors {
			return s.svc.NotifyJobFailed(ctx, evt.Payload.Label, evt.Payload.Phase, evt.Payload.Error)
		}
	}
	return nil
}

// Close implements events.Sink.
func (s *Sink) Close() error { return nil }

var _ events.Sink = (*Sink)(nil)

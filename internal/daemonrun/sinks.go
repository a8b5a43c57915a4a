package daemonrun

import (
	"context"
	"log/slog"
	"strings"

	"stemflow/internal/config"
	"stemflow/internal/events"
	"stemflow/internal/logging"
	"stemflow/internal/notifications"
)

// attachSinks connects every configured event sink to hub. A broker that
// cannot be reached is logged and skipped; progress still flows to API
// subscribers.
func attachSinks(ctx context.Context, cfg *config.Config, hub *events.Hub, notifier notifications.Service, logger *slog.Logger) {
	buffer := cfg.Workflow.SubscriberBuffer

	if strings.TrimSpace(cfg.Notifications.NtfyTopic) != "" {
		hub.AttachSink(ctx, notifications.NewSink(cfg, notifier), buffer)
	}

	if strings.TrimSpace(cfg.Events.AMQPURL) != "" {
		sink, err := events.NewAMQPSink(cfg.Events, logger)
		if err != nil {
			logging.WarnWithContext(logger, "amqp sink disabled", "sink_unavailable",
				logging.Error(err),
				logging.String("sink", "amqp"),
				logging.String(logging.FieldErrorHint, "check events.amqp_url and broker availability"),
				logging.String(logging.FieldImpact, "progress events are not published to the broker"),
			)
		} else {
			hub.AttachSink(ctx, sink, buffer)
		}
	}

	if strings.TrimSpace(cfg.Events.RedisAddr) != "" {
		sink, err := events.NewRedisSink(cfg.Events, logger)
		if err != nil {
			logging.WarnWithContext(logger, "redis sink disabled", "sink_unavailable",
				logging.Error(err),
				logging.String("sink", "redis"),
				logging.String(logging.FieldErrorHint, "check events.redis_addr and credentials"),
				logging.String(logging.FieldImpact, "job status is not cached in redis"),
			)
		} else {
			hub.AttachSink(ctx, sink, buffer)
		}
	}
}

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"stemflow/internal/config"
	"stemflow/internal/logging"
)

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes every event to a topic exchange. Routing keys are
// "<prefix>.<kind>" in lower snake case, e.g. "stemflow.job_failed".
type AMQPSink struct {
	url      string
	exchange string
	logger   *slog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel amqpPublisher
	dial    func() (*amqp.Connection, amqpPublisher, error)
}

// NewAMQPSink connects to the broker and declares the exchange.
func NewAMQPSink(cfg config.Events, logger *slog.Logger) (*AMQPSink, error) {
	if strings.TrimSpace(cfg.AMQPURL) == "" {
		return nil, errors.New("amqp sink: events.amqp_url is empty")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &AMQPSink{
		url:      cfg.AMQPURL,
		exchange: cfg.AMQPExchange,
		logger:   logging.NewComponentLogger(logger, "amqp-sink"),
	}
	s.dial = s.connect
	if err := s.ensureChannel(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AMQPSink) connect() (*amqp.Connection, amqpPublisher, error) {
	conn, err := amqp.DialConfig(s.url, amqp.Config{
		Heartbeat: 30 * time.Second,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect to amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(s.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", s.exchange, err)
	}
	return conn, ch, nil
}

// ensureChannel reconnects when the previous connection has gone away.
func (s *AMQPSink) ensureChannel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel != nil && (s.conn == nil || !s.conn.IsClosed()) {
		return nil
	}
	if s.channel != nil {
		_ = s.channel.Close()
		s.channel = nil
	}
	conn, ch, err := s.dial()
	if err != nil {
		return err
	}
	s.conn = conn
	s.channel = ch
	s.logger.Info("amqp sink connected", logging.String("exchange", s.exchange))
	return nil
}

// Name implements Sink.
func (s *AMQPSink) Name() string { return "amqp" }

// Deliver implements Sink.
func (s *AMQPSink) Deliver(ctx context.Context, evt Event) error {
	if err := s.ensureChannel(); err != nil {
		return err
	}
	msg, err := amqpMessage(evt)
	if err != nil {
		return err
	}
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if err := ch.PublishWithContext(ctx, s.exchange, routingKey(s.exchange, evt.Kind), false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", evt.Kind, err)
	}
	return nil
}

// Close implements Sink.
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.channel != nil {
		errs = append(errs, s.channel.Close())
		s.channel = nil
	}
	if s.conn != nil && !s.conn.IsClosed() {
		errs = append(errs, s.conn.Close())
	}
	s.conn = nil
	return errors.Join(errs...)
}

func amqpMessage(evt Event) (amqp.Publishing, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode event: %w", err)
	}
	headers := amqp.Table{"batch_id": evt.BatchID}
	if evt.JobID != "" {
		headers["job_id"] = evt.JobID
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    strconv.FormatUint(evt.Sequence, 10),
		Timestamp:    evt.Timestamp,
		Type:         string(evt.Kind),
		Headers:      headers,
		Body:         body,
	}, nil
}

func routingKey(prefix string, kind Kind) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "stemflow"
	}
	return prefix + "." + snakeCase(string(kind))
}

func snakeCase(value string) string {
	var b strings.Builder
	for i, r := range value {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	if err := c.validateEvents(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	t := c.Workflow.PhaseTimeouts
	if err := ensurePositiveMap(map[string]int{
		"workflow.phase_timeouts.acquire":     t.Acquire,
		"workflow.phase_timeouts.arrange":     t.Arrange,
		"workflow.phase_timeouts.separate":    t.Separate,
		"workflow.phase_timeouts.analyze":     t.Analyze,
		"workflow.phase_timeouts.postprocess": t.Postprocess,
		"workflow.phase_timeouts.export":      t.Export,
		"workflow.subscriber_buffer":          c.Workflow.SubscriberBuffer,
		"workflow.event_history":              c.Workflow.EventHistory,
	}); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level)
	}
}

func (c *Config) validateNotifications() error {
	if c.Notifications.RequestTimeout < 0 {
		return errors.New("notifications.request_timeout must be >= 0")
	}
	return nil
}

func (c *Config) validateEvents() error {
	if c.Events.AMQPURL != "" {
		parsed, err := url.Parse(c.Events.AMQPURL)
		if err != nil {
			return fmt.Errorf("events.amqp_url: %w", err)
		}
		if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
			return fmt.Errorf("events.amqp_url must use amqp:// or amqps:// (got %q)", parsed.Scheme)
		}
	}
	if c.Events.RedisDB < 0 {
		return errors.New("events.redis_db must be >= 0")
	}
	if c.Events.RedisStatusTTL < 0 {
		return errors.New("events.redis_status_ttl must be >= 0")
	}
	return nil
}

func (c *Config) validateStorage() error {
	if c.Storage.Endpoint != "" {
		parsed, err := url.Parse(c.Storage.Endpoint)
		if err != nil || parsed.Host == "" {
			return fmt.Errorf("storage.endpoint must be an absolute URL (got %q)", c.Storage.Endpoint)
		}
	}
	if strings.Contains(c.Storage.ExportBucket, "/") {
		return errors.New("storage.export_bucket must be a bucket name, not a path")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}

package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"stemflow/internal/config"
	"stemflow/internal/events"
)

const userAgent = "stemflow/0.1.0"

// Service defines the notification surface used by the daemon.
type Service interface {
	NotifyBatchStarted(ctx context.Context, batchID string, queued int) error
	NotifyBatchCompleted(ctx context.Context, summary events.BatchSummary) error
	NotifyJobFailed(ctx context.Context, label, phase, message string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) NotifyBatchStarted(ctx context.Context, batchID string, queued int) error {
	noun := "files"
	if queued == 1 {
		noun = "file"
	}
	return n.send(ctx, payload{
		title:   "stemflow - Batch Started",
		message: fmt.Sprintf("Processing %d %s (batch %s)", queued, noun, shortID(batchID)),
		tags:    []string{"stemflow", "batch", "started"},
	})
}

func (n *ntfyService) NotifyBatchCompleted(ctx context.Context, summary events.BatchSummary) error {
	duration := summary.CompletedAt.Sub(summary.StartedAt).Round(time.Second)
	if duration < 0 {
		duration = 0
	}

	title := "stemflow - Batch Complete"
	priority := ""
	var parts []string
	parts = append(parts, fmt.Sprintf("%d succeeded", summary.Succeeded))
	if summary.Failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", summary.Failed))
		title = "stemflow - Batch Complete (with errors)"
	}
	if summary.Skipped > 0 {
		parts = append(parts, fmt.Sprintf("%d skipped", summary.Skipped))
	}
	if summary.Interrupted > 0 {
		parts = append(parts, fmt.Sprintf("%d interrupted", summary.Interrupted))
	}
	message := fmt.Sprintf("%s of %d in %s", strings.Join(parts, ", "), summary.TotalSubmitted, duration)
	if summary.Error != "" {
		title = "stemflow - Batch Aborted"
		priority = "high"
		message += "\nError: " + summary.Error
	}
	return n.send(ctx, payload{
		title:    title,
		message:  message,
		tags:     []string{"stemflow", "batch", "completed"},
		priority: priority,
	})
}

func (n *ntfyService) NotifyJobFailed(ctx context.Context, label, phase, message string) error {
	var builder strings.Builder
	builder.WriteString("Failed: ")
	builder.WriteString(strings.TrimSpace(label))
	if phase = strings.TrimSpace(phase); phase != "" {
		builder.WriteString(" during ")
		builder.WriteString(phase)
	}
	if message = strings.TrimSpace(message); message != "" {
		builder.WriteString("\n")
		builder.WriteString(message)
	}
	return n.send(ctx, payload{
		title:    "stemflow - Job Failed",
		message:  builder.String(),
		tags:     []string{"stemflow", "job", "error"},
		priority: "high",
	})
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, payload{
		title:    "stemflow - Test",
		message:  "Notification system test",
		tags:     []string{"stemflow", "test"},
		priority: "low",
	})
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

type noopService struct{}

func (noopService) NotifyBatchStarted(context.Context, string, int) error           { return nil }
func (noopService) NotifyBatchCompleted(context.Context, events.BatchSummary) error { return nil }
func (noopService) NotifyJobFailed(context.Context, string, string, string) error   { return nil }
func (noopService) TestNotification(context.Context) error                          { return nil }

package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// LogSink writes each event to the structured log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Deliver(ctx context.Context, ev Event) error {
	s.logger.InfoContext(ctx, "hook event",
		slog.String("event", ev.Name),
		slog.String("event_id", ev.ID),
		slog.String("record_id", ev.RecordID),
		slog.String("correlation_id", ev.CorrelationID),
	)
	return nil
}

// MemorySink keeps delivered events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *MemorySink) Deliver(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

type WebhookConfig struct {
	URL          string
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// WebhookSink POSTs each event as JSON, retrying 5xx and transport errors
// with backoff.
type WebhookSink struct {
	url    string
	client *retryablehttp.Client
}

func NewWebhookSink(cfg WebhookConfig, logger *slog.Logger) *WebhookSink {
	client := retryablehttp.NewClient()
	client.Logger = nil
	if logger != nil {
		client.Logger = logger
	}
	if cfg.RetryMax > 0 {
		client.RetryMax = cfg.RetryMax
	}
	if cfg.RetryWaitMin > 0 {
		client.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		client.RetryWaitMax = cfg.RetryWaitMax
	}
	return &WebhookSink{url: cfg.URL, client: client}
}

func (s *WebhookSink) Deliver(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("hooks: encode %s: %w", ev.Name, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("hooks: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Name", ev.Name)
	req.Header.Set("X-Correlation-ID", ev.CorrelationID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("hooks: deliver %s: %w", ev.Name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("hooks: deliver %s: unexpected status %d", ev.Name, resp.StatusCode)
	}
	return nil
}

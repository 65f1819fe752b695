package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dandantas/reelforge/internal/retry"
)

// WebhookConfig configures delivery of events to an HTTP endpoint
type WebhookConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	Retry   retry.Config
}

// WebhookSink posts each event as JSON with retry and a circuit breaker
type WebhookSink struct {
	config         WebhookConfig
	httpClient     *http.Client
	retryStrategy  *retry.Strategy
	circuitBreaker *CircuitBreaker
}

// NewWebhookSink creates a new webhook sink
func NewWebhookSink(config WebhookConfig) *WebhookSink {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &WebhookSink{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retryStrategy:  retry.NewStrategy(config.Retry),
		circuitBreaker: NewCircuitBreaker(5, time.Minute),
	}
}

// Send delivers event, retrying transport errors, 5xx and 429
func (s *WebhookSink) Send(ctx context.Context, event Event) error {
	if !s.circuitBreaker.CanAttempt() {
		return fmt.Errorf("circuit breaker is open")
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	for attempt := 1; attempt <= s.retryStrategy.MaxAttempts(); attempt++ {
		statusCode, err := s.deliver(ctx, body)
		if err == nil {
			s.circuitBreaker.RecordSuccess()
			return nil
		}

		// status failures are judged by code, transport failures by the error
		transportErr := err
		if statusCode != 0 {
			transportErr = nil
		}
		if !s.retryStrategy.ShouldRetryStatus(attempt, statusCode, transportErr) {
			s.circuitBreaker.RecordFailure()
			return fmt.Errorf("webhook delivery failed after %d attempts: %w", attempt, err)
		}

		delay := s.retryStrategy.CalculateDelay(attempt)
		slog.Debug("Event webhook delivery failed, retrying",
			"job_id", event.JobID,
			"event_type", event.Type,
			"attempt", attempt,
			"status_code", statusCode,
			"next_retry_ms", delay.Milliseconds(),
			"error", err,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.circuitBreaker.RecordFailure()
	return fmt.Errorf("webhook delivery failed after %d attempts", s.retryStrategy.MaxAttempts())
}

func (s *WebhookSink) deliver(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range s.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// CircuitState returns the current circuit breaker state
func (s *WebhookSink) CircuitState() string {
	return s.circuitBreaker.StateName()
}

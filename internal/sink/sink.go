// Package sink is the outbound edge: completed results and terminal
// failures are handed to the transport layer here. Delivery order
// between users is deliberately unordered.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

type Sink interface {
	Deliver(ctx context.Context, userID, requestID, result string) error
	DeliverFailure(ctx context.Context, userID, requestID, reason string) error
}

// LogSink writes deliveries to a logger. Default when no transport
// webhook is configured; also the test double of choice.
type LogSink struct {
	Logger *log.Logger
}

func (s *LogSink) Deliver(_ context.Context, userID, requestID, result string) error {
	s.Logger.Printf("deliver user=%s request=%s result_len=%d", userID, requestID, len(result))
	return nil
}

func (s *LogSink) DeliverFailure(_ context.Context, userID, requestID, reason string) error {
	s.Logger.Printf("deliver-failure user=%s request=%s reason=%s", userID, requestID, reason)
	return nil
}

// WebhookSink POSTs each delivery to the transport layer.
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type delivery struct {
	UserID    string `json:"user_id"`
	RequestID string `json:"request_id"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *WebhookSink) Deliver(ctx context.Context, userID, requestID, result string) error {
	return s.post(ctx, delivery{UserID: userID, RequestID: requestID, Result: result})
}

func (s *WebhookSink) DeliverFailure(ctx context.Context, userID, requestID, reason string) error {
	return s.post(ctx, delivery{UserID: userID, RequestID: requestID, Error: reason})
}

func (s *WebhookSink) post(ctx context.Context, d delivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver request %s: %w", d.RequestID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("deliver request %s: transport returned %d", d.RequestID, resp.StatusCode)
	}
	return nil
}

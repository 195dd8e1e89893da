package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// WebhookEvent is the payload posted to webhook URLs
type WebhookEvent struct {
	Event     string `json:"event"`
	Room      string `json:"room"`
	Version   int64  `json:"version"`
	Checksum  string `json:"checksum"`
	Timestamp string `json:"timestamp"`
}

// WebhookConfig holds the webhook targets and delivery policy
type WebhookConfig struct {
	URLs       []string
	MaxRetries int
	Timeout    time.Duration
	Backoff    time.Duration // multiplied by the attempt number
}

// WebhookNotifier posts document events to the configured URLs. It
// implements room.Publisher.
type WebhookNotifier struct {
	config  WebhookConfig
	client  *http.Client
	logger  *slog.Logger
	pending sync.WaitGroup
}

// NewWebhookNotifier creates a webhook notifier. Returns nil if no URLs are configured.
func NewWebhookNotifier(cfg *WebhookConfig, logger *slog.Logger) *WebhookNotifier {
	if cfg == nil || len(cfg.URLs) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := *cfg
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	return &WebhookNotifier{
		config: c,
		client: &http.Client{Timeout: c.Timeout},
		logger: logger,
	}
}

// DocumentSaved sends a document.saved event without blocking the caller
func (wn *WebhookNotifier) DocumentSaved(room string, version int64, checksum string) {
	if wn == nil {
		return
	}

	event := &WebhookEvent{
		Event:     "document.saved",
		Room:      room,
		Version:   version,
		Checksum:  checksum,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	wn.pending.Add(1)
	go func() {
		defer wn.pending.Done()
		wn.send(event)
	}()
}

// Wait blocks until in-flight deliveries finish
func (wn *WebhookNotifier) Wait() {
	if wn == nil {
		return
	}
	wn.pending.Wait()
}

func (wn *WebhookNotifier) send(event *WebhookEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		wn.logger.Error("webhook: marshal event", "error", err)
		return
	}

	for _, url := range wn.config.URLs {
		if err := wn.post(url, data); err != nil {
			wn.logger.Warn("webhook: delivery failed", "url", url, "event", event.Event, "error", err)
		} else {
			wn.logger.Debug("webhook: delivered", "url", url, "event", event.Event, "room", event.Room)
		}
	}
}

// post delivers to one URL, retrying transport errors and 5xx responses
func (wn *WebhookNotifier) post(url string, data []byte) error {
	var lastErr error
	for attempt := 0; attempt <= wn.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * wn.config.Backoff)
		}

		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "coedit-server/1.0")

		resp, err := wn.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			return lastErr
		}
	}

	return lastErr
}

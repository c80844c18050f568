package events

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Bus fans typed events out to statically registered subscriber channels,
// with an optional webhook forward per event type. Publishing never blocks:
// a subscriber that falls behind loses events rather than stalling a
// payment.
type Bus struct {
	source     string
	httpClient *http.Client

	mu       sync.RWMutex
	subs     []chan Envelope
	webhooks map[string]string
}

func NewBus(source string) *Bus {
	return &Bus{
		source:     source,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		webhooks:   map[string]string{},
	}
}

// Subscribe registers a consumer and returns its channel. Call before
// publishing begins; consumers are wired at construction, not discovered at
// runtime.
func (b *Bus) Subscribe(buffer int) <-chan Envelope {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Envelope, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// RegisterWebhook forwards events of the given type to a URL.
func (b *Bus) RegisterWebhook(eventType, url string) {
	b.mu.Lock()
	b.webhooks[eventType] = url
	b.mu.Unlock()
}

// Publish delivers the event to every subscriber and any registered webhook.
func (b *Bus) Publish(ctx context.Context, eventType string, data any) {
	envelope := Envelope{
		EventID:       generateEventID(),
		EventType:     eventType,
		SchemaVersion: "1.0",
		Timestamp:     time.Now().UTC(),
		Source:        b.source,
		Data:          data,
	}

	b.mu.RLock()
	subs := b.subs
	webhook := b.webhooks[eventType]
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- envelope:
		default:
			slog.WarnContext(ctx, "event dropped, subscriber full",
				"event_type", eventType,
				"event_id", envelope.EventID,
			)
		}
	}

	if webhook != "" {
		b.sendWebhook(ctx, webhook, envelope)
	}
}

// sendWebhook posts the envelope. Webhook failures are logged and swallowed;
// delivery is best-effort.
func (b *Bus) sendWebhook(ctx context.Context, url string, envelope Envelope) {
	body, err := json.Marshal(envelope)
	if err != nil {
		slog.WarnContext(ctx, "webhook marshal failed", "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		slog.WarnContext(ctx, "webhook request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", envelope.EventID)
	req.Header.Set("X-Event-Type", envelope.EventType)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		slog.WarnContext(ctx, "webhook failed",
			"url", url,
			"event_type", envelope.EventType,
			"error", err,
		)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		slog.WarnContext(ctx, "webhook error",
			"url", url,
			"event_type", envelope.EventType,
			"status", resp.StatusCode,
		)
	}
}

func generateEventID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return "evt_" + hex.EncodeToString(b[:])
}

package services

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"wattmarket-backend/core/market"
)

// WebhookNotifier forwards marketplace events to an external endpoint.
// Delivery is fire-and-forget: each event posts from its own goroutine with
// a bounded timeout and a failed delivery is only logged. Register Notify
// as an event sink.
type WebhookNotifier struct {
	url    string
	client *http.Client
	log    *zap.SugaredLogger
}

// NewWebhookNotifier builds a notifier; an empty URL disables delivery.
func NewWebhookNotifier(url string, log *zap.SugaredLogger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

// Notify posts the event without blocking the caller.
func (n *WebhookNotifier) Notify(evt market.Event) {
	if n.url == "" {
		return
	}
	go func() {
		body, err := json.Marshal(evt)
		if err != nil {
			return
		}
		resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(body))
		if err != nil {
			n.log.Debugw("webhook delivery failed", "type", evt.Type, "err", err)
			return
		}
		resp.Body.Close()
	}()
}

package internal

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
)

// notifier announces new or updated entities to the outside world. Failures
// are logged and never propagate: a dead webhook must not fail an enrichment.
type notifier interface {
	Notify(ctx context.Context, event WebhookEvent)
}

// WebhookEvent is the outbound payload.
type WebhookEvent struct {
	EntityType      string   `json:"entity_type"`
	Key             string   `json:"key"`
	SourceProviders []string `json:"source_providers"`
	FieldsAdded     []string `json:"fields_added"`
}

// webhook POSTs events to a configured URL, signed with a shared secret.
type webhook struct {
	url    string
	secret []byte
	client *http.Client
}

var _ notifier = (*webhook)(nil)

// NewWebhook builds the outbound notifier. An empty URL disables it.
func NewWebhook(url, secret string) notifier {
	if url == "" {
		return noNotify{}
	}
	return &webhook{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (w *webhook) Notify(ctx context.Context, event WebhookEvent) {
	body, err := sonic.ConfigStd.Marshal(event)
	if err != nil {
		Log(ctx).Warn("webhook payload marshal failed", "err", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		Log(ctx).Warn("webhook request build failed", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Alexandria-Signature", "sha256="+w.sign(body))

	resp, err := w.client.Do(req)
	if err != nil {
		Log(ctx).Warn("webhook delivery failed", "url", w.url, "err", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		Log(ctx).Warn("webhook rejected", "url", w.url, "status", resp.StatusCode)
	}
}

func (w *webhook) sign(body []byte) string {
	mac := hmac.New(sha256.New, w.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// noNotify is the disabled notifier.
type noNotify struct{}

func (noNotify) Notify(context.Context, WebhookEvent) {}

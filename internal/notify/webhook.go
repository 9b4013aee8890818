package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"repairline/internal/config"
)

const (
	defaultWebhookTimeout = 5 * time.Second

	headerEvent     = "X-Repairline-Event"
	headerDelivery  = "X-Repairline-Delivery"
	headerSignature = "X-Repairline-Signature"
)

// WebhookSink POSTs each event as JSON to a configured URL.
type WebhookSink struct {
	url    string
	secret string
	filter eventFilter
	client *resty.Client
}

func NewWebhookSink(hook config.Webhook) *WebhookSink {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &WebhookSink{
		url:    hook.URL,
		secret: strings.TrimSpace(hook.Secret),
		filter: newEventFilter(hook.Events),
		client: client,
	}
}

func (s *WebhookSink) Name() string { return "webhook " + s.url }

// Sign returns the hex HMAC-SHA256 of body under secret, prefixed "sha256=".
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (s *WebhookSink) Deliver(ctx context.Context, evt Event) error {
	if !s.filter.match(evt) {
		return nil
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req := s.client.R().
		SetContext(ctx).
		SetHeader(headerEvent, evt.Type).
		SetHeader(headerDelivery, strconv.FormatInt(evt.ID, 10)).
		SetBody(body)
	if s.secret != "" {
		req.SetHeader(headerSignature, Sign(s.secret, body))
	}
	resp, err := req.Post(s.url)
	if err != nil {
		return err
	}
	if resp.IsError() {
		msg := resp.String()
		if len(msg) > 4096 {
			msg = msg[:4096]
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode(), strings.TrimSpace(msg))
	}
	return nil
}

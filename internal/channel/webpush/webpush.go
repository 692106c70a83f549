// Package webpush delivers notification payloads to browser push endpoints
// using VAPID-authenticated Web Push.
package webpush

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	wp "github.com/SherClockHolmes/webpush-go"

	"herald/internal/channel"
	"herald/internal/store"
	logx "herald/pkg/logx"
)

// Config carries the VAPID identity used to sign pushes.
type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	ContactEmail    string // webpush-go adds mailto: automatically
	TTL             time.Duration
}

type Adapter struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.VAPIDPublicKey) == "" || strings.TrimSpace(cfg.VAPIDPrivateKey) == "" {
		return nil, fmt.Errorf("vapid key pair is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log}, nil
}

// SetHTTPClient overrides the HTTP client used for push service calls.
func (a *Adapter) SetHTTPClient(c *http.Client) { a.client = c }

// pushPayload is the JSON the service worker receives.
type pushPayload struct {
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Icon  string   `json:"icon,omitempty"`
	Tag   string   `json:"tag,omitempty"`
	Data  pushData `json:"data"`
}

type pushData struct {
	URL string `json:"url,omitempty"`
}

// SendPush encrypts the payload under the subscription's keys and POSTs it
// to the subscription endpoint.
func (a *Adapter) SendPush(ctx context.Context, sub store.PushSubscription, p channel.Payload) channel.Result {
	body, err := json.Marshal(pushPayload{
		Title: p.Title,
		Body:  p.TruncatedBody(),
		Icon:  p.Icon,
		Tag:   p.Tag,
		Data:  pushData{URL: p.URL},
	})
	if err != nil {
		return channel.Permanent("encode payload: " + err.Error())
	}

	resp, err := wp.SendNotificationWithContext(ctx, body, &wp.Subscription{
		Endpoint: sub.Endpoint,
		Keys: wp.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}, &wp.Options{
		HTTPClient:      a.client,
		Subscriber:      a.cfg.ContactEmail,
		VAPIDPublicKey:  a.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: a.cfg.VAPIDPrivateKey,
		TTL:             int(a.cfg.TTL / time.Second),
	})
	if err != nil {
		return channel.Retryable("push transport: "+err.Error(), 0)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return channel.Sent()
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return channel.Permanent(fmt.Sprintf("endpoint gone: %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return channel.Retryable("push service throttled", retryAfter(resp))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Bad subscription keys or an oversized payload. Retrying cannot fix either.
		return channel.Permanent(fmt.Sprintf("push service rejected: %d", resp.StatusCode))
	default:
		return channel.Retryable(fmt.Sprintf("push service error: %d", resp.StatusCode), 0)
	}
}

func retryAfter(resp *http.Response) time.Duration {
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

package webpush

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	wp "github.com/SherClockHolmes/webpush-go"

	"herald/internal/channel"
	"herald/internal/store"
	logx "herald/pkg/logx"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	priv, pub, err := wp.GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("GenerateVAPIDKeys: %v", err)
	}
	a, err := New(Config{
		VAPIDPublicKey:  pub,
		VAPIDPrivateKey: priv,
		ContactEmail:    "ops@example.org",
		TTL:             time.Hour,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func testSubscription(t *testing.T, endpoint string) store.PushSubscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate subscription key: %v", err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		t.Fatalf("generate auth secret: %v", err)
	}
	return store.PushSubscription{
		Endpoint: endpoint,
		UserID:   "alice",
		P256DH:   base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		Auth:     base64.RawURLEncoding.EncodeToString(auth),
	}
}

func sendWithStatus(t *testing.T, status int, header http.Header) channel.Result {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.Header.Get("Content-Encoding") != "aes128gcm" {
			t.Errorf("content-encoding = %q", r.Header.Get("Content-Encoding"))
		}
		for k, vs := range header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	a := newTestAdapter(t)
	a.SetHTTPClient(srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.SendPush(ctx, testSubscription(t, srv.URL), channel.Payload{
		Title: "hello",
		Body:  "world",
		URL:   "https://example.org/e/1",
	})
}

func TestSendPushStatuses(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		status int
		want   channel.Status
	}{
		{"created", http.StatusCreated, channel.StatusSent},
		{"gone", http.StatusGone, channel.StatusPermanent},
		{"not found", http.StatusNotFound, channel.StatusPermanent},
		{"bad request", http.StatusBadRequest, channel.StatusPermanent},
		{"throttled", http.StatusTooManyRequests, channel.StatusRetryable},
		{"server error", http.StatusBadGateway, channel.StatusRetryable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := sendWithStatus(t, tc.status, nil)
			if got.Status != tc.want {
				t.Fatalf("status %d classified as %v, want %v (reason %q)",
					tc.status, got.Status, tc.want, got.Reason)
			}
		})
	}
}

func TestSendPushRetryAfter(t *testing.T) {
	t.Parallel()
	got := sendWithStatus(t, http.StatusTooManyRequests, http.Header{"Retry-After": []string{"30"}})
	if got.Status != channel.StatusRetryable {
		t.Fatalf("status = %v, want retryable", got.Status)
	}
	if got.RetryAfter != 30*time.Second {
		t.Fatalf("retry-after = %v, want 30s", got.RetryAfter)
	}
}

func TestSendPushTransportError(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got := a.SendPush(ctx, testSubscription(t, "http://127.0.0.1:1/push"), channel.Payload{Title: "x"})
	if got.Status != channel.StatusRetryable {
		t.Fatalf("transport failure classified as %v, want retryable", got.Status)
	}
}

func TestNewRequiresKeys(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("New accepted empty VAPID keys")
	}
}

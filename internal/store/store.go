package store

import (
	"context"
	"errors"
	"time"

	logx "herald/pkg/logx"
)

var (
	// ErrTokenNotFound is returned when a linking token does not match any user.
	ErrTokenNotFound = errors.New("linking token not found")
	// ErrTokenExpired is returned when a linking token matched but its
	// validity window has passed.
	ErrTokenExpired = errors.New("linking token expired")
)

// Config configures the SQLite backend.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// ChatLink is a user's Telegram binding. At most one per user.
// LinkToken is non-empty only while a linking handshake is pending.
type ChatLink struct {
	UserID        string
	ChatID        int64
	Username      string
	Enabled       bool
	LinkToken     string
	LinkExpiresAt time.Time
}

// Linked reports whether the row carries an established chat binding.
func (l *ChatLink) Linked() bool { return l != nil && l.ChatID != 0 }

// PushSubscription is one browser push endpoint. Endpoint is the natural key;
// re-subscribing from the same browser replaces the row.
type PushSubscription struct {
	Endpoint  string
	UserID    string
	P256DH    string
	Auth      string
	Browser   string
	Platform  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeliveryAttempt records one terminal outcome of one send attempt.
// Outcome is one of "delivered", "retrying", "failed".
type DeliveryAttempt struct {
	ID        int64
	DedupKey  string
	UserID    string
	Channel   string
	EventType string
	Outcome   string
	Detail    string
	At        time.Time
}

const (
	OutcomeDelivered = "delivered"
	OutcomeRetrying  = "retrying"
	OutcomeFailed    = "failed"
)

// Store is the persistence API used by linking, dispatch and the HTTP layer.
type Store interface {
	// Chat links and linking tokens.
	ChatLink(ctx context.Context, userID string) (*ChatLink, error)
	FindUserByChatID(ctx context.Context, chatID int64) (string, bool, error)
	PutLinkingToken(ctx context.Context, userID, token string, expiresAt time.Time) error
	RedeemLinkingToken(ctx context.Context, token string, chatID int64, username string, now time.Time) (string, error)
	SetChatEnabled(ctx context.Context, userID string, enabled bool) error
	Unlink(ctx context.Context, userID string) (bool, error)
	SweepExpiredTokens(ctx context.Context, now time.Time) (int64, error)

	// Push subscriptions.
	UpsertSubscription(ctx context.Context, sub PushSubscription) error
	ListSubscriptions(ctx context.Context, userID string) ([]PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) (bool, error)

	// Per-user event preferences. Preferences returns only explicit
	// overrides; defaults are applied by the caller.
	Preferences(ctx context.Context, userID string) (map[string]bool, error)
	SetPreference(ctx context.Context, userID, eventType string, enabled bool) error

	// Delivery log.
	AppendAttempt(ctx context.Context, a DeliveryAttempt) error
	HasDelivered(ctx context.Context, dedupKey, channel string) (bool, error)
	RecentAttempts(ctx context.Context, userID string, limit int) ([]DeliveryAttempt, error)
	PruneAttempts(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}

// Open initializes the SQLite store at cfg.Path and runs migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}

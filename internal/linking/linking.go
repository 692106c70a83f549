// Package linking issues and redeems the one-time tokens that bind a user
// account to a Telegram chat.
package linking

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"herald/internal/store"
	logx "herald/pkg/logx"
)

// DefaultTokenTTL is how long an issued token stays redeemable.
const DefaultTokenTTL = 15 * time.Minute

// RedeemOutcome classifies the result of a redemption attempt.
type RedeemOutcome int

const (
	RedeemSuccess RedeemOutcome = iota
	RedeemExpired
	RedeemNotFound
)

// Token is a freshly issued linking token together with its deep link.
type Token struct {
	Value     string
	ExpiresAt time.Time
	DeepLink  string // https://t.me/<bot>?start=<token>, empty if bot username unknown
}

type Manager struct {
	store    store.Store
	log      logx.Logger
	tokenTTL time.Duration

	// botUsername builds the t.me deep link; set via SetBotUsername once
	// the bot identity is known.
	botUsername string
}

func NewManager(st store.Store, ttl time.Duration, log logx.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{store: st, tokenTTL: ttl, log: log}
}

func (m *Manager) SetBotUsername(username string) {
	m.botUsername = strings.TrimPrefix(strings.TrimSpace(username), "@")
}

// Issue creates a fresh token for the user. Any earlier pending token is
// replaced, so at most one token per user is redeemable at a time.
func (m *Manager) Issue(ctx context.Context, userID string) (Token, error) {
	if strings.TrimSpace(userID) == "" {
		return Token{}, errors.New("user id is required")
	}
	value, err := newToken()
	if err != nil {
		return Token{}, err
	}
	expires := time.Now().Add(m.tokenTTL)
	if err := m.store.PutLinkingToken(ctx, userID, value, expires); err != nil {
		return Token{}, err
	}
	m.log.Info("linking token issued",
		logx.String("user", userID),
		logx.Time("expires", expires))

	t := Token{Value: value, ExpiresAt: expires}
	if m.botUsername != "" {
		t.DeepLink = fmt.Sprintf("https://t.me/%s?start=%s", m.botUsername, value)
	}
	return t, nil
}

// Redeem consumes a token and binds the chat. Tokens are single use; a second
// redemption of the same value reports RedeemNotFound.
func (m *Manager) Redeem(ctx context.Context, token string, chatID int64, username string) (string, RedeemOutcome, error) {
	userID, err := m.store.RedeemLinkingToken(ctx, strings.TrimSpace(token), chatID, username, time.Now())
	switch {
	case err == nil:
		m.log.Info("chat linked",
			logx.String("user", userID),
			logx.Int64("chat_id", chatID))
		return userID, RedeemSuccess, nil
	case errors.Is(err, store.ErrTokenExpired):
		return "", RedeemExpired, nil
	case errors.Is(err, store.ErrTokenNotFound):
		return "", RedeemNotFound, nil
	default:
		return "", RedeemNotFound, err
	}
}

// Unlink removes the user's chat binding and any pending token.
func (m *Manager) Unlink(ctx context.Context, userID string) (bool, error) {
	ok, err := m.store.Unlink(ctx, userID)
	if err == nil && ok {
		m.log.Info("chat unlinked", logx.String("user", userID))
	}
	return ok, err
}

// SweepExpired drops stale pending tokens; run periodically.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	n, err := m.store.SweepExpiredTokens(ctx, time.Now())
	if err == nil && n > 0 {
		m.log.Debug("expired linking tokens swept", logx.Int64("count", n))
	}
	return n, err
}

func newToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

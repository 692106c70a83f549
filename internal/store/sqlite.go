package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "herald/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ChatLink(ctx context.Context, userID string) (*ChatLink, error) {
	var (
		l         ChatLink
		username  sql.NullString
		token     sql.NullString
		enabled   int
		expiresMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, chat_id, username, enabled, link_token, link_expires_at
		 FROM chat_links WHERE user_id = ?`, userID,
	).Scan(&l.UserID, &l.ChatID, &username, &enabled, &token, &expiresMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.Username = username.String
	l.LinkToken = token.String
	l.Enabled = enabled != 0
	if expiresMS > 0 {
		l.LinkExpiresAt = time.UnixMilli(expiresMS)
	}
	return &l, nil
}

func (s *sqliteStore) FindUserByChatID(ctx context.Context, chatID int64) (string, bool, error) {
	if chatID == 0 {
		return "", false, nil
	}
	var userID string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM chat_links WHERE chat_id = ?`, chatID,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return userID, true, nil
}

// PutLinkingToken records a fresh pending token for the user, replacing any
// earlier pending token. The chat binding (if any) is left untouched.
func (s *sqliteStore) PutLinkingToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_links(user_id, link_token, link_expires_at)
		 VALUES(?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   link_token = excluded.link_token,
		   link_expires_at = excluded.link_expires_at`,
		userID, token, expiresAt.UnixMilli(),
	)
	return err
}

// RedeemLinkingToken consumes a pending token and establishes the chat
// binding. Expired tokens are cleared on sight so a later attempt reports
// not-found rather than expired.
func (s *sqliteStore) RedeemLinkingToken(ctx context.Context, token string, chatID int64, username string, now time.Time) (string, error) {
	if token == "" {
		return "", ErrTokenNotFound
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		userID    string
		expiresMS int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT user_id, link_expires_at FROM chat_links WHERE link_token = ?`, token,
	).Scan(&userID, &expiresMS)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", err
	}

	if expiresMS < now.UnixMilli() {
		_, _ = tx.ExecContext(ctx,
			`UPDATE chat_links SET link_token = NULL, link_expires_at = 0 WHERE link_token = ?`, token)
		if err := tx.Commit(); err != nil {
			return "", err
		}
		return "", ErrTokenExpired
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE chat_links SET
		   chat_id = ?, username = ?, enabled = 1,
		   link_token = NULL, link_expires_at = 0
		 WHERE link_token = ? AND link_expires_at >= ?`,
		chatID, nullStr(username), token, now.UnixMilli(),
	)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrTokenNotFound
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return userID, nil
}

func (s *sqliteStore) SetChatEnabled(ctx context.Context, userID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat_links SET enabled = ? WHERE user_id = ? AND chat_id != 0`,
		boolInt(enabled), userID,
	)
	return err
}

func (s *sqliteStore) Unlink(ctx context.Context, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_links WHERE user_id = ?`, userID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SweepExpiredTokens clears stale pending tokens. Rows that already carry a
// chat binding survive with the token removed; bare pending rows are deleted.
func (s *sqliteStore) SweepExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	ms := now.UnixMilli()
	var total int64
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_links
		 WHERE chat_id = 0 AND link_token IS NOT NULL AND link_expires_at < ?`, ms)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = s.db.ExecContext(ctx,
		`UPDATE chat_links SET link_token = NULL, link_expires_at = 0
		 WHERE link_token IS NOT NULL AND link_expires_at < ?`, ms)
	if err != nil {
		return total, err
	}
	n, _ = res.RowsAffected()
	total += n
	return total, nil
}

func (s *sqliteStore) UpsertSubscription(ctx context.Context, sub PushSubscription) error {
	if strings.TrimSpace(sub.Endpoint) == "" {
		return errors.New("subscription endpoint is required")
	}
	now := time.Now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO push_subscriptions(endpoint, user_id, p256dh, auth, browser, platform, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(endpoint) DO UPDATE SET
		   user_id = excluded.user_id,
		   p256dh = excluded.p256dh,
		   auth = excluded.auth,
		   browser = excluded.browser,
		   platform = excluded.platform,
		   updated_at = excluded.updated_at`,
		sub.Endpoint, sub.UserID, sub.P256DH, sub.Auth,
		nullStr(sub.Browser), nullStr(sub.Platform),
		sub.CreatedAt.UnixMilli(), sub.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ListSubscriptions(ctx context.Context, userID string) ([]PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT endpoint, user_id, p256dh, auth, browser, platform, created_at, updated_at
		 FROM push_subscriptions WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PushSubscription
	for rows.Next() {
		var (
			sub                PushSubscription
			browser, platform  sql.NullString
			createdMS, updated int64
		)
		if err := rows.Scan(&sub.Endpoint, &sub.UserID, &sub.P256DH, &sub.Auth,
			&browser, &platform, &createdMS, &updated); err != nil {
			return nil, err
		}
		sub.Browser = browser.String
		sub.Platform = platform.String
		sub.CreatedAt = time.UnixMilli(createdMS)
		sub.UpdatedAt = time.UnixMilli(updated)
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteSubscription(ctx context.Context, endpoint string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) Preferences(ctx context.Context, userID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, enabled FROM preferences WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var (
			eventType string
			enabled   int
		)
		if err := rows.Scan(&eventType, &enabled); err != nil {
			return nil, err
		}
		out[eventType] = enabled != 0
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetPreference(ctx context.Context, userID, eventType string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences(user_id, event_type, enabled) VALUES(?,?,?)
		 ON CONFLICT(user_id, event_type) DO UPDATE SET enabled = excluded.enabled`,
		userID, eventType, boolInt(enabled),
	)
	return err
}

func (s *sqliteStore) AppendAttempt(ctx context.Context, a DeliveryAttempt) error {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_log(dedup_key, user_id, channel, event_type, outcome, detail, at)
		 VALUES(?,?,?,?,?,?,?)`,
		a.DedupKey, a.UserID, a.Channel, a.EventType, a.Outcome,
		nullStr(a.Detail), a.At.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) HasDelivered(ctx context.Context, dedupKey, channel string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM delivery_log
		 WHERE dedup_key = ? AND channel = ? AND outcome = ? LIMIT 1`,
		dedupKey, channel, OutcomeDelivered,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) RecentAttempts(ctx context.Context, userID string, limit int) ([]DeliveryAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, dedup_key, user_id, channel, event_type, outcome, detail, at
		 FROM delivery_log WHERE user_id = ? ORDER BY at DESC, id DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeliveryAttempt
	for rows.Next() {
		var (
			a      DeliveryAttempt
			detail sql.NullString
			atMS   int64
		)
		if err := rows.Scan(&a.ID, &a.DedupKey, &a.UserID, &a.Channel,
			&a.EventType, &a.Outcome, &detail, &atMS); err != nil {
			return nil, err
		}
		a.Detail = detail.String
		a.At = time.UnixMilli(atMS)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneAttempts(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM delivery_log WHERE at < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

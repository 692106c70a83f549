package linking

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"herald/internal/store"
	logx "herald/pkg/logx"
)

func newTestManager(t *testing.T, ttl time.Duration) (*Manager, store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "herald.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewManager(st, ttl, logx.Nop()), st
}

func TestIssueAndRedeem(t *testing.T) {
	t.Parallel()
	m, st := newTestManager(t, time.Minute)
	ctx := context.Background()

	tok, err := m.Issue(ctx, "alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if tok.Value == "" {
		t.Fatal("empty token value")
	}

	userID, outcome, err := m.Redeem(ctx, tok.Value, 42, "alice_tg")
	if err != nil || outcome != RedeemSuccess {
		t.Fatalf("Redeem: user=%q outcome=%v err=%v", userID, outcome, err)
	}
	if userID != "alice" {
		t.Fatalf("redeemed user = %q, want alice", userID)
	}

	l, err := st.ChatLink(ctx, "alice")
	if err != nil || l == nil || l.ChatID != 42 {
		t.Fatalf("link after redeem = %+v, err=%v", l, err)
	}

	// Single use.
	_, outcome, err = m.Redeem(ctx, tok.Value, 42, "alice_tg")
	if err != nil || outcome != RedeemNotFound {
		t.Fatalf("second redeem: outcome=%v err=%v", outcome, err)
	}
}

func TestIssueReplacesPendingToken(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	first, err := m.Issue(ctx, "bob")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	second, err := m.Issue(ctx, "bob")
	if err != nil {
		t.Fatalf("Issue (again): %v", err)
	}
	if first.Value == second.Value {
		t.Fatal("reissued token equals original")
	}

	if _, outcome, err := m.Redeem(ctx, first.Value, 7, "bob_tg"); err != nil || outcome != RedeemNotFound {
		t.Fatalf("redeem of replaced token: outcome=%v err=%v", outcome, err)
	}
	if _, outcome, err := m.Redeem(ctx, second.Value, 7, "bob_tg"); err != nil || outcome != RedeemSuccess {
		t.Fatalf("redeem of current token: outcome=%v err=%v", outcome, err)
	}
}

func TestRedeemUnknownToken(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, time.Minute)

	_, outcome, err := m.Redeem(context.Background(), "no-such-token", 1, "x")
	if err != nil || outcome != RedeemNotFound {
		t.Fatalf("unknown token: outcome=%v err=%v", outcome, err)
	}
}

func TestDeepLink(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, time.Minute)
	m.SetBotUsername("@herald_bot")

	tok, err := m.Issue(context.Background(), "carol")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	want := "https://t.me/herald_bot?start=" + tok.Value
	if tok.DeepLink != want {
		t.Fatalf("deep link = %q, want %q", tok.DeepLink, want)
	}
}

func TestUnlink(t *testing.T) {
	t.Parallel()
	m, st := newTestManager(t, time.Minute)
	ctx := context.Background()

	tok, _ := m.Issue(ctx, "dave")
	if _, outcome, _ := m.Redeem(ctx, tok.Value, 9, "dave_tg"); outcome != RedeemSuccess {
		t.Fatalf("redeem outcome = %v", outcome)
	}

	ok, err := m.Unlink(ctx, "dave")
	if err != nil || !ok {
		t.Fatalf("Unlink: ok=%v err=%v", ok, err)
	}
	if l, _ := st.ChatLink(ctx, "dave"); l != nil {
		t.Fatalf("link survived unlink: %+v", l)
	}

	ok, err = m.Unlink(ctx, "dave")
	if err != nil || ok {
		t.Fatalf("Unlink (gone): ok=%v err=%v", ok, err)
	}
}

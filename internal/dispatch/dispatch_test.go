package dispatch

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"herald/internal/channel"
	"herald/internal/prefs"
	"herald/internal/store"
	logx "herald/pkg/logx"
)

type fakeChat struct {
	mu      sync.Mutex
	results []channel.Result
	calls   int
}

func (f *fakeChat) SendMessage(ctx context.Context, chatID int64, p channel.Payload) channel.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := channel.Sent()
	if len(f.results) > 0 {
		r = f.results[0]
		if len(f.results) > 1 {
			f.results = f.results[1:]
		}
	}
	f.calls++
	return r
}

func (f *fakeChat) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePush struct {
	mu      sync.Mutex
	results []channel.Result
	calls   int
}

func (f *fakePush) SendPush(ctx context.Context, sub store.PushSubscription, p channel.Payload) channel.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := channel.Sent()
	if len(f.results) > 0 {
		r = f.results[0]
		if len(f.results) > 1 {
			f.results = f.results[1:]
		}
	}
	f.calls++
	return r
}

func (f *fakePush) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testRig struct {
	store    store.Store
	resolver *prefs.Resolver
	chat     *fakeChat
	push     *fakePush
	svc      *Service
}

func newRig(t *testing.T, defaults map[string]bool) *testRig {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "herald.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	rig := &testRig{
		store:    st,
		resolver: prefs.NewResolver(st, defaults, logx.Nop()),
		chat:     &fakeChat{},
		push:     &fakePush{},
	}
	rig.svc = New(Config{
		Workers:       2,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryFactor:   2,
		RetryMaxDelay: 5 * time.Millisecond,
		SendTimeout:   time.Second,
	}, st, rig.resolver, rig.chat, rig.push, logx.Nop())

	rig.svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rig.svc.Stop(ctx)
	})
	return rig
}

func (r *testRig) linkChat(t *testing.T, userID string, chatID int64) {
	t.Helper()
	ctx := context.Background()
	if err := r.store.PutLinkingToken(ctx, userID, "tok-"+userID, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("PutLinkingToken: %v", err)
	}
	if _, err := r.store.RedeemLinkingToken(ctx, "tok-"+userID, chatID, userID, time.Now()); err != nil {
		t.Fatalf("RedeemLinkingToken: %v", err)
	}
}

func (r *testRig) subscribe(t *testing.T, userID, endpoint string) {
	t.Helper()
	err := r.store.UpsertSubscription(context.Background(), store.PushSubscription{
		Endpoint: endpoint, UserID: userID, P256DH: "k", Auth: "a",
	})
	if err != nil {
		t.Fatalf("UpsertSubscription: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func attempts(t *testing.T, st store.Store, userID string) []store.DeliveryAttempt {
	t.Helper()
	out, err := st.RecentAttempts(context.Background(), userID, 100)
	if err != nil {
		t.Fatalf("RecentAttempts: %v", err)
	}
	return out
}

func TestPushOnlyFanOut(t *testing.T) {
	t.Parallel()
	rig := newRig(t, map[string]bool{"comment": true})
	rig.subscribe(t, "alice", "https://push.example/a1")

	err := rig.svc.Dispatch(context.Background(), Event{
		ID: "ev-1", Type: "comment",
		Payload:    channel.Payload{Title: "hi"},
		Recipients: []string{"alice"},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	waitFor(t, "delivery", func() bool {
		return len(attempts(t, rig.store, "alice")) == 1
	})
	got := attempts(t, rig.store, "alice")
	if got[0].Outcome != store.OutcomeDelivered || got[0].Channel != channel.WebPush {
		t.Fatalf("attempt = %+v, want delivered via webpush", got[0])
	}
	if rig.chat.callCount() != 0 {
		t.Fatalf("chat adapter called %d times for unlinked user", rig.chat.callCount())
	}
}

func TestIdempotentSkip(t *testing.T) {
	t.Parallel()
	rig := newRig(t, map[string]bool{"comment": true})
	rig.linkChat(t, "bob", 42)

	ev := Event{ID: "ev-2", Type: "comment", Payload: channel.Payload{Title: "x"}, Recipients: []string{"bob"}}
	if err := rig.svc.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitFor(t, "first delivery", func() bool {
		return rig.chat.callCount() == 1
	})

	// Same event again: the delivered record suppresses the send.
	if err := rig.svc.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch (repeat): %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := rig.chat.callCount(); n != 1 {
		t.Fatalf("chat adapter called %d times, want 1", n)
	}
	got := attempts(t, rig.store, "bob")
	if len(got) != 1 || got[0].Outcome != store.OutcomeDelivered {
		t.Fatalf("attempts = %+v, want exactly one delivered", got)
	}
}

func TestPermanentFailureCleansUpSubscription(t *testing.T) {
	t.Parallel()
	rig := newRig(t, map[string]bool{"comment": true})
	rig.subscribe(t, "carol", "https://push.example/dead")
	rig.push.results = []channel.Result{channel.Permanent("endpoint gone: 410")}

	err := rig.svc.Dispatch(context.Background(), Event{
		ID: "ev-3", Type: "comment",
		Payload:    channel.Payload{Title: "x"},
		Recipients: []string{"carol"},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	waitFor(t, "subscription cleanup", func() bool {
		subs, err := rig.store.ListSubscriptions(context.Background(), "carol")
		return err == nil && len(subs) == 0
	})
	got := attempts(t, rig.store, "carol")
	if len(got) != 1 || got[0].Outcome != store.OutcomeFailed {
		t.Fatalf("attempts = %+v, want single failed", got)
	}
	if n := rig.push.callCount(); n != 1 {
		t.Fatalf("push adapter called %d times, want 1 (no retry on permanent)", n)
	}
}

func TestTransientFailuresExhaustBudget(t *testing.T) {
	t.Parallel()
	rig := newRig(t, map[string]bool{"comment": true})
	rig.linkChat(t, "dave", 7)
	rig.chat.results = []channel.Result{channel.Retryable("502", 0)}

	err := rig.svc.Dispatch(context.Background(), Event{
		ID: "ev-4", Type: "comment",
		Payload:    channel.Payload{Title: "x"},
		Recipients: []string{"dave"},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	waitFor(t, "final failure", func() bool {
		got := attempts(t, rig.store, "dave")
		return len(got) == 3
	})
	got := attempts(t, rig.store, "dave")
	// Newest first: failed, retrying, retrying.
	if got[0].Outcome != store.OutcomeFailed {
		t.Fatalf("final outcome = %q, want failed", got[0].Outcome)
	}
	for _, a := range got[1:] {
		if a.Outcome != store.OutcomeRetrying {
			t.Fatalf("intermediate outcome = %q, want retrying", a.Outcome)
		}
	}
	// Transient failures never disable the credential.
	link, err := rig.store.ChatLink(context.Background(), "dave")
	if err != nil || link == nil || !link.Enabled {
		t.Fatalf("chat link after transient failures = %+v, err=%v", link, err)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	t.Parallel()
	rig := newRig(t, map[string]bool{"comment": true})
	rig.linkChat(t, "erin", 8)
	rig.chat.results = []channel.Result{channel.Retryable("timeout", 0), channel.Sent()}

	if err := rig.svc.Dispatch(context.Background(), Event{
		ID: "ev-5", Type: "comment",
		Payload:    channel.Payload{Title: "x"},
		Recipients: []string{"erin"},
	}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	waitFor(t, "delivery after retry", func() bool {
		got := attempts(t, rig.store, "erin")
		return len(got) == 2 && got[0].Outcome == store.OutcomeDelivered
	})
}

func TestDisabledPreferenceSkipsDispatch(t *testing.T) {
	t.Parallel()
	rig := newRig(t, map[string]bool{"comment": true})
	rig.linkChat(t, "fred", 9)
	if err := rig.store.SetPreference(context.Background(), "fred", "comment", false); err != nil {
		t.Fatalf("SetPreference: %v", err)
	}

	if err := rig.svc.Dispatch(context.Background(), Event{
		ID: "ev-6", Type: "comment",
		Payload:    channel.Payload{Title: "x"},
		Recipients: []string{"fred"},
	}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := rig.chat.callCount(); n != 0 {
		t.Fatalf("chat adapter called %d times for opted-out user", n)
	}
}

func TestDispatchAfterStop(t *testing.T) {
	t.Parallel()
	rig := newRig(t, map[string]bool{"comment": true})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rig.svc.Stop(ctx)

	err := rig.svc.Dispatch(context.Background(), Event{
		ID: "ev-7", Type: "comment", Recipients: []string{"alice"},
	})
	if err != ErrStopped {
		t.Fatalf("Dispatch after stop = %v, want ErrStopped", err)
	}
}

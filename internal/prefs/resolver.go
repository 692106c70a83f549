// Package prefs merges per-user event toggles with system defaults and gates
// each delivery channel by credential state.
package prefs

import (
	"context"
	"fmt"
	"sync"

	"herald/internal/store"
	logx "herald/pkg/logx"
)

// Resolution is the outcome of resolving one (user, event type) pair. A nil
// Chat and empty Push means nothing will be sent.
type Resolution struct {
	Enabled bool
	Chat    *store.ChatLink
	Push    []store.PushSubscription
}

func (r Resolution) Empty() bool { return r.Chat == nil && len(r.Push) == 0 }

type Resolver struct {
	store store.Store
	log   logx.Logger

	mu       sync.RWMutex
	defaults map[string]bool
}

// NewResolver builds a resolver over st. defaults maps event-type names to
// their default notify flag; event types absent from the map resolve to off
// unless the user opted in explicitly.
func NewResolver(st store.Store, defaults map[string]bool, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Resolver{store: st, log: log}
	r.SetDefaults(defaults)
	return r
}

// SetDefaults swaps the default map, e.g. after a config reload.
func (r *Resolver) SetDefaults(defaults map[string]bool) {
	cp := make(map[string]bool, len(defaults))
	for k, v := range defaults {
		cp[k] = v
	}
	r.mu.Lock()
	r.defaults = cp
	r.mu.Unlock()
}

// Enabled reports whether the user wants notifications for eventType,
// ignoring credential state. User overrides win over defaults.
func (r *Resolver) Enabled(ctx context.Context, userID, eventType string) (bool, error) {
	overrides, err := r.store.Preferences(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("load preferences: %w", err)
	}
	if v, ok := overrides[eventType]; ok {
		return v, nil
	}
	r.mu.RLock()
	v, ok := r.defaults[eventType]
	r.mu.RUnlock()
	if !ok {
		r.log.Debug("no default for event type, resolving to off",
			logx.String("event_type", eventType))
		return false, nil
	}
	return v, nil
}

// Resolve returns the channels actually deliverable for the pair: the
// preference toggle first, then each channel gated by its credential. A
// disabled or absent chat link drops the chat channel; no subscriptions drops
// the push channel.
func (r *Resolver) Resolve(ctx context.Context, userID, eventType string) (Resolution, error) {
	enabled, err := r.Enabled(ctx, userID, eventType)
	if err != nil {
		return Resolution{}, err
	}
	if !enabled {
		return Resolution{}, nil
	}

	res := Resolution{Enabled: true}

	link, err := r.store.ChatLink(ctx, userID)
	if err != nil {
		return Resolution{}, fmt.Errorf("load chat link: %w", err)
	}
	if link.Linked() && link.Enabled {
		res.Chat = link
	}

	subs, err := r.store.ListSubscriptions(ctx, userID)
	if err != nil {
		return Resolution{}, fmt.Errorf("load subscriptions: %w", err)
	}
	res.Push = subs
	return res, nil
}

// Defaults returns a copy of the current default map, for the preferences UI.
func (r *Resolver) Defaults() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := make(map[string]bool, len(r.defaults))
	for k, v := range r.defaults {
		cp[k] = v
	}
	return cp
}

package dispatch

import (
	"context"
	"math/rand"
	"time"

	"herald/internal/channel"
	"herald/internal/store"
	logx "herald/pkg/logx"
)

func (s *Service) workerLoop(ctx context.Context, q <-chan unit) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-q:
			if !ok {
				return
			}
			s.process(ctx, u)
		}
	}
}

// process drives one unit through Pending -> Sending -> Delivered | Failed,
// suspending for backoff between attempts. Each attempt appends exactly one
// delivery log row.
func (s *Service) process(ctx context.Context, u unit) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	log := s.log.With(
		logx.String("user", u.userID),
		logx.String("channel", u.channel),
		logx.String("event", u.eventID))

	// At most one successful delivery per (key, channel).
	delivered, err := s.store.HasDelivered(ctx, u.dedupKey, u.channel)
	if err != nil {
		log.Warn("delivery log lookup failed", logx.Err(err))
	}
	if delivered {
		log.Debug("already delivered, skipping")
		return
	}

	maxAttempts := 1 + cfg.RetryMax
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Cleanup may have removed the credential while this unit waited.
		if attempt > 1 && !s.credentialAlive(ctx, u) {
			log.Debug("credential gone, abandoning retries")
			return
		}

		if err := lim.Wait(ctx); err != nil {
			return
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		res := s.send(callCtx, u)
		cancel()

		switch res.Status {
		case channel.StatusSent:
			s.record(ctx, u, store.OutcomeDelivered, "")
			log.Debug("delivered", logx.Int("attempt", attempt))
			return

		case channel.StatusPermanent:
			s.record(ctx, u, store.OutcomeFailed, res.Reason)
			log.Info("permanent delivery failure, cleaning up credential",
				logx.String("reason", res.Reason))
			s.cleanup(ctx, u)
			return

		default: // retryable
			if attempt >= maxAttempts {
				s.record(ctx, u, store.OutcomeFailed, res.Reason)
				log.Info("delivery failed, retry budget exhausted",
					logx.String("reason", res.Reason),
					logx.Int("attempts", attempt))
				return
			}
			s.record(ctx, u, store.OutcomeRetrying, res.Reason)
			delay := retryDelay(cfg, attempt)
			if res.RetryAfter > 0 {
				delay = res.RetryAfter
			}
			log.Debug("delivery attempt failed",
				logx.String("reason", res.Reason),
				logx.Int("attempt", attempt),
				logx.Duration("backoff", delay))

			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				if !t.Stop() {
					<-t.C
				}
				return
			}
		}
	}
}

func (s *Service) send(ctx context.Context, u unit) channel.Result {
	switch u.channel {
	case channel.Telegram:
		if s.chat == nil {
			return channel.Permanent("chat channel not configured")
		}
		return s.chat.SendMessage(ctx, u.chatID, u.payload)
	case channel.WebPush:
		if s.push == nil {
			return channel.Permanent("push channel not configured")
		}
		return s.push.SendPush(ctx, u.sub, u.payload)
	default:
		return channel.Permanent("unknown channel: " + u.channel)
	}
}

func (s *Service) credentialAlive(ctx context.Context, u unit) bool {
	switch u.channel {
	case channel.Telegram:
		link, err := s.store.ChatLink(ctx, u.userID)
		if err != nil {
			return true // don't abandon on a transient store error
		}
		return link.Linked() && link.Enabled
	case channel.WebPush:
		subs, err := s.store.ListSubscriptions(ctx, u.userID)
		if err != nil {
			return true
		}
		for _, sub := range subs {
			if sub.Endpoint == u.sub.Endpoint {
				return true
			}
		}
		return false
	}
	return false
}

func (s *Service) record(ctx context.Context, u unit, outcome, detail string) {
	err := s.store.AppendAttempt(ctx, store.DeliveryAttempt{
		DedupKey:  u.dedupKey,
		UserID:    u.userID,
		Channel:   u.channel,
		EventType: u.eventType,
		Outcome:   outcome,
		Detail:    detail,
		At:        time.Now(),
	})
	if err != nil {
		s.log.Warn("delivery log append failed", logx.Err(err))
	}
}

// cleanup disables or removes the credential behind a permanent failure so
// future events skip the doomed target.
func (s *Service) cleanup(ctx context.Context, u unit) {
	switch u.channel {
	case channel.Telegram:
		if err := s.store.SetChatEnabled(ctx, u.userID, false); err != nil {
			s.log.Warn("chat link disable failed",
				logx.String("user", u.userID), logx.Err(err))
		}
	case channel.WebPush:
		if _, err := s.store.DeleteSubscription(ctx, u.sub.Endpoint); err != nil {
			s.log.Warn("subscription delete failed",
				logx.String("user", u.userID), logx.Err(err))
		}
	}
}

// retryDelay computes the backoff before the attempt after `attempt`:
// base * factor^(attempt-1), capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= time.Duration(cfg.RetryFactor)
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if d < 0 {
		return 0
	}
	return d
}

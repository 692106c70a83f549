// Package dispatch fans application events out to each recipient's enabled
// channels, applying retry with backoff, idempotent delivery tracking and
// credential cleanup on permanent failures.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"herald/internal/channel"
	"herald/internal/prefs"
	rtsup "herald/internal/runtime/supervisor"
	"herald/internal/store"
	logx "herald/pkg/logx"
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrStopped   = errors.New("dispatcher stopped")
)

// Event is one host-application notification to fan out.
// ID is assigned when empty; the idempotency key per recipient is
// "<event-id>|<recipient-id>".
type Event struct {
	ID         string
	Type       string
	Payload    channel.Payload
	Recipients []string
}

// ChatSender delivers to a linked chat. Implemented by channel/telegram.
type ChatSender interface {
	SendMessage(ctx context.Context, chatID int64, p channel.Payload) channel.Result
}

// PushSender delivers to one push subscription. Implemented by channel/webpush.
type PushSender interface {
	SendPush(ctx context.Context, sub store.PushSubscription, p channel.Payload) channel.Result
}

// Resolver yields the deliverable channels for a (user, event type) pair.
type Resolver interface {
	Resolve(ctx context.Context, userID, eventType string) (prefs.Resolution, error)
}

type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int // retries after the first attempt
	RetryBase     time.Duration
	RetryFactor   int
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

// unit is one (event, recipient, channel) send.
type unit struct {
	eventID   string
	eventType string
	userID    string
	dedupKey  string
	payload   channel.Payload

	channel string
	chatID  int64                  // telegram only
	sub     store.PushSubscription // webpush only
}

// Service is the fan-out pipeline: queue + worker pool + rate limit + retry.
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log      logx.Logger
	store    store.Store
	resolver Resolver
	chat     ChatSender
	push     PushSender

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	enqueueWG sync.WaitGroup

	queue    chan unit
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping
}

func New(cfg Config, st store.Store, res Resolver, chat ChatSender, push PushSender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:      log,
		store:    st,
		resolver: res,
		chat:     chat,
		push:     push,
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps tunables at runtime. Queue size and worker count take effect on
// the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 8
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryFactor <= 1 {
		cfg.RetryFactor = 4
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.cfg = cfg
	// Token bucket shared by all workers; burst = one second of rate.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent. Workers run until Stop.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan unit, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "dispatch"))))
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart("worker", func(c context.Context) error {
			s.workerLoop(c, q)
			return nil
		})
	}
}

// Stop blocks new events and drains the queue best-effort until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.enqueueWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Dispatch resolves channels per recipient and enqueues one unit per
// deliverable (recipient, channel). Recipients are independent; a resolution
// failure or full queue for one never blocks the rest. The first enqueue
// error is returned after the whole fan-out.
func (s *Service) Dispatch(ctx context.Context, ev Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.enqueueWG.Add(1)
	s.mu.Unlock()
	defer s.enqueueWG.Done()

	var firstErr error
	for _, userID := range ev.Recipients {
		res, err := s.resolver.Resolve(ctx, userID, ev.Type)
		if err != nil {
			s.log.Warn("channel resolution failed",
				logx.String("user", userID),
				logx.String("event_type", ev.Type),
				logx.Err(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		key := ev.ID + "|" + userID

		if res.Chat != nil {
			u := unit{
				eventID: ev.ID, eventType: ev.Type, userID: userID,
				dedupKey: key, payload: ev.Payload,
				channel: channel.Telegram, chatID: res.Chat.ChatID,
			}
			if err := enqueue(q, u); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		for _, sub := range res.Push {
			u := unit{
				eventID: ev.ID, eventType: ev.Type, userID: userID,
				dedupKey: key, payload: ev.Payload,
				channel: channel.WebPush, sub: sub,
			}
			if err := enqueue(q, u); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func enqueue(q chan unit, u unit) error {
	select {
	case q <- u:
		return nil
	default:
		return ErrQueueFull
	}
}

// Package bot implements the Telegram side of the linking handshake plus a
// small set of account commands (/start, /help, /status, /unlink).
package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"herald/internal/linking"
	"herald/internal/store"
	logx "herald/pkg/logx"
)

const helpText = `I deliver notifications from your account to this chat.

/start <token> - link this chat using a token from your notification settings
/status - show the linked account and delivery state
/unlink - stop notifications and remove the link
/help - this message`

type Service struct {
	bot     *tele.Bot
	linking *linking.Manager
	store   store.Store
	log     logx.Logger

	runMu   sync.Mutex
	running bool
	runWG   sync.WaitGroup
	cancel  context.CancelFunc
}

// New wires handlers onto an already constructed bot. The bot instance is
// shared with the outbound chat adapter.
func New(b *tele.Bot, lm *linking.Manager, st store.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{bot: b, linking: lm, store: st, log: log}
	s.registerHandlers()
	return s
}

// Start begins long-polling. Idempotent.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return nil
	}
	s.running = true
	rctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.runWG.Add(1)
	s.runMu.Unlock()

	go func() {
		defer s.runWG.Done()
		go func() {
			<-rctx.Done()
			s.bot.Stop()
		}()
		s.log.Info("polling started", logx.String("bot", s.bot.Me.Username))
		s.bot.Start() // blocks until Stop
	}()
	return nil
}

// Stop halts polling, bounded by a short grace window so a pending long-poll
// never stalls shutdown.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.runMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	wasRunning := s.running
	s.running = false
	s.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	go s.bot.Stop()

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
		s.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		s.log.Warn("stop grace elapsed, continuing shutdown")
		return nil
	}
}

// Username returns the bot's handle, known after the Telegram handshake.
func (s *Service) Username() string {
	if s.bot == nil || s.bot.Me == nil {
		return ""
	}
	return s.bot.Me.Username
}

func (s *Service) registerHandlers() {
	unlinkMenu := &tele.ReplyMarkup{}
	btnUnlinkYes := unlinkMenu.Data("Yes, unlink", "unlink_confirm")
	btnUnlinkNo := unlinkMenu.Data("Cancel", "unlink_cancel")
	unlinkMenu.Inline(unlinkMenu.Row(btnUnlinkYes, btnUnlinkNo))

	s.bot.Handle("/start", func(c tele.Context) error {
		token := strings.TrimSpace(c.Message().Payload)
		if token == "" {
			return c.Send(helpText)
		}
		return s.handleRedeem(c, token)
	})

	s.bot.Handle("/help", func(c tele.Context) error {
		return c.Send(helpText)
	})

	s.bot.Handle("/status", func(c tele.Context) error {
		ctx, cancel := handlerContext()
		defer cancel()

		userID, ok, err := s.store.FindUserByChatID(ctx, c.Chat().ID)
		if err != nil {
			s.log.Warn("status lookup failed", logx.Err(err))
			return c.Send("Something went wrong, please try again later.")
		}
		if !ok {
			return c.Send("This chat is not linked to any account. Use the link from your notification settings to connect it.")
		}
		link, err := s.store.ChatLink(ctx, userID)
		if err != nil || link == nil {
			return c.Send("Something went wrong, please try again later.")
		}
		state := "enabled"
		if !link.Enabled {
			state = "paused"
		}
		return c.Send(fmt.Sprintf("Linked to account %s. Notifications are %s.", userID, state))
	})

	s.bot.Handle("/unlink", func(c tele.Context) error {
		ctx, cancel := handlerContext()
		defer cancel()

		_, ok, err := s.store.FindUserByChatID(ctx, c.Chat().ID)
		if err != nil {
			return c.Send("Something went wrong, please try again later.")
		}
		if !ok {
			return c.Send("This chat is not linked to any account.")
		}
		return c.Send("Unlink this chat? You will stop receiving notifications here.", unlinkMenu)
	})

	s.bot.Handle(&btnUnlinkYes, func(c tele.Context) error {
		ctx, cancel := handlerContext()
		defer cancel()

		userID, ok, err := s.store.FindUserByChatID(ctx, c.Chat().ID)
		if err != nil || !ok {
			_ = c.Respond(&tele.CallbackResponse{Text: "Not linked."})
			return c.Edit("This chat is not linked to any account.")
		}
		if _, err := s.linking.Unlink(ctx, userID); err != nil {
			s.log.Warn("unlink failed", logx.String("user", userID), logx.Err(err))
			_ = c.Respond(&tele.CallbackResponse{Text: "Failed."})
			return c.Edit("Unlink failed, please try again later.")
		}
		_ = c.Respond(&tele.CallbackResponse{Text: "Unlinked."})
		return c.Edit("Done. This chat will no longer receive notifications.")
	})

	s.bot.Handle(&btnUnlinkNo, func(c tele.Context) error {
		_ = c.Respond(&tele.CallbackResponse{})
		return c.Edit("Kept. Notifications stay on.")
	})
}

func (s *Service) handleRedeem(c tele.Context, token string) error {
	ctx, cancel := handlerContext()
	defer cancel()

	username := ""
	if c.Sender() != nil {
		username = c.Sender().Username
	}
	userID, outcome, err := s.linking.Redeem(ctx, token, c.Chat().ID, username)
	if err != nil {
		s.log.Warn("redeem failed", logx.Err(err))
		return c.Send("Something went wrong, please try again later.")
	}
	switch outcome {
	case linking.RedeemSuccess:
		return c.Send(fmt.Sprintf("Linked to account %s. Notifications will arrive in this chat.", userID))
	case linking.RedeemExpired:
		return c.Send("That link has expired. Request a fresh one from your notification settings.")
	default:
		return c.Send("That link is invalid or was already used. Request a new one from your notification settings.")
	}
}

func handlerContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

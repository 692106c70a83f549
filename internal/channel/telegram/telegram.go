// Package telegram delivers notification payloads to a linked Telegram chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"herald/internal/channel"
	logx "herald/pkg/logx"
)

type Adapter struct {
	bot *tele.Bot
	log logx.Logger
}

// New wraps an already constructed bot. The bot is shared with the command
// handler; this adapter only sends.
func New(bot *tele.Bot, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{bot: bot, log: log}
}

// SendMessage renders the payload as an HTML message and sends it to chatID.
// The telebot client has no context support, so the send runs in a goroutine
// and a context expiry is reported as a retryable timeout while the HTTP call
// finishes in the background.
func (a *Adapter) SendMessage(ctx context.Context, chatID int64, p channel.Payload) channel.Result {
	text := FormatMessage(p)

	type sendResult struct{ err error }
	done := make(chan sendResult, 1)
	go func() {
		_, err := a.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
		})
		done <- sendResult{err: err}
	}()

	select {
	case <-ctx.Done():
		return channel.Retryable("send timeout: "+ctx.Err().Error(), 0)
	case r := <-done:
		if r.err == nil {
			return channel.Sent()
		}
		return classify(r.err)
	}
}

// SendServiceMessage delivers a plain-text housekeeping message (link
// confirmations, goodbyes) outside the dispatch pipeline. Best effort.
func (a *Adapter) SendServiceMessage(ctx context.Context, chatID int64, text string) {
	go func() {
		if _, err := a.bot.Send(&tele.Chat{ID: chatID}, text); err != nil {
			a.log.Debug("service message failed",
				logx.Int64("chat_id", chatID), logx.Err(err))
		}
	}()
}

// FormatMessage renders the channel-independent payload for Telegram:
// bold title, truncated body, target URL as a trailing link.
func FormatMessage(p channel.Payload) string {
	var b strings.Builder
	if t := strings.TrimSpace(p.Title); t != "" {
		b.WriteString("<b>")
		b.WriteString(html.EscapeString(t))
		b.WriteString("</b>")
	}
	if body := p.TruncatedBody(); body != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(html.EscapeString(body))
	}
	if u := strings.TrimSpace(p.URL); u != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, `<a href="%s">Open</a>`, html.EscapeString(u))
	}
	return b.String()
}

func classify(err error) channel.Result {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return channel.Retryable(
			fmt.Sprintf("telegram flood control, retry after %ds", flood.RetryAfter),
			time.Duration(flood.RetryAfter)*time.Second,
		)
	}

	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrNotStartedByUser):
		return channel.Permanent("telegram: " + err.Error())
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		// Remaining 4xx responses indicate a request that will never
		// succeed for this chat; everything else is worth retrying.
		if apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != 429 {
			return channel.Permanent("telegram: " + apiErr.Error())
		}
		return channel.Retryable("telegram: "+apiErr.Error(), 0)
	}

	return channel.Retryable("telegram transport: "+err.Error(), 0)
}

// Package channel defines the delivery contract shared by the chat and push
// adapters: the outbound payload shape and the normalized send result. Adapter
// failures are values of this package, never Go errors, so the fan-out path
// can treat every outcome uniformly.
package channel

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Channel names as recorded in the delivery log.
const (
	Telegram = "telegram"
	WebPush  = "webpush"
)

// MaxBodyRunes caps the rendered body length for every channel.
const MaxBodyRunes = 500

// Status classifies a send outcome.
type Status int

const (
	StatusSent Status = iota
	StatusRetryable
	StatusPermanent
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusRetryable:
		return "retryable"
	case StatusPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Result is the normalized outcome of one adapter send.
// RetryAfter, when positive, carries a server-supplied delay that overrides
// the dispatcher's computed backoff.
type Result struct {
	Status     Status
	Reason     string
	RetryAfter time.Duration
}

func Sent() Result { return Result{Status: StatusSent} }

func Retryable(reason string, retryAfter time.Duration) Result {
	return Result{Status: StatusRetryable, Reason: reason, RetryAfter: retryAfter}
}

func Permanent(reason string) Result {
	return Result{Status: StatusPermanent, Reason: reason}
}

// Payload is the channel-independent message content.
type Payload struct {
	Title string
	Body  string
	URL   string
	Icon  string
	Tag   string
}

// TruncatedBody returns the body capped at MaxBodyRunes with an ellipsis.
func (p Payload) TruncatedBody() string {
	body := strings.TrimSpace(p.Body)
	if utf8.RuneCountInString(body) <= MaxBodyRunes {
		return body
	}
	runes := []rune(body)
	return strings.TrimSpace(string(runes[:MaxBodyRunes-1])) + "…"
}

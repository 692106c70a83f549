package telegram

import (
	"errors"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"herald/internal/channel"
)

func TestFormatMessage(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   channel.Payload
		want string
	}{
		{
			name: "title body url",
			in:   channel.Payload{Title: "New comment", Body: "Someone replied", URL: "https://example.org/e/1"},
			want: "<b>New comment</b>\n\nSomeone replied\n\n<a href=\"https://example.org/e/1\">Open</a>",
		},
		{
			name: "title only",
			in:   channel.Payload{Title: "Ping"},
			want: "<b>Ping</b>",
		},
		{
			name: "html escaped",
			in:   channel.Payload{Title: "a <b> & c"},
			want: "<b>a &lt;b&gt; &amp; c</b>",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := FormatMessage(tc.in); got != tc.want {
				t.Fatalf("FormatMessage = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFormatMessageTruncatesBody(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", 2*channel.MaxBodyRunes)
	got := FormatMessage(channel.Payload{Body: long})
	if len([]rune(got)) > channel.MaxBodyRunes {
		t.Fatalf("body not truncated: %d runes", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("truncated body lacks ellipsis: %q", got[len(got)-8:])
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want channel.Status
	}{
		{"blocked by user", tele.ErrBlockedByUser, channel.StatusPermanent},
		{"chat not found", tele.ErrChatNotFound, channel.StatusPermanent},
		{"bad request", tele.NewError(400, "Bad Request: message is too long"), channel.StatusPermanent},
		{"server error", tele.NewError(502, "Bad Gateway"), channel.StatusRetryable},
		{"transport", errors.New("dial tcp: connection refused"), channel.StatusRetryable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.err)
			if got.Status != tc.want {
				t.Fatalf("classify(%v).Status = %v, want %v", tc.err, got.Status, tc.want)
			}
		})
	}
}

func TestClassifyFlood(t *testing.T) {
	t.Parallel()
	err := tele.FloodError{RetryAfter: 7}
	got := classify(err)
	if got.Status != channel.StatusRetryable {
		t.Fatalf("flood status = %v, want retryable", got.Status)
	}
	if got.RetryAfter != 7*time.Second {
		t.Fatalf("flood retry-after = %v, want 7s", got.RetryAfter)
	}
}

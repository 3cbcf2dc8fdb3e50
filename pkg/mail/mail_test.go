package mail

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/autopilot/pkg/types"
)

func TestFilter_Match(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m, err := Filter{From: "*@accounts.example.com", Subject: "*verify*", Since: since}.Compile()
	require.NoError(t, err)

	ok := &Message{From: "No-Reply@Accounts.Example.com", Subject: "Please VERIFY your email", ReceivedAt: since.Add(time.Minute)}
	assert.True(t, m.Match(ok))

	old := *ok
	old.ReceivedAt = since.Add(-time.Minute)
	assert.False(t, m.Match(&old))

	other := *ok
	other.From = "spam@elsewhere.test"
	assert.False(t, m.Match(&other))

	_, err = Filter{From: "[unclosed"}.Compile()
	assert.Error(t, err)
}

func TestFilter_ContainsChecksHTMLBody(t *testing.T) {
	m, err := Filter{Contains: "your code"}.Compile()
	require.NoError(t, err)
	assert.True(t, m.Match(&Message{HTML: "<p>Here is <b>your code</b>: 123456</p>"}))
	assert.False(t, m.Match(&Message{Text: "welcome"}))
}

func TestPollingProvider_WaitsForDelivery(t *testing.T) {
	clock := clockwork.NewFakeClock()
	provider := NewMemoryProvider(clock, 3*time.Second, nil)
	ctx := context.Background()

	mbox, err := provider.CreateRandomMailbox(ctx, "@Seats.Example.com")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(mbox.Address, "@seats.example.com"))
	assert.Len(t, provider.Inbox().Mailboxes(), 1)

	type result struct {
		msg *Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := provider.WaitForMessage(ctx, mbox.Address, time.Minute, Filter{Subject: "*invitation*"})
		done <- result{msg, err}
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))

	require.NoError(t, provider.Deliver(ctx, Message{To: mbox.Address, Subject: "newsletter", ReceivedAt: clock.Now()}))
	require.NoError(t, provider.Deliver(ctx, Message{To: mbox.Address, Subject: "Your invitation", Text: "join", ReceivedAt: clock.Now()}))
	clock.Advance(3 * time.Second)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "Your invitation", res.msg.Subject)
}

func TestPollingProvider_NewestMatchWins(t *testing.T) {
	provider := NewMemoryProvider(nil, time.Millisecond, nil)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, provider.Deliver(ctx, Message{To: "a@x.test", Subject: "code", Text: "111111", ReceivedAt: base}))
	require.NoError(t, provider.Deliver(ctx, Message{To: "A@X.test", Subject: "code", Text: "222222", ReceivedAt: base.Add(time.Second)}))

	msg, err := provider.WaitForMessage(ctx, "a@x.test", time.Second, Filter{})
	require.NoError(t, err)
	assert.Equal(t, "222222", msg.Text)
}

func TestPollingProvider_TimeoutNotBeforeCeiling(t *testing.T) {
	clock := clockwork.NewFakeClock()
	start := clock.Now()
	provider := NewMemoryProvider(clock, 3*time.Second, nil)

	done := make(chan error, 1)
	go func() {
		_, err := provider.WaitForMessage(context.Background(), "nobody@x.test", 10*time.Second, Filter{})
		done <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 4; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(3 * time.Second)
	}

	err := <-done
	assert.ErrorIs(t, err, types.ErrWaitTimeout)
	assert.GreaterOrEqual(t, clock.Since(start), 10*time.Second)
}

func TestExtractCode(t *testing.T) {
	code, ok := ExtractCode("Your verification code is 482913. It expires soon.", nil)
	require.True(t, ok)
	assert.Equal(t, "482913", code)

	code, ok = ExtractCode("code: AB-77XZ", regexp.MustCompile(`code: ([A-Z]{2}-\w{4})`))
	require.True(t, ok)
	assert.Equal(t, "AB-77XZ", code)

	_, ok = ExtractCode("no digits here", nil)
	assert.False(t, ok)
}

const inviteHTML = `<html><head><title>x</title><style>.a{}</style></head>
<body>
  <p>You have been invited.</p>
  <a href="https://tracking.example.com/open">Open</a>
  <a href="https://accounts.example.com/invite/accept?token=abc">Accept <b>invitation</b></a>
  <a href="mailto:help@example.com">Help</a>
  <script>alert(1)</script>
</body></html>`

func TestExtractLinksAndFind(t *testing.T) {
	links, err := ExtractLinks(inviteHTML)
	require.NoError(t, err)
	require.Len(t, links, 2, "mailto links are ignored")
	assert.Equal(t, "Accept invitation", links[1].Text)

	link, ok, err := FindLink(links, "https://accounts.example.com/invite/*")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://accounts.example.com/invite/accept?token=abc", link.URL)

	_, ok, err = FindLink(links, "https://nowhere/*")
	require.NoError(t, err)
	assert.False(t, ok)

	first, ok, err := FindLink(links, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, links[0], first)
}

func TestHTMLToText(t *testing.T) {
	text, err := HTMLToText(inviteHTML)
	require.NoError(t, err)
	assert.Contains(t, text, "You have been invited.")
	assert.NotContains(t, text, "alert")
	assert.NotContains(t, text, ".a{}")
}

func TestLinksFromMessage_FallsBackToText(t *testing.T) {
	links, err := LinksFromMessage(&Message{Text: "Click https://example.com/verify?id=1. Thanks"})
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "https://example.com/verify?id=1", links[0].URL)
}

func TestRedisInbox(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	inbox := NewRedisInbox(client, "test", time.Hour)
	ctx := context.Background()

	provider := NewPollingProvider(inbox, nil, time.Millisecond, nil)
	mbox, err := provider.CreateRandomMailbox(ctx, "seats.test")
	require.NoError(t, err)

	registered, err := inbox.Registered(ctx, mbox.Address)
	require.NoError(t, err)
	assert.True(t, registered)

	require.NoError(t, inbox.Deliver(ctx, Message{To: mbox.Address, Subject: "code", Text: "987654"}))

	msg, err := provider.WaitForMessage(ctx, mbox.Address, time.Second, Filter{Subject: "code"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	code, ok := ExtractCode(msg.Body(), nil)
	require.True(t, ok)
	assert.Equal(t, "987654", code)
}

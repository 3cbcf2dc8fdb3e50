package mail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/entrhq/autopilot/pkg/logging"
	"github.com/entrhq/autopilot/pkg/types"
)

// DefaultPollInterval is the inbox polling period.
const DefaultPollInterval = 3 * time.Second

// PollingProvider implements Provider over any Inbox by polling it.
type PollingProvider struct {
	inbox    Inbox
	clock    clockwork.Clock
	interval time.Duration
	logger   *logging.Logger
}

// NewPollingProvider creates a provider over inbox. Zero interval means
// DefaultPollInterval; a nil clock means the real clock.
func NewPollingProvider(inbox Inbox, clock clockwork.Clock, interval time.Duration, logger *logging.Logger) *PollingProvider {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &PollingProvider{inbox: inbox, clock: clock, interval: interval, logger: logger}
}

// CreateRandomMailbox creates a mailbox with a random local part on domain.
func (p *PollingProvider) CreateRandomMailbox(ctx context.Context, domain string) (Mailbox, error) {
	domain = strings.TrimPrefix(strings.TrimSpace(domain), "@")
	if domain == "" {
		return Mailbox{}, fmt.Errorf("mail domain is empty")
	}
	local := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	mbox := Mailbox{
		Address:   local + "@" + strings.ToLower(domain),
		Password:  uuid.NewString(),
		CreatedAt: p.clock.Now().UTC(),
	}
	if r, ok := p.inbox.(Registrar); ok {
		if err := r.Register(ctx, mbox); err != nil {
			return Mailbox{}, fmt.Errorf("register mailbox: %w", err)
		}
	}
	p.logger.Debugf("created mailbox %s", mbox.Address)
	return mbox, nil
}

// WaitForMessage polls the inbox until a message matches or timeout passes.
// The last poll happens at the deadline, so a timeout is never reported
// before timeout has elapsed.
func (p *PollingProvider) WaitForMessage(ctx context.Context, to string, timeout time.Duration, f Filter) (*Message, error) {
	matcher, err := f.Compile()
	if err != nil {
		return nil, err
	}
	to = normalizeAddress(to)
	deadline := p.clock.Now().Add(timeout)

	for {
		msgs, err := p.inbox.List(ctx, to)
		if err != nil {
			return nil, fmt.Errorf("list inbox %s: %w", to, err)
		}
		if msg := newestMatch(msgs, matcher); msg != nil {
			return msg, nil
		}

		remaining := deadline.Sub(p.clock.Now())
		if remaining <= 0 {
			return nil, fmt.Errorf("no mail for %s after %s: %w", to, timeout, types.ErrWaitTimeout)
		}
		step := p.interval
		if remaining < step {
			step = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.clock.After(step):
		}
	}
}

func newestMatch(msgs []Message, m *Matcher) *Message {
	var best *Message
	for i := range msgs {
		msg := &msgs[i]
		if !m.Match(msg) {
			continue
		}
		if best == nil || msg.ReceivedAt.After(best.ReceivedAt) {
			best = msg
		}
	}
	return best
}

package mail

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/entrhq/autopilot/pkg/logging"
)

// MemoryInbox stores mail in process memory. Mail to unknown addresses is
// accepted; Register only records the mailbox.
type MemoryInbox struct {
	mu        sync.Mutex
	mailboxes map[string]Mailbox
	messages  map[string][]Message
}

// NewMemoryInbox creates an empty inbox.
func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{
		mailboxes: make(map[string]Mailbox),
		messages:  make(map[string][]Message),
	}
}

func (b *MemoryInbox) Register(_ context.Context, mbox Mailbox) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mailboxes[normalizeAddress(mbox.Address)] = mbox
	return nil
}

// Registered reports whether address was created through Register.
func (b *MemoryInbox) Registered(_ context.Context, address string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.mailboxes[normalizeAddress(address)]
	return ok, nil
}

// Mailboxes returns every registered mailbox.
func (b *MemoryInbox) Mailboxes() []Mailbox {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Mailbox, 0, len(b.mailboxes))
	for _, m := range b.mailboxes {
		out = append(out, m)
	}
	return out
}

func (b *MemoryInbox) Deliver(_ context.Context, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	to := normalizeAddress(msg.To)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[to] = append(b.messages[to], msg)
	return nil
}

func (b *MemoryInbox) List(_ context.Context, address string) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.messages[normalizeAddress(address)]...), nil
}

// MemoryProvider is a Provider backed by a MemoryInbox, for development and
// tests.
type MemoryProvider struct {
	*PollingProvider
	inbox *MemoryInbox
}

// NewMemoryProvider creates a provider with its own inbox.
func NewMemoryProvider(clock clockwork.Clock, interval time.Duration, logger *logging.Logger) *MemoryProvider {
	inbox := NewMemoryInbox()
	return &MemoryProvider{
		PollingProvider: NewPollingProvider(inbox, clock, interval, logger),
		inbox:           inbox,
	}
}

// Inbox returns the backing inbox.
func (p *MemoryProvider) Inbox() *MemoryInbox {
	return p.inbox
}

// Registered reports whether address belongs to a created mailbox.
func (p *MemoryProvider) Registered(ctx context.Context, address string) (bool, error) {
	return p.inbox.Registered(ctx, address)
}

// Deliver adds a message to the inbox.
func (p *MemoryProvider) Deliver(ctx context.Context, msg Message) error {
	return p.inbox.Deliver(ctx, msg)
}

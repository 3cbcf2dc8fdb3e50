// Package mail is the mail-provider collaborator: disposable mailboxes for
// child seats and bounded waits for verification mail.
package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

// ErrNoMailbox is returned when an address has no registered mailbox.
var ErrNoMailbox = errors.New("mailbox not found")

// Mailbox is a mailbox owned by autopilot.
type Mailbox struct {
	Address   string    `json:"address"`
	Password  string    `json:"password,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one received mail.
type Message struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Subject    string    `json:"subject"`
	Text       string    `json:"text,omitempty"`
	HTML       string    `json:"html,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Body returns the plain text of the message, converting HTML when there is
// no text part.
func (m *Message) Body() string {
	if strings.TrimSpace(m.Text) != "" {
		return m.Text
	}
	if m.HTML == "" {
		return ""
	}
	text, err := HTMLToText(m.HTML)
	if err != nil {
		return m.HTML
	}
	return text
}

// Filter selects messages. From and Subject are glob patterns matched
// case-insensitively; empty fields match everything.
type Filter struct {
	From     string    `json:"from,omitempty" yaml:"from,omitempty"`
	Subject  string    `json:"subject,omitempty" yaml:"subject,omitempty"`
	Contains string    `json:"contains,omitempty" yaml:"contains,omitempty"`
	Since    time.Time `json:"since,omitempty" yaml:"-"`
}

// Matcher is a compiled Filter.
type Matcher struct {
	from     glob.Glob
	subject  glob.Glob
	contains string
	since    time.Time
}

// Compile compiles the filter's patterns.
func (f Filter) Compile() (*Matcher, error) {
	m := &Matcher{contains: strings.ToLower(f.Contains), since: f.Since}
	if f.From != "" {
		g, err := glob.Compile(strings.ToLower(f.From))
		if err != nil {
			return nil, fmt.Errorf("invalid sender pattern '%s': %w", f.From, err)
		}
		m.from = g
	}
	if f.Subject != "" {
		g, err := glob.Compile(strings.ToLower(f.Subject))
		if err != nil {
			return nil, fmt.Errorf("invalid subject pattern '%s': %w", f.Subject, err)
		}
		m.subject = g
	}
	return m, nil
}

// Match reports whether msg passes the filter.
func (m *Matcher) Match(msg *Message) bool {
	if !m.since.IsZero() && msg.ReceivedAt.Before(m.since) {
		return false
	}
	if m.from != nil && !m.from.Match(strings.ToLower(msg.From)) {
		return false
	}
	if m.subject != nil && !m.subject.Match(strings.ToLower(msg.Subject)) {
		return false
	}
	if m.contains != "" && !strings.Contains(strings.ToLower(msg.Body()), m.contains) {
		return false
	}
	return true
}

// Provider creates mailboxes and waits for mail.
type Provider interface {
	CreateRandomMailbox(ctx context.Context, domain string) (Mailbox, error)
	// WaitForMessage returns the newest message to address matching f,
	// polling until timeout. On timeout the error wraps types.ErrWaitTimeout.
	WaitForMessage(ctx context.Context, to string, timeout time.Duration, f Filter) (*Message, error)
}

// Inbox lists delivered mail.
type Inbox interface {
	List(ctx context.Context, address string) ([]Message, error)
}

// Registrar is implemented by inboxes that must know a mailbox before mail
// to it is accepted.
type Registrar interface {
	Register(ctx context.Context, mbox Mailbox) error
}

// Deliverer accepts inbound mail (the inbound webhook writes through it).
type Deliverer interface {
	Deliver(ctx context.Context, msg Message) error
}

// Directory answers whether an address was created through Register.
type Directory interface {
	Registered(ctx context.Context, address string) (bool, error)
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis inbox limits.
const (
	DefaultInboxRetention = 72 * time.Hour
	maxInboxMessages      = 200
)

// RedisInbox keeps delivered mail in one redis list per address so that an
// inbound-mail webhook and the workers can run in different processes.
type RedisInbox struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedisInbox creates an inbox under "<prefix>:mail:<address>".
func NewRedisInbox(client redis.UniversalClient, prefix string, retention time.Duration) *RedisInbox {
	if prefix == "" {
		prefix = "autopilot"
	}
	if retention <= 0 {
		retention = DefaultInboxRetention
	}
	return &RedisInbox{client: client, prefix: prefix, retention: retention}
}

func (b *RedisInbox) key(address string) string {
	return b.prefix + ":mail:" + normalizeAddress(address)
}

func (b *RedisInbox) mailboxKey(address string) string {
	return b.prefix + ":mailbox:" + normalizeAddress(address)
}

func (b *RedisInbox) Register(ctx context.Context, mbox Mailbox) error {
	data, err := json.Marshal(mbox)
	if err != nil {
		return fmt.Errorf("failed to encode mailbox: %w", err)
	}
	if err := b.client.Set(ctx, b.mailboxKey(mbox.Address), data, b.retention).Err(); err != nil {
		return fmt.Errorf("redis register mailbox: %w", err)
	}
	return nil
}

// Registered reports whether address was created through Register.
func (b *RedisInbox) Registered(ctx context.Context, address string) (bool, error) {
	n, err := b.client.Exists(ctx, b.mailboxKey(address)).Result()
	if err != nil {
		return false, fmt.Errorf("redis mailbox lookup: %w", err)
	}
	return n > 0, nil
}

func (b *RedisInbox) Deliver(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	key := b.key(msg.To)
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, maxInboxMessages-1)
		pipe.Expire(ctx, key, b.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis deliver: %w", err)
	}
	return nil
}

func (b *RedisInbox) List(ctx context.Context, address string) ([]Message, error) {
	raw, err := b.client.LRange(ctx, b.key(address), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list inbox: %w", err)
	}
	msgs := make([]Message, 0, len(raw))
	for _, r := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(r), &msg); err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Package redis carries out-of-band SDK messages over Redis
// PUBLISH/SUBSCRIBE so every process sharing a token hears about its
// expiry.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/aussiebroadwan/appsdk/pkg/events"
	"github.com/aussiebroadwan/appsdk/pkg/idx"
)

// DefaultChannel is used when no channel is configured.
const DefaultChannel = "appsdk:events"

type Option func(*Messenger)

func WithChannel(channel string) Option {
	return func(m *Messenger) { m.channel = channel }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Messenger) { m.logger = logger }
}

// Messenger publishes and receives events.Message values as JSON.
type Messenger struct {
	client  *goredis.Client
	app     string
	channel string
	origin  idx.ID
	logger  *slog.Logger
}

var (
	_ events.Messenger = (*Messenger)(nil)
	_ events.Listener  = (*Messenger)(nil)
)

// New returns a Messenger for the application identified by appKey.
func New(client *goredis.Client, appKey string, opts ...Option) *Messenger {
	m := &Messenger{
		client:  client,
		app:     appKey,
		channel: DefaultChannel,
		origin:  idx.New(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Messenger) Origin() idx.ID  { return m.origin }
func (m *Messenger) Channel() string { return m.channel }

func (m *Messenger) PushMessage(ctx context.Context, msg events.Message, opts events.PushOptions) error {
	msg.Origin = m.origin
	if msg.App == "" {
		msg.App = m.app
	}
	msg.SentAt = time.Now().UTC()

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	channel := m.channel
	if opts.Channel != "" {
		channel = opts.Channel
	}

	if err := m.client.Publish(ctx, channel, body).Err(); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Listen subscribes to the channel and delivers every message sent by
// another origin until ctx is done.
func (m *Messenger) Listen(ctx context.Context, deliver func(events.Message)) error {
	sub := m.client.Subscribe(ctx, m.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed so callers see a failed
	// connection as an error rather than a silent stream.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", m.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-ch:
			if !ok {
				return nil
			}

			msg, err := decodeMessage(raw.Payload)
			if err != nil {
				m.logger.Warn("dropping malformed message", "channel", raw.Channel, "error", err)
				continue
			}
			if msg.Origin == m.origin {
				continue
			}
			deliver(msg)
		}
	}
}

// decodeMessage parses a published message. Messages without a valid
// origin did not come from a Messenger and are rejected.
func decodeMessage(payload string) (events.Message, error) {
	var msg events.Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return events.Message{}, err
	}

	origin, err := idx.Parse(msg.Origin.String())
	if err != nil {
		return events.Message{}, fmt.Errorf("origin %q: %w", msg.Origin, err)
	}
	msg.Origin = origin
	return msg, nil
}

// Package events is the SDK's event port. It keeps two separate
// capabilities: Bus dispatches named events synchronously inside the
// process, and Messenger notifies other execution contexts (processes or
// instances sharing the same storage). Messenger delivery is asynchronous
// and carries no ordering guarantee relative to Bus dispatch.
package events

import (
	"context"
	"time"

	"github.com/aussiebroadwan/appsdk/pkg/appctx"
	"github.com/aussiebroadwan/appsdk/pkg/idx"
)

// Well-known event names.
const (
	TokenExpired = "tokenExpired"
	TokenUpdated = "tokenUpdated"
)

// Payload is handed to Bus handlers.
type Payload struct {
	App appctx.Application

	// Message is set when the event was relayed from another context.
	Message *Message
}

// Remote reports whether the event originated in another context.
func (p Payload) Remote() bool { return p.Message != nil }

type Handler func(Payload)

// Bus is the in-process publish/subscribe capability.
type Bus interface {
	AddEvent(name string, h Handler)
	TriggerEvent(name string, p Payload)
}

// Message is the out-of-band notification. Only Type is set by callers;
// messengers stamp the rest.
type Message struct {
	Type   string    `json:"type"`
	App    string    `json:"app,omitempty"`
	Origin idx.ID    `json:"origin,omitempty"`
	SentAt time.Time `json:"sentAt,omitzero"`
}

// PushOptions tunes a single PushMessage call. The zero value uses the
// messenger's defaults.
type PushOptions struct {
	// Channel overrides the messenger's default channel when supported.
	Channel string
}

// Messenger is the cross-context capability.
type Messenger interface {
	PushMessage(ctx context.Context, msg Message, opts PushOptions) error
}

// Listener is implemented by messengers that can receive messages from
// other contexts. Listen blocks until ctx is done or the messenger is
// closed, calling deliver for every message sent by another origin.
type Listener interface {
	Listen(ctx context.Context, deliver func(Message)) error
}

// Discard is a Messenger for single-context deployments.
var Discard Messenger = discard{}

type discard struct{}

func (discard) PushMessage(context.Context, Message, PushOptions) error { return nil }

// Relay returns a deliver func that re-announces messages received from
// other contexts as in-process events on bus. Messages addressed to a
// different application are ignored.
func Relay(bus Bus, app appctx.Application) func(Message) {
	return func(msg Message) {
		if msg.App != "" && msg.App != app.APIKey() {
			return
		}
		bus.TriggerEvent(msg.Type, Payload{App: app, Message: &msg})
	}
}

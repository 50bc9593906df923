// Package memory connects several SDK instances inside one process, the
// way separate tabs share a browser. Each Peer has its own origin and
// never receives its own messages.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/joy-dx/lockablemap"

	"github.com/aussiebroadwan/appsdk/pkg/events"
	"github.com/aussiebroadwan/appsdk/pkg/idx"
)

type Hub struct {
	peers *lockablemap.LockableMap[idx.ID, *Peer]
}

func NewHub() *Hub {
	return &Hub{peers: lockablemap.NewLockableMap[idx.ID, *Peer]()}
}

// Join registers a new peer. Messages pushed by other peers queue up
// until the peer Listens.
func (h *Hub) Join(appKey string) *Peer {
	p := &Peer{
		hub:    h,
		app:    appKey,
		origin: idx.New(),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	h.peers.Set(p.origin, p)
	return p
}

func (h *Hub) broadcast(msg events.Message) {
	for origin, p := range h.peers.GetAll() {
		if origin == msg.Origin {
			continue
		}
		p.enqueue(msg)
	}
}

func (h *Hub) leave(p *Peer) {
	h.peers.Remove(p.origin)
}

// Peer is one context's connection to the hub.
type Peer struct {
	hub    *Hub
	app    string
	origin idx.ID

	mu      sync.Mutex
	pending []events.Message
	notify  chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

var (
	_ events.Messenger = (*Peer)(nil)
	_ events.Listener  = (*Peer)(nil)
)

func (p *Peer) Origin() idx.ID { return p.origin }

func (p *Peer) PushMessage(_ context.Context, msg events.Message, _ events.PushOptions) error {
	msg.Origin = p.origin
	if msg.App == "" {
		msg.App = p.app
	}
	msg.SentAt = time.Now().UTC()

	p.hub.broadcast(msg)
	return nil
}

func (p *Peer) enqueue(msg events.Message) {
	p.mu.Lock()
	p.pending = append(p.pending, msg)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Peer) drain() []events.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	msgs := p.pending
	p.pending = nil
	return msgs
}

// Listen delivers queued and future messages in send order until ctx is
// done or the peer is closed.
func (p *Peer) Listen(ctx context.Context, deliver func(events.Message)) error {
	for {
		for _, msg := range p.drain() {
			deliver(msg)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-p.done:
			return nil
		case <-p.notify:
		}
	}
}

// Close leaves the hub and stops any running Listen.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.hub.leave(p)
		close(p.done)
	})
	return nil
}

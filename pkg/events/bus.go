package events

import "sync"

// LocalBus is a synchronous in-process Bus. Handlers run on the caller's
// goroutine in registration order and may themselves add or trigger
// events.
type LocalBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

var _ Bus = (*LocalBus)(nil)

func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[string][]Handler)}
}

func (b *LocalBus) AddEvent(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

func (b *LocalBus) TriggerEvent(name string, p Payload) {
	b.mu.RLock()
	hs := make([]Handler, len(b.handlers[name]))
	copy(hs, b.handlers[name])
	b.mu.RUnlock()

	for _, h := range hs {
		h(p)
	}
}

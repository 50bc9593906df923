package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aussiebroadwan/appsdk/pkg/appctx"
	"github.com/aussiebroadwan/appsdk/pkg/clockx"
	"github.com/aussiebroadwan/appsdk/pkg/events"
	"github.com/aussiebroadwan/appsdk/pkg/storage"
)

// DefaultKeyPrefix namespaces the storage key; the application's API key
// is appended to it.
const DefaultKeyPrefix = "auth-token-"

var (
	ErrNoApplication = errors.New("token: application context is required")
	ErrNoStorage     = errors.New("token: storage is required")
	ErrNoBus         = errors.New("token: event bus is required")
)

// Config wires a Manager to its collaborators. App, Storage and Bus are
// required; the rest have defaults.
type Config struct {
	App     appctx.Application
	Storage storage.Store
	Bus     events.Bus

	// Messenger notifies other contexts. Default: events.Discard
	Messenger events.Messenger

	// Clock arms expiry timers. Default: clockx.Real()
	Clock clockx.Clock

	// Logger defaults to slog.Default()
	Logger *slog.Logger

	// KeyPrefix defaults to DefaultKeyPrefix
	KeyPrefix string
}

// Manager owns the application's access token: it persists it, arms a
// single expiry timer for it and announces every change on the event
// port.
type Manager struct {
	app       appctx.Application
	storage   storage.Store
	bus       events.Bus
	messenger events.Messenger
	clock     clockx.Clock
	logger    *slog.Logger
	key       string

	mu      sync.Mutex
	current *Token
	timer   *clockx.Timer
	gen     uint64 // bumped whenever the armed timer is replaced or cancelled
}

// New builds a Manager, subscribes it to tokens expired or stored elsewhere and
// restores any persisted token. A persisted token that has already
// expired is removed without announcing anything.
func New(ctx context.Context, cfg Config) (*Manager, error) {
	switch {
	case cfg.App == nil:
		return nil, ErrNoApplication
	case cfg.Storage == nil:
		return nil, ErrNoStorage
	case cfg.Bus == nil:
		return nil, ErrNoBus
	}

	if cfg.Messenger == nil {
		cfg.Messenger = events.Discard
	}
	if cfg.Clock == nil {
		cfg.Clock = clockx.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}

	m := &Manager{
		app:       cfg.App,
		storage:   cfg.Storage,
		bus:       cfg.Bus,
		messenger: cfg.Messenger,
		clock:     cfg.Clock,
		logger:    cfg.Logger.With("component", "token", "app", cfg.App.APIKey()),
		key:       cfg.KeyPrefix + cfg.App.APIKey(),
	}

	m.bus.AddEvent(events.TokenExpired, m.onExpired)
	m.bus.AddEvent(events.TokenUpdated, m.onUpdated)

	tok, err := m.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load persisted token: %w", err)
	}
	if tok == nil {
		return m, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if remaining, ok := tok.Remaining(m.clock.Now()); ok && remaining <= 0 {
		if err := m.storage.Remove(ctx, m.key); err != nil {
			return nil, fmt.Errorf("remove expired token: %w", err)
		}
		m.logger.Debug("discarded expired persisted token")
		return m, nil
	}

	m.current = tok
	m.armLocked(tok)
	return m, nil
}

// Key returns the storage key the token is persisted under.
func (m *Manager) Key() string { return m.key }

// Store replaces the current token with src, or clears it when src is
// nil. The expiry is derived once (ExpiresIn first, then SlidingWindow;
// an existing ExpireAt is kept), the token is persisted, the previous
// timer is cancelled and a new one armed. A token that is already expired
// is cleared instead. Exactly one event is announced: tokenUpdated, or
// tokenExpired when the result is no token.
func (m *Manager) Store(ctx context.Context, src Source) error {
	return m.apply(ctx, Normalize(src), false, 0)
}

// Touch re-derives a sliding-window token's expiry from now and stores it
// again, extending its lifetime. Tokens without a sliding window are left
// alone.
func (m *Manager) Touch(ctx context.Context) error {
	m.mu.Lock()
	tok := m.current.Clone()
	gen := m.gen
	m.mu.Unlock()

	if tok == nil || tok.SlidingWindow == nil {
		return nil
	}

	tok.ExpireAt = Int64(m.clock.Now().UnixMilli() + *tok.SlidingWindow*1000)
	return m.apply(ctx, tok, true, gen)
}

// apply is the single write path. When guarded, it only proceeds if gen
// is still current, so a timer that fired late (or a Touch racing a
// Store) never overwrites a newer token.
func (m *Manager) apply(ctx context.Context, tok *Token, guarded bool, gen uint64) error {
	m.mu.Lock()

	if guarded && gen != m.gen {
		m.mu.Unlock()
		return nil
	}

	if tok != nil {
		now := m.clock.Now()
		tok.deriveSchedule(now)
		if remaining, ok := tok.Remaining(now); ok && remaining <= 0 {
			m.logger.Debug("token expired on arrival")
			tok = nil
		}
	}

	if err := m.persistLocked(ctx, tok); err != nil {
		m.mu.Unlock()
		return err
	}

	m.cancelLocked()
	m.current = tok
	if tok != nil {
		m.armLocked(tok)
	}
	m.mu.Unlock()

	if tok == nil {
		m.announce(ctx, events.TokenExpired)
	} else {
		m.announce(ctx, events.TokenUpdated)
	}
	return nil
}

func (m *Manager) persistLocked(ctx context.Context, tok *Token) error {
	if tok == nil {
		if err := m.storage.Remove(ctx, m.key); err != nil {
			return fmt.Errorf("remove token: %w", err)
		}
		return nil
	}

	var value any = tok.Clone()
	if !storage.StoresRecords(m.storage) {
		b, err := json.Marshal(tok)
		if err != nil {
			return fmt.Errorf("encode token: %w", err)
		}
		value = string(b)
	}

	if err := m.storage.Set(ctx, m.key, value); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}
	return nil
}

// armLocked arms the expiry timer for tok. Callers make sure any previous
// timer is cancelled and that tok has not expired yet.
func (m *Manager) armLocked(tok *Token) {
	remaining, ok := tok.Remaining(m.clock.Now())
	if !ok {
		return
	}

	gen := m.gen
	m.timer = m.clock.AfterFunc(remaining, func() { m.expire(gen) })
	m.logger.Debug("expiry timer armed", "remaining", remaining)
}

func (m *Manager) cancelLocked() {
	m.timer.Stop()
	m.timer = nil
	m.gen++
}

// expire runs when the armed timer fires. Storage may be shared with
// other contexts, so the stored token is checked first: a token someone
// else stored in the meantime is adopted rather than removed.
func (m *Manager) expire(gen uint64) {
	ctx := context.Background()

	stored, err := m.Get(ctx)
	if err != nil {
		m.logger.Warn("failed to re-read token before expiry", "error", err)
	}
	if stored != nil && m.adopt(stored, gen) {
		return
	}

	if err := m.apply(ctx, nil, true, gen); err != nil {
		m.logger.Error("failed to clear expired token", "error", err)
	}
}

// adopt makes stored the in-memory token and re-arms the timer for it,
// without writing or announcing anything. It reports false when gen is
// stale, stored is the token already held, or stored has expired.
func (m *Manager) adopt(stored *Token, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || sameToken(stored, m.current) {
		return false
	}
	if remaining, ok := stored.Remaining(m.clock.Now()); ok && remaining <= 0 {
		return false
	}

	m.cancelLocked()
	m.current = stored
	m.armLocked(stored)
	m.logger.Debug("adopted token stored by another context")
	return true
}

// announce fires name in-process first, then tells other contexts.
func (m *Manager) announce(ctx context.Context, name string) {
	m.bus.TriggerEvent(name, events.Payload{App: m.app})

	if err := m.messenger.PushMessage(ctx, events.Message{Type: name}, events.PushOptions{}); err != nil {
		m.logger.Warn("failed to push token message", "type", name, "error", err)
	}
}

// onExpired reacts to tokenExpired announced by anyone, including other
// contexts: the in-memory token and its timer are dropped. Storage is
// not touched; the announcing side owns that.
func (m *Manager) onExpired(p events.Payload) {
	if p.App != nil && p.App.APIKey() != m.app.APIKey() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelLocked()
	m.current = nil
}

// onUpdated reloads the token when another context announces that it
// stored a new one, so this context's timer follows the shared value.
// Local announcements are ignored; apply already handled them.
func (m *Manager) onUpdated(p events.Payload) {
	if !p.Remote() || (p.App != nil && p.App.APIKey() != m.app.APIKey()) {
		return
	}

	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()

	stored, err := m.Get(context.Background())
	if err != nil {
		m.logger.Warn("failed to reload token announced by another context", "error", err)
		return
	}
	if stored != nil {
		m.adopt(stored, gen)
	}
}

// Get reads the token through from storage. Serialized and structured
// values are both accepted; a missing or malformed value yields nil.
// Storage failures are returned.
func (m *Manager) Get(ctx context.Context) (*Token, error) {
	v, err := m.storage.Get(ctx, m.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}

	tok, err := decodeStored(v)
	if err != nil {
		m.logger.Warn("ignoring malformed stored token", "key", m.key, "error", err)
		return nil, nil
	}
	return tok, nil
}

// Current returns a copy of the in-memory token without touching storage.
func (m *Manager) Current() *Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Clone()
}

// Authorization returns the Authorization header value for the stored
// token, or "" when there is none.
func (m *Manager) Authorization(ctx context.Context) (string, error) {
	tok, err := m.Get(ctx)
	if err != nil || tok == nil {
		return "", err
	}

	scheme := "Bearer"
	if tok.Type != "" && !strings.EqualFold(tok.Type, scheme) {
		scheme = tok.Type
	}
	return scheme + " " + tok.Value, nil
}

// Close cancels the expiry timer. The persisted token is kept.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
}

func decodeStored(v any) (*Token, error) {
	var data []byte
	switch val := v.(type) {
	case nil:
		return nil, nil
	case *Token:
		return checkValue(val.Clone())
	case Token:
		return checkValue(val.Clone())
	case string:
		data = []byte(val)
	case []byte:
		data = val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		data = b
	}

	if len(data) == 0 {
		return nil, nil
	}

	src, err := Decode(data)
	if err != nil {
		return nil, err
	}

	tok := Normalize(src)
	if tok == nil {
		return nil, nil
	}
	return checkValue(tok)
}

func sameToken(a, b *Token) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Value != b.Value {
		return false
	}
	if a.ExpireAt == nil || b.ExpireAt == nil {
		return a.ExpireAt == b.ExpireAt
	}
	return *a.ExpireAt == *b.ExpireAt
}

func checkValue(tok *Token) (*Token, error) {
	if tok.Value == "" {
		return nil, errors.New("stored token has no value")
	}
	return tok, nil
}

package token_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/appsdk/pkg/appctx"
	"github.com/aussiebroadwan/appsdk/pkg/clockx"
	"github.com/aussiebroadwan/appsdk/pkg/events"
	hub "github.com/aussiebroadwan/appsdk/pkg/events/drivers/memory"
	"github.com/aussiebroadwan/appsdk/pkg/storage"
	"github.com/aussiebroadwan/appsdk/pkg/storage/drivers/memory"
	"github.com/aussiebroadwan/appsdk/pkg/token"
)

var (
	start   = time.UnixMilli(1700000000000)
	errBoom = errors.New("boom")
)

// countingStore wraps the memory driver and counts writes.
type countingStore struct {
	*memory.Store

	mu      sync.Mutex
	sets    int
	removes int
	failGet error
	failSet error
}

func (s *countingStore) Get(ctx context.Context, key string) (any, error) {
	if s.failGet != nil {
		return nil, s.failGet
	}
	return s.Store.Get(ctx, key)
}

func (s *countingStore) Set(ctx context.Context, key string, value any) error {
	s.mu.Lock()
	s.sets++
	s.mu.Unlock()
	if s.failSet != nil {
		return s.failSet
	}
	return s.Store.Set(ctx, key, value)
}

func (s *countingStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	s.removes++
	s.mu.Unlock()
	return s.Store.Remove(ctx, key)
}

func (s *countingStore) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets + s.removes
}

type recordingMessenger struct {
	mu   sync.Mutex
	msgs []string
	err  error
}

func (r *recordingMessenger) PushMessage(_ context.Context, msg events.Message, _ events.PushOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg.Type)
	return r.err
}

func (r *recordingMessenger) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

type harness struct {
	app       *appctx.App
	store     *countingStore
	bus       *events.LocalBus
	messenger *recordingMessenger
	clock     *clockx.FakeClock

	mu     sync.Mutex
	events []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		app:       appctx.New("key-1"),
		store:     &countingStore{Store: memory.New()},
		bus:       events.NewLocalBus(),
		messenger: &recordingMessenger{},
		clock:     clockx.Fake(start),
	}
	for _, name := range []string{events.TokenExpired, events.TokenUpdated} {
		h.bus.AddEvent(name, func(p events.Payload) {
			if p.App.APIKey() != h.app.APIKey() {
				return
			}
			h.mu.Lock()
			defer h.mu.Unlock()
			h.events = append(h.events, name)
		})
	}
	return h
}

func (h *harness) manager(t *testing.T) *token.Manager {
	t.Helper()

	m, err := token.New(context.Background(), token.Config{
		App:       h.app,
		Storage:   h.store,
		Bus:       h.bus,
		Messenger: h.messenger,
		Clock:     h.clock,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func (h *harness) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func (h *harness) reset() {
	h.mu.Lock()
	h.events = nil
	h.mu.Unlock()

	h.messenger.mu.Lock()
	h.messenger.msgs = nil
	h.messenger.mu.Unlock()
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, err := token.New(ctx, token.Config{Storage: memory.New(), Bus: events.NewLocalBus()})
	require.ErrorIs(t, err, token.ErrNoApplication)

	_, err = token.New(ctx, token.Config{App: appctx.New("k"), Bus: events.NewLocalBus()})
	require.ErrorIs(t, err, token.ErrNoStorage)

	_, err = token.New(ctx, token.Config{App: appctx.New("k"), Storage: memory.New()})
	require.ErrorIs(t, err, token.ErrNoBus)
}

func TestStorageKeyIsNamespacedByAPIKey(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	m := h.manager(t)
	require.Equal(t, "auth-token-key-1", m.Key())

	require.NoError(t, m.Store(context.Background(), &token.Token{Value: "abc"}))
	v, err := h.store.Store.Get(context.Background(), "auth-token-key-1")
	require.NoError(t, err)
	require.NotNil(t, v)
}

func TestStoredExpiryIsNotRederived(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t)
	m := h.manager(t)

	require.NoError(t, m.Store(ctx, &token.IssuerResponse{
		AccessToken: "abc",
		TokenType:   "bearer",
		ExpiresIn:   token.Int64(3600),
	}))

	loaded, err := m.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, start.UnixMilli()+3_600_000, *loaded.ExpireAt)
	require.Equal(t, 1, h.clock.PendingCount())

	t.Run("storing the loaded token again keeps its expiry", func(t *testing.T) {
		h.clock.Advance(10 * time.Minute)
		require.NoError(t, m.Store(ctx, loaded))

		again, err := m.Get(ctx)
		require.NoError(t, err)
		require.Equal(t, *loaded.ExpireAt, *again.ExpireAt)
		require.Equal(t, 1, h.clock.PendingCount())
	})

	t.Run("a restarted manager restores the same schedule", func(t *testing.T) {
		m.Close()
		require.Equal(t, 0, h.clock.PendingCount())

		restarted := h.manager(t)
		require.Equal(t, *loaded.ExpireAt, *restarted.Current().ExpireAt)
		require.Equal(t, 1, h.clock.PendingCount())

		h.clock.Advance(50 * time.Minute)
		require.Nil(t, restarted.Current())

		gone, err := restarted.Get(ctx)
		require.NoError(t, err)
		require.Nil(t, gone)
	})
}

func TestExpiresInTakesPrecedenceOverSlidingWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t)
	m := h.manager(t)

	require.NoError(t, m.Store(ctx, &token.Token{
		Value:         "abc",
		ExpiresIn:     token.Int64(60),
		SlidingWindow: token.Int64(3600),
	}))

	tok, err := m.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, start.UnixMilli()+60_000, *tok.ExpireAt)
}

func TestSlidingWindowAloneSetsExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t)
	m := h.manager(t)

	require.NoError(t, m.Store(ctx, &token.Token{Value: "abc", SlidingWindow: token.Int64(600)}))
	require.Equal(t, start.UnixMilli()+600_000, *m.Current().ExpireAt)

	t.Run("touch slides the expiry from now", func(t *testing.T) {
		h.clock.Advance(5 * time.Minute)
		h.reset()

		require.NoError(t, m.Touch(ctx))
		require.Equal(t, start.Add(5*time.Minute).UnixMilli()+600_000, *m.Current().ExpireAt)
		require.Equal(t, 1, h.clock.PendingCount())
		require.Equal(t, []string{events.TokenUpdated}, h.seen())

		h.clock.Advance(9 * time.Minute)
		require.NotNil(t, m.Current(), "old expiry no longer applies")
	})
}

func TestTouchIgnoresNonSlidingTokens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t)
	m := h.manager(t)

	require.NoError(t, m.Touch(ctx))
	require.NoError(t, m.Store(ctx, &token.Token{Value: "abc", ExpiresIn: token.Int64(60)}))
	h.reset()

	require.NoError(t, m.Touch(ctx))
	require.Empty(t, h.seen())
	require.Equal(t, start.UnixMilli()+60_000, *m.Current().ExpireAt)
}

func TestAlreadyExpiredTokenClearsSynchronously(t *testing.T) {
	t.Parallel()

	for _, lifetime := range []int64{0, -5} {
		h := newHarness(t)
		m := h.manager(t)
		ctx := context.Background()

		require.NoError(t, m.Store(ctx, &token.Token{Value: "old", ExpiresIn: token.Int64(3600)}))
		h.reset()

		require.NoError(t, m.Store(ctx, &token.Token{Value: "abc", ExpiresIn: token.Int64(lifetime)}))

		require.Nil(t, m.Current())
		tok, err := m.Get(ctx)
		require.NoError(t, err)
		require.Nil(t, tok)
		require.Equal(t, 0, h.clock.PendingCount())
		require.Equal(t, []string{events.TokenExpired}, h.seen())
		require.Equal(t, []string{events.TokenExpired}, h.messenger.types())
	}
}

func TestOnlyOneTimerIsLive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t)
	m := h.manager(t)

	require.NoError(t, m.Store(ctx, &token.Token{Value: "first", ExpiresIn: token.Int64(60)}))
	require.NoError(t, m.Store(ctx, &token.Token{Value: "second", ExpiresIn: token.Int64(3600)}))
	require.Equal(t, 1, h.clock.PendingCount())

	h.reset()
	h.clock.Advance(61 * time.Second)
	require.Equal(t, "second", m.Current().Value)
	require.Empty(t, h.seen())

	h.clock.Advance(time.Hour)
	require.Nil(t, m.Current())
	require.Equal(t, []string{events.TokenExpired}, h.seen())
}

// The timer clears through the regular store path, so listeners hear
// about an expiry once rather than twice.
func TestTimerExpiryAnnouncesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t)
	m := h.manager(t)

	require.NoError(t, m.Store(ctx, &token.Token{Value: "abc", ExpiresIn: token.Int64(60)}))
	require.Equal(t, []string{events.TokenUpdated}, h.seen())
	h.reset()

	h.clock.Advance(60 * time.Second)

	require.Equal(t, []string{events.TokenExpired}, h.seen())
	require.Equal(t, []string{events.TokenExpired}, h.messenger.types())
	require.Equal(t, 0, h.clock.PendingCount())

	tok, err := m.Get(ctx)
	require.NoError(t, err)
	require.Nil(t, tok)
}

func TestTokenWithoutExpiryNeverExpires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t)
	m := h.manager(t)

	require.NoError(t, m.Store(ctx, &token.Token{Value: "abc"}))
	require.Equal(t, 0, h.clock.PendingCount())

	h.clock.Advance(365 * 24 * time.Hour)
	require.Equal(t, "abc", m.Current().Value)
}

func TestStoreNilClearsAndAnnounces(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t)
	m := h.manager(t)

	require.NoError(t, m.Store(ctx, &token.Token{Value: "abc", ExpiresIn: token.Int64(60)}))
	h.reset()

	require.NoError(t, m.Store(ctx, nil))
	require.Nil(t, m.Current())
	require.Equal(t, 0, h.clock.PendingCount())
	require.Equal(t, []string{events.TokenExpired}, h.seen())
	require.Equal(t, []string{events.TokenExpired}, h.messenger.types())
	require.Equal(t, 0, h.store.Len())
}

func TestExternalExpiryClearsMemoryOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t)
	m := h.manager(t)

	require.NoError(t, m.Store(ctx, &token.Token{Value: "abc", ExpiresIn: token.Int64(60)}))
	writes := h.store.writes()
	h.reset()

	h.bus.TriggerEvent(events.TokenExpired, events.Payload{
		App:     h.app,
		Message: &events.Message{Type: events.TokenExpired},
	})

	require.Nil(t, m.Current())
	require.Equal(t, 0, h.clock.PendingCount())
	require.Equal(t, writes, h.store.writes(), "no storage writes")
	require.Empty(t, h.messenger.types(), "nothing re-announced")

	h.clock.Advance(time.Hour)
	require.Equal(t, []string{events.TokenExpired}, h.seen(), "only the external event itself")
}

func TestExpiryOfAnotherApplicationIsIgnored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t)
	m := h.manager(t)
	require.NoError(t, m.Store(ctx, &token.Token{Value: "abc"}))

	h.bus.TriggerEvent(events.TokenExpired, events.Payload{App: appctx.New("key-2")})
	require.Equal(t, "abc", m.Current().Value)
}

func TestColdStart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("expired token is removed silently", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.Store.Set(ctx, "auth-token-key-1", &token.Token{
			Value:    "abc",
			ExpireAt: token.Int64(start.Add(-time.Second).UnixMilli()),
		}))

		m := h.manager(t)
		require.Nil(t, m.Current())
		require.Equal(t, 0, h.store.Len())
		require.Equal(t, 0, h.clock.PendingCount())
		require.Empty(t, h.seen())
		require.Empty(t, h.messenger.types())
	})

	t.Run("unexpired token arms its timer", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.Store.Set(ctx, "auth-token-key-1",
			`{"value":"abc","expireAt":`+itoa(start.Add(time.Minute).UnixMilli())+`}`))

		m := h.manager(t)
		require.Equal(t, "abc", m.Current().Value)
		require.Equal(t, 1, h.clock.PendingCount())
		require.Empty(t, h.seen())

		h.clock.Advance(time.Minute)
		require.Nil(t, m.Current())
		require.Equal(t, []string{events.TokenExpired}, h.seen())
	})

	t.Run("token without expiry is kept without a timer", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.Store.Set(ctx, "auth-token-key-1", &token.Token{Value: "abc", ExpiresIn: token.Int64(60)}))

		m := h.manager(t)
		require.Equal(t, "abc", m.Current().Value)
		require.Equal(t, 0, h.clock.PendingCount())
	})

	t.Run("storage failure is returned", func(t *testing.T) {
		h := newHarness(t)
		h.store.failGet = errBoom

		_, err := token.New(ctx, token.Config{App: h.app, Storage: h.store, Bus: h.bus})
		require.ErrorIs(t, err, errBoom)
	})
}

func TestGetAcceptsEveryStoredShape(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cases := []struct {
		name  string
		value any
		want  string
	}{
		{name: "structured pointer", value: &token.Token{Value: "abc"}, want: "abc"},
		{name: "structured value", value: token.Token{Value: "abc"}, want: "abc"},
		{name: "serialized string", value: `{"value":"abc","type":"bearer"}`, want: "abc"},
		{name: "serialized bytes", value: []byte(`{"value":"abc"}`), want: "abc"},
		{name: "generic record", value: map[string]any{"value": "abc"}, want: "abc"},
		{name: "raw issuer record", value: `{"access_token":"abc","expires_in":60}`, want: "abc"},
		{name: "malformed string", value: "not json", want: ""},
		{name: "empty string", value: "", want: ""},
		{name: "record without value", value: `{"type":"bearer"}`, want: ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			m := h.manager(t)

			require.NoError(t, h.store.Store.Set(ctx, m.Key(), tc.value))
			tok, err := m.Get(ctx)
			require.NoError(t, err)

			if tc.want == "" {
				require.Nil(t, tok)
				return
			}
			require.Equal(t, tc.want, tok.Value)
		})
	}
}

func TestStringOnlyBackendGetsJSON(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backend := memory.New(memory.WithStringValues())
	m, err := token.New(ctx, token.Config{
		App:     appctx.New("key-1"),
		Storage: backend,
		Bus:     events.NewLocalBus(),
		Clock:   clockx.Fake(start),
	})
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Store(ctx, &token.IssuerResponse{AccessToken: "abc", ExpiresIn: token.Int64(60)}))

	raw, err := backend.Get(ctx, m.Key())
	require.NoError(t, err)
	require.IsType(t, "", raw)
	require.JSONEq(t, `{"value":"abc","expiresIn":60,"expireAt":`+itoa(start.UnixMilli()+60_000)+`}`, raw.(string))

	tok, err := m.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "abc", tok.Value)
}

func TestStorageFailurePropagates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t)
	m := h.manager(t)
	require.NoError(t, m.Store(ctx, &token.Token{Value: "old", ExpiresIn: token.Int64(60)}))
	h.reset()

	h.store.failSet = errBoom
	err := m.Store(ctx, &token.Token{Value: "new", ExpiresIn: token.Int64(3600)})
	require.ErrorIs(t, err, errBoom)
	require.Empty(t, h.seen(), "nothing announced")
	require.Equal(t, "old", m.Current().Value)
	require.Equal(t, 1, h.clock.PendingCount())

	h.store.failGet = errBoom
	_, err = m.Get(ctx)
	require.ErrorIs(t, err, errBoom)
}

func TestMessengerFailureDoesNotFailStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t)
	h.messenger.err = errBoom
	m := h.manager(t)

	require.NoError(t, m.Store(ctx, &token.Token{Value: "abc"}))
	require.Equal(t, []string{events.TokenUpdated}, h.seen())
}

func TestAuthorization(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t)
	m := h.manager(t)

	header, err := m.Authorization(ctx)
	require.NoError(t, err)
	require.Empty(t, header)

	require.NoError(t, m.Store(ctx, &token.IssuerResponse{AccessToken: "abc", TokenType: "bearer"}))
	header, err = m.Authorization(ctx)
	require.NoError(t, err)
	require.Equal(t, "Bearer abc", header)

	require.NoError(t, m.Store(ctx, &token.Token{Value: "abc", Type: "MAC"}))
	header, err = m.Authorization(ctx)
	require.NoError(t, err)
	require.Equal(t, "MAC abc", header)
}

func TestExpiryPropagatesToOtherContexts(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shared := memory.New()
	clock := clockx.Fake(start)
	h := hub.NewHub()

	newContext := func() (*token.Manager, *hub.Peer) {
		app := appctx.New("key-1")
		bus := events.NewLocalBus()
		peer := h.Join(app.APIKey())
		t.Cleanup(func() { _ = peer.Close() })

		go func() { _ = peer.Listen(ctx, events.Relay(bus, app)) }()

		m, err := token.New(ctx, token.Config{App: app, Storage: shared, Bus: bus, Messenger: peer, Clock: clock})
		require.NoError(t, err)
		t.Cleanup(m.Close)
		return m, peer
	}

	first, _ := newContext()
	require.NoError(t, first.Store(ctx, &token.Token{Value: "abc", ExpiresIn: token.Int64(3600)}))

	second, _ := newContext()
	require.Equal(t, "abc", second.Current().Value)
	require.Equal(t, 2, clock.PendingCount())

	require.NoError(t, first.Store(ctx, nil))

	require.Eventually(t, func() bool { return second.Current() == nil }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return clock.PendingCount() == 0 }, time.Second, 5*time.Millisecond)

	_, err := shared.Get(ctx, second.Key())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

// sharedContexts returns a constructor for managers of one application
// that share storage and a clock but not a bus, like separate processes
// behind one redis.
func sharedContexts(t *testing.T) (*clockx.FakeClock, func() (*token.Manager, *events.LocalBus)) {
	t.Helper()

	shared := memory.New(memory.WithStringValues())
	clock := clockx.Fake(start)
	return clock, func() (*token.Manager, *events.LocalBus) {
		bus := events.NewLocalBus()
		m, err := token.New(context.Background(), token.Config{
			App:     appctx.New("key-1"),
			Storage: shared,
			Bus:     bus,
			Clock:   clock,
		})
		require.NoError(t, err)
		t.Cleanup(m.Close)
		return m, bus
	}
}

func TestStaleTimerKeepsNewerSharedToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	clock, newContext := sharedContexts(t)

	a, _ := newContext()
	require.NoError(t, a.Store(ctx, &token.Token{Value: "t1", ExpiresIn: token.Int64(3600)}))

	b, busB := newContext()
	require.Equal(t, "t1", b.Current().Value)

	expired := 0
	busB.AddEvent(events.TokenExpired, func(events.Payload) { expired++ })

	clock.Advance(30 * time.Minute)
	require.NoError(t, a.Store(ctx, &token.Token{Value: "t2", ExpiresIn: token.Int64(3600)}))

	clock.Advance(31 * time.Minute)

	tok, err := a.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, tok, "the newer token is still stored")
	require.Equal(t, "t2", tok.Value)
	require.Equal(t, "t2", a.Current().Value)
	require.Equal(t, "t2", b.Current().Value, "b follows the newer token")
	require.Zero(t, expired)

	clock.Advance(30 * time.Minute)
	require.Nil(t, a.Current())
	require.Nil(t, b.Current())
	require.Equal(t, 1, expired)

	tok, err = a.Get(ctx)
	require.NoError(t, err)
	require.Nil(t, tok)
}

func TestRemoteUpdateReloadsSharedToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	clock, newContext := sharedContexts(t)

	a, _ := newContext()
	require.NoError(t, a.Store(ctx, &token.Token{Value: "t1", ExpiresIn: token.Int64(3600)}))
	b, busB := newContext()

	clock.Advance(30 * time.Minute)
	require.NoError(t, a.Store(ctx, &token.Token{Value: "t2", ExpiresIn: token.Int64(3600)}))

	t.Run("local announcements are ignored", func(t *testing.T) {
		busB.TriggerEvent(events.TokenUpdated, events.Payload{App: appctx.New("key-1")})
		require.Equal(t, "t1", b.Current().Value)
	})

	t.Run("other applications are ignored", func(t *testing.T) {
		busB.TriggerEvent(events.TokenUpdated, events.Payload{
			App:     appctx.New("key-2"),
			Message: &events.Message{Type: events.TokenUpdated},
		})
		require.Equal(t, "t1", b.Current().Value)
	})

	busB.TriggerEvent(events.TokenUpdated, events.Payload{
		App:     appctx.New("key-1"),
		Message: &events.Message{Type: events.TokenUpdated},
	})
	require.Equal(t, "t2", b.Current().Value)
	require.Equal(t, 2, clock.PendingCount(), "one timer per context")

	clock.Advance(31 * time.Minute)
	require.Equal(t, "t2", b.Current().Value)
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

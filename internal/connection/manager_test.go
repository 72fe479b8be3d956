package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaebz/magic-mcp/internal/bus"
	apperrors "github.com/vaebz/magic-mcp/internal/pkg/errors"
	"github.com/vaebz/magic-mcp/internal/pkg/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingRecorder struct {
	mu         sync.Mutex
	opened     int
	closed     map[string]int
	heartbeats int
}

func (r *countingRecorder) ConnectionOpened() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened++
}

func (r *countingRecorder) ConnectionClosed(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed == nil {
		r.closed = make(map[string]int)
	}
	r.closed[reason]++
}

func (r *countingRecorder) HeartbeatReceived() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats++
}

// brokenRegistry fails every call the way an unreachable store does.
type brokenRegistry struct{}

var errStoreDown = apperrors.RegistryUnavailableError("test", errors.New("connection refused"))

func (brokenRegistry) Insert(context.Context, *Record) error { return errStoreDown }
func (brokenRegistry) Get(context.Context, string) (*Record, error) {
	return nil, errStoreDown
}
func (brokenRegistry) GetByContext(context.Context, string) ([]*Record, error) {
	return nil, errStoreDown
}
func (brokenRegistry) GetAllActive(context.Context) ([]*Record, error) { return nil, errStoreDown }
func (brokenRegistry) MarkHeartbeat(context.Context, string, time.Time) (bool, error) {
	return false, errStoreDown
}
func (brokenRegistry) MarkInactive(context.Context, string, time.Time) (bool, error) {
	return false, errStoreDown
}

type managerFixture struct {
	manager  *Manager
	registry *MemoryRegistry
	clock    *fakeClock
	recorder *countingRecorder
	events   chan bus.Event
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	eventBus := bus.NewMemoryBus()
	t.Cleanup(func() { _ = eventBus.Close() })

	events := make(chan bus.Event, 16)
	for _, topic := range []string{bus.TopicConnectionConnected, bus.TopicConnectionDisconnected, bus.TopicConnectionEvicted} {
		require.NoError(t, eventBus.Subscribe(context.Background(), topic, func(ctx context.Context, e bus.Event) error {
			events <- e
			return nil
		}))
	}

	f := &managerFixture{
		registry: NewMemoryRegistry(),
		clock:    &fakeClock{now: base},
		recorder: &countingRecorder{},
		events:   events,
	}
	f.manager = NewManager(f.registry, eventBus, logger.Discard(),
		WithClock(f.clock.Now),
		WithRecorder(f.recorder),
	)
	return f
}

func (f *managerFixture) nextEvent(t *testing.T) bus.Event {
	t.Helper()
	select {
	case e := <-f.events:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for lifecycle event")
		return bus.Event{}
	}
}

func TestManager_OnConnect(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	rec, err := f.manager.OnConnect(ctx, ConnectRequest{
		ConnectionID: "conn-1",
		Metadata:     ClientMetadata{ClientType: "web", Region: "eu-west-1"},
		Roles:        []string{"viewer"},
	})
	require.NoError(t, err)

	assert.Equal(t, DefaultContext, rec.Context)
	assert.True(t, rec.IsActive)
	assert.True(t, rec.CreatedAt.Equal(base))
	assert.True(t, rec.LastHeartbeatAt.Equal(base))
	assert.Equal(t, []string{"viewer"}, rec.Roles)
	assert.Equal(t, 1, f.recorder.opened)

	event := f.nextEvent(t)
	assert.Equal(t, bus.TopicConnectionConnected, event.Type)
	assert.Equal(t, "conn-1", event.Key)
	var payload LifecyclePayload
	require.NoError(t, bus.DecodePayload(event, &payload))
	assert.Equal(t, "conn-1", payload.ConnectionID)
	assert.Equal(t, DefaultContext, payload.Context)
	require.NotNil(t, payload.Metadata)
	assert.Equal(t, "eu-west-1", payload.Metadata.Region)
}

func TestManager_OnConnectDuplicateIsRejected(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	_, err := f.manager.OnConnect(ctx, ConnectRequest{ConnectionID: "conn-1", Context: "t1"})
	require.NoError(t, err)

	_, err = f.manager.OnConnect(ctx, ConnectRequest{ConnectionID: "conn-1", Context: "t2"})
	assert.True(t, apperrors.IsAlreadyActive(err), "err = %v", err)

	got, err := f.registry.Get(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.Context)
}

func TestManager_OnConnectValidation(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  ConnectRequest
	}{
		{"empty id", ConnectRequest{}},
		{"id with spaces", ConnectRequest{ConnectionID: "conn 1"}},
		{"bad context", ConnectRequest{ConnectionID: "conn-1", Context: "has space"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.manager.OnConnect(ctx, tt.req)
			assert.True(t, apperrors.IsValidation(err), "err = %v", err)
		})
	}
	assert.Zero(t, f.registry.Len())
}

func TestManager_OnDisconnect(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	_, err := f.manager.OnConnect(ctx, ConnectRequest{ConnectionID: "a", Context: "t1"})
	require.NoError(t, err)
	_, err = f.manager.OnConnect(ctx, ConnectRequest{ConnectionID: "b", Context: "t1"})
	require.NoError(t, err)
	f.nextEvent(t)
	f.nextEvent(t)

	f.clock.Advance(time.Second)
	require.NoError(t, f.manager.OnDisconnect(ctx, "a"))

	event := f.nextEvent(t)
	assert.Equal(t, bus.TopicConnectionDisconnected, event.Type)

	active, err := f.registry.GetByContext(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(active))

	got, err := f.registry.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got.DisconnectedAt)
	assert.True(t, got.DisconnectedAt.Equal(base.Add(time.Second)))

	// Repeated and unknown disconnects are not errors and change nothing.
	require.NoError(t, f.manager.OnDisconnect(ctx, "a"))
	require.NoError(t, f.manager.OnDisconnect(ctx, "never-seen"))
	assert.Equal(t, 1, f.recorder.closed[ReasonClient])
}

func TestManager_ReconnectAfterDisconnect(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	_, err := f.manager.OnConnect(ctx, ConnectRequest{ConnectionID: "a"})
	require.NoError(t, err)
	require.NoError(t, f.manager.OnDisconnect(ctx, "a"))

	rec, err := f.manager.OnConnect(ctx, ConnectRequest{ConnectionID: "a", Context: "t2"})
	require.NoError(t, err)
	assert.Equal(t, "t2", rec.Context)
}

func TestManager_EvictHook(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	var evicted []string
	m := NewManager(reg, nil, logger.Discard(), WithEvictHook(func(id, reason string) {
		evicted = append(evicted, id+"/"+reason)
	}))

	for _, id := range []string{"a", "b"} {
		_, err := m.OnConnect(ctx, ConnectRequest{ConnectionID: id})
		require.NoError(t, err)
	}

	require.NoError(t, m.OnDisconnect(ctx, "a"))
	_, err := m.Evict(ctx, "b", ReasonStale)
	require.NoError(t, err)
	_, err = m.Evict(ctx, "b", ReasonStale)
	require.NoError(t, err)

	assert.Equal(t, []string{"b/stale"}, evicted, "client disconnects and repeat evictions do not fire the hook")
}

func TestManager_Evict(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	_, err := f.manager.OnConnect(ctx, ConnectRequest{ConnectionID: "a"})
	require.NoError(t, err)
	f.nextEvent(t)

	evicted, err := f.manager.Evict(ctx, "a", ReasonGone)
	require.NoError(t, err)
	assert.True(t, evicted)

	event := f.nextEvent(t)
	assert.Equal(t, bus.TopicConnectionEvicted, event.Type)
	var payload LifecyclePayload
	require.NoError(t, bus.DecodePayload(event, &payload))
	assert.Equal(t, ReasonGone, payload.Reason)

	evicted, err = f.manager.Evict(ctx, "a", ReasonGone)
	require.NoError(t, err)
	assert.False(t, evicted)
	assert.Equal(t, 1, f.recorder.closed[ReasonGone])
}

func TestManager_OnHeartbeat(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	_, err := f.manager.OnConnect(ctx, ConnectRequest{ConnectionID: "a"})
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	at, err := f.manager.OnHeartbeat(ctx, "a")
	require.NoError(t, err)
	assert.True(t, at.Equal(base.Add(30*time.Second)))

	got, err := f.registry.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, got.LastHeartbeatAt.Equal(at))

	_, err = f.manager.OnHeartbeat(ctx, "unknown")
	assert.NoError(t, err, "late heartbeats are ignored")

	require.NoError(t, f.manager.OnDisconnect(ctx, "a"))
	_, err = f.manager.OnHeartbeat(ctx, "a")
	require.NoError(t, err)

	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	assert.Equal(t, 1, f.recorder.heartbeats, "ignored heartbeats are not counted")
}

func TestManager_HandleMessage(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	_, err := f.manager.OnConnect(ctx, ConnectRequest{ConnectionID: "a"})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	t.Run("ping is a heartbeat", func(t *testing.T) {
		reply, err := f.manager.HandleMessage(ctx, "a", []byte(`{"action":"ping"}`))
		require.NoError(t, err)
		assert.Equal(t, "pong", reply.Message)
		assert.True(t, reply.Timestamp.Equal(base.Add(time.Minute)))

		got, err := f.registry.Get(ctx, "a")
		require.NoError(t, err)
		assert.True(t, got.LastHeartbeatAt.Equal(base.Add(time.Minute)))
	})

	t.Run("other messages are acknowledged", func(t *testing.T) {
		reply, err := f.manager.HandleMessage(ctx, "a", []byte(`{"action":"hello","n":1}`))
		require.NoError(t, err)
		assert.Equal(t, "Message received", reply.Message)
		assert.Equal(t, map[string]any{"action": "hello", "n": float64(1)}, reply.Data)
	})

	t.Run("empty body is an empty object", func(t *testing.T) {
		reply, err := f.manager.HandleMessage(ctx, "a", []byte("  "))
		require.NoError(t, err)
		assert.Equal(t, "Message received", reply.Message)
		assert.Equal(t, map[string]any{}, reply.Data)
	})

	t.Run("malformed body is invalid", func(t *testing.T) {
		for _, body := range []string{`{"action":`, `[1,2]`, `"ping"`} {
			_, err := f.manager.HandleMessage(ctx, "a", []byte(body))
			assert.True(t, apperrors.IsInvalidMessage(err), "body %q: err = %v", body, err)
		}

		got, err := f.registry.Get(ctx, "a")
		require.NoError(t, err)
		assert.True(t, got.IsActive, "invalid messages never evict")
	})
}

func TestManager_RegistryUnavailable(t *testing.T) {
	m := NewManager(brokenRegistry{}, nil, logger.Discard())
	ctx := context.Background()

	_, err := m.OnConnect(ctx, ConnectRequest{ConnectionID: "a"})
	assert.True(t, apperrors.IsRegistryUnavailable(err))

	assert.True(t, apperrors.IsRegistryUnavailable(m.OnDisconnect(ctx, "a")))

	_, err = m.OnHeartbeat(ctx, "a")
	assert.True(t, apperrors.IsRegistryUnavailable(err))

	_, err = m.HandleMessage(ctx, "a", []byte(`{"action":"ping"}`))
	assert.True(t, apperrors.IsRegistryUnavailable(err))
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaebz/magic-mcp/internal/broadcast"
	"github.com/vaebz/magic-mcp/internal/bus"
	"github.com/vaebz/magic-mcp/internal/component"
	"github.com/vaebz/magic-mcp/internal/connection"
	"github.com/vaebz/magic-mcp/internal/metrics"
	apperrors "github.com/vaebz/magic-mcp/internal/pkg/errors"
	"github.com/vaebz/magic-mcp/internal/pkg/logger"
	"github.com/vaebz/magic-mcp/internal/transport"
)

type testEnv struct {
	server   *httptest.Server
	registry *connection.MemoryRegistry
	manager  *connection.Manager
	hub      *transport.Hub
}

func newTestEnv(t *testing.T, cfg Config, registry connection.Registry) *testEnv {
	t.Helper()

	log := logger.Discard()
	eventBus := bus.NewMemoryBus()
	t.Cleanup(func() { _ = eventBus.Close() })

	mem, _ := registry.(*connection.MemoryRegistry)
	if registry == nil {
		mem = connection.NewMemoryRegistry()
		registry = mem
	}

	m := metrics.New()
	hub := transport.NewHub(time.Second, log)
	manager := connection.NewManager(registry, eventBus, log,
		connection.WithRecorder(m),
		connection.WithEvictHook(hub.Disconnect),
	)
	engine := broadcast.NewEngine(registry, hub, manager,
		broadcast.Config{BatchSize: 10, RetryLimit: 2, BaseDelay: time.Millisecond}, log,
		broadcast.WithRecorder(m))
	require.NoError(t, broadcast.NewRelay(engine, log).Subscribe(context.Background(), eventBus))

	srv := New(cfg, Deps{
		Manager:    manager,
		Broadcast:  engine,
		Components: component.NewService(component.NewMemoryStorage(), eventBus, log),
		Hub:        hub,
		Metrics:    m,
	}, log)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hub.CloseAll()
		ts.Close()
		if srv.limiter != nil {
			srv.limiter.Stop()
		}
	})
	return &testEnv{server: ts, registry: mem, manager: manager, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (e *testEnv) dial(t *testing.T, query string) (*websocket.Conn, welcome) {
	t.Helper()

	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var hello welcome
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&hello))
	require.NotEmpty(t, hello.ConnectionID)
	return conn, hello
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var out map[string]any
	require.NoError(t, conn.ReadJSON(&out))
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Config{Version: "1.2.3"}, nil)

	resp, body := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","version":"1.2.3"}`, string(body))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, _ = env.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

type unreachableRegistry struct {
	*connection.MemoryRegistry
}

func (unreachableRegistry) Ping(context.Context) error {
	return errors.New("dial tcp: connection refused")
}

func TestReady_RegistryDown(t *testing.T) {
	env := newTestEnv(t, Config{}, unreachableRegistry{connection.NewMemoryRegistry()})

	resp, body := env.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "registry unreachable")
	assert.NotContains(t, string(body), "refused")
}

func TestConnectionSignals(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	resp, body := env.do(t, http.MethodPost, "/v1/connections", map[string]any{
		"connectionId":   "conn-1",
		"clientContext":  "t1",
		"clientMetadata": map[string]any{"clientType": "web"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var rec connection.Record
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, "conn-1", rec.ID)
	assert.Equal(t, "t1", rec.Context)
	assert.True(t, rec.IsActive)

	t.Run("duplicate connect conflicts", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/v1/connections", map[string]any{"connectionId": "conn-1"})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Contains(t, string(body), "ALREADY_ACTIVE")
	})

	t.Run("invalid connect", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/v1/connections", map[string]any{"connectionId": ""})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp, _ = env.do(t, http.MethodPost, "/v1/connections", "{")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("list and get", func(t *testing.T) {
		env.do(t, http.MethodPost, "/v1/connections", map[string]any{"connectionId": "conn-2", "clientContext": "t2"})

		resp, body := env.do(t, http.MethodGet, "/v1/connections?context=t1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var list connectionList
		require.NoError(t, json.Unmarshal(body, &list))
		require.Equal(t, 1, list.Count)
		assert.Equal(t, "conn-1", list.Connections[0].ID)

		resp, body = env.do(t, http.MethodGet, "/v1/connections", nil)
		require.NoError(t, json.Unmarshal(body, &list))
		assert.Equal(t, 2, list.Count)

		resp, _ = env.do(t, http.MethodGet, "/v1/connections/conn-2", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp, _ = env.do(t, http.MethodGet, "/v1/connections/nope", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("messages", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/v1/connections/conn-1/messages", `{"action":"ping"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), `"message":"pong"`)

		resp, body = env.do(t, http.MethodPost, "/v1/connections/conn-1/messages", `{"hello":"world"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), `"message":"Message received"`)
		assert.Contains(t, string(body), `"hello":"world"`)

		resp, body = env.do(t, http.MethodPost, "/v1/connections/conn-1/messages", `not json`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, string(body), "Invalid message format")

		resp, _ = env.do(t, http.MethodPost, "/v1/connections/conn-1/heartbeat", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("disconnect", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodDelete, "/v1/connections/conn-1", nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		rec, err := env.registry.Get(context.Background(), "conn-1")
		require.NoError(t, err)
		assert.False(t, rec.IsActive)

		resp, body := env.do(t, http.MethodGet, "/v1/connections?context=t1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), `"count":0`)
	})
}

func TestBroadcast_UnattachedConnectionsAreEvicted(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	env.do(t, http.MethodPost, "/v1/connections", map[string]any{"connectionId": "http-only", "clientContext": "t1"})

	resp, body := env.do(t, http.MethodPost, "/v1/broadcasts", map[string]any{
		"event":         "notice",
		"data":          map[string]any{"text": "hi"},
		"targetContext": "t1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var summary broadcast.Summary
	require.NoError(t, json.Unmarshal(body, &summary))
	assert.Equal(t, broadcast.Summary{Targeted: 1, Evicted: 1, Batches: 1}, summary)

	rec, err := env.registry.Get(context.Background(), "http-only")
	require.NoError(t, err)
	assert.False(t, rec.IsActive)
}

func TestBroadcast_InvalidRequest(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	resp, body := env.do(t, http.MethodPost, "/v1/broadcasts", map[string]any{"data": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "VALIDATION_ERROR")

	resp, _ = env.do(t, http.MethodPost, "/v1/broadcasts", map[string]any{"event": "x", "batchSize": 100000})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocket_Lifecycle(t *testing.T) {
	env := newTestEnv(t, Config{PingInterval: time.Second}, nil)

	conn, hello := env.dial(t, "clientContext=t1&clientType=web&region=eu-west-1&capabilities=preview,%20live")
	assert.Equal(t, "t1", hello.Context)

	rec, err := env.registry.Get(context.Background(), hello.ConnectionID)
	require.NoError(t, err)
	assert.True(t, rec.IsActive)
	assert.Equal(t, "web", rec.Metadata.ClientType)
	assert.Equal(t, []string{"preview", "live"}, rec.Metadata.Capabilities)

	t.Run("broadcast reaches the socket", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/v1/broadcasts", map[string]any{
			"event":           "notice",
			"data":            map[string]any{"text": "hi"},
			"targetContext":   "t1",
			"includeMetadata": true,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		assert.Contains(t, string(body), `"delivered":1`)

		frame := readFrame(t, conn)
		assert.Equal(t, "notice", frame["event"])
		assert.Equal(t, map[string]any{"text": "hi"}, frame["data"])
		md := frame["metadata"].(map[string]any)["clientMetadata"].(map[string]any)
		assert.Equal(t, "eu-west-1", md["region"])
	})

	t.Run("ping message", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"ping"}`)))
		assert.Equal(t, "pong", readFrame(t, conn)["message"])
	})

	t.Run("invalid message keeps the socket open", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{{`)))
		assert.Equal(t, "Invalid message format", readFrame(t, conn)["message"])

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"n":1}`)))
		assert.Equal(t, "Message received", readFrame(t, conn)["message"])
	})

	t.Run("close marks inactive", func(t *testing.T) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()

		require.Eventually(t, func() bool {
			rec, err := env.registry.Get(context.Background(), hello.ConnectionID)
			return err == nil && !rec.IsActive
		}, 2*time.Second, 10*time.Millisecond)
		require.Eventually(t, func() bool { return env.hub.Len() == 0 }, time.Second, 10*time.Millisecond)
	})
}

func TestWebSocket_InvalidContextIsRejected(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws?clientContext=a%20b"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, env.registry.Len())
}

// afterInsertRegistry calls after once a record is stored, while the
// connect handler is still between registration and its welcome frame.
type afterInsertRegistry struct {
	*connection.MemoryRegistry
	after func(id string)
}

func (r *afterInsertRegistry) Insert(ctx context.Context, rec *connection.Record) error {
	if err := r.MemoryRegistry.Insert(ctx, rec); err != nil {
		return err
	}
	if r.after != nil {
		r.after(rec.ID)
	}
	return nil
}

func TestWebSocket_BroadcastDuringRegistration(t *testing.T) {
	reg := &afterInsertRegistry{MemoryRegistry: connection.NewMemoryRegistry()}
	env := newTestEnv(t, Config{PingInterval: time.Second}, reg)

	summaries := make(chan string, 1)
	reg.after = func(string) {
		resp, err := http.Post(env.server.URL+"/v1/broadcasts", "application/json",
			strings.NewReader(`{"event":"notice","targetContext":"t1"}`))
		if err != nil {
			summaries <- err.Error()
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		summaries <- string(body)
	}

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws?clientContext=t1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var summary broadcast.Summary
	select {
	case body := <-summaries:
		require.NoError(t, json.Unmarshal([]byte(body), &summary), body)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast did not run")
	}
	assert.Equal(t, 1, summary.Delivered)
	assert.Zero(t, summary.Evicted)

	var id string
	var sawNotice bool
	for range 2 {
		frame := readFrame(t, conn)
		if frame["event"] == "notice" {
			sawNotice = true
		}
		if v, ok := frame["connectionId"].(string); ok {
			id = v
		}
	}
	assert.True(t, sawNotice, "broadcast frame delivered")
	require.NotEmpty(t, id, "welcome frame delivered")

	rec, err := reg.Get(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, rec.IsActive)
}

func TestWebSocket_EvictionClosesSocket(t *testing.T) {
	env := newTestEnv(t, Config{PingInterval: time.Second}, nil)
	conn, hello := env.dial(t, "clientContext=t1")

	evicted, err := env.manager.Evict(context.Background(), hello.ConnectionID, connection.ReasonStale)
	require.NoError(t, err)
	require.True(t, evicted)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	require.Eventually(t, func() bool { return env.hub.Len() == 0 }, time.Second, 10*time.Millisecond)
}

type failingInsertRegistry struct {
	*connection.MemoryRegistry
}

func (failingInsertRegistry) Insert(context.Context, *connection.Record) error {
	return apperrors.RegistryUnavailableError("insert", errors.New("connection refused"))
}

func TestWebSocket_RegistrationFailureClosesSocket(t *testing.T) {
	env := newTestEnv(t, Config{}, failingInsertRegistry{connection.NewMemoryRegistry()})

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws?clientContext=t1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)
	require.Eventually(t, func() bool { return env.hub.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestComponents_ChangesAreBroadcast(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	inT1, _ := env.dial(t, "clientContext=t1")
	inT2, _ := env.dial(t, "clientContext=t2")

	resp, body := env.do(t, http.MethodPost, "/v1/components", map[string]any{
		"id":      "hero",
		"type":    "button",
		"content": map[string]any{"label": "Buy", "action": "buy"},
		"context": "t1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	frame := readFrame(t, inT1)
	assert.Equal(t, "componentCreate", frame["event"])
	data := frame["data"].(map[string]any)
	assert.Equal(t, "create", data["action"])
	assert.Equal(t, "hero", data["component"].(map[string]any)["id"])

	require.NoError(t, inT2.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := inT2.ReadMessage()
	assert.Error(t, err, "other contexts receive nothing")
}

func TestComponents_CRUD(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	resp, body := env.do(t, http.MethodPost, "/v1/components", map[string]any{
		"id": "card-1", "type": "card", "content": map[string]any{"title": "Hello"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = env.do(t, http.MethodPost, "/v1/components", map[string]any{
		"type": "button", "content": map[string]any{"label": "x"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "Missing required field: action")

	resp, body = env.do(t, http.MethodPut, "/v1/components/card-1", map[string]any{
		"content": map[string]any{"title": "Updated", "subtitle": "Sub"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), "Updated")

	resp, body = env.do(t, http.MethodGet, "/v1/components?type=card", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"count":1`)

	resp, _ = env.do(t, http.MethodGet, "/v1/components/card-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/v1/components/card-1", nil)
	require.NoError(t, err)
	req.Header.Set("If-None-Match", etag)
	cached, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	cached.Body.Close()
	assert.Equal(t, http.StatusNotModified, cached.StatusCode)

	resp, _ = env.do(t, http.MethodDelete, "/v1/components/card-1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/v1/components/card-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestComponents_Preview(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	resp, body := env.do(t, http.MethodPost, "/v1/components/preview", map[string]any{
		"components": []any{map[string]any{"type": "button", "content": map[string]any{"label": "Go", "action": "go"}}},
		"layout":     map[string]any{"type": "grid", "columns": 2},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), ">Go</button>")
	assert.Contains(t, string(body), "repeat(2, 1fr)")
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, Config{RateLimit: 1}, nil)

	codes := make([]int, 0, 3)
	for i := range 3 {
		resp, _ := env.do(t, http.MethodPost, "/v1/connections", map[string]any{"connectionId": "c" + string(rune('a'+i))})
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusCreated, http.StatusCreated, http.StatusTooManyRequests}, codes)

	resp, _ := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "probes are not limited")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	env.do(t, http.MethodPost, "/v1/connections", map[string]any{"connectionId": "m1"})

	resp, body := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "magic_connects_total 1")
	assert.Contains(t, string(body), `magic_http_requests_total{method="POST",path="/v1/connections",status="201"} 1`)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, Config{CORSOrigins: "https://app.example.com"}, nil)

	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/v1/components", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

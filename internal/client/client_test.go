package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vaebz/magic-mcp/internal/broadcast"
	"github.com/vaebz/magic-mcp/internal/component"
	"github.com/vaebz/magic-mcp/internal/connection"
	"github.com/vaebz/magic-mcp/internal/pkg/logger"
	"github.com/vaebz/magic-mcp/internal/pkg/retry"
	"github.com/vaebz/magic-mcp/internal/server"
	"github.com/vaebz/magic-mcp/internal/transport"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.BaseURL != "http://localhost:8080" {
		t.Errorf("BaseURL = %q, want %q", cfg.BaseURL, "http://localhost:8080")
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want %v", cfg.Timeout, 30*time.Second)
	}
	if cfg.Retry.Attempts != 3 {
		t.Errorf("Retry.Attempts = %d, want 3", cfg.Retry.Attempts)
	}
}

func TestClientNew(t *testing.T) {
	t.Run("default config", func(t *testing.T) {
		c := New(Config{})
		if c.baseURL != "http://localhost:8080" {
			t.Errorf("baseURL = %q, want %q", c.baseURL, "http://localhost:8080")
		}
		if !strings.HasPrefix(c.ConnectionID(), "cli-") {
			t.Errorf("ConnectionID() = %q, want cli- prefix", c.ConnectionID())
		}
	})

	t.Run("custom config", func(t *testing.T) {
		c := New(Config{
			BaseURL:      "http://custom:9000/",
			Timeout:      60 * time.Second,
			ConnectionID: "fixed",
		})
		if c.baseURL != "http://custom:9000" {
			t.Errorf("baseURL = %q, want %q", c.baseURL, "http://custom:9000")
		}
		if c.ConnectionID() != "fixed" {
			t.Errorf("ConnectionID() = %q, want fixed", c.ConnectionID())
		}
	})
}

func TestGenerateConnectionID_Stable(t *testing.T) {
	a, b := GenerateConnectionID(), GenerateConnectionID()
	if a != b {
		t.Errorf("GenerateConnectionID not stable: %s != %s", a, b)
	}
	if len(a) != len("cli-")+16 {
		t.Errorf("len(GenerateConnectionID()) = %d, want %d", len(a), len("cli-")+16)
	}
}

func TestClientBroadcast_RequestShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/broadcasts" || r.Method != http.MethodPost {
			t.Errorf("request = %s %s, want POST /v1/broadcasts", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		var got map[string]any
		if err := json.Unmarshal(body, &got); err != nil {
			t.Fatalf("bad body: %v", err)
		}
		if got["event"] != "notice" || got["targetContext"] != "t1" {
			t.Errorf("body = %s", body)
		}
		if _, ok := got["batchSize"]; ok {
			t.Errorf("zero batchSize should be omitted: %s", body)
		}
		_ = json.NewEncoder(w).Encode(broadcast.Summary{Targeted: 3, Delivered: 3, Batches: 1})
	}))
	defer srv.Close()

	summary, err := New(Config{BaseURL: srv.URL}).Broadcast(context.Background(), BroadcastRequest{
		Event:         "notice",
		Data:          map[string]any{"n": 1},
		TargetContext: "t1",
	})
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if summary.Delivered != 3 {
		t.Errorf("Delivered = %d, want 3", summary.Delivered)
	}
}

func TestClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/components/missing":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"component not found","code":"NOT_FOUND","message":"component not found","details":{"id":"missing"}}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down\n"))
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})

	_, err := c.GetComponent(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "NOT_FOUND" || apiErr.Details["id"] != "missing" {
		t.Errorf("APIError = %+v", apiErr)
	}

	_, err = c.Health(context.Background())
	if err == nil || errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want plain HTTP error", err)
	}
	if !strings.Contains(err.Error(), "HTTP 502: upstream down") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestClientRetriesUnavailable(t *testing.T) {
	var ready, broadcasts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/readyz":
			if ready.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"code":"REGISTRY_UNAVAILABLE","message":"registry unavailable"}`))
				return
			}
			_, _ = w.Write([]byte(`{"status":"ready"}`))
		case "/v1/broadcasts":
			broadcasts.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"REGISTRY_UNAVAILABLE","message":"registry unavailable"}`))
		}
	}))
	defer srv.Close()

	c := New(Config{
		BaseURL: srv.URL,
		Retry:   retry.Policy{Attempts: 3, BaseDelay: time.Millisecond},
	})

	resp, err := c.Ready(context.Background())
	if err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	if resp.Status != "ready" {
		t.Errorf("Status = %q, want ready", resp.Status)
	}
	if got := ready.Load(); got != 3 {
		t.Errorf("readyz calls = %d, want 3", got)
	}

	_, err = c.Broadcast(context.Background(), BroadcastRequest{Event: "notice"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "REGISTRY_UNAVAILABLE" {
		t.Fatalf("Broadcast() error = %v, want REGISTRY_UNAVAILABLE", err)
	}
	if got := broadcasts.Load(); got != 1 {
		t.Errorf("broadcast calls = %d, want 1", got)
	}
}

// TestClientAgainstServer drives the real router so request and response
// shapes stay in sync with the handlers.
func TestClientAgainstServer(t *testing.T) {
	log := logger.Discard()
	registry := connection.NewMemoryRegistry()
	manager := connection.NewManager(registry, nil, log)
	hub := transport.NewHub(time.Second, log)
	engine := broadcast.NewEngine(registry, hub, manager, broadcast.Config{BaseDelay: time.Millisecond}, log)

	srv := httptest.NewServer(server.New(server.Config{}, server.Deps{
		Manager:    manager,
		Broadcast:  engine,
		Components: component.NewService(component.NewMemoryStorage(), nil, log),
		Hub:        hub,
	}, log).Handler())
	defer srv.Close()

	ctx := context.Background()
	c := New(Config{BaseURL: srv.URL, ConnectionID: "cli-test"})

	if h, err := c.Ready(ctx); err != nil || h.Status != "ready" {
		t.Fatalf("Ready() = %+v, %v", h, err)
	}

	rec, err := c.Connect(ctx, connection.ConnectRequest{Context: "ops"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if rec.ID != "cli-test" || !rec.IsActive {
		t.Errorf("Connect() = %+v", rec)
	}

	_, err = c.Connect(ctx, connection.ConnectRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Errorf("second Connect() error = %v, want 409", err)
	}

	if err := c.Heartbeat(ctx, "cli-test"); err != nil {
		t.Errorf("Heartbeat() error = %v", err)
	}
	reply, err := c.SendMessage(ctx, "cli-test", map[string]string{"action": "ping"})
	if err != nil || reply.Message != "pong" {
		t.Errorf("SendMessage() = %+v, %v", reply, err)
	}

	list, err := c.ListConnections(ctx, "ops")
	if err != nil || len(list) != 1 {
		t.Fatalf("ListConnections() = %v, %v", list, err)
	}

	// Registered over HTTP only, so delivery reports it gone and evicts it.
	summary, err := c.Broadcast(ctx, BroadcastRequest{Event: "notice", TargetContext: "ops"})
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if summary.Targeted != 1 || summary.Evicted != 1 {
		t.Errorf("Broadcast() = %+v, want 1 targeted and evicted", summary)
	}
	got, err := c.GetConnection(ctx, "cli-test")
	if err != nil || got.IsActive {
		t.Errorf("GetConnection() = %+v, %v, want inactive", got, err)
	}

	created, err := c.CreateComponent(ctx, component.CreateRequest{
		ID:      "title",
		Type:    "card",
		Content: map[string]any{"title": "Status"},
		Context: "ops",
	})
	if err != nil {
		t.Fatalf("CreateComponent() error = %v", err)
	}
	if created.ID != "title" {
		t.Errorf("CreateComponent().ID = %q", created.ID)
	}

	updated, err := c.UpdateComponent(ctx, "title", component.UpdateRequest{Content: map[string]any{"title": "Green"}})
	if err != nil || updated.Content["title"] != "Green" {
		t.Errorf("UpdateComponent() = %+v, %v", updated, err)
	}

	comps, err := c.ListComponents(ctx, component.ListFilter{Type: "card", Context: "ops"})
	if err != nil || len(comps) != 1 {
		t.Errorf("ListComponents() = %v, %v", comps, err)
	}

	if err := c.DeleteComponent(ctx, "title"); err != nil {
		t.Errorf("DeleteComponent() error = %v", err)
	}
	if _, err := c.GetComponent(ctx, "title"); !errors.As(err, &apiErr) || apiErr.Code != "NOT_FOUND" {
		t.Errorf("GetComponent() after delete error = %v, want NOT_FOUND", err)
	}

	if err := c.Disconnect(ctx, "cli-test"); err != nil {
		t.Errorf("Disconnect() error = %v", err)
	}
}

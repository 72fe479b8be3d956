package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vaebz/magic-mcp/internal/connection"
	appctx "github.com/vaebz/magic-mcp/internal/pkg/context"
	apperrors "github.com/vaebz/magic-mcp/internal/pkg/errors"
	"github.com/vaebz/magic-mcp/internal/pkg/security"
	"github.com/vaebz/magic-mcp/internal/transport"
)

// welcome is the first frame on a new websocket.
type welcome struct {
	ConnectionID string `json:"connectionId"`
	Context      string `json:"context"`
}

// connectRequestFromQuery reads the connect signal from the upgrade URL.
func connectRequestFromQuery(r *http.Request, id string) connection.ConnectRequest {
	q := r.URL.Query()
	return connection.ConnectRequest{
		ConnectionID: id,
		Context:      q.Get("clientContext"),
		Metadata: connection.ClientMetadata{
			ClientType:   q.Get("clientType"),
			Region:       q.Get("region"),
			Environment:  q.Get("environment"),
			Version:      q.Get("version"),
			Capabilities: connection.ParseCapabilities(q.Get("capabilities")),
		},
	}
}

// handleWebSocket upgrades, attaches the socket to the Hub, registers the
// connection, and serves the socket until either side closes it. The socket
// is attached before the record exists, so a broadcast that resolves the new
// id always finds it. Pongs and {"action":"ping"} messages are heartbeats;
// every other text frame is answered on the default route.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	ctx := appctx.WithConnectionID(r.Context(), id)
	log := s.log.WithContext(ctx)

	req := connectRequestFromQuery(r, id)
	if err := connection.ValidateConnect(req); err != nil {
		apperrors.WriteError(w, err)
		return
	}

	origins := splitOrigins(s.cfg.CORSOrigins)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return originAllowed(origins, r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Warn("WebSocket upgrade failed", "error", err)
		log.Debug("Rejected upgrade headers", "headers", security.MaskSensitiveHeaders(r.Header))
		return
	}

	client := s.deps.Hub.Attach(id, conn)
	defer func() {
		s.deps.Hub.Detach(client)
		client.Close(websocket.CloseNormalClosure, "")
	}()

	rec, err := s.deps.Manager.OnConnect(ctx, req)
	if err != nil {
		code, reason := connectCloseCode(err)
		client.Close(code, reason)
		return
	}

	// Detached so the disconnect is recorded even when the request context
	// is already gone.
	defer func() {
		if err := s.deps.Manager.OnDisconnect(context.WithoutCancel(ctx), id); err != nil {
			log.Warn("Failed to record disconnect", "error", err)
		}
	}()

	hello, _ := json.Marshal(welcome{ConnectionID: id, Context: rec.Context})
	if err := client.Write(ctx, hello); err != nil {
		log.Warn("Failed to send welcome frame", "error", err)
		return
	}

	readWait := 2 * s.cfg.PingInterval
	conn.SetReadLimit(s.cfg.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		if _, err := s.deps.Manager.OnHeartbeat(ctx, id); err != nil {
			log.Warn("Failed to record heartbeat", "error", err)
		}
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	go s.pingLoop(client)

	log.Info("WebSocket connected", "context", rec.Context)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				log.Debug("WebSocket read ended", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		if !s.reply(ctx, client, msg) {
			return
		}
	}
}

// connectCloseCode picks the close frame for a socket whose registration
// failed after the upgrade.
func connectCloseCode(err error) (int, string) {
	switch {
	case apperrors.IsRegistryUnavailable(err):
		return websocket.CloseTryAgainLater, "registry unavailable"
	case apperrors.IsAlreadyActive(err):
		return websocket.ClosePolicyViolation, "already active"
	default:
		return websocket.CloseInternalServerErr, "registration failed"
	}
}

// reply answers one inbound frame. It returns false when the socket is gone.
func (s *Server) reply(ctx context.Context, client *transport.Client, msg []byte) bool {
	var out any
	reply, err := s.deps.Manager.HandleMessage(ctx, client.ID(), msg)
	switch {
	case err == nil:
		out = reply
	case apperrors.IsInvalidMessage(err):
		out = map[string]string{"message": "Invalid message format"}
	default:
		s.log.WithContext(ctx).Warn("Failed to handle message", "error", err)
		out = map[string]string{"message": "Internal server error"}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return true
	}
	return !transport.IsGone(client.Write(ctx, data))
}

func (s *Server) pingLoop(client *transport.Client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := client.Ping(); err != nil {
				client.Close(websocket.CloseGoingAway, "ping failed")
				return
			}
		case <-client.Done():
			return
		}
	}
}

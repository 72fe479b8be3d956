package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vaebz/magic-mcp/internal/broadcast"
	"github.com/vaebz/magic-mcp/internal/component"
	"github.com/vaebz/magic-mcp/internal/connection"
	apperrors "github.com/vaebz/magic-mcp/internal/pkg/errors"
	"github.com/vaebz/magic-mcp/internal/pkg/hash"
	"github.com/vaebz/magic-mcp/internal/pkg/security"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: s.cfg.Version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Manager != nil {
		if err := connection.Ping(r.Context(), s.deps.Manager.Registry()); err != nil {
			s.log.WithContext(r.Context()).Warn("Readiness probe failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: "registry unreachable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ready", Version: s.cfg.Version})
}

// Connections

type connectionList struct {
	Connections []*connection.Record `json:"connections"`
	Count       int                  `json:"count"`
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	registry := s.deps.Manager.Registry()
	scope := r.URL.Query().Get("context")
	if err := security.ValidateContext(scope); err != nil {
		apperrors.WriteError(w, apperrors.ValidationError(err.Error()))
		return
	}

	var (
		records []*connection.Record
		err     error
	)
	if scope == "" {
		records, err = registry.GetAllActive(r.Context())
	} else {
		records, err = registry.GetByContext(r.Context(), scope)
	}
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}

	active := make([]*connection.Record, 0, len(records))
	for _, rec := range records {
		if rec.IsActive {
			active = append(active, rec)
		}
	}
	writeJSON(w, http.StatusOK, connectionList{Connections: active, Count: len(active)})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connection.ConnectRequest
	if err := decodeJSON(r, &req); err != nil {
		apperrors.WriteError(w, err)
		return
	}

	rec, err := s.deps.Manager.OnConnect(r.Context(), req)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Manager.Registry().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Manager.OnDisconnect(r.Context(), chi.URLParam(r, "id")); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	at, err := s.deps.Manager.OnHeartbeat(r.Context(), id)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connectionId": id, "lastHeartbeatAt": at})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, security.MaxMessageSize+1))
	if err != nil || len(body) > security.MaxMessageSize {
		apperrors.WriteError(w, apperrors.InvalidMessageError(err))
		return
	}

	reply, err := s.deps.Manager.HandleMessage(r.Context(), chi.URLParam(r, "id"), body)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// Broadcasts

type broadcastBody struct {
	Event                string            `json:"event"`
	Data                 json.RawMessage   `json:"data,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	TargetContext        string            `json:"targetContext,omitempty"`
	ExcludeConnectionIDs []string          `json:"excludeConnectionIds,omitempty"`
	IncludeMetadata      bool              `json:"includeMetadata,omitempty"`
	RetryLimit           int               `json:"retryLimit,omitempty"`
	BatchSize            int               `json:"batchSize,omitempty"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var body broadcastBody
	if err := decodeJSON(r, &body); err != nil {
		apperrors.WriteError(w, err)
		return
	}

	event := broadcast.NewEvent(broadcast.Kind(body.Event), body.Data)
	event.Metadata = body.Metadata

	summary, err := s.deps.Broadcast.Broadcast(r.Context(), broadcast.Request{
		Event:                event,
		TargetContext:        body.TargetContext,
		ExcludeConnectionIDs: body.ExcludeConnectionIDs,
		IncludeMetadata:      body.IncludeMetadata,
		RetryLimit:           body.RetryLimit,
		BatchSize:            body.BatchSize,
	})
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Components

func changeMetadata(r *http.Request) component.ChangeMetadata {
	return component.ChangeMetadata{
		UserID: security.SanitizeForLogWithLength(r.Header.Get("X-User-ID"), 128),
		Reason: security.SanitizeForLogWithLength(r.Header.Get("X-Change-Reason"), 256),
	}
}

type componentList struct {
	Components []*component.Component `json:"components"`
	Count      int                    `json:"count"`
}

func (s *Server) handleListComponents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.deps.Components.List(r.Context(), component.ListFilter{
		Type:    q.Get("type"),
		Context: q.Get("context"),
	})
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, componentList{Components: list, Count: len(list)})
}

func (s *Server) handleCreateComponent(w http.ResponseWriter, r *http.Request) {
	var req component.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		apperrors.WriteError(w, err)
		return
	}

	c, err := s.deps.Components.Create(r.Context(), req, changeMetadata(r))
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetComponent(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Components.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}

	if tag, err := hash.ETag(c); err == nil {
		w.Header().Set("ETag", tag)
		if hash.MatchesIfNoneMatch(r.Header.Get("If-None-Match"), tag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleUpdateComponent(w http.ResponseWriter, r *http.Request) {
	var req component.UpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		apperrors.WriteError(w, err)
		return
	}

	c, err := s.deps.Components.Update(r.Context(), chi.URLParam(r, "id"), req, changeMetadata(r))
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteComponent(w http.ResponseWriter, r *http.Request) {
	if _, err := s.deps.Components.Delete(r.Context(), chi.URLParam(r, "id"), changeMetadata(r)); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req component.PreviewRequest
	if err := decodeJSON(r, &req); err != nil {
		apperrors.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := component.RenderPreview(req).Render(r.Context(), w); err != nil {
		s.log.WithContext(r.Context()).Warn("Preview render failed", "error", err)
	}
}

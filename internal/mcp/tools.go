package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/vaebz/magic-mcp/internal/broadcast"
	"github.com/vaebz/magic-mcp/internal/component"
	apperrors "github.com/vaebz/magic-mcp/internal/pkg/errors"
)

type toolFunc func(ctx context.Context, args json.RawMessage) (string, error)

var idProperty = Property{Type: "string", Description: "Component id"}

func (h *Handler) defineTools() []Tool {
	types := strings.Join(component.KnownTypes(), ", ")

	tools := []Tool{
		{
			Name:        "createComponent",
			Description: "Create a UI component. Known types (" + types + ") have required fields; other types are stored as given. Clients in the component's context are notified.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"id":      {Type: "string", Description: "Component id (generated when omitted)"},
					"type":    {Type: "string", Description: "Component type"},
					"content": {Type: "object", Description: "Type-specific fields"},
					"context": {Type: "string", Description: "Context whose clients receive change events (all clients when omitted)"},
				},
				Required: []string{"type", "content"},
			},
		},
		{
			Name:        "getComponent",
			Description: "Get a component by id.",
			InputSchema: InputSchema{
				Type:       "object",
				Properties: map[string]Property{"id": idProperty},
				Required:   []string{"id"},
			},
		},
		{
			Name:        "listComponents",
			Description: "List components, optionally filtered by type or context.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"type":    {Type: "string", Description: "Only components of this type"},
					"context": {Type: "string", Description: "Only components in this context"},
				},
			},
		},
		{
			Name:        "updateComponent",
			Description: "Replace a component's content.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"id":      idProperty,
					"content": {Type: "object", Description: "New type-specific fields"},
					"context": {Type: "string", Description: "Move the component to this context"},
				},
				Required: []string{"id", "content"},
			},
		},
		{
			Name:        "deleteComponent",
			Description: "Delete a component.",
			InputSchema: InputSchema{
				Type:       "object",
				Properties: map[string]Property{"id": idProperty},
				Required:   []string{"id"},
			},
		},
		{
			Name:        "previewComponent",
			Description: "Render components as a standalone HTML page.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"components": {Type: "array", Description: "Array of {type, content} objects"},
					"layout":     {Type: "object", Description: "{type: stack|grid|flex, columns, gap, padding}"},
					"theme":      {Type: "object", Description: "{primary, secondary, text, background}"},
				},
				Required: []string{"components"},
			},
		},
	}

	if h.broadcaster != nil {
		tools = append(tools, Tool{
			Name:        "broadcast",
			Description: "Send an event to every active connection, or to one context. Returns delivery counts.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"event":                {Type: "string", Description: "Event name"},
					"data":                 {Type: "object", Description: "Event payload"},
					"targetContext":        {Type: "string", Description: "Only connections in this context"},
					"excludeConnectionIds": {Type: "array", Description: "Connection ids to skip"},
				},
				Required: []string{"event"},
			},
		})
	}
	if h.registry != nil {
		tools = append(tools, Tool{
			Name:        "listConnections",
			Description: "List active connections, optionally in one context.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"context": {Type: "string", Description: "Only connections in this context"},
				},
			},
		})
	}
	return tools
}

func (h *Handler) lookup(name string) (toolFunc, bool) {
	switch name {
	case "createComponent":
		return h.toolCreate, true
	case "getComponent":
		return h.toolGet, true
	case "listComponents":
		return h.toolList, true
	case "updateComponent":
		return h.toolUpdate, true
	case "deleteComponent":
		return h.toolDelete, true
	case "previewComponent":
		return h.toolPreview, true
	case "broadcast":
		return h.toolBroadcast, h.broadcaster != nil
	case "listConnections":
		return h.toolListConnections, h.registry != nil
	}
	return nil, false
}

var changeMeta = component.ChangeMetadata{Reason: "mcp"}

func (h *Handler) toolCreate(ctx context.Context, args json.RawMessage) (string, error) {
	var req component.CreateRequest
	if err := decodeArgs(args, &req); err != nil {
		return "", err
	}
	c, err := h.components.Create(ctx, req, changeMeta)
	if err != nil {
		return "", err
	}
	return encode(map[string]any{"component": c})
}

func (h *Handler) toolGet(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		ID string `json:"id"`
	}
	if err := decodeArgs(args, &params); err != nil {
		return "", err
	}
	c, err := h.components.Get(ctx, params.ID)
	if err != nil {
		return "", err
	}
	return encode(map[string]any{"component": c})
}

func (h *Handler) toolList(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Type    string `json:"type"`
		Context string `json:"context"`
	}
	if err := decodeArgs(args, &params); err != nil {
		return "", err
	}
	list, err := h.components.List(ctx, component.ListFilter{Type: params.Type, Context: params.Context})
	if err != nil {
		return "", err
	}
	return encode(map[string]any{"components": list, "count": len(list)})
}

func (h *Handler) toolUpdate(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		ID string `json:"id"`
		component.UpdateRequest
	}
	if err := decodeArgs(args, &params); err != nil {
		return "", err
	}
	c, err := h.components.Update(ctx, params.ID, params.UpdateRequest, changeMeta)
	if err != nil {
		return "", err
	}
	return encode(map[string]any{"component": c})
}

func (h *Handler) toolDelete(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		ID string `json:"id"`
	}
	if err := decodeArgs(args, &params); err != nil {
		return "", err
	}
	if _, err := h.components.Delete(ctx, params.ID, changeMeta); err != nil {
		return "", err
	}
	return encode(map[string]any{"success": true})
}

func (h *Handler) toolPreview(ctx context.Context, args json.RawMessage) (string, error) {
	var req component.PreviewRequest
	if err := decodeArgs(args, &req); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := component.RenderPreview(req).Render(ctx, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (h *Handler) toolBroadcast(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Event                string            `json:"event"`
		Data                 any               `json:"data"`
		Metadata             map[string]string `json:"metadata"`
		TargetContext        string            `json:"targetContext"`
		ExcludeConnectionIDs []string          `json:"excludeConnectionIds"`
	}
	if err := decodeArgs(args, &params); err != nil {
		return "", err
	}

	event := broadcast.NewEvent(broadcast.Kind(params.Event), params.Data)
	event.Metadata = params.Metadata
	summary, err := h.broadcaster.Broadcast(ctx, broadcast.Request{
		Event:                event,
		TargetContext:        params.TargetContext,
		ExcludeConnectionIDs: params.ExcludeConnectionIDs,
	})
	if err != nil {
		return "", err
	}
	return encode(summary)
}

func (h *Handler) toolListConnections(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Context string `json:"context"`
	}
	if err := decodeArgs(args, &params); err != nil {
		return "", err
	}

	var (
		ids []string
		err error
	)
	if params.Context != "" {
		recs, gerr := h.registry.GetByContext(ctx, params.Context)
		for _, rec := range recs {
			if rec.IsActive {
				ids = append(ids, rec.ID)
			}
		}
		err = gerr
	} else {
		recs, gerr := h.registry.GetAllActive(ctx)
		for _, rec := range recs {
			ids = append(ids, rec.ID)
		}
		err = gerr
	}
	if err != nil {
		return "", err
	}
	slices.Sort(ids)
	return encode(map[string]any{"connectionIds": ids, "count": len(ids)})
}

func decodeArgs(args json.RawMessage, v any) error {
	if err := json.Unmarshal(args, v); err != nil {
		return apperrors.InvalidRequestError("invalid arguments: " + err.Error())
	}
	return nil
}

func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}

// toolError renders err for the caller. Details of client errors are kept;
// anything else is reduced to a generic message.
func toolError(err error) string {
	var appErr *apperrors.AppError
	if !stderrors.As(err, &appErr) || appErr.HTTPStatus() >= 500 {
		return "internal error"
	}
	if len(appErr.Details) == 0 {
		return appErr.Message
	}
	parts := make([]string, 0, len(appErr.Details))
	for _, k := range slices.Sorted(maps.Keys(appErr.Details)) {
		parts = append(parts, appErr.Details[k])
	}
	return appErr.Message + ": " + strings.Join(parts, "; ")
}

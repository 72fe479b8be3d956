package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vaebz/magic-mcp/internal/broadcast"
	"github.com/vaebz/magic-mcp/internal/component"
	"github.com/vaebz/magic-mcp/internal/connection"
	"github.com/vaebz/magic-mcp/internal/pkg/logger"
)

// resourceScheme prefixes component resource URIs.
const resourceScheme = "component://"

// Handler dispatches MCP methods.
type Handler struct {
	components  *component.Service
	broadcaster broadcast.Broadcaster
	registry    connection.Registry
	version     string
	log         *logger.Logger

	tools []Tool
}

// HandlerConfig wires the handler. Broadcaster and Registry are optional;
// their tools are hidden when nil.
type HandlerConfig struct {
	Components  *component.Service
	Broadcaster broadcast.Broadcaster
	Registry    connection.Registry
	Version     string
	Logger      *logger.Logger
}

// NewHandler creates a handler.
func NewHandler(cfg HandlerConfig) *Handler {
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	h := &Handler{
		components:  cfg.Components,
		broadcaster: cfg.Broadcaster,
		registry:    cfg.Registry,
		version:     cfg.Version,
		log:         log.WithScope("mcp"),
	}
	h.tools = h.defineTools()
	return h
}

// Handle answers one request. It returns nil for notifications.
func (h *Handler) Handle(ctx context.Context, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("MCP handler panic", "method", req.Method, "panic", r)
			resp = errorResponse(req.ID, ErrInternal, "Internal error")
		}
	}()

	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, ErrInvalidRequest, "Invalid request")
	}

	switch req.Method {
	case "initialize":
		return h.handleInitialize(req)
	case "notifications/initialized", "initialized":
		return nil
	case "ping":
		return result(req.ID, map[string]any{})

	case "tools/list":
		return result(req.ID, map[string]any{"tools": h.tools})
	case "tools/call":
		return h.handleToolsCall(ctx, req)

	case "resources/list":
		return h.handleResourcesList(ctx, req)
	case "resources/read":
		return h.handleResourcesRead(ctx, req)

	default:
		if strings.HasPrefix(req.Method, "notifications/") {
			return nil
		}
		return errorResponse(req.ID, ErrMethodNotFound, "Method not found")
	}
}

func (h *Handler) handleInitialize(req *Request) *Response {
	return result(req.ID, map[string]any{
		"protocolVersion": ProtocolVersion,
		"serverInfo": map[string]string{
			"name":    "magic-mcp",
			"version": h.version,
		},
		"capabilities": ServerCapabilities{
			Tools:     &ToolsCapability{},
			Resources: &ResourcesCapability{Subscribe: false},
		},
	})
}

func (h *Handler) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, ErrInvalidParams, "Invalid params")
	}

	call, ok := h.lookup(params.Name)
	if !ok {
		return errorResponse(req.ID, ErrInvalidParams, fmt.Sprintf("Unknown tool: %s", params.Name))
	}
	if len(params.Arguments) == 0 {
		params.Arguments = json.RawMessage(`{}`)
	}

	text, err := call(ctx, params.Arguments)
	if err != nil {
		h.log.WithContext(ctx).Debug("Tool call failed", "tool", params.Name, "error", err)
		return result(req.ID, ToolResult{
			Content: []Content{{Type: "text", Text: toolError(err)}},
			IsError: true,
		})
	}
	return result(req.ID, ToolResult{Content: []Content{{Type: "text", Text: text}}})
}

func (h *Handler) handleResourcesList(ctx context.Context, req *Request) *Response {
	list, err := h.components.List(ctx, component.ListFilter{})
	if err != nil {
		return errorResponse(req.ID, ErrInternal, "Failed to list components")
	}

	resources := make([]Resource, 0, len(list))
	for _, c := range list {
		desc := c.Type
		if c.Context != "" {
			desc += " in " + c.Context
		}
		resources = append(resources, Resource{
			URI:         resourceScheme + c.ID,
			Name:        c.ID,
			Description: desc,
			MimeType:    "application/json",
		})
	}
	return result(req.ID, map[string]any{"resources": resources})
}

func (h *Handler) handleResourcesRead(ctx context.Context, req *Request) *Response {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, ErrInvalidParams, "Invalid params")
	}

	id, ok := strings.CutPrefix(params.URI, resourceScheme)
	if !ok || id == "" {
		return errorResponse(req.ID, ErrInvalidParams, "Unknown resource URI")
	}

	c, err := h.components.Get(ctx, id)
	if err != nil {
		return errorResponse(req.ID, ErrInvalidParams, toolError(err))
	}
	data, err := json.Marshal(c)
	if err != nil {
		return errorResponse(req.ID, ErrInternal, "Internal error")
	}

	return result(req.ID, map[string]any{
		"contents": []ResourceContents{{URI: params.URI, MimeType: "application/json", Text: string(data)}},
	})
}

func result(id any, v any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: v}
}

func errorResponse(id any, code int, message string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: message}}
}

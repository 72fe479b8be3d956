package component

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vaebz/magic-mcp/internal/bus"
	appctx "github.com/vaebz/magic-mcp/internal/pkg/context"
	apperrors "github.com/vaebz/magic-mcp/internal/pkg/errors"
	"github.com/vaebz/magic-mcp/internal/pkg/logger"
	"github.com/vaebz/magic-mcp/internal/pkg/security"
)

// EventSource identifies component events on the bus.
const EventSource = "component"

// CreateRequest describes a new component. An empty ID is generated.
type CreateRequest struct {
	ID      string         `json:"id,omitempty"`
	Type    string         `json:"type"`
	Content map[string]any `json:"content"`
	Context string         `json:"context,omitempty"`
}

// UpdateRequest replaces a component's content. A nil Context keeps the
// current one.
type UpdateRequest struct {
	Content map[string]any `json:"content"`
	Context *string        `json:"context,omitempty"`
}

// ListFilter narrows List. Empty fields match everything.
type ListFilter struct {
	Type    string
	Context string
}

// Service manages components and publishes component.* events.
type Service struct {
	storage Storage
	bus     bus.Bus
	log     *logger.Logger
	now     func() time.Time

	// mu serializes mutations so create-if-absent and read-modify-write are atomic.
	mu sync.Mutex
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a component service. eventBus may be nil.
func NewService(storage Storage, eventBus bus.Bus, log *logger.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		storage: storage,
		bus:     eventBus,
		log:     log,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates and stores a new component.
func (s *Service) Create(ctx context.Context, req CreateRequest, meta ChangeMetadata) (*Component, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if err := security.ValidateComponentID(req.ID); err != nil {
		return nil, apperrors.ValidationError(err.Error())
	}
	if err := security.ValidateContext(req.Context); err != nil {
		return nil, apperrors.ValidationError(err.Error())
	}
	if err := invalid(Validate(req.Type, req.Content)); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.storage.Exists(req.ID) {
		return nil, apperrors.New(apperrors.CodeAlreadyExists, "component already exists").WithDetail("id", req.ID)
	}

	now := s.now().UTC()
	c := &Component{
		ID:        req.ID,
		Type:      req.Type,
		Content:   req.Content,
		Context:   req.Context,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.storage.Save(c); err != nil {
		return nil, apperrors.InternalError("failed to store component", err)
	}

	s.log.WithContext(ctx).Info("Component created", "id", c.ID, "type", c.Type, "context", c.Context)
	s.publish(ctx, bus.TopicComponentCreated, ActionCreate, c, meta)
	return c, nil
}

// Get returns one component.
func (s *Service) Get(ctx context.Context, id string) (*Component, error) {
	if err := security.ValidateComponentID(id); err != nil {
		return nil, apperrors.ValidationError(err.Error())
	}
	return s.storage.Load(id)
}

// List returns the matching components, oldest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Component, error) {
	all, err := s.storage.LoadAll()
	if err != nil {
		return nil, apperrors.InternalError("failed to list components", err)
	}

	out := all[:0]
	for _, c := range all {
		if filter.Type != "" && c.Type != filter.Type {
			continue
		}
		if filter.Context != "" && c.Context != filter.Context {
			continue
		}
		out = append(out, c)
	}

	slices.SortFunc(out, func(a, b *Component) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), strings.Compare(a.ID, b.ID))
	})
	return out, nil
}

// Update replaces the content of an existing component.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest, meta ChangeMetadata) (*Component, error) {
	if err := security.ValidateComponentID(id); err != nil {
		return nil, apperrors.ValidationError(err.Error())
	}
	if req.Context != nil {
		if err := security.ValidateContext(*req.Context); err != nil {
			return nil, apperrors.ValidationError(err.Error())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.storage.Load(id)
	if err != nil {
		return nil, err
	}
	if err := invalid(Validate(c.Type, req.Content)); err != nil {
		return nil, err
	}

	c.Content = req.Content
	if req.Context != nil {
		c.Context = *req.Context
	}
	c.UpdatedAt = s.now().UTC()

	if err := s.storage.Save(c); err != nil {
		return nil, apperrors.InternalError("failed to store component", err)
	}

	s.log.WithContext(ctx).Info("Component updated", "id", c.ID, "type", c.Type)
	s.publish(ctx, bus.TopicComponentUpdated, ActionUpdate, c, meta)
	return c, nil
}

// Delete removes a component and returns its last state.
func (s *Service) Delete(ctx context.Context, id string, meta ChangeMetadata) (*Component, error) {
	if err := security.ValidateComponentID(id); err != nil {
		return nil, apperrors.ValidationError(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.storage.Load(id)
	if err != nil {
		return nil, err
	}
	if err := s.storage.Delete(id); err != nil {
		return nil, apperrors.InternalError("failed to delete component", err)
	}

	s.log.WithContext(ctx).Info("Component deleted", "id", c.ID)
	s.publish(ctx, bus.TopicComponentDeleted, ActionDelete, c, meta)
	return c, nil
}

func (s *Service) publish(ctx context.Context, topic, action string, c *Component, meta ChangeMetadata) {
	if s.bus == nil {
		return
	}
	payload := ChangePayload{
		Action:    action,
		Component: c.Clone(),
		Timestamp: s.now().UTC(),
		Metadata:  meta,
	}
	event := bus.NewEvent(topic, EventSource, payload)
	event.Key = c.ID
	event.CorrelationID = appctx.GetRequestID(ctx)
	if err := s.bus.Publish(ctx, topic, event); err != nil {
		s.log.Warn("Failed to publish component event", "topic", topic, "id", c.ID, "error", err)
	}
}

func invalid(problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	err := apperrors.ValidationError("Invalid component")
	for i, p := range problems {
		err = err.WithDetail(fmt.Sprintf("error_%d", i), p)
	}
	return err
}

// Package component stores UI components and announces their changes on the
// event bus.
package component

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Component is a UI component definition. Content holds the type-specific
// fields.
type Component struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Content   map[string]any `json:"content"`
	Context   string         `json:"context,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Clone returns a copy whose top-level content map is not shared.
func (c *Component) Clone() *Component {
	if c == nil {
		return nil
	}
	out := *c
	out.Content = maps.Clone(c.Content)
	return &out
}

// Actions carried in a ChangePayload.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// ChangePayload is the bus payload for component.* events and the data
// pushed to clients.
type ChangePayload struct {
	Action    string         `json:"action"`
	Component *Component     `json:"component"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  ChangeMetadata `json:"metadata,omitzero"`
}

// ChangeMetadata describes who changed a component and why.
type ChangeMetadata struct {
	UserID string `json:"userId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type fieldRules struct {
	required []string
	optional []string
}

// knownTypes lists the fields each built-in type accepts. Other types are
// stored without field checks.
var knownTypes = map[string]fieldRules{
	"button": {
		required: []string{"label", "action"},
		optional: []string{"style", "size", "disabled"},
	},
	"input": {
		required: []string{"type", "name"},
		optional: []string{"placeholder", "value", "required", "disabled"},
	},
	"card": {
		required: []string{"title"},
		optional: []string{"subtitle", "content", "image", "actions"},
	},
	"container": {
		required: []string{"children"},
		optional: []string{"style", "layout"},
	},
}

// KnownTypes returns the built-in component types in sorted order.
func KnownTypes() []string {
	return slices.Sorted(maps.Keys(knownTypes))
}

// Validate returns one message per problem with the type and content.
func Validate(typ string, content map[string]any) []string {
	if typ == "" {
		return []string{"Missing required field: type"}
	}
	if content == nil {
		return []string{"Missing required field: content"}
	}

	rules, ok := knownTypes[typ]
	if !ok {
		return nil
	}

	var problems []string
	for _, field := range rules.required {
		if isEmpty(content[field]) {
			problems = append(problems, fmt.Sprintf("Missing required field: %s", field))
		}
	}
	for _, field := range slices.Sorted(maps.Keys(content)) {
		if !slices.Contains(rules.required, field) && !slices.Contains(rules.optional, field) {
			problems = append(problems, fmt.Sprintf("Unknown field: %s", field))
		}
	}
	return problems
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case bool:
		return !val
	case []any:
		return len(val) == 0
	default:
		return false
	}
}

// Package connection tracks live client connections for magic-mcp.
// A connection record is created on connect, kept fresh by heartbeats and
// soft-deleted (marked inactive) on disconnect, eviction or sweep.
package connection

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// DefaultContext is the context assigned to connections that did not name one.
const DefaultContext = "default"

// Record is the registry entry for one connection.
type Record struct {
	ID              string         `json:"connectionId"`
	Context         string         `json:"context"`
	CreatedAt       time.Time      `json:"createdAt"`
	LastHeartbeatAt time.Time      `json:"lastHeartbeatAt"`
	DisconnectedAt  *time.Time     `json:"disconnectedAt,omitempty"`
	IsActive        bool           `json:"isActive"`
	Roles           []string       `json:"roles,omitempty"`
	AllowedScopes   []string       `json:"allowedScopes,omitempty"`
	Metadata        ClientMetadata `json:"clientMetadata"`
}

// ClientMetadata describes the client behind a connection. It is attached at
// connect time and never changes afterwards.
type ClientMetadata struct {
	ClientType   string            `json:"clientType,omitempty" dynamodbav:"clientType,omitempty"`
	Region       string            `json:"region,omitempty" dynamodbav:"region,omitempty"`
	Environment  string            `json:"environment,omitempty" dynamodbav:"environment,omitempty"`
	Version      string            `json:"version,omitempty" dynamodbav:"version,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty" dynamodbav:"capabilities,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty" dynamodbav:"attributes,omitempty"`
}

// NewRecord builds an active record. Registration counts as the first heartbeat.
func NewRecord(id, context string, md ClientMetadata, now time.Time) *Record {
	if context == "" {
		context = DefaultContext
	}
	return &Record{
		ID:              id,
		Context:         context,
		CreatedAt:       now,
		LastHeartbeatAt: now,
		IsActive:        true,
		Metadata:        md,
	}
}

// Clone returns a deep copy so callers never share slices or maps with the registry.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.DisconnectedAt != nil {
		t := *r.DisconnectedAt
		c.DisconnectedAt = &t
	}
	c.Roles = slices.Clone(r.Roles)
	c.AllowedScopes = slices.Clone(r.AllowedScopes)
	c.Metadata = r.Metadata.Clone()
	return &c
}

// IdleFor reports how long the connection has been silent as of now.
func (r *Record) IdleFor(now time.Time) time.Duration {
	return now.Sub(r.LastHeartbeatAt)
}

// Clone returns a deep copy of the metadata.
func (m ClientMetadata) Clone() ClientMetadata {
	m.Capabilities = slices.Clone(m.Capabilities)
	m.Attributes = maps.Clone(m.Attributes)
	return m
}

// HasCapability reports whether the client advertised capability c.
func (m ClientMetadata) HasCapability(c string) bool {
	return slices.Contains(m.Capabilities, c)
}

// ParseCapabilities splits a comma separated capability list, dropping blanks.
func ParseCapabilities(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

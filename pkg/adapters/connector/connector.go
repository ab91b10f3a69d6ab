// Package connector defines the contract every data source implementation
// satisfies, the registry that maps a connection type to its implementation,
// and the shared pool cache.
package connector

import (
	"context"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-connect/pkg/models"
)

// Family groups connectors by the part of a QuerySpec they consume.
type Family string

const (
	FamilySQL       Family = "sql"
	FamilyDocument  Family = "document"
	FamilyAPI       Family = "api"
	FamilyAnalytics Family = "analytics"
)

// Info describes a registered connector for UI discovery.
type Info struct {
	Type        string `json:"type"`         // "postgres", "mongodb", "api"
	DisplayName string `json:"display_name"` // "PostgreSQL"
	Description string `json:"description"`
	Family      Family `json:"family"`
	// OAuthProvider is set for connectors that authenticate through an
	// OAuth grant instead of a static secret.
	OAuthProvider string  `json:"oauth_provider,omitempty"`
	Schema        *Schema `json:"schema"`
}

// Target is everything a connector needs to reach one data source.
type Target struct {
	// ConnectionID is uuid.Nil for configurations that were never saved.
	// Connectors only reuse pooled handles for saved connections.
	ConnectionID uuid.UUID
	Params       map[string]any
	Secret       *models.Secret
}

// Connector is implemented once per connection type.
//
// TestConnection and Execute must release everything they acquire (pooled
// connections, cursors, response bodies) on every return path, including
// context cancellation.
type Connector interface {
	Info() Info

	// ValidateConfig checks params against the type's schema. Returns a
	// validation error naming the offending fields.
	ValidateConfig(params map[string]any) error

	// TestConnection verifies the data source is reachable with the given secret.
	TestConnection(ctx context.Context, t Target) (*Result, error)

	// Execute runs spec and normalizes the response.
	Execute(ctx context.Context, t Target, spec *models.QuerySpec) (*Result, error)
}

// Status is the outcome indicator of a Result.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Column describes one column of a tabular result.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Result is the connector-agnostic outcome of a test or an execution.
// Body and UpstreamStatus pass raw protocol details through for callers that
// need them (API connectors).
type Result struct {
	Status         Status           `json:"status"`
	Columns        []Column         `json:"columns,omitempty"`
	Rows           []map[string]any `json:"rows,omitempty"`
	RowCount       int              `json:"row_count"`
	Truncated      bool             `json:"truncated,omitempty"`
	UpstreamStatus int              `json:"upstream_status,omitempty"`
	Body           any              `json:"body,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
}

// OK builds a successful result with no payload.
func OK() *Result {
	return &Result{Status: StatusOK}
}

// RowLimit returns the effective row cap for spec.
func RowLimit(spec *models.QuerySpec, max int) int {
	if max <= 0 {
		max = DefaultMaxRows
	}
	if spec != nil && spec.Limit > 0 && spec.Limit < max {
		return spec.Limit
	}
	return max
}

// DefaultMaxRows caps rows returned when neither the request nor the
// configuration sets a limit.
const DefaultMaxRows = 1000

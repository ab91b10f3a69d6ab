package models

import (
	"encoding/json"

	"github.com/google/uuid"
)

// QuerySpec describes one request against a connection. Exactly one of the
// family-specific parts is expected, matching the connector's family.
type QuerySpec struct {
	ConnectionID uuid.UUID       `json:"connection_id,omitempty"`
	SQL          *SQLQuery       `json:"sql,omitempty"`
	API          *APIRequest     `json:"api,omitempty"`
	Document     *DocumentQuery  `json:"document,omitempty"`
	Analytics    *AnalyticsQuery `json:"analytics,omitempty"`
	// Limit caps returned rows. Zero means the connector default.
	Limit int `json:"limit,omitempty"`
}

// SQLQuery is a single read-only statement with positional parameters.
type SQLQuery struct {
	Text   string `json:"text"`
	Params []any  `json:"params,omitempty"`
}

// APIRequest is an HTTP call relative to the connection's base URL.
type APIRequest struct {
	Method  string            `json:"method"`
	Route   string            `json:"route"`
	Query   map[string]string `json:"query,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// DocumentQuery is a find against a document collection. Filter, Projection
// and Sort are extended JSON documents.
type DocumentQuery struct {
	Collection string          `json:"collection"`
	Filter     json.RawMessage `json:"filter,omitempty"`
	Projection json.RawMessage `json:"projection,omitempty"`
	Sort       json.RawMessage `json:"sort,omitempty"`
}

// AnalyticsQuery is a report request for an analytics provider.
type AnalyticsQuery struct {
	Metrics    []string `json:"metrics"`
	Dimensions []string `json:"dimensions,omitempty"`
	StartDate  string   `json:"start_date"`
	EndDate    string   `json:"end_date"`
}

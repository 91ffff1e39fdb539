package models

import (
	"encoding/json"
	"time"
)

// AuditRecord is an append-only entry in the audit log. Details are stored redacted.
type AuditRecord struct {
	ID         string          `db:"id" json:"id"`
	Actor      string          `db:"actor" json:"actor"`
	Action     string          `db:"action" json:"action"`
	ResourceID string          `db:"resource_id" json:"resource_id,omitempty"`
	Details    json.RawMessage `db:"details" json:"details,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// AuditFilter narrows an audit query. Zero values do not filter.
type AuditFilter struct {
	Actor    string
	Action   string
	From     time.Time
	To       time.Time
	Page     int
	PageSize int
}

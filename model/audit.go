package model

import (
	"encoding/json"
	"time"
)

// AuditAction enumerates the mutation kinds recorded in the audit log.
type AuditAction string

const (
	AuditAdd        AuditAction = "ADD"
	AuditUpdate     AuditAction = "UPDATE"
	AuditApprove    AuditAction = "APPROVE"
	AuditActivate   AuditAction = "ACTIVATE"
	AuditDeactivate AuditAction = "DEACTIVATE"
	AuditDelete     AuditAction = "DELETE"
	AuditBackup     AuditAction = "BACKUP"
	AuditRestore    AuditAction = "RESTORE"
)

// AuditEntry records a single mutation with before/after snapshots.  Entries
// are immutable once written; the log is append-only.
type AuditEntry struct {
	ID       string      `json:"id"`
	Action   AuditAction `json:"action"`
	Entity   string      `json:"entity"`
	RecordID string      `json:"recordId"`
	Actor    string      `json:"actor"`

	// Before is absent for creates, After is absent for deletes.
	Before json.RawMessage `json:"before,omitempty"`
	After  json.RawMessage `json:"after,omitempty"`

	At time.Time `json:"at"`
}

// TableRef identifies a table referenced by a rule statement.
type TableRef struct {
	Schema string `json:"schema,omitempty" yaml:"schema,omitempty"`
	Name   string `json:"name" yaml:"name"`
}

// String returns schema-qualified table name.
func (t TableRef) String() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// Dependency records a table referenced by a rule, harvested from its
// statement at write time.
type Dependency struct {
	RuleID string   `json:"ruleId"`
	Table  TableRef `json:"table"`
}

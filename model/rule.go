package model

import (
	"strings"
	"time"
)

// Status represents the activation status of a rule.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
	StatusDeleted  Status = "DELETED"
)

// ApprovalStatus represents the position of a rule in its approval lifecycle.
type ApprovalStatus string

const (
	ApprovalDraft      ApprovalStatus = "DRAFT"
	ApprovalInProgress ApprovalStatus = "APPROVAL_IN_PROGRESS"
	ApprovalApproved   ApprovalStatus = "APPROVED"
)

// CriticalScope controls how far a critical rule's failure suppresses the
// execution of dependent rules.
type CriticalScope string

const (
	// ScopeNone suppresses the failed rule's own subtree only.
	ScopeNone CriticalScope = "NONE"
	// ScopeGroup suppresses descendants that share the failed rule's owner group.
	ScopeGroup CriticalScope = "GROUP"
	// ScopeCluster suppresses every remaining rule under the same top-level root.
	ScopeCluster CriticalScope = "CLUSTER"
	// ScopeGlobal suppresses every remaining rule across the whole forest.
	ScopeGlobal CriticalScope = "GLOBAL"
)

// Rule represents a named, versioned, executable statement governed by
// approval and activation status.  A rule may reference a single parent rule,
// forming a dependency forest; children only execute after their parent
// produced an outcome.
type Rule struct {
	// ID is the unique, immutable rule identity.
	ID string `json:"id" yaml:"id"`

	// ParentID references the parent rule; empty for roots.
	ParentID string `json:"parentId,omitempty" yaml:"parentId,omitempty"`

	// Type is a free-form rule-type tag (e.g. DQ, DM).
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	// Name is unique within the owner group.
	Name string `json:"name" yaml:"name"`

	// Statement holds the executable statement text.
	Statement string `json:"statement" yaml:"statement"`

	// Operation is the statement kind derived at write time (SELECT, INSERT, …).
	Operation string `json:"operation,omitempty" yaml:"operation,omitempty"`

	// OwnerGroup is the business group that owns the rule lifecycle.
	OwnerGroup string `json:"ownerGroup" yaml:"ownerGroup"`

	Status   Status         `json:"status" yaml:"status"`
	Approval ApprovalStatus `json:"approval" yaml:"approval"`

	// Version increments on every content change.
	Version int `json:"version" yaml:"version"`

	// Global rules bypass stage generation and activate immediately.
	Global bool `json:"global,omitempty" yaml:"global,omitempty"`

	// Critical rules suppress dependent rules on failure, per CriticalScope.
	Critical      bool          `json:"critical,omitempty" yaml:"critical,omitempty"`
	CriticalScope CriticalScope `json:"criticalScope,omitempty" yaml:"criticalScope,omitempty"`

	// EffectiveFrom/EffectiveTo bound the execution eligibility window.
	EffectiveFrom *time.Time `json:"effectiveFrom,omitempty" yaml:"effectiveFrom,omitempty"`
	EffectiveTo   *time.Time `json:"effectiveTo,omitempty" yaml:"effectiveTo,omitempty"`

	Description   string `json:"description,omitempty" yaml:"description,omitempty"`
	Justification string `json:"justification,omitempty" yaml:"justification,omitempty"`

	CreatedBy string    `json:"createdBy,omitempty" yaml:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty" yaml:"createdAt,omitempty"`
	UpdatedBy string    `json:"updatedBy,omitempty" yaml:"updatedBy,omitempty"`
}

// IsDeleted reports whether the rule has been tombstoned.
func (r *Rule) IsDeleted() bool {
	return r.Status == StatusDeleted
}

// EffectiveAt reports whether t falls inside the rule's effective window.
// A missing bound is open-ended.
func (r *Rule) EffectiveAt(t time.Time) bool {
	if r.EffectiveFrom != nil && t.Before(*r.EffectiveFrom) {
		return false
	}
	if r.EffectiveTo != nil && t.After(*r.EffectiveTo) {
		return false
	}
	return true
}

// Executable reports whether the rule is eligible for execution at t.
func (r *Rule) Executable(t time.Time) bool {
	return r.Status == StatusActive && r.EffectiveAt(t)
}

// Validate verifies static rule properties before any state change.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return NewValidationError("name", "is required")
	}
	if strings.TrimSpace(r.Statement) == "" {
		return NewValidationError("statement", "is required")
	}
	if strings.TrimSpace(r.OwnerGroup) == "" {
		return NewValidationError("ownerGroup", "is required")
	}
	if r.ParentID != "" && r.ParentID == r.ID {
		return NewValidationError("parentId", "rule cannot be its own parent")
	}
	if r.Critical {
		switch r.CriticalScope {
		case ScopeNone, ScopeGroup, ScopeCluster, ScopeGlobal:
		case "":
			return NewValidationError("criticalScope", "is required for critical rules")
		default:
			return NewValidationError("criticalScope", "unknown scope "+string(r.CriticalScope))
		}
	}
	if r.EffectiveFrom != nil && r.EffectiveTo != nil && r.EffectiveTo.Before(*r.EffectiveFrom) {
		return NewValidationError("effectiveTo", "precedes effectiveFrom")
	}
	return nil
}

// Clone creates a deep copy of the rule.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	clone := *r
	if r.EffectiveFrom != nil {
		from := *r.EffectiveFrom
		clone.EffectiveFrom = &from
	}
	if r.EffectiveTo != nil {
		to := *r.EffectiveTo
		clone.EffectiveTo = &to
	}
	return &clone
}

// ApplyContent copies the content fields of src onto r, leaving identity,
// lineage, status and audit fields untouched.  Used by snapshot restore.
func (r *Rule) ApplyContent(src *Rule) {
	r.Type = src.Type
	r.Statement = src.Statement
	r.Operation = src.Operation
	r.Global = src.Global
	r.Critical = src.Critical
	r.CriticalScope = src.CriticalScope
	r.EffectiveFrom = nil
	r.EffectiveTo = nil
	if src.EffectiveFrom != nil {
		from := *src.EffectiveFrom
		r.EffectiveFrom = &from
	}
	if src.EffectiveTo != nil {
		to := *src.EffectiveTo
		r.EffectiveTo = &to
	}
	r.Description = src.Description
	r.Justification = src.Justification
}

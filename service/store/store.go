// Package store defines the persistence boundary of the rule engine.  All
// higher level services (rule lifecycle, approval, runner, audit, backup)
// talk to a Store and never to a concrete database.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/viant/regula/model"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict signals an optimistic-lock failure on PutRule.
	ErrVersionConflict = errors.New("version conflict")
	// ErrSnapshotNotFound signals a missing backup snapshot version.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// Result carries the outcome of a rule statement.  NoRow distinguishes an
// empty result set from a scalar value; Value holds the first column of the
// first row otherwise.
type Result struct {
	NoRow bool
	Value interface{}
}

// Filter narrows ListRules.  Zero value lists every non-deleted rule.
type Filter struct {
	IDs            []string
	OwnerGroup     string
	Status         model.Status
	Approval       model.ApprovalStatus
	IncludeDeleted bool
}

// Matches reports whether the rule satisfies the filter.
func (f *Filter) Matches(rule *model.Rule) bool {
	if rule == nil {
		return false
	}
	if !f.IncludeDeleted && rule.IsDeleted() {
		return false
	}
	if f.OwnerGroup != "" && rule.OwnerGroup != f.OwnerGroup {
		return false
	}
	if f.Status != "" && rule.Status != f.Status {
		return false
	}
	if f.Approval != "" && rule.Approval != f.Approval {
		return false
	}
	if len(f.IDs) > 0 {
		found := false
		for _, id := range f.IDs {
			if id == rule.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ScopeKind identifies how a backup scope selects rules.
type ScopeKind string

const (
	// ScopeGroup selects rules by owner group.
	ScopeGroup ScopeKind = "group"
	// ScopeCustom selects rules by custom group membership.
	ScopeCustom ScopeKind = "custom"
)

// Scope identifies the set of rules a snapshot covers.
type Scope struct {
	Kind ScopeKind `json:"kind" yaml:"kind"`
	Name string    `json:"name" yaml:"name"`
}

// Key returns a stable identifier for the scope.
func (s Scope) Key() string {
	return string(s.Kind) + ":" + s.Name
}

// Snapshot is a versioned, immutable capture of a scope's rules.
type Snapshot struct {
	Scope      Scope     `json:"scope"`
	Version    int       `json:"version"`
	Blob       []byte    `json:"blob"`
	CapturedAt time.Time `json:"capturedAt"`
}

// Store is the persistence contract for rules and every record that hangs
// off them.  Implementations must be safe for concurrent use.
type Store interface {
	// GetRule returns the rule or ErrNotFound.  Deleted rules are returned;
	// callers decide whether tombstones are visible.
	GetRule(ctx context.Context, id string) (*model.Rule, error)

	// ListRules returns rules matching the filter, ordered by name.
	ListRules(ctx context.Context, filter Filter) ([]*model.Rule, error)

	// PutRule inserts or updates a rule.  expectedVersion must match the
	// stored version (0 for inserts); on success the rule's version is
	// bumped and the new version returned, otherwise ErrVersionConflict.
	PutRule(ctx context.Context, rule *model.Rule, expectedVersion int) (int, error)

	// DeleteRule removes the rule record outright.  Lifecycle soft-deletion
	// goes through PutRule; this is for restore reconciliation.
	DeleteRule(ctx context.Context, id string) error

	// ExecuteStatement runs a rule statement and returns its result.
	ExecuteStatement(ctx context.Context, text string) (*Result, error)

	// ReplaceStages atomically replaces the approval stages of a rule.
	ReplaceStages(ctx context.Context, ruleID string, stages []*model.Stage) error

	// SaveStage updates a single stage record.
	SaveStage(ctx context.Context, stage *model.Stage) error

	// ListStages returns the stages of a rule ordered by ordinal.
	ListStages(ctx context.Context, ruleID string) ([]*model.Stage, error)

	// SaveGroup upserts an owner group.
	SaveGroup(ctx context.Context, group *model.Group) error

	// GetGroup returns the owner group or ErrNotFound.
	GetGroup(ctx context.Context, name string) (*model.Group, error)

	// ListGroups returns all owner groups ordered by name.
	ListGroups(ctx context.Context) ([]*model.Group, error)

	// DeleteGroup removes an owner group.
	DeleteGroup(ctx context.Context, name string) error

	// SaveCustomGroup upserts a custom group.
	SaveCustomGroup(ctx context.Context, group *model.CustomGroup) error

	// GetCustomGroup returns the custom group or ErrNotFound.
	GetCustomGroup(ctx context.Context, name string) (*model.CustomGroup, error)

	// ListCustomGroups returns all custom groups ordered by name.
	ListCustomGroups(ctx context.Context) ([]*model.CustomGroup, error)

	// DeleteCustomGroup removes a custom group.
	DeleteCustomGroup(ctx context.Context, name string) error

	// ReplaceDependencies replaces the table dependencies extracted from a
	// rule's statement.
	ReplaceDependencies(ctx context.Context, ruleID string, deps []*model.Dependency) error

	// ListDependencies returns dependencies, optionally filtered by rule id
	// (empty id returns all).
	ListDependencies(ctx context.Context, ruleID string) ([]*model.Dependency, error)

	// SaveMapping upserts a column mapping.
	SaveMapping(ctx context.Context, mapping *model.Mapping) error

	// DeleteMapping removes a column mapping by id.
	DeleteMapping(ctx context.Context, id string) error

	// ListMappings returns mappings referencing the rule on either side
	// (empty id returns all).
	ListMappings(ctx context.Context, ruleID string) ([]*model.Mapping, error)

	// AppendAudit appends an entry to the audit log.  The log is append
	// only; there is no update or delete.
	AppendAudit(ctx context.Context, entry *model.AuditEntry) error

	// ReadAudit returns the most recent entries, newest first, up to limit
	// (0 means all).
	ReadAudit(ctx context.Context, limit int) ([]*model.AuditEntry, error)

	// PutSnapshot stores a new snapshot for the scope and returns its
	// version (previous max for the scope plus one).
	PutSnapshot(ctx context.Context, scope Scope, blob []byte) (int, error)

	// GetSnapshot returns the snapshot blob for the scope and version, or
	// ErrSnapshotNotFound.  Version 0 selects the latest.
	GetSnapshot(ctx context.Context, scope Scope, version int) (*Snapshot, error)

	// ListSnapshots returns snapshot metadata for the scope ordered by
	// version; Blob is omitted.
	ListSnapshots(ctx context.Context, scope Scope) ([]*Snapshot, error)
}

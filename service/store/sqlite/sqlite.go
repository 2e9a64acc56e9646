// Package sqlite provides a store.Store backed by a SQLite database.  Rule
// statements are executed against the same database, so governed rules can
// probe the data they were written for without extra wiring.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/viant/regula/internal/clock"
	"github.com/viant/regula/model"
	"github.com/viant/regula/service/statement"
	"github.com/viant/regula/service/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS rules (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	owner_group TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT '',
	approval    TEXT NOT NULL DEFAULT '',
	version     INTEGER NOT NULL,
	data        TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS stages (
	rule_id        TEXT NOT NULL,
	ordinal        INTEGER NOT NULL,
	approver       TEXT NOT NULL,
	roster_version INTEGER NOT NULL DEFAULT 0,
	approved       INTEGER NOT NULL DEFAULT 0,
	decided_at     TEXT,
	PRIMARY KEY (rule_id, ordinal)
);
CREATE TABLE IF NOT EXISTS groups (
	name        TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	email       TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS custom_groups (
	name TEXT PRIMARY KEY,
	data TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS dependencies (
	rule_id     TEXT NOT NULL,
	schema_name TEXT NOT NULL DEFAULT '',
	table_name  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS mappings (
	id             TEXT PRIMARY KEY,
	rule_id        TEXT NOT NULL,
	source_rule_id TEXT NOT NULL DEFAULT '',
	source_column  TEXT NOT NULL DEFAULT '',
	target_column  TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS audit_log (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	id        TEXT NOT NULL,
	action    TEXT NOT NULL,
	entity    TEXT NOT NULL,
	record_id TEXT NOT NULL,
	actor     TEXT NOT NULL,
	before    TEXT,
	after     TEXT,
	at        TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshots (
	scope_kind  TEXT NOT NULL,
	scope_name  TEXT NOT NULL,
	version     INTEGER NOT NULL,
	blob        BLOB NOT NULL,
	captured_at TEXT NOT NULL,
	PRIMARY KEY (scope_kind, scope_name, version)
);
`

// Store is a SQLite-backed implementation of store.Store.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dsn and initialises the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %q: %w", dsn, err)
	}
	// modernc sqlite serialises writes per connection
	db.SetMaxOpenConns(1)
	ret := &Store{db: db}
	if err = ret.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ret, nil
}

// NewWithDB wraps an existing database handle and initialises the schema.
func NewWithDB(ctx context.Context, db *sql.DB) (*Store, error) {
	ret := &Store{db: db}
	if err := ret.init(ctx); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *Store) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialise schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so callers can seed tables rule
// statements run against.
func (s *Store) DB() *sql.DB {
	return s.db
}

// GetRule implements store.Store.
func (s *Store) GetRule(ctx context.Context, id string) (*model.Rule, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM rules WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule %q: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rule %q: %w", id, err)
	}
	return decodeRule(data)
}

// ListRules implements store.Store.
func (s *Store) ListRules(ctx context.Context, filter store.Filter) ([]*model.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM rules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()
	var out []*model.Rule
	for rows.Next() {
		var data string
		if err = rows.Scan(&data); err != nil {
			return nil, err
		}
		rule, err := decodeRule(data)
		if err != nil {
			return nil, err
		}
		if filter.Matches(rule) {
			out = append(out, rule)
		}
	}
	return out, rows.Err()
}

// PutRule implements store.Store with optimistic locking.
func (s *Store) PutRule(ctx context.Context, rule *model.Rule, expectedVersion int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	current := 0
	err = tx.QueryRowContext(ctx, `SELECT version FROM rules WHERE id = ?`, rule.ID).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to load rule %q version: %w", rule.ID, err)
	}
	if current != expectedVersion {
		return 0, fmt.Errorf("rule %q: expected version %d, stored %d: %w",
			rule.ID, expectedVersion, current, store.ErrVersionConflict)
	}
	stored := rule.Clone()
	stored.Version = current + 1
	data, err := json.Marshal(stored)
	if err != nil {
		return 0, fmt.Errorf("failed to encode rule %q: %w", rule.ID, err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO rules(id, name, owner_group, status, approval, version, data)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			owner_group = excluded.owner_group,
			status = excluded.status,
			approval = excluded.approval,
			version = excluded.version,
			data = excluded.data`,
		stored.ID, stored.Name, stored.OwnerGroup, string(stored.Status), string(stored.Approval), stored.Version, string(data))
	if err != nil {
		return 0, fmt.Errorf("failed to save rule %q: %w", rule.ID, err)
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return stored.Version, nil
}

// DeleteRule implements store.Store.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	return err
}

// ExecuteStatement implements store.Store.  SELECT statements return the
// first column of the first row, or NoRow on an empty result; DML returns
// the affected row count.
func (s *Store) ExecuteStatement(ctx context.Context, text string) (*store.Result, error) {
	analysis, err := statement.Analyze(text)
	if err != nil {
		return nil, err
	}
	if analysis.Kind == statement.KindSelect {
		rows, err := s.db.QueryContext(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("statement failed: %w", err)
		}
		defer rows.Close()
		if !rows.Next() {
			return &store.Result{NoRow: true}, rows.Err()
		}
		columns, err := rows.Columns()
		if err != nil {
			return nil, err
		}
		values := make([]interface{}, len(columns))
		holders := make([]interface{}, len(columns))
		for i := range values {
			holders[i] = &values[i]
		}
		if err = rows.Scan(holders...); err != nil {
			return nil, err
		}
		return &store.Result{Value: values[0]}, nil
	}
	result, err := s.db.ExecContext(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("statement failed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	return &store.Result{Value: affected}, nil
}

// ReplaceStages implements store.Store.
func (s *Store) ReplaceStages(ctx context.Context, ruleID string, stages []*model.Stage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err = tx.ExecContext(ctx, `DELETE FROM stages WHERE rule_id = ?`, ruleID); err != nil {
		return err
	}
	for _, stage := range stages {
		if err = saveStage(ctx, tx, stage); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SaveStage implements store.Store.
func (s *Store) SaveStage(ctx context.Context, stage *model.Stage) error {
	return saveStage(ctx, s.db, stage)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func saveStage(ctx context.Context, db execer, stage *model.Stage) error {
	var decidedAt interface{}
	if stage.DecidedAt != nil {
		decidedAt = stage.DecidedAt.Format(time.RFC3339Nano)
	}
	_, err := db.ExecContext(ctx, `INSERT INTO stages(rule_id, ordinal, approver, roster_version, approved, decided_at)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_id, ordinal) DO UPDATE SET
			approver = excluded.approver,
			roster_version = excluded.roster_version,
			approved = excluded.approved,
			decided_at = excluded.decided_at`,
		stage.RuleID, stage.Ordinal, stage.Approver, stage.RosterVersion, boolInt(stage.Approved), decidedAt)
	return err
}

// ListStages implements store.Store.
func (s *Store) ListStages(ctx context.Context, ruleID string) ([]*model.Stage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT rule_id, ordinal, approver, roster_version, approved, decided_at
		FROM stages WHERE rule_id = ? ORDER BY ordinal`, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Stage
	for rows.Next() {
		stage := &model.Stage{}
		var approved int
		var decidedAt sql.NullString
		if err = rows.Scan(&stage.RuleID, &stage.Ordinal, &stage.Approver, &stage.RosterVersion, &approved, &decidedAt); err != nil {
			return nil, err
		}
		stage.Approved = approved != 0
		if decidedAt.Valid {
			at, err := time.Parse(time.RFC3339Nano, decidedAt.String)
			if err != nil {
				return nil, err
			}
			stage.DecidedAt = &at
		}
		out = append(out, stage)
	}
	return out, rows.Err()
}

// SaveGroup implements store.Store.
func (s *Store) SaveGroup(ctx context.Context, group *model.Group) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO groups(name, description, email) VALUES(?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET description = excluded.description, email = excluded.email`,
		group.Name, group.Description, group.Email)
	return err
}

// GetGroup implements store.Store.
func (s *Store) GetGroup(ctx context.Context, name string) (*model.Group, error) {
	group := &model.Group{}
	err := s.db.QueryRowContext(ctx, `SELECT name, description, email FROM groups WHERE name = ?`, name).
		Scan(&group.Name, &group.Description, &group.Email)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("group %q: %w", name, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return group, nil
}

// ListGroups implements store.Store.
func (s *Store) ListGroups(ctx context.Context) ([]*model.Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, description, email FROM groups ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Group
	for rows.Next() {
		group := &model.Group{}
		if err = rows.Scan(&group.Name, &group.Description, &group.Email); err != nil {
			return nil, err
		}
		out = append(out, group)
	}
	return out, rows.Err()
}

// DeleteGroup implements store.Store.
func (s *Store) DeleteGroup(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE name = ?`, name)
	return err
}

// SaveCustomGroup implements store.Store.
func (s *Store) SaveCustomGroup(ctx context.Context, group *model.CustomGroup) error {
	data, err := json.Marshal(group)
	if err != nil {
		return fmt.Errorf("failed to encode custom group %q: %w", group.Name, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO custom_groups(name, data) VALUES(?, ?)
		ON CONFLICT(name) DO UPDATE SET data = excluded.data`, group.Name, string(data))
	return err
}

// GetCustomGroup implements store.Store.
func (s *Store) GetCustomGroup(ctx context.Context, name string) (*model.CustomGroup, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM custom_groups WHERE name = ?`, name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("custom group %q: %w", name, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	group := &model.CustomGroup{}
	if err = json.Unmarshal([]byte(data), group); err != nil {
		return nil, err
	}
	return group, nil
}

// ListCustomGroups implements store.Store.
func (s *Store) ListCustomGroups(ctx context.Context) ([]*model.CustomGroup, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM custom_groups ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.CustomGroup
	for rows.Next() {
		var data string
		if err = rows.Scan(&data); err != nil {
			return nil, err
		}
		group := &model.CustomGroup{}
		if err = json.Unmarshal([]byte(data), group); err != nil {
			return nil, err
		}
		out = append(out, group)
	}
	return out, rows.Err()
}

// DeleteCustomGroup implements store.Store.
func (s *Store) DeleteCustomGroup(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM custom_groups WHERE name = ?`, name)
	return err
}

// ReplaceDependencies implements store.Store.
func (s *Store) ReplaceDependencies(ctx context.Context, ruleID string, deps []*model.Dependency) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err = tx.ExecContext(ctx, `DELETE FROM dependencies WHERE rule_id = ?`, ruleID); err != nil {
		return err
	}
	for _, dep := range deps {
		_, err = tx.ExecContext(ctx, `INSERT INTO dependencies(rule_id, schema_name, table_name) VALUES(?, ?, ?)`,
			dep.RuleID, dep.Table.Schema, dep.Table.Name)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListDependencies implements store.Store.
func (s *Store) ListDependencies(ctx context.Context, ruleID string) ([]*model.Dependency, error) {
	query := `SELECT rule_id, schema_name, table_name FROM dependencies ORDER BY rule_id, schema_name, table_name`
	args := []interface{}{}
	if ruleID != "" {
		query = `SELECT rule_id, schema_name, table_name FROM dependencies WHERE rule_id = ? ORDER BY schema_name, table_name`
		args = append(args, ruleID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Dependency
	for rows.Next() {
		dep := &model.Dependency{}
		if err = rows.Scan(&dep.RuleID, &dep.Table.Schema, &dep.Table.Name); err != nil {
			return nil, err
		}
		out = append(out, dep)
	}
	return out, rows.Err()
}

// SaveMapping implements store.Store.
func (s *Store) SaveMapping(ctx context.Context, mapping *model.Mapping) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO mappings(id, rule_id, source_rule_id, source_column, target_column)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			rule_id = excluded.rule_id,
			source_rule_id = excluded.source_rule_id,
			source_column = excluded.source_column,
			target_column = excluded.target_column`,
		mapping.ID, mapping.RuleID, mapping.SourceRuleID, mapping.SourceColumn, mapping.TargetColumn)
	return err
}

// DeleteMapping implements store.Store.
func (s *Store) DeleteMapping(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mappings WHERE id = ?`, id)
	return err
}

// ListMappings implements store.Store.
func (s *Store) ListMappings(ctx context.Context, ruleID string) ([]*model.Mapping, error) {
	query := `SELECT id, rule_id, source_rule_id, source_column, target_column FROM mappings ORDER BY id`
	args := []interface{}{}
	if ruleID != "" {
		query = `SELECT id, rule_id, source_rule_id, source_column, target_column FROM mappings
			WHERE rule_id = ? OR source_rule_id = ? ORDER BY id`
		args = append(args, ruleID, ruleID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Mapping
	for rows.Next() {
		mapping := &model.Mapping{}
		if err = rows.Scan(&mapping.ID, &mapping.RuleID, &mapping.SourceRuleID, &mapping.SourceColumn, &mapping.TargetColumn); err != nil {
			return nil, err
		}
		out = append(out, mapping)
	}
	return out, rows.Err()
}

// AppendAudit implements store.Store.
func (s *Store) AppendAudit(ctx context.Context, entry *model.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_log(id, action, entity, record_id, actor, before, after, at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.Action), entry.Entity, entry.RecordID, entry.Actor,
		string(entry.Before), string(entry.After), entry.At.Format(time.RFC3339Nano))
	return err
}

// ReadAudit implements store.Store, newest first.
func (s *Store) ReadAudit(ctx context.Context, limit int) ([]*model.AuditEntry, error) {
	query := `SELECT id, action, entity, record_id, actor, before, after, at FROM audit_log ORDER BY seq DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.AuditEntry
	for rows.Next() {
		entry := &model.AuditEntry{}
		var action, before, after, at string
		if err = rows.Scan(&entry.ID, &action, &entry.Entity, &entry.RecordID, &entry.Actor, &before, &after, &at); err != nil {
			return nil, err
		}
		entry.Action = model.AuditAction(action)
		if before != "" {
			entry.Before = json.RawMessage(before)
		}
		if after != "" {
			entry.After = json.RawMessage(after)
		}
		if entry.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// PutSnapshot implements store.Store with per-scope version numbering.
func (s *Store) PutSnapshot(ctx context.Context, scope store.Scope, blob []byte) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	version := 0
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM snapshots WHERE scope_kind = ? AND scope_name = ?`,
		string(scope.Kind), scope.Name).Scan(&version)
	if err != nil {
		return 0, err
	}
	version++
	_, err = tx.ExecContext(ctx, `INSERT INTO snapshots(scope_kind, scope_name, version, blob, captured_at) VALUES(?, ?, ?, ?, ?)`,
		string(scope.Kind), scope.Name, version, blob, clock.Now().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return version, nil
}

// GetSnapshot implements store.Store; version 0 selects the latest.
func (s *Store) GetSnapshot(ctx context.Context, scope store.Scope, version int) (*store.Snapshot, error) {
	query := `SELECT version, blob, captured_at FROM snapshots WHERE scope_kind = ? AND scope_name = ?`
	args := []interface{}{string(scope.Kind), scope.Name}
	if version > 0 {
		query += ` AND version = ?`
		args = append(args, version)
	} else {
		query += ` ORDER BY version DESC LIMIT 1`
	}
	snapshot := &store.Snapshot{Scope: scope}
	var capturedAt string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&snapshot.Version, &snapshot.Blob, &capturedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("scope %q version %d: %w", scope.Key(), version, store.ErrSnapshotNotFound)
	}
	if err != nil {
		return nil, err
	}
	if snapshot.CapturedAt, err = time.Parse(time.RFC3339Nano, capturedAt); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// ListSnapshots implements store.Store.
func (s *Store) ListSnapshots(ctx context.Context, scope store.Scope) ([]*store.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version, captured_at FROM snapshots WHERE scope_kind = ? AND scope_name = ? ORDER BY version`,
		string(scope.Kind), scope.Name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Snapshot
	for rows.Next() {
		snapshot := &store.Snapshot{Scope: scope}
		var capturedAt string
		if err = rows.Scan(&snapshot.Version, &capturedAt); err != nil {
			return nil, err
		}
		if snapshot.CapturedAt, err = time.Parse(time.RFC3339Nano, capturedAt); err != nil {
			return nil, err
		}
		out = append(out, snapshot)
	}
	return out, rows.Err()
}

func decodeRule(data string) (*model.Rule, error) {
	rule := &model.Rule{}
	if err := json.Unmarshal([]byte(data), rule); err != nil {
		return nil, fmt.Errorf("failed to decode rule: %w", err)
	}
	return rule, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

var _ store.Store = (*Store)(nil)

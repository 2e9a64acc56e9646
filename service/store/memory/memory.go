// Package memory provides an in-memory store.Store used by tests, the
// examples and single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/viant/regula/internal/clock"
	"github.com/viant/regula/model"
	"github.com/viant/regula/service/dao"
	dstore "github.com/viant/regula/service/dao/store"
	"github.com/viant/regula/service/store"
)

// StatementHandler evaluates a rule statement.  The in-memory store has no
// SQL engine of its own, so callers plug one in; tests typically map
// statement text to canned results.
type StatementHandler func(ctx context.Context, text string) (*store.Result, error)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu    sync.RWMutex
	rules map[string]*model.Rule

	stages       *dstore.MemoryStore[model.StageKey, model.Stage]
	groups       *dstore.MemoryStore[string, model.Group]
	customGroups *dstore.MemoryStore[string, model.CustomGroup]
	mappings     *dstore.MemoryStore[string, model.Mapping]

	depMu sync.RWMutex
	deps  map[string][]*model.Dependency

	auditMu sync.RWMutex
	audit   []*model.AuditEntry

	snapMu    sync.RWMutex
	snapshots map[string][]*store.Snapshot

	handler StatementHandler
}

// Option customises the in-memory store.
type Option func(*Store)

// WithStatementHandler installs the statement evaluator.
func WithStatementHandler(handler StatementHandler) Option {
	return func(s *Store) {
		s.handler = handler
	}
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	ret := &Store{
		rules:        make(map[string]*model.Rule),
		stages:       dstore.NewMemoryStore[model.StageKey, model.Stage]((*model.Stage).Key),
		groups:       dstore.NewMemoryStore[string, model.Group](func(g *model.Group) string { return g.Name }),
		customGroups: dstore.NewMemoryStore[string, model.CustomGroup](func(g *model.CustomGroup) string { return g.Name }),
		mappings:     dstore.NewMemoryStore[string, model.Mapping](func(m *model.Mapping) string { return m.ID }),
		deps:         make(map[string][]*model.Dependency),
		snapshots:    make(map[string][]*store.Snapshot),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// GetRule implements store.Store.
func (s *Store) GetRule(_ context.Context, id string) (*model.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule %q: %w", id, store.ErrNotFound)
	}
	return rule.Clone(), nil
}

// ListRules implements store.Store.
func (s *Store) ListRules(_ context.Context, filter store.Filter) ([]*model.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Rule
	for _, rule := range s.rules {
		if filter.Matches(rule) {
			out = append(out, rule.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// PutRule implements store.Store with optimistic locking.
func (s *Store) PutRule(_ context.Context, rule *model.Rule, expectedVersion int) (int, error) {
	if rule == nil {
		return 0, dao.ErrNilEntity
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current := 0
	if prev, ok := s.rules[rule.ID]; ok {
		current = prev.Version
	}
	if current != expectedVersion {
		return 0, fmt.Errorf("rule %q: expected version %d, stored %d: %w",
			rule.ID, expectedVersion, current, store.ErrVersionConflict)
	}
	stored := rule.Clone()
	stored.Version = current + 1
	s.rules[rule.ID] = stored
	return stored.Version, nil
}

// DeleteRule implements store.Store.
func (s *Store) DeleteRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, id)
	return nil
}

// ExecuteStatement implements store.Store by delegating to the configured
// handler.
func (s *Store) ExecuteStatement(ctx context.Context, text string) (*store.Result, error) {
	if s.handler == nil {
		return nil, fmt.Errorf("no statement handler configured")
	}
	return s.handler(ctx, text)
}

// ReplaceStages implements store.Store.
func (s *Store) ReplaceStages(ctx context.Context, ruleID string, stages []*model.Stage) error {
	existing, err := s.ListStages(ctx, ruleID)
	if err != nil {
		return err
	}
	for _, stage := range existing {
		if err = s.stages.Delete(ctx, stage.Key()); err != nil {
			return err
		}
	}
	for _, stage := range stages {
		if err = s.stages.Save(ctx, stage); err != nil {
			return err
		}
	}
	return nil
}

// SaveStage implements store.Store.
func (s *Store) SaveStage(ctx context.Context, stage *model.Stage) error {
	return s.stages.Save(ctx, stage)
}

// ListStages implements store.Store.
func (s *Store) ListStages(ctx context.Context, ruleID string) ([]*model.Stage, error) {
	all, err := s.stages.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*model.Stage
	for _, stage := range all {
		if stage.RuleID == ruleID {
			out = append(out, stage)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

// SaveGroup implements store.Store.
func (s *Store) SaveGroup(ctx context.Context, group *model.Group) error {
	return s.groups.Save(ctx, group)
}

// GetGroup implements store.Store.
func (s *Store) GetGroup(ctx context.Context, name string) (*model.Group, error) {
	group, err := s.groups.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, fmt.Errorf("group %q: %w", name, store.ErrNotFound)
	}
	return group, nil
}

// ListGroups implements store.Store.
func (s *Store) ListGroups(ctx context.Context) ([]*model.Group, error) {
	out, err := s.groups.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteGroup implements store.Store.
func (s *Store) DeleteGroup(ctx context.Context, name string) error {
	return s.groups.Delete(ctx, name)
}

// SaveCustomGroup implements store.Store.
func (s *Store) SaveCustomGroup(ctx context.Context, group *model.CustomGroup) error {
	return s.customGroups.Save(ctx, group)
}

// GetCustomGroup implements store.Store.
func (s *Store) GetCustomGroup(ctx context.Context, name string) (*model.CustomGroup, error) {
	group, err := s.customGroups.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, fmt.Errorf("custom group %q: %w", name, store.ErrNotFound)
	}
	return group, nil
}

// ListCustomGroups implements store.Store.
func (s *Store) ListCustomGroups(ctx context.Context) ([]*model.CustomGroup, error) {
	out, err := s.customGroups.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteCustomGroup implements store.Store.
func (s *Store) DeleteCustomGroup(ctx context.Context, name string) error {
	return s.customGroups.Delete(ctx, name)
}

// ReplaceDependencies implements store.Store.
func (s *Store) ReplaceDependencies(_ context.Context, ruleID string, deps []*model.Dependency) error {
	s.depMu.Lock()
	defer s.depMu.Unlock()
	if len(deps) == 0 {
		delete(s.deps, ruleID)
		return nil
	}
	s.deps[ruleID] = append([]*model.Dependency(nil), deps...)
	return nil
}

// ListDependencies implements store.Store.
func (s *Store) ListDependencies(_ context.Context, ruleID string) ([]*model.Dependency, error) {
	s.depMu.RLock()
	defer s.depMu.RUnlock()
	var out []*model.Dependency
	if ruleID != "" {
		out = append(out, s.deps[ruleID]...)
	} else {
		for _, deps := range s.deps {
			out = append(out, deps...)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RuleID != out[j].RuleID {
			return out[i].RuleID < out[j].RuleID
		}
		return out[i].Table.String() < out[j].Table.String()
	})
	return out, nil
}

// SaveMapping implements store.Store.
func (s *Store) SaveMapping(ctx context.Context, mapping *model.Mapping) error {
	return s.mappings.Save(ctx, mapping)
}

// DeleteMapping implements store.Store.
func (s *Store) DeleteMapping(ctx context.Context, id string) error {
	return s.mappings.Delete(ctx, id)
}

// ListMappings implements store.Store.
func (s *Store) ListMappings(ctx context.Context, ruleID string) ([]*model.Mapping, error) {
	all, err := s.mappings.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*model.Mapping
	for _, mapping := range all {
		if ruleID == "" || mapping.References(ruleID) {
			out = append(out, mapping)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AppendAudit implements store.Store.
func (s *Store) AppendAudit(_ context.Context, entry *model.AuditEntry) error {
	if entry == nil {
		return dao.ErrNilEntity
	}
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

// ReadAudit implements store.Store, newest first.
func (s *Store) ReadAudit(_ context.Context, limit int) ([]*model.AuditEntry, error) {
	s.auditMu.RLock()
	defer s.auditMu.RUnlock()
	n := len(s.audit)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*model.AuditEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.audit[i])
	}
	return out, nil
}

// PutSnapshot implements store.Store with per-scope version numbering.
func (s *Store) PutSnapshot(_ context.Context, scope store.Scope, blob []byte) (int, error) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	key := scope.Key()
	version := 1
	if existing := s.snapshots[key]; len(existing) > 0 {
		version = existing[len(existing)-1].Version + 1
	}
	snapshot := &store.Snapshot{
		Scope:      scope,
		Version:    version,
		Blob:       append([]byte(nil), blob...),
		CapturedAt: clock.Now(),
	}
	s.snapshots[key] = append(s.snapshots[key], snapshot)
	return version, nil
}

// GetSnapshot implements store.Store; version 0 selects the latest.
func (s *Store) GetSnapshot(_ context.Context, scope store.Scope, version int) (*store.Snapshot, error) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	existing := s.snapshots[scope.Key()]
	if len(existing) == 0 {
		return nil, fmt.Errorf("scope %q: %w", scope.Key(), store.ErrSnapshotNotFound)
	}
	if version == 0 {
		return existing[len(existing)-1], nil
	}
	for _, snapshot := range existing {
		if snapshot.Version == version {
			return snapshot, nil
		}
	}
	return nil, fmt.Errorf("scope %q version %d: %w", scope.Key(), version, store.ErrSnapshotNotFound)
}

// ListSnapshots implements store.Store.
func (s *Store) ListSnapshots(_ context.Context, scope store.Scope) ([]*store.Snapshot, error) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	existing := s.snapshots[scope.Key()]
	out := make([]*store.Snapshot, 0, len(existing))
	for _, snapshot := range existing {
		out = append(out, &store.Snapshot{
			Scope:      snapshot.Scope,
			Version:    snapshot.Version,
			CapturedAt: snapshot.CapturedAt,
		})
	}
	return out, nil
}

var _ store.Store = (*Store)(nil)

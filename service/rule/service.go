// Package rule implements the governed rule lifecycle: creation, content
// edits, activation, deactivation and deletion, each guarded by validation,
// table permissions, approval state and the audit trail.
package rule

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/viant/regula/internal/clock"
	"github.com/viant/regula/internal/idgen"
	"github.com/viant/regula/model"
	"github.com/viant/regula/model/graph"
	"github.com/viant/regula/policy"
	"github.com/viant/regula/service/approval"
	"github.com/viant/regula/service/audit"
	"github.com/viant/regula/service/notify"
	"github.com/viant/regula/service/statement"
	"github.com/viant/regula/service/store"
	"github.com/viant/regula/tracing"
)

// Service owns rule lifecycle mutations.  Mutations of the same rule are
// serialised; different rules proceed concurrently.
type Service struct {
	store    store.Store
	recorder *audit.Service
	approval *approval.Service
	notifier *notify.Service
	logger   *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option customises the rule service.
type Option func(*Service)

// WithLogger overrides the default no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithNotifier attaches a notification publisher.
func WithNotifier(notifier *notify.Service) Option {
	return func(s *Service) {
		s.notifier = notifier
	}
}

// New creates a rule lifecycle service.
func New(aStore store.Store, recorder *audit.Service, approvals *approval.Service, opts ...Option) *Service {
	ret := &Service{
		store:    aStore,
		recorder: recorder,
		approval: approvals,
		logger:   zap.NewNop(),
		locks:    map[string]*sync.Mutex{},
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// lock serialises mutations of a single rule.
func (s *Service) lock(ruleID string) func() {
	s.mu.Lock()
	m, ok := s.locks[ruleID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[ruleID] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Add creates a new rule.  The statement is analyzed for its operation kind
// and table dependencies; every referenced table must be permitted for the
// owner group by the context policy.  A fresh rule starts INACTIVE with
// approval stages generated from the roster; global rules bypass approval
// and activate immediately.
func (s *Service) Add(ctx context.Context, rule *model.Rule, actor string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "rule.add", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()

	if rule.ID == "" {
		rule.ID = idgen.New()
	}
	if err = rule.Validate(); err != nil {
		return err
	}
	unlock := s.lock(rule.ID)
	defer unlock()

	if _, err = s.store.GetRule(ctx, rule.ID); err == nil {
		return fmt.Errorf("rule %q already exists", rule.ID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	analysis, err := s.vetStatement(ctx, rule)
	if err != nil {
		return err
	}
	if err = s.checkParent(ctx, rule); err != nil {
		return err
	}
	if err = s.checkNameUnique(ctx, rule); err != nil {
		return err
	}

	rule.Operation = string(analysis.Kind)
	rule.Status = model.StatusInactive
	rule.CreatedBy = actor
	rule.CreatedAt = clock.Now()
	rule.UpdatedBy = actor

	status, stages, err := s.approval.GenerateStages(ctx, rule)
	if err != nil {
		return err
	}
	rule.Approval = status
	if status == model.ApprovalApproved {
		// bypassed approval (global rule or empty roster) activates outright
		rule.Status = model.StatusActive
	}

	version, err := s.store.PutRule(ctx, rule, 0)
	if err != nil {
		return err
	}
	rule.Version = version
	if err = s.store.ReplaceDependencies(ctx, rule.ID, toDependencies(rule.ID, analysis)); err != nil {
		_ = s.store.DeleteRule(ctx, rule.ID)
		return err
	}
	if _, err = s.recorder.Record(ctx, model.AuditAdd, "rule", rule.ID, actor, nil, rule); err != nil {
		// the mutation must not survive a lost audit entry
		_ = s.store.DeleteRule(ctx, rule.ID)
		_ = s.store.ReplaceDependencies(ctx, rule.ID, nil)
		_ = s.store.ReplaceStages(ctx, rule.ID, nil)
		return err
	}
	s.notifyStages(ctx, rule, stages)
	s.logger.Info("rule added", zap.String("ruleId", rule.ID), zap.String("actor", actor))
	return nil
}

// Update edits a rule's content.  Any partial approvals are discarded: the
// stages are regenerated and the rule leaves the APPROVED state, which also
// deactivates it unless approval is bypassed.  rule.Version must carry the
// version the caller last read; a mismatch fails with ErrVersionConflict.
func (s *Service) Update(ctx context.Context, rule *model.Rule, actor string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "rule.update", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()

	if err = rule.Validate(); err != nil {
		return err
	}
	unlock := s.lock(rule.ID)
	defer unlock()

	current, err := s.store.GetRule(ctx, rule.ID)
	if err != nil {
		return err
	}
	if current.IsDeleted() {
		return fmt.Errorf("rule %q is deleted", rule.ID)
	}
	if current.Version != rule.Version {
		return fmt.Errorf("rule %q: expected version %d, stored %d: %w",
			rule.ID, rule.Version, current.Version, store.ErrVersionConflict)
	}
	analysis, err := s.vetStatement(ctx, rule)
	if err != nil {
		return err
	}
	if rule.ParentID != current.ParentID {
		if err = s.checkParent(ctx, rule); err != nil {
			return err
		}
		if err = s.checkNoCycle(ctx, rule.ID, rule.ParentID); err != nil {
			return err
		}
	}
	if rule.Name != current.Name {
		if err = s.checkNameUnique(ctx, rule); err != nil {
			return err
		}
	}

	rule.Operation = string(analysis.Kind)
	rule.CreatedBy = current.CreatedBy
	rule.CreatedAt = current.CreatedAt
	rule.UpdatedBy = actor

	status, stages, err := s.approval.GenerateStages(ctx, rule)
	if err != nil {
		return err
	}
	rule.Approval = status
	if status == model.ApprovalApproved {
		rule.Status = model.StatusActive
	} else {
		// unapproved content must not keep executing
		rule.Status = model.StatusInactive
	}

	version, err := s.store.PutRule(ctx, rule, rule.Version)
	if err != nil {
		return err
	}
	rule.Version = version
	if err = s.store.ReplaceDependencies(ctx, rule.ID, toDependencies(rule.ID, analysis)); err != nil {
		restored := current.Clone()
		restored.Version = version
		if _, putErr := s.store.PutRule(ctx, restored, version); putErr != nil {
			s.logger.Error("failed to roll back rule after dependency write failure",
				zap.String("ruleId", rule.ID), zap.Error(putErr))
		}
		return err
	}
	if _, err = s.recorder.Record(ctx, model.AuditUpdate, "rule", rule.ID, actor, current, rule); err != nil {
		restored := current.Clone()
		restored.Version = version
		if _, putErr := s.store.PutRule(ctx, restored, version); putErr != nil {
			s.logger.Error("failed to roll back rule after audit failure",
				zap.String("ruleId", rule.ID), zap.Error(putErr))
		}
		return err
	}
	s.notifyStages(ctx, rule, stages)
	s.logger.Info("rule updated", zap.String("ruleId", rule.ID), zap.String("actor", actor))
	return nil
}

// Activate turns an approved rule on.  A child can only run under a running
// parent, so activation requires the parent (if any) to be ACTIVE.
func (s *Service) Activate(ctx context.Context, ruleID, actor string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "rule.activate", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()

	unlock := s.lock(ruleID)
	defer unlock()

	rule, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return err
	}
	if rule.IsDeleted() {
		return fmt.Errorf("rule %q is deleted", ruleID)
	}
	if rule.Approval != model.ApprovalApproved {
		return fmt.Errorf("rule %q is not approved", ruleID)
	}
	if rule.Status == model.StatusActive {
		return nil
	}
	if rule.ParentID != "" {
		parent, err := s.store.GetRule(ctx, rule.ParentID)
		if err != nil {
			return err
		}
		if parent.Status != model.StatusActive {
			return fmt.Errorf("parent rule %q is not active", rule.ParentID)
		}
	}
	return s.transition(ctx, rule, model.StatusActive, model.AuditActivate, actor)
}

// Deactivate turns a rule off.  Rules with active children cannot be
// deactivated; the children would be orphaned mid-run.
func (s *Service) Deactivate(ctx context.Context, ruleID, actor string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "rule.deactivate", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()

	unlock := s.lock(ruleID)
	defer unlock()

	rule, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return err
	}
	if rule.IsDeleted() {
		return fmt.Errorf("rule %q is deleted", ruleID)
	}
	if rule.Status != model.StatusActive {
		return nil
	}
	active, err := s.activeChildren(ctx, ruleID)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return fmt.Errorf("rule %q has %d active child rule(s)", ruleID, len(active))
	}
	return s.transition(ctx, rule, model.StatusInactive, model.AuditDeactivate, actor)
}

// Delete tombstones a rule.  Deletion requires the rule to be approved,
// inactive, without active children and unreferenced by column mappings; the
// record is kept as a DELETED tombstone so history and audit references stay
// intact.
func (s *Service) Delete(ctx context.Context, ruleID, actor string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "rule.delete", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()

	unlock := s.lock(ruleID)
	defer unlock()

	rule, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return err
	}
	if rule.IsDeleted() {
		return nil
	}
	if rule.Approval != model.ApprovalApproved {
		return fmt.Errorf("rule %q is not approved", ruleID)
	}
	if rule.Status != model.StatusInactive {
		return fmt.Errorf("rule %q must be deactivated first", ruleID)
	}
	active, err := s.activeChildren(ctx, ruleID)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return fmt.Errorf("rule %q has %d active child rule(s)", ruleID, len(active))
	}
	mappings, err := s.store.ListMappings(ctx, ruleID)
	if err != nil {
		return err
	}
	if len(mappings) > 0 {
		return fmt.Errorf("rule %q is referenced by %d column mapping(s)", ruleID, len(mappings))
	}
	return s.transition(ctx, rule, model.StatusDeleted, model.AuditDelete, actor)
}

// transition applies a status change with optimistic locking and an audited,
// rolled-back-on-failure write.
func (s *Service) transition(ctx context.Context, rule *model.Rule, status model.Status, action model.AuditAction, actor string) error {
	before := rule.Clone()
	rule.Status = status
	rule.UpdatedBy = actor
	version, err := s.store.PutRule(ctx, rule, rule.Version)
	if err != nil {
		return err
	}
	rule.Version = version
	if _, err = s.recorder.Record(ctx, action, "rule", rule.ID, actor, before, rule); err != nil {
		restored := before.Clone()
		restored.Version = version
		if _, putErr := s.store.PutRule(ctx, restored, version); putErr != nil {
			s.logger.Error("failed to roll back rule after audit failure",
				zap.String("ruleId", rule.ID), zap.Error(putErr))
		}
		return err
	}
	if s.notifier != nil {
		_ = s.notifier.NotifyGroup(ctx, rule.OwnerGroup,
			fmt.Sprintf("Rule %s: %s", rule.Name, action),
			fmt.Sprintf("Rule %q changed status to %s.", rule.Name, status), rule.ID)
	}
	s.logger.Info("rule status changed",
		zap.String("ruleId", rule.ID),
		zap.String("status", string(status)),
		zap.String("actor", actor))
	return nil
}

// Get returns the rule, tombstones included.
func (s *Service) Get(ctx context.Context, ruleID string) (*model.Rule, error) {
	return s.store.GetRule(ctx, ruleID)
}

// List returns rules matching the filter.
func (s *Service) List(ctx context.Context, filter store.Filter) ([]*model.Rule, error) {
	return s.store.ListRules(ctx, filter)
}

// Dependencies returns the table dependencies harvested from the rule's
// statement.
func (s *Service) Dependencies(ctx context.Context, ruleID string) ([]*model.Dependency, error) {
	return s.store.ListDependencies(ctx, ruleID)
}

// LinkColumns records a column mapping between two rules.  Both sides must
// exist and be undeleted.
func (s *Service) LinkColumns(ctx context.Context, mapping *model.Mapping, actor string) error {
	if mapping.RuleID == "" || mapping.SourceRuleID == "" {
		return model.NewValidationError("mapping", "both rule ids are required")
	}
	for _, id := range []string{mapping.RuleID, mapping.SourceRuleID} {
		rule, err := s.store.GetRule(ctx, id)
		if err != nil {
			return err
		}
		if rule.IsDeleted() {
			return fmt.Errorf("rule %q is deleted", id)
		}
	}
	if mapping.ID == "" {
		mapping.ID = idgen.New()
	}
	if err := s.store.SaveMapping(ctx, mapping); err != nil {
		return err
	}
	if _, err := s.recorder.Record(ctx, model.AuditAdd, "mapping", mapping.ID, actor, nil, mapping); err != nil {
		_ = s.store.DeleteMapping(ctx, mapping.ID)
		return err
	}
	return nil
}

// UnlinkColumns removes a column mapping.
func (s *Service) UnlinkColumns(ctx context.Context, mappingID, actor string) error {
	mappings, err := s.store.ListMappings(ctx, "")
	if err != nil {
		return err
	}
	var before *model.Mapping
	for _, mapping := range mappings {
		if mapping.ID == mappingID {
			before = mapping
			break
		}
	}
	if before == nil {
		return fmt.Errorf("mapping %q: %w", mappingID, store.ErrNotFound)
	}
	if err = s.store.DeleteMapping(ctx, mappingID); err != nil {
		return err
	}
	if _, err = s.recorder.Record(ctx, model.AuditDelete, "mapping", mappingID, actor, before, nil); err != nil {
		_ = s.store.SaveMapping(ctx, before)
		return err
	}
	return nil
}

// vetStatement analyzes the statement and checks each referenced table
// against the context policy for the rule's owner group.
func (s *Service) vetStatement(ctx context.Context, rule *model.Rule) (*statement.Analysis, error) {
	analysis, err := statement.Analyze(rule.Statement)
	if err != nil {
		return nil, model.NewValidationError("statement", err.Error())
	}
	pol := policy.FromContext(ctx)
	for _, table := range analysis.Tables {
		if !pol.IsAllowed(rule.OwnerGroup, table.String()) {
			return nil, fmt.Errorf("group %q may not reference table %q", rule.OwnerGroup, table.String())
		}
	}
	return analysis, nil
}

// checkParent verifies the parent rule exists and is not deleted.
func (s *Service) checkParent(ctx context.Context, rule *model.Rule) error {
	if rule.ParentID == "" {
		return nil
	}
	parent, err := s.store.GetRule(ctx, rule.ParentID)
	if err != nil {
		return fmt.Errorf("parent of rule %q: %w", rule.ID, err)
	}
	if parent.IsDeleted() {
		return fmt.Errorf("parent rule %q is deleted", rule.ParentID)
	}
	return nil
}

// checkNoCycle walks the ancestor chain from parentID and fails when it
// reaches ruleID again.
func (s *Service) checkNoCycle(ctx context.Context, ruleID, parentID string) error {
	seen := map[string]bool{}
	for current := parentID; current != ""; {
		if current == ruleID {
			return fmt.Errorf("rule %q: re-parenting onto its own subtree: %w", ruleID, graph.ErrCycle)
		}
		if seen[current] {
			return fmt.Errorf("rule %q: %w", current, graph.ErrCycle)
		}
		seen[current] = true
		ancestor, err := s.store.GetRule(ctx, current)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		current = ancestor.ParentID
	}
	return nil
}

// checkNameUnique enforces name uniqueness within the owner group.
func (s *Service) checkNameUnique(ctx context.Context, rule *model.Rule) error {
	rules, err := s.store.ListRules(ctx, store.Filter{OwnerGroup: rule.OwnerGroup})
	if err != nil {
		return err
	}
	for _, existing := range rules {
		if existing.ID != rule.ID && existing.Name == rule.Name {
			return model.NewValidationError("name", fmt.Sprintf("%q already used within group %q", rule.Name, rule.OwnerGroup))
		}
	}
	return nil
}

func (s *Service) children(ctx context.Context, ruleID string) ([]*model.Rule, error) {
	rules, err := s.store.ListRules(ctx, store.Filter{})
	if err != nil {
		return nil, err
	}
	var out []*model.Rule
	for _, rule := range rules {
		if rule.ParentID == ruleID {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (s *Service) activeChildren(ctx context.Context, ruleID string) ([]*model.Rule, error) {
	children, err := s.children(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	var out []*model.Rule
	for _, child := range children {
		if child.Status == model.StatusActive {
			out = append(out, child)
		}
	}
	return out, nil
}

func (s *Service) notifyStages(ctx context.Context, rule *model.Rule, stages []*model.Stage) {
	if s.notifier == nil || len(stages) == 0 {
		return
	}
	if err := s.notifier.NotifyApprovers(ctx, rule, stages); err != nil {
		s.logger.Warn("failed to notify approvers", zap.String("ruleId", rule.ID), zap.Error(err))
	}
}

func toDependencies(ruleID string, analysis *statement.Analysis) []*model.Dependency {
	out := make([]*model.Dependency, 0, len(analysis.Tables))
	for _, table := range analysis.Tables {
		out = append(out, &model.Dependency{RuleID: ruleID, Table: table})
	}
	return out
}

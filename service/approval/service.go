// Package approval implements the multi-stage approval workflow: stage
// generation from the owner group's approver roster, per-approver decisions
// and the transition of a rule into the APPROVED state once every stage is
// complete.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/viant/regula/internal/clock"
	"github.com/viant/regula/model"
	"github.com/viant/regula/service/audit"
	"github.com/viant/regula/service/messaging"
	qmem "github.com/viant/regula/service/messaging/memory"
	"github.com/viant/regula/service/store"
)

// ErrStale signals an approval decision made against a state that no longer
// exists: the stage was already decided, the approver has no pending stage,
// or the stages were regenerated after a content edit.
var ErrStale = errors.New("stale approval")

// Service drives the approval workflow.  Stage writes of the same rule are
// serialised; different rules proceed concurrently.
type Service struct {
	store    store.Store
	recorder *audit.Service
	events   messaging.Queue[Event]
	logger   *zap.Logger

	mu     sync.RWMutex
	roster *model.Roster

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// Option customises the approval service.
type Option func(*Service)

// WithLogger overrides the default no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithQueue overrides the default in-memory event queue.
func WithQueue(queue messaging.Queue[Event]) Option {
	return func(s *Service) {
		s.events = queue
	}
}

// New creates an approval service.  roster may be nil; stage generation then
// treats every group as having no approvers.
func New(aStore store.Store, recorder *audit.Service, roster *model.Roster, opts ...Option) *Service {
	ret := &Service{
		store:    aStore,
		recorder: recorder,
		roster:   roster,
		events:   qmem.NewQueue[Event](qmem.DefaultConfig()),
		logger:   zap.NewNop(),
		locks:    map[string]*sync.Mutex{},
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// lock serialises stage mutations of a single rule.
func (s *Service) lock(ruleID string) func() {
	s.lockMu.Lock()
	m, ok := s.locks[ruleID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[ruleID] = m
	}
	s.lockMu.Unlock()
	m.Lock()
	return m.Unlock
}

// Queue exposes the approval event queue for consumers.
func (s *Service) Queue() messaging.Queue[Event] {
	return s.events
}

// SetRoster swaps the approver roster.  Stages already generated keep their
// original roster version and decisions against them become stale.
func (s *Service) SetRoster(roster *model.Roster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roster = roster
}

// Roster returns the current roster.
func (s *Service) Roster() *model.Roster {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roster
}

// GenerateStages derives fresh approval stages for the rule from the current
// roster and persists them, dropping any previous stages.  It returns the
// approval status the rule should take:
//
//   - a global rule bypasses the workflow and is APPROVED outright;
//   - a group with no approvers on the roster is vacuously APPROVED;
//   - otherwise one stage per approver is created and the rule moves to
//     APPROVAL_IN_PROGRESS.
//
// The rule itself is not persisted here; the caller owns that write.
func (s *Service) GenerateStages(ctx context.Context, rule *model.Rule) (model.ApprovalStatus, []*model.Stage, error) {
	unlock := s.lock(rule.ID)
	defer unlock()
	roster := s.Roster()

	if rule.Global {
		if err := s.store.ReplaceStages(ctx, rule.ID, nil); err != nil {
			return "", nil, err
		}
		return model.ApprovalApproved, nil, nil
	}
	approvers := roster.ApproversFor(rule.OwnerGroup)
	if len(approvers) == 0 {
		if err := s.store.ReplaceStages(ctx, rule.ID, nil); err != nil {
			return "", nil, err
		}
		return model.ApprovalApproved, nil, nil
	}

	rosterVersion := 0
	if roster != nil {
		rosterVersion = roster.Version
	}
	stages := make([]*model.Stage, 0, len(approvers))
	for i, approver := range approvers {
		stages = append(stages, &model.Stage{
			RuleID:        rule.ID,
			Ordinal:       i + 1,
			Approver:      approver,
			RosterVersion: rosterVersion,
		})
	}
	if err := s.store.ReplaceStages(ctx, rule.ID, stages); err != nil {
		return "", nil, err
	}
	_ = s.events.Publish(ctx, &Event{Topic: TopicStagesGenerated, RuleID: rule.ID})
	s.logger.Info("approval stages generated",
		zap.String("ruleId", rule.ID),
		zap.Int("stages", len(stages)))
	return model.ApprovalInProgress, stages, nil
}

// Approve records the approver's positive decision on their pending stage of
// the rule.  Stages may be approved in any order.  Once the last stage is
// decided the rule transitions to APPROVED and ACTIVE.  A decision against an already
// decided stage, an unknown approver, or stages generated from a different
// roster version fails with ErrStale.
func (s *Service) Approve(ctx context.Context, ruleID, approver string) (*model.Rule, error) {
	unlock := s.lock(ruleID)
	defer unlock()

	rule, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if rule.IsDeleted() {
		return nil, fmt.Errorf("rule %q is deleted", ruleID)
	}
	if rule.Approval == model.ApprovalApproved {
		return nil, fmt.Errorf("rule %q already approved: %w", ruleID, ErrStale)
	}
	stages, err := s.store.ListStages(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	var stage *model.Stage
	remaining := 0
	for _, candidate := range stages {
		if candidate.Approved {
			continue
		}
		remaining++
		if candidate.Approver == approver && stage == nil {
			stage = candidate
		}
	}
	if stage == nil {
		return nil, fmt.Errorf("approver %q has no pending stage on rule %q: %w", approver, ruleID, ErrStale)
	}
	if roster := s.Roster(); roster != nil && stage.RosterVersion != roster.Version {
		return nil, fmt.Errorf("stage of rule %q was generated from roster version %d, current is %d: %w",
			ruleID, stage.RosterVersion, roster.Version, ErrStale)
	}

	before := *stage
	now := clock.Now()
	stage.Approved = true
	stage.DecidedAt = &now
	if err = s.store.SaveStage(ctx, stage); err != nil {
		return nil, err
	}
	if _, err = s.recorder.Record(ctx, model.AuditApprove, "stage", ruleID, approver, &before, stage); err != nil {
		// audit failed, roll the decision back
		_ = s.store.SaveStage(ctx, &before)
		return nil, err
	}
	_ = s.events.Publish(ctx, &Event{Topic: TopicStageApproved, RuleID: ruleID, Stage: stage, Actor: approver})

	if remaining > 1 {
		return rule, nil
	}
	// last stage decided, promote the rule; full approval also activates it
	ruleBefore := rule.Clone()
	rule.Approval = model.ApprovalApproved
	rule.Status = model.StatusActive
	rule.UpdatedBy = approver
	newVersion, err := s.store.PutRule(ctx, rule, rule.Version)
	if err != nil {
		_ = s.store.SaveStage(ctx, &before)
		return nil, err
	}
	rule.Version = newVersion
	if _, err = s.recorder.Record(ctx, model.AuditApprove, "rule", ruleID, approver, ruleBefore, rule); err != nil {
		ruleBefore.Version = newVersion
		if _, putErr := s.store.PutRule(ctx, ruleBefore, newVersion); putErr != nil {
			s.logger.Error("failed to roll back rule after audit failure",
				zap.String("ruleId", ruleID), zap.Error(putErr))
		}
		_ = s.store.SaveStage(ctx, &before)
		return nil, err
	}
	_ = s.events.Publish(ctx, &Event{Topic: TopicRuleApproved, RuleID: ruleID, Actor: approver})
	s.logger.Info("rule approved", zap.String("ruleId", ruleID), zap.String("approver", approver))
	return rule, nil
}

// Pending returns the undecided stages of the rule ordered by ordinal.
func (s *Service) Pending(ctx context.Context, ruleID string) ([]*model.Stage, error) {
	stages, err := s.store.ListStages(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	var out []*model.Stage
	for _, stage := range stages {
		if !stage.Approved {
			out = append(out, stage)
		}
	}
	return out, nil
}

// PendingForApprover returns the undecided stages assigned to the approver
// across every rule still in progress.
func (s *Service) PendingForApprover(ctx context.Context, approver string) ([]*model.Stage, error) {
	rules, err := s.store.ListRules(ctx, store.Filter{Approval: model.ApprovalInProgress})
	if err != nil {
		return nil, err
	}
	var out []*model.Stage
	for _, rule := range rules {
		stages, err := s.store.ListStages(ctx, rule.ID)
		if err != nil {
			return nil, err
		}
		for _, stage := range stages {
			if !stage.Approved && stage.Approver == approver {
				out = append(out, stage)
			}
		}
	}
	return out, nil
}

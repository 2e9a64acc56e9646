// Package group manages owner groups and custom groups.  Owner groups carry
// lifecycle authority over their rules; custom groups are ad-hoc rule
// selections used for scoped backup, restore and execution.
package group

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/viant/regula/model"
	"github.com/viant/regula/service/audit"
	"github.com/viant/regula/service/store"
)

// Service manages group records.
type Service struct {
	store    store.Store
	recorder *audit.Service
	logger   *zap.Logger
}

// Option customises the group service.
type Option func(*Service)

// WithLogger overrides the default no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New creates a group service.
func New(aStore store.Store, recorder *audit.Service, opts ...Option) *Service {
	ret := &Service{store: aStore, recorder: recorder, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// Save upserts an owner group.
func (s *Service) Save(ctx context.Context, group *model.Group, actor string) error {
	if group.Name == "" {
		return model.NewValidationError("name", "was empty")
	}
	before, err := s.store.GetGroup(ctx, group.Name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err = s.store.SaveGroup(ctx, group); err != nil {
		return err
	}
	action := model.AuditAdd
	if before != nil {
		action = model.AuditUpdate
	}
	if _, err = s.recorder.Record(ctx, action, "group", group.Name, actor, before, group); err != nil {
		// audit failed, undo the write
		if before != nil {
			_ = s.store.SaveGroup(ctx, before)
		} else {
			_ = s.store.DeleteGroup(ctx, group.Name)
		}
		return err
	}
	return nil
}

// Get returns an owner group.
func (s *Service) Get(ctx context.Context, name string) (*model.Group, error) {
	return s.store.GetGroup(ctx, name)
}

// List returns all owner groups.
func (s *Service) List(ctx context.Context) ([]*model.Group, error) {
	return s.store.ListGroups(ctx)
}

// Delete removes an owner group.  A group that still owns rules (deleted
// tombstones included) cannot be removed.
func (s *Service) Delete(ctx context.Context, name, actor string) error {
	before, err := s.store.GetGroup(ctx, name)
	if err != nil {
		return err
	}
	owned, err := s.store.ListRules(ctx, store.Filter{OwnerGroup: name, IncludeDeleted: true})
	if err != nil {
		return err
	}
	if len(owned) > 0 {
		return fmt.Errorf("group %q still owns %d rule(s)", name, len(owned))
	}
	if err = s.store.DeleteGroup(ctx, name); err != nil {
		return err
	}
	if _, err = s.recorder.Record(ctx, model.AuditDelete, "group", name, actor, before, nil); err != nil {
		_ = s.store.SaveGroup(ctx, before)
		return err
	}
	return nil
}

// SaveCustom upserts a custom group.  Every referenced rule must exist.
func (s *Service) SaveCustom(ctx context.Context, group *model.CustomGroup, actor string) error {
	if group.Name == "" {
		return model.NewValidationError("name", "was empty")
	}
	for _, ruleID := range group.RuleIDs {
		if _, err := s.store.GetRule(ctx, ruleID); err != nil {
			return fmt.Errorf("custom group %q: %w", group.Name, err)
		}
	}
	before, err := s.store.GetCustomGroup(ctx, group.Name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err = s.store.SaveCustomGroup(ctx, group); err != nil {
		return err
	}
	action := model.AuditAdd
	if before != nil {
		action = model.AuditUpdate
	}
	if _, err = s.recorder.Record(ctx, action, "customGroup", group.Name, actor, before, group); err != nil {
		if before != nil {
			_ = s.store.SaveCustomGroup(ctx, before)
		} else {
			_ = s.store.DeleteCustomGroup(ctx, group.Name)
		}
		return err
	}
	return nil
}

// GetCustom returns a custom group.
func (s *Service) GetCustom(ctx context.Context, name string) (*model.CustomGroup, error) {
	return s.store.GetCustomGroup(ctx, name)
}

// ListCustom returns all custom groups.
func (s *Service) ListCustom(ctx context.Context) ([]*model.CustomGroup, error) {
	return s.store.ListCustomGroups(ctx)
}

// DeleteCustom removes a custom group.  Membership records go with it; the
// rules themselves are untouched.
func (s *Service) DeleteCustom(ctx context.Context, name, actor string) error {
	before, err := s.store.GetCustomGroup(ctx, name)
	if err != nil {
		return err
	}
	if err = s.store.DeleteCustomGroup(ctx, name); err != nil {
		return err
	}
	if _, err = s.recorder.Record(ctx, model.AuditDelete, "customGroup", name, actor, before, nil); err != nil {
		_ = s.store.SaveCustomGroup(ctx, before)
		return err
	}
	return nil
}

// AddRule adds a rule to a custom group.
func (s *Service) AddRule(ctx context.Context, groupName, ruleID, actor string) error {
	group, err := s.store.GetCustomGroup(ctx, groupName)
	if err != nil {
		return err
	}
	if group.Contains(ruleID) {
		return nil
	}
	if _, err = s.store.GetRule(ctx, ruleID); err != nil {
		return err
	}
	updated := &model.CustomGroup{
		Name:        group.Name,
		Description: group.Description,
		RuleIDs:     append(append([]string(nil), group.RuleIDs...), ruleID),
	}
	return s.SaveCustom(ctx, updated, actor)
}

// RemoveRule removes a rule from a custom group.
func (s *Service) RemoveRule(ctx context.Context, groupName, ruleID, actor string) error {
	group, err := s.store.GetCustomGroup(ctx, groupName)
	if err != nil {
		return err
	}
	if !group.Contains(ruleID) {
		return nil
	}
	updated := &model.CustomGroup{Name: group.Name, Description: group.Description}
	for _, id := range group.RuleIDs {
		if id != ruleID {
			updated.RuleIDs = append(updated.RuleIDs, id)
		}
	}
	return s.SaveCustom(ctx, updated, actor)
}

// Package notify publishes human-facing notifications (pending approvals,
// lifecycle changes) onto a queue that delivery integrations consume.
package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/viant/regula/model"
	"github.com/viant/regula/service/messaging"
	qmem "github.com/viant/regula/service/messaging/memory"
	"github.com/viant/regula/service/store"
)

// Notification is a single outbound message.  Delivery (SMTP, chat, webhook)
// is left to queue consumers.
type Notification struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	RuleID    string `json:"ruleId,omitempty"`
}

// Service publishes notifications.
type Service struct {
	store  store.Store
	queue  messaging.Queue[Notification]
	logger *zap.Logger
}

// Option customises the notification service.
type Option func(*Service)

// WithLogger overrides the default no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithQueue overrides the default in-memory queue.
func WithQueue(queue messaging.Queue[Notification]) Option {
	return func(s *Service) {
		s.queue = queue
	}
}

// New creates a notification service.
func New(aStore store.Store, opts ...Option) *Service {
	ret := &Service{
		store:  aStore,
		queue:  qmem.NewQueue[Notification](qmem.DefaultConfig()),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// Queue exposes the outbound notification queue.
func (s *Service) Queue() messaging.Queue[Notification] {
	return s.queue
}

// NotifyGroup publishes a notification addressed to the owner group's email.
// Groups without a configured email are skipped silently; a missing group
// record is not an error either, governance may run without group metadata.
func (s *Service) NotifyGroup(ctx context.Context, group, subject, body, ruleID string) error {
	record, err := s.store.GetGroup(ctx, group)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Debug("notification skipped, unknown group", zap.String("group", group))
			return nil
		}
		return err
	}
	if record.Email == "" {
		s.logger.Debug("notification skipped, group has no email", zap.String("group", group))
		return nil
	}
	return s.queue.Publish(ctx, &Notification{
		Recipient: record.Email,
		Subject:   subject,
		Body:      body,
		RuleID:    ruleID,
	})
}

// NotifyApprovers publishes one pending-approval notification per stage.
func (s *Service) NotifyApprovers(ctx context.Context, rule *model.Rule, stages []*model.Stage) error {
	for _, stage := range stages {
		notification := &Notification{
			Recipient: stage.Approver,
			Subject:   fmt.Sprintf("Approval requested: %s", rule.Name),
			Body:      fmt.Sprintf("Rule %q (owner group %s) awaits your approval.", rule.Name, rule.OwnerGroup),
			RuleID:    rule.ID,
		}
		if err := s.queue.Publish(ctx, notification); err != nil {
			return err
		}
	}
	return nil
}

// Package audit records every governed mutation in an append-only trail and
// renders human-readable diffs of the captured before/after images.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"go.uber.org/zap"

	"github.com/viant/regula/internal/clock"
	"github.com/viant/regula/internal/idgen"
	"github.com/viant/regula/model"
	"github.com/viant/regula/service/store"
)

// Service records and reads audit entries.
type Service struct {
	store  store.Store
	logger *zap.Logger
}

// Option customises the audit service.
type Option func(*Service)

// WithLogger overrides the default no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New creates an audit service backed by the supplied store.
func New(aStore store.Store, opts ...Option) *Service {
	ret := &Service{store: aStore, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// Record captures a mutation in the audit trail.  before and after may be
// nil (creation has no before image, deletion no after image); any non-nil
// value is stored as its JSON encoding.  The returned entry carries the
// generated id, which callers use to correlate log lines.
func (s *Service) Record(ctx context.Context, action model.AuditAction, entity, recordID, actor string, before, after interface{}) (*model.AuditEntry, error) {
	entry := &model.AuditEntry{
		ID:       idgen.New(),
		Action:   action,
		Entity:   entity,
		RecordID: recordID,
		Actor:    actor,
		At:       clock.Now(),
	}
	var err error
	if entry.Before, err = encode(before); err != nil {
		return nil, fmt.Errorf("failed to encode before image: %w", err)
	}
	if entry.After, err = encode(after); err != nil {
		return nil, fmt.Errorf("failed to encode after image: %w", err)
	}
	if err = s.store.AppendAudit(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to append audit entry: %w", err)
	}
	s.logger.Info("audit",
		zap.String("id", entry.ID),
		zap.String("action", string(action)),
		zap.String("entity", entity),
		zap.String("recordId", recordID),
		zap.String("actor", actor))
	return entry, nil
}

// Read returns the most recent entries, newest first, up to limit (0 means
// all).
func (s *Service) Read(ctx context.Context, limit int) ([]*model.AuditEntry, error) {
	return s.store.ReadAudit(ctx, limit)
}

// RenderDiff produces a unified diff of the entry's before and after images.
// Both images are pretty-printed first so the diff lines up field by field.
func RenderDiff(entry *model.AuditEntry) (string, error) {
	before, err := pretty(entry.Before)
	if err != nil {
		return "", err
	}
	after, err := pretty(entry.After)
	if err != nil {
		return "", err
	}
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "before",
		ToFile:   "after",
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(diff)
}

func encode(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func pretty(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var out strings.Builder
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	enc := json.NewEncoder(&out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return out.String(), nil
}

// Package backup implements versioned snapshot capture and restore for a
// named rule scope (owner group or custom group).  Snapshots are
// self-describing JSON blobs persisted through the store; restore overwrites
// rule content and re-enters the approval lifecycle per affected rule.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"go.uber.org/zap"

	"github.com/viant/regula/internal/clock"
	"github.com/viant/regula/model"
	"github.com/viant/regula/service/approval"
	"github.com/viant/regula/service/audit"
	"github.com/viant/regula/service/notify"
	"github.com/viant/regula/service/store"
	"github.com/viant/regula/tracing"
)

// Document is the serialized form of a snapshot blob.  It carries everything
// restore needs: the scope it was captured from and the field-complete rule
// records.
type Document struct {
	Scope      store.Scope   `json:"scope"`
	CapturedAt time.Time     `json:"capturedAt"`
	Rules      []*model.Rule `json:"rules"`
}

// RestoreReport lists the rules a restore touched and the snapshot
// identities it could not resolve against the store.
type RestoreReport struct {
	Scope    store.Scope `json:"scope"`
	Version  int         `json:"version"`
	Restored []string    `json:"restored,omitempty"`
	Missing  []string    `json:"missing,omitempty"`
}

// Service captures and restores rule snapshots.
type Service struct {
	store     store.Store
	recorder  *audit.Service
	approvals *approval.Service
	notifier  *notify.Service
	logger    *zap.Logger
	fs        afs.Service

	// serializes backup/restore against each other
	mu sync.Mutex
}

// Option customises the backup service.
type Option func(*Service)

// WithLogger overrides the default no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithNotifier attaches change notifications for backup and restore events.
func WithNotifier(notifier *notify.Service) Option {
	return func(s *Service) {
		s.notifier = notifier
	}
}

// New creates a backup service.
func New(aStore store.Store, recorder *audit.Service, approvals *approval.Service, opts ...Option) *Service {
	ret := &Service{
		store:     aStore,
		recorder:  recorder,
		approvals: approvals,
		logger:    zap.NewNop(),
		fs:        afs.New(),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// Backup captures every non-deleted rule in scope into a new snapshot and
// returns it.  Versions are assigned by the store, strictly increasing per
// scope and starting at 1.
func (s *Service) Backup(ctx context.Context, scope store.Scope, actor string) (snapshot *store.Snapshot, err error) {
	ctx, span := tracing.StartSpan(ctx, "backup.capture", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()
	s.mu.Lock()
	defer s.mu.Unlock()

	rules, err := s.scopeRules(ctx, scope)
	if err != nil {
		return nil, err
	}
	document := &Document{Scope: scope, CapturedAt: clock.Now(), Rules: rules}
	blob, err := json.Marshal(document)
	if err != nil {
		return nil, err
	}
	version, err := s.store.PutSnapshot(ctx, scope, blob)
	if err != nil {
		return nil, err
	}
	snapshot = &store.Snapshot{Scope: scope, Version: version, Blob: blob, CapturedAt: document.CapturedAt}
	if _, err = s.recorder.Record(ctx, model.AuditBackup, "snapshot", scope.Key(), actor, nil, &RestoreReport{
		Scope:   scope,
		Version: version,
	}); err != nil {
		// snapshots are append-only: the unaudited version stays but is
		// never reachable through a recorded backup
		return nil, err
	}
	s.notifyScope(ctx, scope, fmt.Sprintf("Backup v%d captured for %s", version, scope.Key()),
		fmt.Sprintf("%d rule(s) captured.", len(rules)))
	s.logger.Info("snapshot captured",
		zap.String("scope", scope.Key()),
		zap.Int("version", version),
		zap.Int("rules", len(rules)))
	return snapshot, nil
}

// Restore overwrites the content of every rule identity the snapshot holds
// that still exists in the store, bumping its version and re-entering the
// approval lifecycle.  Rules outside the scope and identities absent from
// the store are left untouched.
func (s *Service) Restore(ctx context.Context, scope store.Scope, version int, actor string) (report *RestoreReport, err error) {
	ctx, span := tracing.StartSpan(ctx, "backup.restore", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, err := s.store.GetSnapshot(ctx, scope, version)
	if err != nil {
		return nil, err
	}
	document := &Document{}
	if err = json.Unmarshal(snapshot.Blob, document); err != nil {
		return nil, fmt.Errorf("snapshot %s v%d: %w", scope.Key(), snapshot.Version, err)
	}

	report = &RestoreReport{Scope: scope, Version: snapshot.Version}
	for _, snapshotted := range document.Rules {
		current, getErr := s.store.GetRule(ctx, snapshotted.ID)
		if getErr != nil || current.IsDeleted() {
			// restore never resurrects identities gone from the store
			report.Missing = append(report.Missing, snapshotted.ID)
			continue
		}
		if err = s.restoreRule(ctx, current, snapshotted, actor); err != nil {
			return report, err
		}
		report.Restored = append(report.Restored, snapshotted.ID)
	}
	s.notifyScope(ctx, scope, fmt.Sprintf("Snapshot v%d restored for %s", snapshot.Version, scope.Key()),
		fmt.Sprintf("%d rule(s) restored, %d missing.", len(report.Restored), len(report.Missing)))
	s.logger.Info("snapshot restored",
		zap.String("scope", scope.Key()),
		zap.Int("version", snapshot.Version),
		zap.Int("restored", len(report.Restored)),
		zap.Int("missing", len(report.Missing)))
	return report, nil
}

// restoreRule applies one snapshotted rule's content onto its current
// record, logged as a per-rule UPDATE.
func (s *Service) restoreRule(ctx context.Context, current, snapshotted *model.Rule, actor string) error {
	before := current.Clone()
	current.ApplyContent(snapshotted)

	status, stages, err := s.approvals.GenerateStages(ctx, current)
	if err != nil {
		return err
	}
	current.Approval = status
	if status == model.ApprovalApproved {
		current.Status = model.StatusActive
	} else {
		current.Status = model.StatusInactive
	}
	current.UpdatedBy = actor
	newVersion, err := s.store.PutRule(ctx, current, current.Version)
	if err != nil {
		return err
	}
	current.Version = newVersion

	if _, err = s.recorder.Record(ctx, model.AuditUpdate, "rule", current.ID, actor, before, current); err != nil {
		if _, putErr := s.store.PutRule(ctx, before, newVersion); putErr != nil {
			s.logger.Error("failed to roll back rule after audit failure",
				zap.String("ruleId", current.ID), zap.Error(putErr))
		}
		return err
	}
	if s.notifier != nil && len(stages) > 0 {
		_ = s.notifier.NotifyApprovers(ctx, current, stages)
	}
	return nil
}

// Export uploads the snapshot blob to the destination URL.
func (s *Service) Export(ctx context.Context, scope store.Scope, version int, URL string) error {
	snapshot, err := s.store.GetSnapshot(ctx, scope, version)
	if err != nil {
		return err
	}
	if err = s.fs.Upload(ctx, URL, file.DefaultFileOsMode, bytes.NewReader(snapshot.Blob)); err != nil {
		return fmt.Errorf("failed to export snapshot to %s: %w", URL, err)
	}
	s.logger.Info("snapshot exported",
		zap.String("scope", scope.Key()),
		zap.Int("version", snapshot.Version),
		zap.String("url", URL))
	return nil
}

// Import reads a previously exported snapshot blob and appends it as the
// next version of its own scope.  The blob is self-describing, so no scope
// argument is needed.
func (s *Service) Import(ctx context.Context, URL, actor string) (*store.Snapshot, error) {
	blob, err := s.fs.DownloadWithURL(ctx, URL)
	if err != nil {
		return nil, fmt.Errorf("failed to import snapshot from %s: %w", URL, err)
	}
	document := &Document{}
	if err = json.Unmarshal(blob, document); err != nil {
		return nil, fmt.Errorf("invalid snapshot blob at %s: %w", URL, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	version, err := s.store.PutSnapshot(ctx, document.Scope, blob)
	if err != nil {
		return nil, err
	}
	if _, err = s.recorder.Record(ctx, model.AuditBackup, "snapshot", document.Scope.Key(), actor, nil, &RestoreReport{
		Scope:   document.Scope,
		Version: version,
	}); err != nil {
		return nil, err
	}
	s.logger.Info("snapshot imported",
		zap.String("scope", document.Scope.Key()),
		zap.Int("version", version),
		zap.String("url", URL))
	return &store.Snapshot{Scope: document.Scope, Version: version, Blob: blob, CapturedAt: document.CapturedAt}, nil
}

// Versions lists the snapshots captured for a scope, oldest first.
func (s *Service) Versions(ctx context.Context, scope store.Scope) ([]*store.Snapshot, error) {
	return s.store.ListSnapshots(ctx, scope)
}

// scopeRules resolves the rule set a scope covers, excluding tombstones.
func (s *Service) scopeRules(ctx context.Context, scope store.Scope) ([]*model.Rule, error) {
	switch scope.Kind {
	case store.ScopeGroup:
		return s.store.ListRules(ctx, store.Filter{OwnerGroup: scope.Name})
	case store.ScopeCustom:
		group, err := s.store.GetCustomGroup(ctx, scope.Name)
		if err != nil {
			return nil, err
		}
		if len(group.RuleIDs) == 0 {
			return nil, nil
		}
		return s.store.ListRules(ctx, store.Filter{IDs: group.RuleIDs})
	}
	return nil, fmt.Errorf("unknown scope kind %q", scope.Kind)
}

func (s *Service) notifyScope(ctx context.Context, scope store.Scope, subject, body string) {
	if s.notifier == nil || scope.Kind != store.ScopeGroup {
		return
	}
	_ = s.notifier.NotifyGroup(ctx, scope.Name, subject, body, "")
}

package backup

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/regula/model"
	"github.com/viant/regula/service/approval"
	"github.com/viant/regula/service/audit"
	"github.com/viant/regula/service/store"
	"github.com/viant/regula/service/store/memory"
)

func newTestService(t *testing.T, roster *model.Roster) (*Service, *memory.Store) {
	t.Helper()
	aStore := memory.New()
	recorder := audit.New(aStore)
	approvals := approval.New(aStore, recorder, roster)
	return New(aStore, recorder, approvals), aStore
}

func seedRule(t *testing.T, aStore *memory.Store, rule *model.Rule) *model.Rule {
	t.Helper()
	version, err := aStore.PutRule(context.Background(), rule, rule.Version)
	require.NoError(t, err)
	rule.Version = version
	return rule
}

func testRule(id, group, stmt string) *model.Rule {
	return &model.Rule{
		ID:         id,
		Name:       id,
		Statement:  stmt,
		OwnerGroup: group,
		Status:     model.StatusActive,
		Approval:   model.ApprovalApproved,
	}
}

func TestService_Backup_VersionsPerScope(t *testing.T) {
	ctx := context.Background()
	service, aStore := newTestService(t, nil)
	seedRule(t, aStore, testRule("r1", "BG1", "SELECT 1"))
	seedRule(t, aStore, testRule("r2", "BG2", "SELECT 2"))

	bg1 := store.Scope{Kind: store.ScopeGroup, Name: "BG1"}
	bg2 := store.Scope{Kind: store.ScopeGroup, Name: "BG2"}

	first, err := service.Backup(ctx, bg1, "ops")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)

	second, err := service.Backup(ctx, bg1, "ops")
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)

	// version counters are independent per scope
	other, err := service.Backup(ctx, bg2, "ops")
	require.NoError(t, err)
	assert.Equal(t, 1, other.Version)

	// the blob is self-describing
	document := &Document{}
	require.NoError(t, json.Unmarshal(first.Blob, document))
	assert.Equal(t, bg1, document.Scope)
	require.Len(t, document.Rules, 1)
	assert.Equal(t, "r1", document.Rules[0].ID)

	entries, err := aStore.ReadAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.EqualValues(t, model.AuditBackup, entries[0].Action)
}

func TestService_Restore_Roundtrip(t *testing.T) {
	ctx := context.Background()
	roster := &model.Roster{Version: 1, Approvers: map[string][]string{"BG1": {"alice"}}}
	service, aStore := newTestService(t, roster)
	rule := seedRule(t, aStore, testRule("r1", "BG1", "SELECT original"))
	outside := seedRule(t, aStore, testRule("r2", "BG2", "SELECT untouched"))

	scope := store.Scope{Kind: store.ScopeGroup, Name: "BG1"}
	snapshot, err := service.Backup(ctx, scope, "ops")
	require.NoError(t, err)

	// drift the rule past the snapshot
	rule.Statement = "SELECT drifted"
	rule.Description = "changed after capture"
	seedRule(t, aStore, rule)

	report, err := service.Restore(ctx, scope, snapshot.Version, "ops")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, report.Restored)
	assert.Empty(t, report.Missing)

	restored, err := aStore.GetRule(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "SELECT original", restored.Statement)
	assert.Empty(t, restored.Description)
	// content restore re-enters the approval lifecycle
	assert.EqualValues(t, model.ApprovalInProgress, restored.Approval)
	assert.EqualValues(t, model.StatusInactive, restored.Status)
	assert.Greater(t, restored.Version, rule.Version)

	stages, err := aStore.ListStages(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, "alice", stages[0].Approver)

	// per-rule UPDATE audit entry, newest first
	entries, err := aStore.ReadAudit(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.EqualValues(t, model.AuditUpdate, entries[0].Action)
	assert.Equal(t, "r1", entries[0].RecordID)

	// out-of-scope rules are untouched
	after, err := aStore.GetRule(ctx, outside.ID)
	require.NoError(t, err)
	assert.Equal(t, "SELECT untouched", after.Statement)
	assert.Equal(t, outside.Version, after.Version)
}

func TestService_Restore_VacuousApproval(t *testing.T) {
	ctx := context.Background()
	service, aStore := newTestService(t, nil)
	rule := seedRule(t, aStore, testRule("r1", "BG1", "SELECT original"))
	scope := store.Scope{Kind: store.ScopeGroup, Name: "BG1"}
	snapshot, err := service.Backup(ctx, scope, "ops")
	require.NoError(t, err)

	rule.Statement = "SELECT drifted"
	seedRule(t, aStore, rule)

	_, err = service.Restore(ctx, scope, snapshot.Version, "ops")
	require.NoError(t, err)

	restored, err := aStore.GetRule(ctx, "r1")
	require.NoError(t, err)
	// no roster means approval is vacuously complete
	assert.EqualValues(t, model.ApprovalApproved, restored.Approval)
	assert.EqualValues(t, model.StatusActive, restored.Status)
}

func TestService_Restore_SnapshotNotFound(t *testing.T) {
	service, _ := newTestService(t, nil)
	scope := store.Scope{Kind: store.ScopeGroup, Name: "BG1"}
	_, err := service.Restore(context.Background(), scope, 7, "ops")
	assert.True(t, errors.Is(err, store.ErrSnapshotNotFound))
}

func TestService_Restore_MissingIdentityNotResurrected(t *testing.T) {
	ctx := context.Background()
	service, aStore := newTestService(t, nil)
	seedRule(t, aStore, testRule("r1", "BG1", "SELECT 1"))
	seedRule(t, aStore, testRule("r2", "BG1", "SELECT 2"))

	scope := store.Scope{Kind: store.ScopeGroup, Name: "BG1"}
	snapshot, err := service.Backup(ctx, scope, "ops")
	require.NoError(t, err)

	require.NoError(t, aStore.DeleteRule(ctx, "r2"))

	report, err := service.Restore(ctx, scope, snapshot.Version, "ops")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, report.Restored)
	assert.Equal(t, []string{"r2"}, report.Missing)

	_, err = aStore.GetRule(ctx, "r2")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestService_Backup_CustomGroupScope(t *testing.T) {
	ctx := context.Background()
	service, aStore := newTestService(t, nil)
	seedRule(t, aStore, testRule("r1", "BG1", "SELECT 1"))
	seedRule(t, aStore, testRule("r2", "BG2", "SELECT 2"))
	seedRule(t, aStore, testRule("r3", "BG2", "SELECT 3"))
	require.NoError(t, aStore.SaveCustomGroup(ctx, &model.CustomGroup{
		Name:    "month-end",
		RuleIDs: []string{"r1", "r3"},
	}))

	snapshot, err := service.Backup(ctx, store.Scope{Kind: store.ScopeCustom, Name: "month-end"}, "ops")
	require.NoError(t, err)

	document := &Document{}
	require.NoError(t, json.Unmarshal(snapshot.Blob, document))
	var ids []string
	for _, rule := range document.Rules {
		ids = append(ids, rule.ID)
	}
	assert.ElementsMatch(t, []string{"r1", "r3"}, ids)
}

func TestService_ExportImport(t *testing.T) {
	ctx := context.Background()
	service, aStore := newTestService(t, nil)
	seedRule(t, aStore, testRule("r1", "BG1", "SELECT 1"))

	scope := store.Scope{Kind: store.ScopeGroup, Name: "BG1"}
	snapshot, err := service.Backup(ctx, scope, "ops")
	require.NoError(t, err)

	URL := filepath.Join(t.TempDir(), "bg1-v1.json")
	require.NoError(t, service.Export(ctx, scope, snapshot.Version, URL))

	imported, err := service.Import(ctx, URL, "ops")
	require.NoError(t, err)
	assert.Equal(t, scope, imported.Scope)
	assert.Equal(t, snapshot.Version+1, imported.Version)
	assert.Equal(t, snapshot.Blob, imported.Blob)

	versions, err := service.Versions(ctx, scope)
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

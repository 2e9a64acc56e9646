package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/regula/model"
	"github.com/viant/regula/service/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_RuleRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rule := &model.Rule{
		ID:         "r1",
		Name:       "negative amounts",
		Statement:  "SELECT count(*) FROM orders WHERE amount < 0",
		OwnerGroup: "BG1",
		Status:     model.StatusActive,
		Approval:   model.ApprovalDraft,
	}
	version, err := s.PutRule(ctx, rule, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	loaded, err := s.GetRule(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, rule.Name, loaded.Name)
	assert.Equal(t, rule.Statement, loaded.Statement)
	assert.Equal(t, 1, loaded.Version)

	_, err = s.PutRule(ctx, rule, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrVersionConflict))

	_, err = s.GetRule(ctx, "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestStore_ExecuteStatement(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.DB().ExecContext(ctx, `CREATE TABLE orders(id INTEGER, amount REAL)`)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, `INSERT INTO orders VALUES (1, -5.0), (2, 10.0)`)
	require.NoError(t, err)

	result, err := s.ExecuteStatement(ctx, `SELECT count(*) FROM orders WHERE amount < 0`)
	require.NoError(t, err)
	assert.False(t, result.NoRow)
	assert.EqualValues(t, 1, result.Value)

	result, err = s.ExecuteStatement(ctx, `SELECT id FROM orders WHERE amount > 100`)
	require.NoError(t, err)
	assert.True(t, result.NoRow)

	result, err = s.ExecuteStatement(ctx, `UPDATE orders SET amount = 0 WHERE amount < 0`)
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.Value)

	_, err = s.ExecuteStatement(ctx, `SELECT * FROM no_such_table`)
	require.Error(t, err)
}

func TestStore_StagesAndSnapshots(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	stages := []*model.Stage{
		{RuleID: "r1", Ordinal: 1, Approver: "alice", RosterVersion: 3},
		{RuleID: "r1", Ordinal: 2, Approver: "bob", RosterVersion: 3},
	}
	require.NoError(t, s.ReplaceStages(ctx, "r1", stages))
	got, err := s.ListStages(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "alice", got[0].Approver)
	assert.Equal(t, 3, got[0].RosterVersion)

	scope := store.Scope{Kind: store.ScopeGroup, Name: "BG1"}
	version, err := s.PutSnapshot(ctx, scope, []byte("blob-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	version, err = s.PutSnapshot(ctx, scope, []byte("blob-2"))
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	latest, err := s.GetSnapshot(ctx, scope, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("blob-2"), latest.Blob)

	_, err = s.GetSnapshot(ctx, scope, 7)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrSnapshotNotFound))
}

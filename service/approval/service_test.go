package approval

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/regula/model"
	"github.com/viant/regula/service/audit"
	"github.com/viant/regula/service/store/memory"
)

func newTestService(t *testing.T, roster *model.Roster) (*Service, *memory.Store) {
	t.Helper()
	aStore := memory.New()
	recorder := audit.New(aStore)
	return New(aStore, recorder, roster), aStore
}

func seedRule(t *testing.T, aStore *memory.Store, rule *model.Rule) *model.Rule {
	t.Helper()
	version, err := aStore.PutRule(context.Background(), rule, 0)
	require.NoError(t, err)
	rule.Version = version
	return rule
}

func TestService_GenerateStages(t *testing.T) {
	ctx := context.Background()
	roster := &model.Roster{Version: 1, Approvers: map[string][]string{
		"BG1": {"alice", "bob"},
	}}

	var testCases = []struct {
		description  string
		rule         *model.Rule
		expectStatus model.ApprovalStatus
		expectStages int
	}{
		{
			description:  "two approvers",
			rule:         &model.Rule{ID: "r1", OwnerGroup: "BG1"},
			expectStatus: model.ApprovalInProgress,
			expectStages: 2,
		},
		{
			description:  "global bypass",
			rule:         &model.Rule{ID: "r2", OwnerGroup: "BG1", Global: true},
			expectStatus: model.ApprovalApproved,
		},
		{
			description:  "no approvers on roster",
			rule:         &model.Rule{ID: "r3", OwnerGroup: "BG9"},
			expectStatus: model.ApprovalApproved,
		},
	}

	service, aStore := newTestService(t, roster)
	for _, testCase := range testCases {
		status, stages, err := service.GenerateStages(ctx, testCase.rule)
		require.NoError(t, err, testCase.description)
		assert.Equal(t, testCase.expectStatus, status, testCase.description)
		assert.Len(t, stages, testCase.expectStages, testCase.description)

		stored, err := aStore.ListStages(ctx, testCase.rule.ID)
		require.NoError(t, err, testCase.description)
		assert.Len(t, stored, testCase.expectStages, testCase.description)
	}
}

func TestService_Approve_AnyOrder(t *testing.T) {
	ctx := context.Background()
	roster := &model.Roster{Version: 1, Approvers: map[string][]string{
		"BG1": {"alice", "bob"},
	}}

	for _, order := range [][]string{{"alice", "bob"}, {"bob", "alice"}} {
		service, aStore := newTestService(t, roster)
		rule := &model.Rule{ID: "r1", Name: "dupes", OwnerGroup: "BG1"}
		status, _, err := service.GenerateStages(ctx, rule)
		require.NoError(t, err)
		rule.Approval = status
		seedRule(t, aStore, rule)

		_, err = service.Approve(ctx, "r1", order[0])
		require.NoError(t, err)
		current, err := aStore.GetRule(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, model.ApprovalInProgress, current.Approval, "first approval is not enough")

		_, err = service.Approve(ctx, "r1", order[1])
		require.NoError(t, err)
		current, err = aStore.GetRule(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, model.ApprovalApproved, current.Approval)
		assert.Equal(t, model.StatusActive, current.Status, "full approval activates")
	}
}

func TestService_Approve_Stale(t *testing.T) {
	ctx := context.Background()
	roster := &model.Roster{Version: 1, Approvers: map[string][]string{
		"BG1": {"alice", "bob"},
	}}
	service, aStore := newTestService(t, roster)
	rule := &model.Rule{ID: "r1", OwnerGroup: "BG1"}
	status, _, err := service.GenerateStages(ctx, rule)
	require.NoError(t, err)
	rule.Approval = status
	seedRule(t, aStore, rule)

	// double approval of the same stage
	_, err = service.Approve(ctx, "r1", "alice")
	require.NoError(t, err)
	_, err = service.Approve(ctx, "r1", "alice")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStale))

	// unknown approver
	_, err = service.Approve(ctx, "r1", "mallory")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStale))

	// roster swap invalidates remaining stages
	service.SetRoster(&model.Roster{Version: 2, Approvers: roster.Approvers})
	_, err = service.Approve(ctx, "r1", "bob")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStale))
}

func TestService_Approve_RecordsAudit(t *testing.T) {
	ctx := context.Background()
	roster := &model.Roster{Version: 1, Approvers: map[string][]string{
		"BG1": {"alice"},
	}}
	service, aStore := newTestService(t, roster)
	rule := &model.Rule{ID: "r1", OwnerGroup: "BG1"}
	status, _, err := service.GenerateStages(ctx, rule)
	require.NoError(t, err)
	rule.Approval = status
	seedRule(t, aStore, rule)

	_, err = service.Approve(ctx, "r1", "alice")
	require.NoError(t, err)

	entries, err := aStore.ReadAudit(ctx, 0)
	require.NoError(t, err)
	// one stage entry plus the final rule promotion
	require.Len(t, entries, 2)
	assert.Equal(t, "rule", entries[0].Entity)
	assert.Equal(t, "stage", entries[1].Entity)
	assert.Equal(t, model.AuditApprove, entries[0].Action)
}

func TestService_PendingForApprover(t *testing.T) {
	ctx := context.Background()
	roster := &model.Roster{Version: 1, Approvers: map[string][]string{
		"BG1": {"alice", "bob"},
	}}
	service, aStore := newTestService(t, roster)
	rule := &model.Rule{ID: "r1", OwnerGroup: "BG1"}
	status, _, err := service.GenerateStages(ctx, rule)
	require.NoError(t, err)
	rule.Approval = status
	seedRule(t, aStore, rule)

	pending, err := service.PendingForApprover(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "r1", pending[0].RuleID)

	_, err = service.Approve(ctx, "r1", "bob")
	require.NoError(t, err)
	pending, err = service.PendingForApprover(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestService_Approve_Concurrent(t *testing.T) {
	ctx := context.Background()
	roster := &model.Roster{Version: 1, Approvers: map[string][]string{
		"BG1": {"alice", "bob"},
	}}
	service, aStore := newTestService(t, roster)
	rule := &model.Rule{ID: "r1", OwnerGroup: "BG1"}
	status, _, err := service.GenerateStages(ctx, rule)
	require.NoError(t, err)
	rule.Approval = status
	seedRule(t, aStore, rule)

	var waitGroup sync.WaitGroup
	errs := make([]error, 2)
	for i, approver := range []string{"alice", "bob"} {
		waitGroup.Add(1)
		go func(i int, approver string) {
			defer waitGroup.Done()
			_, errs[i] = service.Approve(ctx, "r1", approver)
		}(i, approver)
	}
	waitGroup.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	current, err := aStore.GetRule(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, current.Approval, "last approval promotes the rule")
	assert.Equal(t, model.StatusActive, current.Status)
	stages, err := aStore.ListStages(ctx, "r1")
	require.NoError(t, err)
	for _, stage := range stages {
		assert.True(t, stage.Approved, "stage %d", stage.Ordinal)
	}
}

func TestService_Queue_PublishesEvents(t *testing.T) {
	ctx := context.Background()
	roster := &model.Roster{Version: 1, Approvers: map[string][]string{
		"BG1": {"alice"},
	}}
	service, aStore := newTestService(t, roster)
	rule := &model.Rule{ID: "r1", OwnerGroup: "BG1"}
	status, _, err := service.GenerateStages(ctx, rule)
	require.NoError(t, err)
	rule.Approval = status
	seedRule(t, aStore, rule)

	_, err = service.Approve(ctx, "r1", "alice")
	require.NoError(t, err)

	var topics []string
	for i := 0; i < 3; i++ {
		msg, err := service.Queue().Consume(ctx)
		require.NoError(t, err)
		topics = append(topics, msg.T().Topic)
		require.NoError(t, msg.Ack())
	}
	assert.Equal(t, []string{TopicStagesGenerated, TopicStageApproved, TopicRuleApproved}, topics)
}

package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/regula/model"
	"github.com/viant/regula/service/store"
	"github.com/viant/regula/service/store/memory"
)

// results maps statement text to an evaluation result; "value" returns the
// scalar, nil returns a no-row result and an error value fails evaluation.
type results map[string]interface{}

func newTestStore(t *testing.T, outcomes results) (*memory.Store, *sync.Map) {
	t.Helper()
	var visits sync.Map
	aStore := memory.New(memory.WithStatementHandler(func(_ context.Context, text string) (*store.Result, error) {
		count, _ := visits.LoadOrStore(text, 0)
		visits.Store(text, count.(int)+1)
		value, ok := outcomes[text]
		if !ok {
			return &store.Result{NoRow: true}, nil
		}
		if err, isErr := value.(error); isErr {
			return nil, err
		}
		return &store.Result{Value: value}, nil
	}))
	return aStore, &visits
}

func activeRule(id, parentID, group string) *model.Rule {
	return &model.Rule{
		ID:         id,
		ParentID:   parentID,
		Name:       id,
		Statement:  "SELECT " + id,
		OwnerGroup: group,
		Status:     model.StatusActive,
		Approval:   model.ApprovalApproved,
	}
}

func critical(rule *model.Rule, scope model.CriticalScope) *model.Rule {
	rule.Critical = true
	rule.CriticalScope = scope
	return rule
}

func seed(t *testing.T, aStore *memory.Store, rules ...*model.Rule) {
	t.Helper()
	for _, rule := range rules {
		_, err := aStore.PutRule(context.Background(), rule, 0)
		require.NoError(t, err)
	}
}

func TestService_Execute_CriticalChain(t *testing.T) {
	var testCases = []struct {
		description string
		outcomes    results
		expect      map[string]Outcome
	}{
		{
			description: "root fails, whole chain skipped",
			outcomes:    results{"SELECT a": 0, "SELECT b": 1},
			expect: map[string]Outcome{
				"a": OutcomeFail,
				"b": OutcomeSkipped,
				"c": OutcomeSkipped,
			},
		},
		{
			description: "middle fails, leaf skipped",
			outcomes:    results{"SELECT a": 1, "SELECT b": 0},
			expect: map[string]Outcome{
				"a": OutcomePass,
				"b": OutcomeFail,
				"c": OutcomeSkipped,
			},
		},
		{
			description: "all pass, leaf passes on no row",
			outcomes:    results{"SELECT a": 1, "SELECT b": "1"},
			expect: map[string]Outcome{
				"a": OutcomePass,
				"b": OutcomePass,
				"c": OutcomePass,
			},
		},
		{
			description: "middle errors, leaf skipped",
			outcomes:    results{"SELECT a": 1, "SELECT b": errors.New("table missing")},
			expect: map[string]Outcome{
				"a": OutcomePass,
				"b": OutcomeError,
				"c": OutcomeSkipped,
			},
		},
	}

	for _, testCase := range testCases {
		aStore, _ := newTestStore(t, testCase.outcomes)
		seed(t, aStore,
			critical(activeRule("a", "", "BG1"), model.ScopeNone),
			critical(activeRule("b", "a", "BG1"), model.ScopeNone),
			activeRule("c", "b", "BG1"))

		report, err := New(aStore).Execute(context.Background(), Scope{})
		require.NoError(t, err, testCase.description)
		require.Len(t, report.Results, 3, testCase.description)
		for ruleID, outcome := range testCase.expect {
			result := report.Result(ruleID)
			require.NotNil(t, result, testCase.description)
			assert.EqualValues(t, outcome, result.Outcome, "%v: rule %v", testCase.description, ruleID)
		}
	}
}

func TestService_Execute_ScalarInterpretation(t *testing.T) {
	var testCases = []struct {
		description string
		value       interface{}
		expect      Outcome
	}{
		{description: "numeric zero fails", value: 0, expect: OutcomeFail},
		{description: "numeric count passes", value: int64(7), expect: OutcomePass},
		{description: "false fails", value: false, expect: OutcomeFail},
		{description: "blank string fails", value: "  ", expect: OutcomeFail},
		{description: "textual value passes", value: "OPEN", expect: OutcomePass},
		{description: "timestamp reads as presence", value: time.Now(), expect: OutcomePass},
	}
	for _, testCase := range testCases {
		aStore, _ := newTestStore(t, results{"SELECT a": testCase.value})
		seed(t, aStore, activeRule("a", "", "BG1"))

		report, err := New(aStore).Execute(context.Background(), Scope{})
		require.NoError(t, err, testCase.description)
		result := report.Result("a")
		require.NotNil(t, result, testCase.description)
		assert.Equal(t, testCase.expect, result.Outcome, testCase.description)
	}
}

func TestService_Execute_GroupScopePropagation(t *testing.T) {
	// root fails with GROUP scope: same-group descendants are skipped, and
	// so is everything below a skipped rule; other-group branches still run
	aStore, _ := newTestStore(t, results{"SELECT root": 0, "SELECT other": 1, "SELECT same": 1, "SELECT leaf": 1})
	seed(t, aStore,
		critical(activeRule("root", "", "BG1"), model.ScopeGroup),
		activeRule("same", "root", "BG1"),
		activeRule("other", "root", "BG2"),
		activeRule("leaf", "same", "BG2"))

	report, err := New(aStore).Execute(context.Background(), Scope{})
	require.NoError(t, err)

	assert.EqualValues(t, OutcomeFail, report.Result("root").Outcome)
	assert.EqualValues(t, OutcomeSkipped, report.Result("same").Outcome)
	assert.EqualValues(t, OutcomePass, report.Result("other").Outcome)
	// leaf belongs to BG2 but sits below a skipped rule
	assert.EqualValues(t, OutcomeSkipped, report.Result("leaf").Outcome)
}

func TestService_Execute_ClusterAndGlobalScope(t *testing.T) {
	outcomes := results{"SELECT r1": 1, "SELECT r1a": 0, "SELECT r1b": 1, "SELECT r2": 1, "SELECT r2a": 1, "SELECT r2a1": 1}
	build := func(scope model.CriticalScope) *memory.Store {
		aStore, _ := newTestStore(t, outcomes)
		seed(t, aStore,
			activeRule("r1", "", "BG1"),
			critical(activeRule("r1a", "r1", "BG1"), scope),
			activeRule("r1b", "r1", "BG1"),
			activeRule("r1a1", "r1a", "BG1"),
			activeRule("r1b1", "r1b", "BG1"),
			activeRule("r2", "", "BG2"),
			activeRule("r2a", "r2", "BG2"),
			activeRule("r2a1", "r2a", "BG2"))
		return aStore
	}

	clusterReport, err := New(build(model.ScopeCluster)).Execute(context.Background(), Scope{})
	require.NoError(t, err)
	// siblings at the failing rule's depth already produced an outcome
	assert.EqualValues(t, OutcomePass, clusterReport.Result("r1b").Outcome)
	assert.EqualValues(t, OutcomePass, clusterReport.Result("r2a").Outcome)
	assert.EqualValues(t, OutcomeSkipped, clusterReport.Result("r1a1").Outcome)
	assert.EqualValues(t, OutcomeSkipped, clusterReport.Result("r1b1").Outcome)
	// the other root's subtree is untouched by CLUSTER
	assert.EqualValues(t, OutcomePass, clusterReport.Result("r2a1").Outcome)

	globalReport, err := New(build(model.ScopeGlobal)).Execute(context.Background(), Scope{})
	require.NoError(t, err)
	assert.EqualValues(t, OutcomeSkipped, globalReport.Result("r1a1").Outcome)
	assert.EqualValues(t, OutcomeSkipped, globalReport.Result("r1b1").Outcome)
	assert.EqualValues(t, OutcomeSkipped, globalReport.Result("r2a1").Outcome)
}

func TestService_Execute_IneligibleSkipDoesNotPropagate(t *testing.T) {
	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	expired := critical(activeRule("expired", "", "BG1"), model.ScopeNone)
	expired.EffectiveTo = &past
	inactive := critical(activeRule("inactive", "", "BG1"), model.ScopeNone)
	inactive.Status = model.StatusInactive

	aStore, visits := newTestStore(t, results{"SELECT childA": 1, "SELECT childB": 1})
	seed(t, aStore, expired, inactive,
		activeRule("childA", "expired", "BG1"),
		activeRule("childB", "inactive", "BG1"))

	report, err := New(aStore).Execute(context.Background(), Scope{})
	require.NoError(t, err)

	assert.EqualValues(t, OutcomeSkipped, report.Result("expired").Outcome)
	assert.Equal(t, "outside effective window", report.Result("expired").Reason)
	assert.EqualValues(t, OutcomeSkipped, report.Result("inactive").Outcome)
	assert.Equal(t, "rule is not active", report.Result("inactive").Reason)
	// children of an ineligible rule still execute
	assert.EqualValues(t, OutcomePass, report.Result("childA").Outcome)
	assert.EqualValues(t, OutcomePass, report.Result("childB").Outcome)

	_, expiredVisited := visits.Load("SELECT expired")
	assert.False(t, expiredVisited)
}

func TestService_Execute_VisitsEachRuleOnce(t *testing.T) {
	outcomes := results{}
	ids := []string{"a", "b", "c", "d", "e", "f"}
	for _, id := range ids {
		outcomes["SELECT "+id] = 1
	}
	aStore, visits := newTestStore(t, outcomes)
	seed(t, aStore,
		activeRule("a", "", "BG1"),
		activeRule("b", "a", "BG1"),
		activeRule("c", "a", "BG1"),
		activeRule("d", "b", "BG1"),
		activeRule("e", "b", "BG1"),
		activeRule("f", "", "BG2"))

	report, err := New(aStore, WithWorkers(2)).Execute(context.Background(), Scope{})
	require.NoError(t, err)
	assert.Equal(t, len(ids), report.Passed)
	require.Len(t, report.Results, len(ids))
	for _, id := range ids {
		count, ok := visits.Load("SELECT " + id)
		require.True(t, ok, id)
		assert.Equal(t, 1, count, id)
	}
}

func TestService_Execute_OverlapRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var startedOnce sync.Once
	aStore := memory.New(memory.WithStatementHandler(func(_ context.Context, text string) (*store.Result, error) {
		if text == "SELECT slow" {
			startedOnce.Do(func() { close(started) })
			<-release
		}
		return &store.Result{Value: 1}, nil
	}))
	seed(t, aStore,
		activeRule("slow", "", "BG1"),
		activeRule("fast", "", "BG2"))
	service := New(aStore)
	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		_, firstErr = service.Execute(context.Background(), Scope{Kind: ScopeGroup, Name: "BG1"})
	}()
	<-started

	// overlapping scope is rejected while the first run is in flight
	_, err := service.Execute(context.Background(), Scope{Kind: ScopeGroup, Name: "BG1"})
	assert.True(t, errors.Is(err, ErrRunInProgress))

	// a disjoint scope runs concurrently
	report, err := service.Execute(context.Background(), Scope{Kind: ScopeGroup, Name: "BG2"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Passed)

	close(release)
	wg.Wait()
	require.NoError(t, firstErr)

	// the claim is released once the run ends
	_, err = service.Execute(context.Background(), Scope{Kind: ScopeGroup, Name: "BG1"})
	require.NoError(t, err)
}

func TestService_Execute_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	aStore := memory.New(memory.WithStatementHandler(func(_ context.Context, text string) (*store.Result, error) {
		if text == "SELECT parent" {
			cancel()
		}
		return &store.Result{Value: 1}, nil
	}))
	seed(t, aStore,
		activeRule("parent", "", "BG1"),
		activeRule("child", "parent", "BG1"))

	report, err := New(aStore).Execute(ctx, Scope{})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	// the in-flight rule finished, the next level never started
	require.NotNil(t, report.Result("parent"))
	assert.EqualValues(t, OutcomePass, report.Result("parent").Outcome)
	assert.Nil(t, report.Result("child"))
	assert.False(t, report.FinishedAt.IsZero())
}

func TestService_Execute_ScopeSelection(t *testing.T) {
	newStore := func() *memory.Store {
		aStore, _ := newTestStore(t, results{
			"SELECT r1": 1, "SELECT r1a": 1, "SELECT r1b": 1,
			"SELECT r2": 1, "SELECT r2a": 1,
		})
		seed(t, aStore,
			activeRule("r1", "", "BG1"),
			activeRule("r1a", "r1", "BG1"),
			activeRule("r1b", "r1", "BG2"),
			activeRule("r2", "", "BG2"),
			activeRule("r2a", "r2", "BG2"))
		require.NoError(t, aStore.SaveCustomGroup(context.Background(), &model.CustomGroup{
			Name:    "month-end",
			RuleIDs: []string{"r1a", "r2a"},
		}))
		return aStore
	}
	ctx := context.Background()

	var testCases = []struct {
		description string
		scope       Scope
		expectIDs   []string
	}{
		{
			description: "root scope covers the subtree only",
			scope:       Scope{Kind: ScopeRoot, Name: "r1"},
			expectIDs:   []string{"r1", "r1a", "r1b"},
		},
		{
			description: "group scope covers the owner group",
			scope:       Scope{Kind: ScopeGroup, Name: "BG2"},
			expectIDs:   []string{"r1b", "r2", "r2a"},
		},
		{
			description: "custom scope covers the member set",
			scope:       Scope{Kind: ScopeCustom, Name: "month-end"},
			expectIDs:   []string{"r1a", "r2a"},
		},
		{
			description: "default scope covers the forest",
			scope:       Scope{},
			expectIDs:   []string{"r1", "r1a", "r1b", "r2", "r2a"},
		},
	}
	for _, testCase := range testCases {
		report, err := New(newStore()).Execute(ctx, testCase.scope)
		require.NoError(t, err, testCase.description)
		var ids []string
		for _, result := range report.Results {
			ids = append(ids, result.RuleID)
		}
		assert.ElementsMatch(t, testCase.expectIDs, ids, testCase.description)
	}
}

func TestService_Execute_UnknownScope(t *testing.T) {
	aStore, _ := newTestStore(t, results{})
	service := New(aStore)

	_, err := service.Execute(context.Background(), Scope{Kind: ScopeRoot, Name: "missing"})
	assert.True(t, errors.Is(err, store.ErrNotFound))

	_, err = service.Execute(context.Background(), Scope{Kind: ScopeCustom, Name: "missing"})
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

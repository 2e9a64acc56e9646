// Package runner implements the topological execution engine: it assembles
// the current dependency forest for a scope, walks it level by level,
// executes each eligible rule's statement and propagates critical-failure
// skips to dependent rules.
package runner

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/viant/toolbox"
	"go.uber.org/zap"

	"github.com/viant/regula/internal/clock"
	"github.com/viant/regula/internal/idgen"
	"github.com/viant/regula/model"
	"github.com/viant/regula/model/graph"
	"github.com/viant/regula/progress"
	"github.com/viant/regula/service/store"
	"github.com/viant/regula/tracing"
)

const defaultWorkers = 4

// Service executes rule forests.
type Service struct {
	store   store.Store
	logger  *zap.Logger
	metrics *Metrics
	workers int

	mu       sync.Mutex
	inFlight map[string]bool
}

// Option customises the runner.
type Option func(*Service)

// WithLogger overrides the default no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(metrics *Metrics) Option {
	return func(s *Service) {
		s.metrics = metrics
	}
}

// WithWorkers bounds per-level concurrency.
func WithWorkers(workers int) Option {
	return func(s *Service) {
		if workers > 0 {
			s.workers = workers
		}
	}
}

// New creates a runner.
func New(aStore store.Store, opts ...Option) *Service {
	ret := &Service{
		store:    aStore,
		logger:   zap.NewNop(),
		workers:  defaultWorkers,
		inFlight: map[string]bool{},
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// Execute runs every rule in scope exactly once and returns the per-rule
// outcome report.  A second call overlapping an in-flight run fails with
// ErrRunInProgress.  Cancellation is cooperative: in-flight statements run
// to completion, no further rule is started, and the partial report is
// returned together with the context error.
func (s *Service) Execute(ctx context.Context, scope Scope) (report *Report, err error) {
	ctx, span := tracing.StartSpan(ctx, "runner.execute", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()
	span.WithAttributes(map[string]string{"scope": scope.Key()})

	rules, err := s.selectRules(ctx, scope)
	if err != nil {
		return nil, err
	}
	forest, err := graph.Build(rules)
	if err != nil {
		return nil, err
	}
	release, err := s.claim(rules, scope)
	if err != nil {
		return nil, err
	}
	defer release()

	report = &Report{
		RunID:     idgen.New(),
		Scope:     scope.Key(),
		StartedAt: clock.Now(),
	}
	if _, ok := progress.FromContext(ctx); !ok {
		ctx, _ = progress.WithNewTracker(ctx, report.RunID, scope.Key(), nil)
	}
	progress.UpdateCtx(ctx, progress.Delta{Total: forest.Size()})
	s.logger.Info("run started",
		zap.String("runId", report.RunID),
		zap.String("scope", scope.Key()),
		zap.Int("rules", forest.Size()))

	now := clock.Now()
	criticalSkip := map[string]string{}
	done := map[string]bool{}

	for _, level := range forest.Levels() {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return s.finish(report, "cancelled"), ctxErr
		}
		results := make([]*RuleResult, len(level))
		var wg sync.WaitGroup
		sem := make(chan struct{}, s.workers)
		cancelled := false
		for i, node := range level {
			if ctx.Err() != nil {
				cancelled = true
				break
			}
			wg.Add(1)
			sem <- struct{}{}
			go func(i int, node *graph.Node) {
				defer wg.Done()
				defer func() { <-sem }()
				results[i] = s.runRule(ctx, node, now, criticalSkip)
			}(i, node)
		}
		wg.Wait()

		for i, node := range level {
			result := results[i]
			if result == nil {
				continue
			}
			done[node.Rule.ID] = true
			report.Results = append(report.Results, result)
			report.count(result)
			s.metrics.observeOutcome(result.Outcome)
		}
		// propagation is applied between levels: siblings of a failed
		// critical rule have already produced their outcome
		for i, node := range level {
			result := results[i]
			if result == nil || !node.Rule.Critical {
				continue
			}
			if result.Outcome == OutcomeFail || result.Outcome == OutcomeError {
				s.propagate(forest, node, done, criticalSkip)
			}
		}
		if cancelled {
			return s.finish(report, "cancelled"), ctx.Err()
		}
	}
	return s.finish(report, "ok"), nil
}

// finish stamps and logs the report.
func (s *Service) finish(report *Report, status string) *Report {
	report.FinishedAt = clock.Now()
	s.metrics.observeRun(status, report.FinishedAt.Sub(report.StartedAt).Seconds())
	s.logger.Info("run finished",
		zap.String("runId", report.RunID),
		zap.String("status", status),
		zap.Int("passed", report.Passed),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Int("errored", report.Errored))
	return report
}

// runRule produces the outcome of a single rule.
func (s *Service) runRule(ctx context.Context, node *graph.Node, now time.Time, criticalSkip map[string]string) *RuleResult {
	rule := node.Rule
	result := &RuleResult{
		RuleID: rule.ID,
		Name:   rule.Name,
		Depth:  node.Depth,
	}
	if reason, ok := criticalSkip[rule.ID]; ok {
		result.Outcome = OutcomeSkipped
		result.Reason = reason
		progress.UpdateCtx(ctx, progress.Delta{Skipped: 1})
		return result
	}
	if !rule.Executable(now) {
		result.Outcome = OutcomeSkipped
		if rule.Status != model.StatusActive {
			result.Reason = "rule is not active"
		} else {
			result.Reason = "outside effective window"
		}
		progress.UpdateCtx(ctx, progress.Delta{Skipped: 1})
		return result
	}

	progress.UpdateCtx(ctx, progress.Delta{Running: 1})
	result.StartedAt = clock.Now()
	outcome, err := s.store.ExecuteStatement(ctx, rule.Statement)
	result.FinishedAt = clock.Now()

	switch {
	case err != nil:
		result.Outcome = OutcomeError
		result.Reason = err.Error()
		progress.UpdateCtx(ctx, progress.Delta{Errored: 1, Running: -1})
	case outcome.NoRow:
		// absence of a row is not a failure signal
		result.Outcome = OutcomePass
		progress.UpdateCtx(ctx, progress.Delta{Passed: 1, Running: -1})
	case isZero(outcome.Value):
		result.Outcome = OutcomeFail
		result.Value = outcome.Value
		progress.UpdateCtx(ctx, progress.Delta{Failed: 1, Running: -1})
	default:
		result.Outcome = OutcomePass
		result.Value = outcome.Value
		progress.UpdateCtx(ctx, progress.Delta{Passed: 1, Running: -1})
	}
	return result
}

// propagate marks the rules suppressed by a critical FAIL/ERROR outcome.  A
// skip mark is transitive: every descendant of a marked rule is marked too.
func (s *Service) propagate(forest *graph.Forest, node *graph.Node, done map[string]bool, criticalSkip map[string]string) {
	rule := node.Rule
	reason := fmt.Sprintf("critical rule %q failed", rule.Name)
	switch rule.CriticalScope {
	case model.ScopeGroup:
		markGroup(node, rule.OwnerGroup, false, criticalSkip, reason)
	case model.ScopeCluster:
		for _, candidate := range node.Root.Subtree() {
			if candidate.Rule.ID != rule.ID && !done[candidate.Rule.ID] {
				criticalSkip[candidate.Rule.ID] = reason
			}
		}
	case model.ScopeGlobal:
		for _, root := range forest.Roots() {
			for _, candidate := range root.Subtree() {
				if candidate.Rule.ID != rule.ID && !done[candidate.Rule.ID] {
					criticalSkip[candidate.Rule.ID] = reason
				}
			}
		}
	default:
		// NONE: the failed rule's own subtree
		for _, descendant := range node.Descendants() {
			criticalSkip[descendant.Rule.ID] = reason
		}
	}
	s.logger.Info("critical skip propagated",
		zap.String("ruleId", rule.ID),
		zap.String("scope", string(rule.CriticalScope)))
}

// markGroup walks the subtree below node and marks descendants that share
// the failed rule's owner group; descendants of a marked rule are marked
// regardless of their group.
func markGroup(node *graph.Node, group string, parentMarked bool, criticalSkip map[string]string, reason string) {
	for _, child := range node.Children {
		marked := parentMarked || child.Rule.OwnerGroup == group
		if marked {
			criticalSkip[child.Rule.ID] = reason
		}
		markGroup(child, group, marked, criticalSkip, reason)
	}
}

// claim reserves every rule of the run, rejecting overlap with an in-flight
// run.  The returned release must be called when the run ends.
func (s *Service) claim(rules []*model.Rule, scope Scope) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rule := range rules {
		if s.inFlight[rule.ID] {
			return nil, fmt.Errorf("scope %q overlaps rule %q: %w", scope.Key(), rule.ID, ErrRunInProgress)
		}
	}
	for _, rule := range rules {
		s.inFlight[rule.ID] = true
	}
	claimed := rules
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, rule := range claimed {
			delete(s.inFlight, rule.ID)
		}
	}, nil
}

// selectRules resolves the scope to the set of non-deleted rules it covers.
func (s *Service) selectRules(ctx context.Context, scope Scope) ([]*model.Rule, error) {
	switch scope.Kind {
	case "", ScopeAll:
		return s.store.ListRules(ctx, store.Filter{})
	case ScopeGroup:
		return s.store.ListRules(ctx, store.Filter{OwnerGroup: scope.Name})
	case ScopeCustom:
		group, err := s.store.GetCustomGroup(ctx, scope.Name)
		if err != nil {
			return nil, err
		}
		if len(group.RuleIDs) == 0 {
			return nil, nil
		}
		return s.store.ListRules(ctx, store.Filter{IDs: group.RuleIDs})
	case ScopeRoot:
		all, err := s.store.ListRules(ctx, store.Filter{})
		if err != nil {
			return nil, err
		}
		forest, err := graph.Build(all)
		if err != nil {
			return nil, err
		}
		node := forest.Lookup(scope.Name)
		if node == nil {
			return nil, fmt.Errorf("root rule %q: %w", scope.Name, store.ErrNotFound)
		}
		subtree := node.Subtree()
		rules := make([]*model.Rule, 0, len(subtree))
		for _, member := range subtree {
			rules = append(rules, member.Rule)
		}
		return rules, nil
	}
	return nil, fmt.Errorf("unknown scope kind %q", scope.Kind)
}

// isZero interprets a scalar statement result: numeric zero, false, empty or
// numeric-zero strings and nil all read as a failure signal.  Non-numeric
// values such as timestamps are presence signals and never read as zero.
func isZero(value interface{}) bool {
	switch actual := value.(type) {
	case nil:
		return true
	case bool:
		return !actual
	case string:
		trimmed := strings.TrimSpace(actual)
		if trimmed == "" {
			return true
		}
		if parsed, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return parsed == 0
		}
		return false
	case []byte:
		return isZero(string(actual))
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return toolbox.AsFloat(value) == 0
	default:
		return false
	}
}

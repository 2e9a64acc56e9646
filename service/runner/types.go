package runner

import (
	"errors"
	"time"
)

// ErrRunInProgress signals that another run overlapping the requested scope
// is still in flight.
var ErrRunInProgress = errors.New("run already in progress")

// Outcome classifies the result of a single rule within a run.
type Outcome string

const (
	OutcomePass    Outcome = "EXECUTED_PASS"
	OutcomeFail    Outcome = "EXECUTED_FAIL"
	OutcomeSkipped Outcome = "SKIPPED"
	OutcomeError   Outcome = "ERROR"
)

// ScopeKind selects which rules a run covers.
type ScopeKind string

const (
	// ScopeAll runs the entire forest.
	ScopeAll ScopeKind = "all"
	// ScopeRoot runs a single root's subtree.
	ScopeRoot ScopeKind = "root"
	// ScopeGroup runs the rules of one owner group.
	ScopeGroup ScopeKind = "group"
	// ScopeCustom runs the members of a custom group.
	ScopeCustom ScopeKind = "custom"
)

// Scope names the run target.  Name is the root rule id, group name or
// custom group name; empty for ScopeAll.
type Scope struct {
	Kind ScopeKind
	Name string
}

// Key returns a stable identifier used in progress and log output.
func (s Scope) Key() string {
	if s.Kind == "" || s.Kind == ScopeAll {
		return "all"
	}
	return string(s.Kind) + ":" + s.Name
}

// RuleResult is the outcome record of one rule in a run.
type RuleResult struct {
	RuleID  string  `json:"ruleId"`
	Name    string  `json:"name"`
	Depth   int     `json:"depth"`
	Outcome Outcome `json:"outcome"`

	// Value carries the scalar the statement returned, when it returned one.
	Value interface{} `json:"value,omitempty"`

	// Reason explains a SKIPPED or ERROR outcome.
	Reason string `json:"reason,omitempty"`

	StartedAt  time.Time `json:"startedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// Report aggregates the outcome of a full run.  Results appear in execution
// order (level by level).
type Report struct {
	RunID      string        `json:"runId"`
	Scope      string        `json:"scope"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Results    []*RuleResult `json:"results"`

	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Errored int `json:"errored"`
}

// Result returns the outcome record for a rule id, nil when the rule was not
// part of the run.
func (r *Report) Result(ruleID string) *RuleResult {
	for _, result := range r.Results {
		if result.RuleID == ruleID {
			return result
		}
	}
	return nil
}

func (r *Report) count(result *RuleResult) {
	switch result.Outcome {
	case OutcomePass:
		r.Passed++
	case OutcomeFail:
		r.Failed++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeError:
		r.Errored++
	}
}

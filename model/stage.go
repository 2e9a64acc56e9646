package model

import "time"

// Stage represents one approver's pending or complete decision on a rule's
// approval.  The set of stages for a rule is derived from its owner group's
// roster at creation/edit time; earlier partial approvals never survive a
// content edit.
type Stage struct {
	RuleID   string `json:"ruleId" yaml:"ruleId"`
	Ordinal  int    `json:"ordinal" yaml:"ordinal"`
	Approver string `json:"approver" yaml:"approver"`

	// RosterVersion records which roster generation produced this stage.
	RosterVersion int `json:"rosterVersion,omitempty" yaml:"rosterVersion,omitempty"`

	Approved  bool       `json:"approved" yaml:"approved"`
	DecidedAt *time.Time `json:"decidedAt,omitempty" yaml:"decidedAt,omitempty"`
}

// StageKey identifies a stage record within a rule.
type StageKey struct {
	RuleID  string
	Ordinal int
}

// Key returns the stage identity.
func (s *Stage) Key() StageKey {
	return StageKey{RuleID: s.RuleID, Ordinal: s.Ordinal}
}

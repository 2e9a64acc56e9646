package model

// Mapping records a column-level data reference between two rules: the
// mapped rule consumes a column derived by the source rule.  A rule may not
// be deleted while mappings reference it.
type Mapping struct {
	ID           string `json:"id" yaml:"id"`
	RuleID       string `json:"ruleId" yaml:"ruleId"`
	SourceRuleID string `json:"sourceRuleId,omitempty" yaml:"sourceRuleId,omitempty"`
	SourceColumn string `json:"sourceColumn,omitempty" yaml:"sourceColumn,omitempty"`
	TargetColumn string `json:"targetColumn,omitempty" yaml:"targetColumn,omitempty"`
}

// References reports whether the mapping references the given rule on either
// side.
func (m *Mapping) References(ruleID string) bool {
	return m.RuleID == ruleID || m.SourceRuleID == ruleID
}

package model

// Group represents an owner group: the business unit that exclusively owns a
// rule's lifecycle decisions.  Every rule has exactly one owner group.
type Group struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Email       string `json:"email,omitempty" yaml:"email,omitempty"`
}

// CustomGroup represents an ad-hoc, many-to-many selection of rules used for
// scoped backup/restore independently of ownership.
type CustomGroup struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	RuleIDs     []string `json:"ruleIds,omitempty" yaml:"ruleIds,omitempty"`
}

// Contains reports whether the custom group holds the given rule.
func (g *CustomGroup) Contains(ruleID string) bool {
	for _, id := range g.RuleIDs {
		if id == ruleID {
			return true
		}
	}
	return false
}

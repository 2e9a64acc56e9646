package model

import (
	"gopkg.in/yaml.v3"
)

// Roster is the versioned approver configuration used for stage generation.
// It is an explicit value passed into the approval workflow rather than
// ambient state, so re-running a workflow against the same roster is
// deterministic.
type Roster struct {
	// Version increments whenever the roster content changes.
	Version int `json:"version" yaml:"version"`

	// Approvers maps a group name to its ordered approver list.
	Approvers map[string][]string `json:"approvers" yaml:"approvers"`
}

// ApproversFor returns the ordered approver list for a group.
func (r *Roster) ApproversFor(group string) []string {
	if r == nil {
		return nil
	}
	return r.Approvers[group]
}

// ParseRoster decodes a YAML roster document.
func ParseRoster(data []byte) (*Roster, error) {
	roster := &Roster{}
	if err := yaml.Unmarshal(data, roster); err != nil {
		return nil, err
	}
	if roster.Approvers == nil {
		roster.Approvers = map[string][]string{}
	}
	return roster, nil
}

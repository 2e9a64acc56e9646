package approval

import (
	"github.com/viant/regula/model"
)

// Event envelope published on the approval queue.
type Event struct {
	Topic   string            // see topic constants below
	RuleID  string            `json:"ruleId"`
	Stage   *model.Stage      `json:"stage,omitempty"`
	Actor   string            `json:"actor,omitempty"`
	Headers map[string]string `json:"headers,omitempty"` // optional – tenant, correlation-id etc.
}

// Standard event topics.
const (
	TopicStagesGenerated = "stages.generated"
	TopicStageApproved   = "stage.approved"
	TopicRuleApproved    = "rule.approved"
)

package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRule_Validate(t *testing.T) {
	var testCases = []struct {
		description string
		rule        Rule
		expectField string
	}{
		{
			description: "valid rule",
			rule:        Rule{Name: "r", Statement: "SELECT 1", OwnerGroup: "BG1"},
		},
		{
			description: "missing name",
			rule:        Rule{Statement: "SELECT 1", OwnerGroup: "BG1"},
			expectField: "name",
		},
		{
			description: "missing statement",
			rule:        Rule{Name: "r", OwnerGroup: "BG1"},
			expectField: "statement",
		},
		{
			description: "missing owner group",
			rule:        Rule{Name: "r", Statement: "SELECT 1"},
			expectField: "ownerGroup",
		},
	}
	for _, testCase := range testCases {
		err := testCase.rule.Validate()
		if testCase.expectField == "" {
			assert.NoError(t, err, testCase.description)
			continue
		}
		var validation *ValidationError
		assert.ErrorAs(t, err, &validation, testCase.description)
		assert.Equal(t, testCase.expectField, validation.Field, testCase.description)
	}
}

func TestRule_Executable(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	rule := Rule{Status: StatusActive}
	assert.True(t, rule.Executable(now))

	rule.Status = StatusInactive
	assert.False(t, rule.Executable(now))

	rule.Status = StatusActive
	rule.EffectiveFrom = &future
	assert.False(t, rule.Executable(now))

	rule.EffectiveFrom = &past
	rule.EffectiveTo = &future
	assert.True(t, rule.Executable(now))

	rule.EffectiveTo = &past
	assert.False(t, rule.Executable(now))
}

func TestRule_ApplyContent(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &Rule{
		ID:            "other",
		Name:          "other-name",
		OwnerGroup:    "BG2",
		Statement:     "SELECT 2",
		Type:          "DQ",
		Critical:      true,
		CriticalScope: ScopeGroup,
		EffectiveFrom: &from,
		Description:   "restored",
		Status:        StatusActive,
		Version:       9,
	}
	target := &Rule{
		ID:         "r1",
		Name:       "r1-name",
		ParentID:   "p1",
		OwnerGroup: "BG1",
		Statement:  "SELECT 1",
		Status:     StatusInactive,
		Version:    3,
	}
	target.ApplyContent(src)

	// content follows the source
	assert.Equal(t, "SELECT 2", target.Statement)
	assert.Equal(t, "DQ", target.Type)
	assert.True(t, target.Critical)
	assert.Equal(t, &from, target.EffectiveFrom)
	assert.Equal(t, "restored", target.Description)

	// identity, lineage and bookkeeping stay put
	assert.Equal(t, "r1", target.ID)
	assert.Equal(t, "r1-name", target.Name)
	assert.Equal(t, "p1", target.ParentID)
	assert.Equal(t, "BG1", target.OwnerGroup)
	assert.EqualValues(t, StatusInactive, target.Status)
	assert.Equal(t, 3, target.Version)
}

func TestRule_Clone(t *testing.T) {
	from := time.Now()
	original := &Rule{ID: "r1", EffectiveFrom: &from}
	clone := original.Clone()
	*clone.EffectiveFrom = from.Add(time.Hour)
	clone.ID = "r2"
	assert.Equal(t, "r1", original.ID)
	assert.True(t, original.EffectiveFrom.Equal(from))
}

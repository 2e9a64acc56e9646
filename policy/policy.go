// Package policy provides an optional per-group table permission layer that
// can be attached to rule operations via context.  It is deliberately
// decoupled from the rest of the engine so that using it is entirely opt-in:
// services that do not embed the Policy in their context keep the original
// "everything allowed" behaviour.
package policy

import (
	"context"
	"strings"
)

// Access modes recognised by the rule services.
const (
	ModeAllow = "allow" // permit everything not explicitly blocked (default)
	ModeDeny  = "deny"  // block everything not explicitly allowed
)

// TableAccess holds the table lists of a single owner group.  Entries match
// by case-insensitive comparison of the qualified table name; "schema.*"
// matches every table in the schema.
type TableAccess struct {
	AllowList []string `json:"allow,omitempty" yaml:"allow,omitempty"`
	BlockList []string `json:"block,omitempty" yaml:"block,omitempty"`
}

// Policy represents the table permission settings applied to rule mutations.
//
//   - Mode controls the default when a group has no matching entry.
//   - Groups holds per-owner-group allow/block lists.
//
// A nil *Policy means "every group may reference every table" and is
// therefore the zero-cost default.
type Policy struct {
	Mode   string                  `json:"mode,omitempty" yaml:"mode,omitempty"`
	Groups map[string]*TableAccess `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// IsAllowed reports whether the owner group may reference the table.  The
// BlockList has priority; an empty AllowList permits everything under
// ModeAllow and nothing under ModeDeny.
func (p *Policy) IsAllowed(group, table string) bool {
	if p == nil {
		return true
	}
	access := p.Groups[group]
	if access == nil {
		return p.Mode != ModeDeny
	}
	normalized := strings.ToLower(table)
	for _, entry := range access.BlockList {
		if matches(entry, normalized) {
			return false
		}
	}
	if len(access.AllowList) == 0 {
		return p.Mode != ModeDeny
	}
	for _, entry := range access.AllowList {
		if matches(entry, normalized) {
			return true
		}
	}
	return false
}

// matches compares a list entry against a normalized table name; entries of
// the form "schema.*" match any table in the schema.
func matches(entry, table string) bool {
	entry = strings.ToLower(entry)
	if strings.HasSuffix(entry, ".*") {
		return strings.HasPrefix(table, entry[:len(entry)-1])
	}
	return entry == table
}

type ctxKeyT struct{}

var ctxKey ctxKeyT

// WithPolicy embeds policy in ctx.
func WithPolicy(ctx context.Context, p *Policy) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKey, p)
}

// FromContext extracts the policy; nil when the context carries none.
func FromContext(ctx context.Context) *Policy {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(ctxKey).(*Policy); ok {
		return v
	}
	return nil
}

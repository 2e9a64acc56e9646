// Package model contains the in-memory representation of governed business
// rules and their supporting records: approval stages, owner and custom
// groups, the versioned approver roster, audit entries and table
// dependencies.
//
// The `graph` sub-package derives the dependency forest used by the
// execution engine from the flat rule set.
package model

// Package regula provides a governed business-rule management core.
//
// Rules are executable statements arranged in a dependency forest.  Every
// content change passes through a multi-stage approval workflow, every
// mutation is recorded in an append-only audit log, and named rule scopes
// can be captured into versioned snapshots and restored.  Execution walks
// the forest level by level, suppressing dependents of failed critical
// rules according to their critical scope.
//
// End-users typically interact through the high-level Service façade
// exposed by the root package:
//
//	srv := regula.New(regula.WithRoster(roster))
//	ctx := srv.NewContext(context.Background())
//	_ = srv.Rules().Add(ctx, rule, "alice")
//	_, _ = srv.Approvals().Approve(ctx, rule.ID, "bob")
//	report, _ := srv.Runner().Execute(ctx, runner.Scope{})
//
// For more details see the README and individual sub-packages.
package regula

// Package progress provides a lightweight tracker that keeps aggregated
// execution counters (rules total, passed, failed, skipped, errored) for a
// single engine run.  The tracker instance lives in the run context – every
// component that receives the context can atomically update the counters via
// the Delta helper without requiring a global registry.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/viant/regula/internal/clock"
)

// Delta represents an incremental counter change emitted by the runner.  The
// fields are signed and therefore can be either positive (increment) or
// negative (decrement).
type Delta struct {
	Total   int
	Passed  int
	Failed  int
	Skipped int
	Errored int
	Running int
}

// Progress keeps aggregated rule counters for a single run.  It is safe for
// concurrent use.
type Progress struct {
	// Identification, informative only, filled when the run starts.
	RunID     string
	Scope     string
	StartedAt time.Time

	// Counters, modified via Update().
	Total   int
	Passed  int
	Failed  int
	Skipped int
	Errored int
	Running int

	sync.Mutex
	onChange func(Progress)
}

// Update applies the supplied delta to the tracker.  It is safe to call from
// multiple goroutines.  A registered onChange callback is invoked with a
// copy of the updated tracker outside the critical section so that it can
// perform slow operations without blocking the runner.
func (p *Progress) Update(d Delta) {
	if p == nil {
		return
	}
	p.Lock()
	p.Total += d.Total
	p.Passed += d.Passed
	p.Failed += d.Failed
	p.Skipped += d.Skipped
	p.Errored += d.Errored
	p.Running += d.Running

	snapshot := *p
	cb := p.onChange
	p.Unlock()

	if cb != nil {
		cb(snapshot)
	}
}

// Remaining returns the number of rules with no outcome yet.
func (p *Progress) Remaining() int {
	if p == nil {
		return 0
	}
	p.Lock()
	defer p.Unlock()
	return p.Total - p.Passed - p.Failed - p.Skipped - p.Errored
}

// Snapshot returns a copy of the tracker suitable for read-only inspection.
func (p *Progress) Snapshot() Progress {
	if p == nil {
		return Progress{}
	}
	p.Lock()
	defer p.Unlock()
	return *p
}

// OnChange registers a callback invoked after every Update.  Passing nil
// disables the callback; subsequent calls overwrite the previous value.
func (p *Progress) OnChange(cb func(Progress)) {
	if p == nil {
		return
	}
	p.Lock()
	p.onChange = cb
	p.Unlock()
}

type trackerKeyT struct{}

var trackerKey trackerKeyT

// WithNewTracker creates a new Progress tracker, embeds it in a derived
// context and returns both.  The caller may optionally pass an onChange
// callback that will be invoked after every counter update.
func WithNewTracker(ctx context.Context, runID, scope string, onChange func(Progress)) (context.Context, *Progress) {
	if ctx == nil {
		ctx = context.Background()
	}
	tr := &Progress{
		RunID:     runID,
		Scope:     scope,
		StartedAt: clock.Now(),
		onChange:  onChange,
	}
	return context.WithValue(ctx, trackerKey, tr), tr
}

// FromContext extracts the Progress tracker from ctx.  The second return
// value is false when the context carries no tracker.
func FromContext(ctx context.Context) (*Progress, bool) {
	if ctx == nil {
		return nil, false
	}
	tr, ok := ctx.Value(trackerKey).(*Progress)
	return tr, ok
}

// GetSnapshot combines FromContext and Snapshot.  The boolean return value
// is false when the context does not carry a tracker.
func GetSnapshot(ctx context.Context) (Progress, bool) {
	if tr, ok := FromContext(ctx); ok {
		return tr.Snapshot(), true
	}
	return Progress{}, false
}

// UpdateCtx looks up the tracker in ctx (if any) and applies the delta.
func UpdateCtx(ctx context.Context, d Delta) {
	if tr, ok := FromContext(ctx); ok {
		tr.Update(d)
	}
}

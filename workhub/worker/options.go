package worker

import "time"

// Options configures a worker loop's polling cadence and idle detection,
// the same zero-value-means-default convention store.Options and
// asceticddd's NewInbox/NewOutbox use.
type Options struct {
	// PollingInterval is how long a worker sleeps after every poll, whether
	// or not it returned work. Default 1s.
	PollingInterval time.Duration
	// IdleThresholdPolls is how many consecutive empty polls fire
	// Loop.OnIdle. Default 2.
	IdleThresholdPolls int
	// Ready, if set, gates each poll on the store being reachable. A
	// worker that sees Ready return false sleeps without attempting
	// ProcessWorkBatch, counting the tick against a separate DB-not-ready
	// streak rather than the idle streak.
	Ready func() bool
}

func (o Options) withDefaults() Options {
	if o.PollingInterval <= 0 {
		o.PollingInterval = time.Second
	}
	if o.IdleThresholdPolls <= 0 {
		o.IdleThresholdPolls = 2
	}
	return o
}

package worker

// IdleEvent is notified the first time a worker's consecutive-empty-poll
// streak reaches IdleThresholdPolls, after having been active.
type IdleEvent struct{}

// StartedEvent is notified the first time a poll returns work after the
// worker had gone idle.
type StartedEvent struct{}

// DBNotReadyEvent is notified on every poll the configured readiness
// check reports the store unreachable.
type DBNotReadyEvent struct {
	ConsecutiveCount int
}

// PollFailedEvent is notified when ProcessWorkBatch itself returns an
// error — a transient store failure. The worker sleeps and retries on
// the next tick; nothing queued locally is lost.
type PollFailedEvent struct {
	Err error
}

package batchscope

// FlushFailedEvent is notified when a FlushAsync call's ProcessWorkBatch
// invocation returns an error. The scope's queues are left untouched so
// the next flush attempt resends exactly what was lost.
type FlushFailedEvent struct {
	Err error
}

// DisposeDeadlineExceededEvent is notified when DisposeAsync's bounded
// flush deadline passes before the flush could complete. The queues named
// here are dropped: at-least-once delivery downgrades to "may have lost
// the last batch" only on this shutdown path.
type DisposeDeadlineExceededEvent struct {
	OutboxMessages int
	InboxMessages  int
	Completions    int
	Failures       int
}

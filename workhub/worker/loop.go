// Package worker implements the three background workers that drive the
// store forward: the outbox publisher, the inbox dispatcher and the
// perspective runner. Each wraps store.Store.ProcessWorkBatch in a
// cooperative poll loop — drain local bags, call the orchestrator, schedule every
// returned item on its own goroutine, track idle/active transitions —
// the shape asceticddd/inbox.PgInbox.Run/Messages uses for its
// partitioned polling loop, generalized from one table to three work
// classes sharing one orchestrator call.
package worker

import (
	"context"
	"time"

	"github.com/krew-solutions/workhub-go/workhub/signals"
)

// PollFunc runs one poll iteration: call the orchestrator, schedule
// whatever it returned, and report how many items were handed off so the
// loop can track idle/active transitions. A PollFunc that cannot reach
// the store returns a non-nil error; the loop treats that as a transient
// failure and retries on the next tick.
type PollFunc func(ctx context.Context) (handed int, err error)

// Loop is the cooperative poll cycle shared by all three workers: sleep,
// check readiness, poll, track idle/active state, repeat. Cancellation
// aborts the current sleep immediately. Loop does not interrupt an
// in-flight poll itself, but the poll receives the same ctx, and
// store.Store runs its database session under that ctx, so a
// cancellation also reaches the queries of a running ProcessWorkBatch.
type Loop struct {
	options Options
	poll    PollFunc

	onIdle       *signals.SignalImp[IdleEvent]
	onStarted    *signals.SignalImp[StartedEvent]
	onDBNotReady *signals.SignalImp[DBNotReadyEvent]
	onPollFailed *signals.SignalImp[PollFailedEvent]

	isIdle bool
}

// NewLoop returns a Loop that calls poll on every tick, applying
// opts.withDefaults().
func NewLoop(opts Options, poll PollFunc) *Loop {
	return &Loop{
		options:      opts.withDefaults(),
		poll:         poll,
		onIdle:       signals.NewSignal[IdleEvent](),
		onStarted:    signals.NewSignal[StartedEvent](),
		onDBNotReady: signals.NewSignal[DBNotReadyEvent](),
		onPollFailed: signals.NewSignal[PollFailedEvent](),
	}
}

func (l *Loop) OnIdle() signals.Signal[IdleEvent]             { return l.onIdle }
func (l *Loop) OnStarted() signals.Signal[StartedEvent]       { return l.onStarted }
func (l *Loop) OnDBNotReady() signals.Signal[DBNotReadyEvent] { return l.onDBNotReady }
func (l *Loop) OnPollFailed() signals.Signal[PollFailedEvent] { return l.onPollFailed }

// IsIdle reports whether the worker is currently considered idle —
// exposed so an integration test can deterministically wait for a
// backlog to drain instead of polling on a timer of its own.
func (l *Loop) IsIdle() bool { return l.isIdle }

// Run executes the poll cycle until ctx is cancelled: an immediate poll
// before the first sleep, so a process that
// starts with queued work picks it up promptly, then sleep/poll
// alternating forever. Run returns ctx.Err() on cancellation.
func (l *Loop) Run(ctx context.Context) error {
	consecutiveEmpty := 0
	consecutiveNotReady := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if l.options.Ready != nil && !l.options.Ready() {
			consecutiveNotReady++
			l.onDBNotReady.Notify(DBNotReadyEvent{ConsecutiveCount: consecutiveNotReady})
			if !sleep(ctx, l.options.PollingInterval) {
				return ctx.Err()
			}
			continue
		}
		consecutiveNotReady = 0

		handed, err := l.poll(ctx)
		if err != nil {
			l.onPollFailed.Notify(PollFailedEvent{Err: err})
			if !sleep(ctx, l.options.PollingInterval) {
				return ctx.Err()
			}
			continue
		}

		if handed == 0 {
			consecutiveEmpty++
			if consecutiveEmpty >= l.options.IdleThresholdPolls && !l.isIdle {
				l.isIdle = true
				l.onIdle.Notify(IdleEvent{})
			}
		} else {
			consecutiveEmpty = 0
			if l.isIdle {
				l.isIdle = false
				l.onStarted.Notify(StartedEvent{})
			}
		}

		if !sleep(ctx, l.options.PollingInterval) {
			return ctx.Err()
		}
	}
}

// sleep waits for d or ctx cancellation, reporting false on cancellation
// so Run can exit instead of looping once more with a cancelled context.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

package pgx

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/krew-solutions/workhub-go/workhub/session"
	"github.com/krew-solutions/workhub-go/workhub/signals"
)

// SessionPool hands out sessions backed by connections acquired from a
// pgxpool.Pool, one per call to Session.
type SessionPool struct {
	pool           *pgxpool.Pool
	onSessionStart *signals.SignalImp[session.SessionScopeStartedEvent]
	onSessionEnd   *signals.SignalImp[session.SessionScopeEndedEvent]
}

func NewSessionPool(pool *pgxpool.Pool) *SessionPool {
	return &SessionPool{
		pool:           pool,
		onSessionStart: signals.NewSignal[session.SessionScopeStartedEvent](),
		onSessionEnd:   signals.NewSignal[session.SessionScopeEndedEvent](),
	}
}

func (p *SessionPool) OnSessionStarted() signals.Signal[session.SessionScopeStartedEvent] {
	return p.onSessionStart
}

func (p *SessionPool) OnSessionEnded() signals.Signal[session.SessionScopeEndedEvent] {
	return p.onSessionEnd
}

func (p *SessionPool) Session(ctx context.Context, callback session.SessionPoolCallback) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	sess := NewSession(ctx, conn)

	p.onSessionStart.Notify(session.SessionScopeStartedEvent{Session: sess})
	err = callback(sess)
	p.onSessionEnd.Notify(session.SessionScopeEndedEvent{Session: sess})

	return err
}

package pgx

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/krew-solutions/workhub-go/workhub/session"
	"github.com/krew-solutions/workhub-go/workhub/session/identitymap"
	"github.com/krew-solutions/workhub-go/workhub/session/result"
	"github.com/krew-solutions/workhub-go/workhub/signals"
)

const defaultCacheSize = 100

// Session represents a database session without transaction
type Session struct {
	ctx            context.Context
	conn           *pgxpool.Conn
	parent         session.Session
	identityMap    *identitymap.IdentityMap
	onStarted      *signals.SignalImp[session.SessionScopeStartedEvent]
	onEnded        *signals.SignalImp[session.SessionScopeEndedEvent]
	onQueryStarted *signals.SignalImp[session.QueryStartedEvent]
	onQueryEnded   *signals.SignalImp[session.QueryEndedEvent]
}

func NewSession(ctx context.Context, conn *pgxpool.Conn) *Session {
	return &Session{
		ctx:            ctx,
		conn:           conn,
		parent:         nil,
		identityMap:    identitymap.New(defaultCacheSize, identitymap.ReadUncommitted),
		onStarted:      signals.NewSignal[session.SessionScopeStartedEvent](),
		onEnded:        signals.NewSignal[session.SessionScopeEndedEvent](),
		onQueryStarted: signals.NewSignal[session.QueryStartedEvent](),
		onQueryEnded:   signals.NewSignal[session.QueryEndedEvent](),
	}
}

func (s *Session) Context() context.Context {
	return s.ctx
}

func (s *Session) Connection() session.DbConnection {
	return &connection{ctx: s.ctx, exec: s.conn, dbSession: s, onQueryStarted: s.onQueryStarted, onQueryEnded: s.onQueryEnded}
}

func (s *Session) IdentityMap() *identitymap.IdentityMap {
	return s.identityMap
}

func (s *Session) OnAtomicStarted() signals.Signal[session.SessionScopeStartedEvent] {
	return s.onStarted
}

func (s *Session) OnAtomicEnded() signals.Signal[session.SessionScopeEndedEvent] {
	return s.onEnded
}

func (s *Session) OnQueryStarted() signals.Signal[session.QueryStartedEvent] {
	return s.onQueryStarted
}

func (s *Session) OnQueryEnded() signals.Signal[session.QueryEndedEvent] {
	return s.onQueryEnded
}

func (s *Session) Atomic(callback session.SessionCallback) error {
	tx, err := s.conn.Begin(s.ctx)
	if err != nil {
		return errors.Wrap(err, "unable to start transaction")
	}

	im := identitymap.New(defaultCacheSize, identitymap.Serializable)
	txSession := NewTransactionSession(s.ctx, tx, im, s)

	s.onStarted.Notify(session.SessionScopeStartedEvent{Session: txSession})

	err = callback(txSession)
	im.Clear()

	s.onEnded.Notify(session.SessionScopeEndedEvent{Session: txSession})

	if err != nil {
		if txErr := tx.Rollback(s.ctx); txErr != nil {
			return multierror.Append(err, txErr)
		}
		return err
	}

	if txErr := tx.Commit(s.ctx); txErr != nil {
		return errors.Wrap(txErr, "failed to commit transaction")
	}

	return nil
}

// TransactionSession represents a session inside transaction
type TransactionSession struct {
	ctx            context.Context
	tx             pgx.Tx
	parent         session.Session
	identityMap    *identitymap.IdentityMap
	onStarted      *signals.SignalImp[session.SessionScopeStartedEvent]
	onEnded        *signals.SignalImp[session.SessionScopeEndedEvent]
	onQueryStarted *signals.SignalImp[session.QueryStartedEvent]
	onQueryEnded   *signals.SignalImp[session.QueryEndedEvent]
}

func NewTransactionSession(ctx context.Context, tx pgx.Tx, identityMap *identitymap.IdentityMap, parent session.Session) *TransactionSession {
	return &TransactionSession{
		ctx:            ctx,
		tx:             tx,
		parent:         parent,
		identityMap:    identityMap,
		onStarted:      signals.NewSignal[session.SessionScopeStartedEvent](),
		onEnded:        signals.NewSignal[session.SessionScopeEndedEvent](),
		onQueryStarted: signals.NewSignal[session.QueryStartedEvent](),
		onQueryEnded:   signals.NewSignal[session.QueryEndedEvent](),
	}
}

func (s *TransactionSession) Context() context.Context {
	return s.ctx
}

func (s *TransactionSession) Connection() session.DbConnection {
	return &connection{ctx: s.ctx, exec: s.tx, dbSession: s, onQueryStarted: s.onQueryStarted, onQueryEnded: s.onQueryEnded}
}

func (s *TransactionSession) IdentityMap() *identitymap.IdentityMap {
	return s.identityMap
}

func (s *TransactionSession) OnAtomicStarted() signals.Signal[session.SessionScopeStartedEvent] {
	return s.onStarted
}

func (s *TransactionSession) OnAtomicEnded() signals.Signal[session.SessionScopeEndedEvent] {
	return s.onEnded
}

func (s *TransactionSession) OnQueryStarted() signals.Signal[session.QueryStartedEvent] {
	return s.onQueryStarted
}

func (s *TransactionSession) OnQueryEnded() signals.Signal[session.QueryEndedEvent] {
	return s.onQueryEnded
}

func (s *TransactionSession) Atomic(callback session.SessionCallback) error {
	nestedTx, err := s.tx.Begin(s.ctx)
	if err != nil {
		return errors.Wrap(err, "unable to start savepoint")
	}

	savepointSession := NewSavepointSession(s.ctx, nestedTx, s.identityMap, s)

	s.onStarted.Notify(session.SessionScopeStartedEvent{Session: savepointSession})

	err = callback(savepointSession)

	s.onEnded.Notify(session.SessionScopeEndedEvent{Session: savepointSession})

	if err != nil {
		if txErr := nestedTx.Rollback(s.ctx); txErr != nil {
			return multierror.Append(err, txErr)
		}
		return err
	}

	if txErr := nestedTx.Commit(s.ctx); txErr != nil {
		return errors.Wrap(txErr, "failed to commit savepoint")
	}

	return nil
}

// SavepointSession represents a session inside savepoint (nested transaction)
type SavepointSession struct {
	ctx            context.Context
	tx             pgx.Tx
	parent         session.Session
	identityMap    *identitymap.IdentityMap
	onStarted      *signals.SignalImp[session.SessionScopeStartedEvent]
	onEnded        *signals.SignalImp[session.SessionScopeEndedEvent]
	onQueryStarted *signals.SignalImp[session.QueryStartedEvent]
	onQueryEnded   *signals.SignalImp[session.QueryEndedEvent]
}

func NewSavepointSession(ctx context.Context, tx pgx.Tx, identityMap *identitymap.IdentityMap, parent session.Session) *SavepointSession {
	return &SavepointSession{
		ctx:            ctx,
		tx:             tx,
		parent:         parent,
		identityMap:    identityMap,
		onStarted:      signals.NewSignal[session.SessionScopeStartedEvent](),
		onEnded:        signals.NewSignal[session.SessionScopeEndedEvent](),
		onQueryStarted: signals.NewSignal[session.QueryStartedEvent](),
		onQueryEnded:   signals.NewSignal[session.QueryEndedEvent](),
	}
}

func (s *SavepointSession) Context() context.Context {
	return s.ctx
}

func (s *SavepointSession) Connection() session.DbConnection {
	return &connection{ctx: s.ctx, exec: s.tx, dbSession: s, onQueryStarted: s.onQueryStarted, onQueryEnded: s.onQueryEnded}
}

func (s *SavepointSession) IdentityMap() *identitymap.IdentityMap {
	return s.identityMap
}

func (s *SavepointSession) OnAtomicStarted() signals.Signal[session.SessionScopeStartedEvent] {
	return s.onStarted
}

func (s *SavepointSession) OnAtomicEnded() signals.Signal[session.SessionScopeEndedEvent] {
	return s.onEnded
}

func (s *SavepointSession) OnQueryStarted() signals.Signal[session.QueryStartedEvent] {
	return s.onQueryStarted
}

func (s *SavepointSession) OnQueryEnded() signals.Signal[session.QueryEndedEvent] {
	return s.onQueryEnded
}

func (s *SavepointSession) Atomic(callback session.SessionCallback) error {
	nestedTx, err := s.tx.Begin(s.ctx)
	if err != nil {
		return errors.Wrap(err, "unable to start nested savepoint")
	}

	nestedSession := NewSavepointSession(s.ctx, nestedTx, s.identityMap, s)

	s.onStarted.Notify(session.SessionScopeStartedEvent{Session: nestedSession})

	err = callback(nestedSession)

	s.onEnded.Notify(session.SessionScopeEndedEvent{Session: nestedSession})

	if err != nil {
		if txErr := nestedTx.Rollback(s.ctx); txErr != nil {
			return multierror.Append(err, txErr)
		}
		return err
	}

	if txErr := nestedTx.Commit(s.ctx); txErr != nil {
		return errors.Wrap(txErr, "failed to commit nested savepoint")
	}

	return nil
}

// executor interface for both *pgxpool.Conn and pgx.Tx
type executor interface {
	Exec(ctx context.Context, query string, args ...any) (pgx.CommandTag, error)
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) pgx.Row
}

// connection implements session.DbConnection
type connection struct {
	ctx            context.Context
	exec           executor
	dbSession      session.DbSession
	onQueryStarted *signals.SignalImp[session.QueryStartedEvent]
	onQueryEnded   *signals.SignalImp[session.QueryEndedEvent]
}

func (c *connection) notifyQueryStarted(query string, args []any) {
	c.onQueryStarted.Notify(session.QueryStartedEvent{
		Query:   query,
		Params:  args,
		Sender:  c,
		Session: c.dbSession,
	})
}

func (c *connection) notifyQueryEnded(query string, args []any, responseTime time.Duration) {
	c.onQueryEnded.Notify(session.QueryEndedEvent{
		Query:        query,
		Params:       args,
		Sender:       c,
		Session:      c.dbSession,
		ResponseTime: responseTime,
	})
}

// Exec runs a statement and reports rows affected. workhub's identifiers are
// client-generated (ids.New), so there is no auto-increment RETURNING id
// case to special-case here.
func (c *connection) Exec(query string, args ...any) (session.Result, error) {
	c.notifyQueryStarted(query, args)
	start := time.Now()

	tag, err := c.exec.Exec(c.ctx, query, args...)

	var r session.Result
	if err == nil {
		r = result.NewResult(0, tag.RowsAffected())
	}
	c.notifyQueryEnded(query, args, time.Since(start))

	return r, err
}

func (c *connection) Query(query string, args ...any) (session.Rows, error) {
	c.notifyQueryStarted(query, args)
	start := time.Now()

	rows, err := c.exec.Query(c.ctx, query, args...)
	c.notifyQueryEnded(query, args, time.Since(start))

	if err != nil {
		return nil, err
	}
	return &rowsAdapter{rows: rows}, nil
}

func (c *connection) QueryRow(query string, args ...any) session.Row {
	c.notifyQueryStarted(query, args)
	start := time.Now()

	row := c.exec.QueryRow(c.ctx, query, args...)
	c.notifyQueryEnded(query, args, time.Since(start))

	return &rowAdapter{row: row}
}

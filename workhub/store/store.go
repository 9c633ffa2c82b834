package store

import (
	"context"

	"github.com/krew-solutions/workhub-go/workhub/session"
)

// Options configures the defaults ProcessWorkBatch falls back to when a
// Request leaves the corresponding field at its zero value.
type Options struct {
	PartitionCount           int
	MaxPartitionsPerInstance int
	LeaseSeconds             int
	StaleThresholdSeconds    int
	ClaimBatchSize           int
}

func defaultOptions() Options {
	return Options{
		PartitionCount:           10_000,
		MaxPartitionsPerInstance: 100,
		LeaseSeconds:             300,
		StaleThresholdSeconds:    600,
		ClaimBatchSize:           100,
	}
}

// Store is the single transactional entry point onto the six shared
// tables. One Store is normally shared by every worker in a process.
type Store struct {
	pool    session.SessionPool
	tables  Tables
	options Options
}

// New wraps pool with the default table names and options.
func New(pool session.SessionPool) *Store {
	return &Store{pool: pool, tables: defaultTables(), options: defaultOptions()}
}

// WithTables overrides the table names Store operates on — useful for
// running more than one logical instance of the core against one schema.
func (st *Store) WithTables(t Tables) *Store {
	st.tables = t
	return st
}

// WithOptions overrides the request defaults Store falls back to.
func (st *Store) WithOptions(o Options) *Store {
	st.options = o
	return st
}

func (st *Store) ctx() context.Context {
	return context.Background()
}

func (st *Store) fillDefaults(req *Request) {
	if req.PartitionCount == 0 {
		req.PartitionCount = st.options.PartitionCount
	}
	if req.MaxPartitionsPerInstance == 0 {
		req.MaxPartitionsPerInstance = st.options.MaxPartitionsPerInstance
	}
	if req.LeaseSeconds == 0 {
		req.LeaseSeconds = st.options.LeaseSeconds
	}
	if req.StaleThresholdSeconds == 0 {
		req.StaleThresholdSeconds = st.options.StaleThresholdSeconds
	}
	if req.ClaimBatchSize == 0 {
		req.ClaimBatchSize = st.options.ClaimBatchSize
	}
}

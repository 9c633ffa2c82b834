package store

import (
	"github.com/krew-solutions/workhub-go/workhub/session"
)

// Tables names the six tables a Store operates on. Names are prefixed
// wh_ for infrastructure and wh_per_ for perspectives, so the core never
// collides with an application's own tables.
type Tables struct {
	ServiceInstances string
	Outbox           string
	Inbox            string
	ActiveStreams    string
	Checkpoints      string
	Deduplication    string
}

func defaultTables() Tables {
	return Tables{
		ServiceInstances: "wh_service_instances",
		Outbox:           "wh_outbox",
		Inbox:            "wh_inbox",
		ActiveStreams:    "wh_active_streams",
		Checkpoints:      "wh_per_checkpoints",
		Deduplication:    "wh_message_deduplication",
	}
}

// Setup creates every table and index the core needs, if they are not
// already present. It is idempotent and safe to call on every startup.
func (st *Store) Setup() error {
	return st.pool.Session(st.ctx(), func(s session.Session) error {
		return s.Atomic(func(txSession session.Session) error {
			db := txSession.(session.DbSession)
			for _, ddl := range st.schemaStatements() {
				if _, err := db.Connection().Exec(ddl); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func (st *Store) schemaStatements() []string {
	t := st.tables
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + t.ServiceInstances + ` (
			instance_id uuid PRIMARY KEY,
			service_name text NOT NULL,
			host_name text NOT NULL,
			process_id integer NOT NULL,
			started_at timestamptz NOT NULL DEFAULT now(),
			last_heartbeat_at timestamptz NOT NULL DEFAULT now(),
			metadata jsonb NOT NULL DEFAULT '{}'::jsonb
		)`,

		`CREATE TABLE IF NOT EXISTS ` + t.Outbox + ` (
			message_id uuid PRIMARY KEY,
			destination text NOT NULL,
			envelope_type text NOT NULL,
			envelope_data jsonb NOT NULL,
			metadata jsonb NOT NULL DEFAULT '{}'::jsonb,
			scope text NOT NULL DEFAULT '',
			stream_id uuid NULL,
			partition_number integer NULL,
			is_event boolean NOT NULL DEFAULT false,
			status integer NOT NULL DEFAULT 0,
			attempts integer NOT NULL DEFAULT 0,
			error text NULL,
			created_at timestamptz NOT NULL DEFAULT now(),
			instance_id uuid NULL,
			lease_expiry timestamptz NULL,
			sequence_order bigserial
		)`,
		`CREATE INDEX IF NOT EXISTS ` + t.Outbox + `_claim_idx ON ` + t.Outbox + ` (partition_number, created_at)`,
		`CREATE INDEX IF NOT EXISTS ` + t.Outbox + `_stream_idx ON ` + t.Outbox + ` (stream_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS ` + t.Inbox + ` (
			message_id uuid PRIMARY KEY,
			handler_name text NOT NULL,
			envelope_type text NOT NULL,
			envelope_data jsonb NOT NULL,
			metadata jsonb NOT NULL DEFAULT '{}'::jsonb,
			scope text NOT NULL DEFAULT '',
			stream_id uuid NULL,
			partition_number integer NULL,
			is_event boolean NOT NULL DEFAULT false,
			status integer NOT NULL DEFAULT 0,
			attempts integer NOT NULL DEFAULT 0,
			error text NULL,
			created_at timestamptz NOT NULL DEFAULT now(),
			instance_id uuid NULL,
			lease_expiry timestamptz NULL,
			sequence_order bigserial
		)`,
		`CREATE INDEX IF NOT EXISTS ` + t.Inbox + `_claim_idx ON ` + t.Inbox + ` (partition_number, created_at)`,
		`CREATE INDEX IF NOT EXISTS ` + t.Inbox + `_stream_idx ON ` + t.Inbox + ` (stream_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS ` + t.ActiveStreams + ` (
			stream_id uuid PRIMARY KEY,
			assigned_instance_id uuid NULL REFERENCES ` + t.ServiceInstances + `(instance_id) ON DELETE CASCADE,
			lease_expiry timestamptz NULL,
			partition_number integer NOT NULL,
			last_activity_at timestamptz NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS ` + t.Checkpoints + ` (
			stream_id uuid NOT NULL,
			perspective_name text NOT NULL,
			last_event_id uuid NULL,
			status integer NOT NULL DEFAULT 0,
			instance_id uuid NULL,
			lease_expiry timestamptz NULL,
			PRIMARY KEY (stream_id, perspective_name)
		)`,

		`CREATE TABLE IF NOT EXISTS ` + t.Deduplication + ` (
			message_id uuid PRIMARY KEY,
			first_seen_at timestamptz NOT NULL DEFAULT now()
		)`,
	}
}

// Cleanup drops every table Setup created. Intended for integration test
// teardown, mirroring PgOutbox/PgInbox's own Setup/Cleanup pair.
func (st *Store) Cleanup() error {
	return st.pool.Session(st.ctx(), func(s session.Session) error {
		return s.Atomic(func(txSession session.Session) error {
			db := txSession.(session.DbSession)
			t := st.tables
			for _, table := range []string{t.Checkpoints, t.ActiveStreams, t.Inbox, t.Outbox, t.Deduplication, t.ServiceInstances} {
				if _, err := db.Connection().Exec(`DROP TABLE IF EXISTS ` + table + ` CASCADE`); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

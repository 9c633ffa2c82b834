package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/krew-solutions/workhub-go/workhub/partition"
	"github.com/krew-solutions/workhub-go/workhub/session"
)

const (
	outboxClaimableMask     = int(StatusPublished | StatusFailed)
	inboxClaimableMask      = int(StatusReceptorProcessed | StatusFailed)
	checkpointClaimableMask = int(StatusPerspectiveProcessedInline | StatusPerspectiveProcessedAsync | StatusFailed)
)

// ProcessWorkBatch runs the full orchestration transaction described by
// req: heartbeat, stale-instance reaping, completion/failure application,
// new-message ingestion with dedup, lease renewal, partition rebalancing,
// and (unless FlagSkipClaim is set) claim of new work. Every step commits
// together or not at all: a failed call leaves no state changed, so
// callers may always retry with the same completion/failure lists.
func (st *Store) ProcessWorkBatch(ctx context.Context, req Request) (Response, error) {
	st.fillDefaults(&req)

	var resp Response
	err := st.pool.Session(ctx, func(s session.Session) error {
		return s.Atomic(func(txSession session.Session) error {
			db := txSession.(session.DbSession)

			if err := st.heartbeat(db, req.Instance); err != nil {
				return errors.Wrap(err, "heartbeat")
			}

			deleted, err := st.reapStaleInstances(db, req.StaleThresholdSeconds)
			if err != nil {
				return errors.Wrap(err, "reap stale instances")
			}
			resp.DeletedStaleInstanceIDs = deleted

			if err := st.applyCompletions(db, st.tables.Outbox, req.OutboxCompletions); err != nil {
				return errors.Wrap(err, "apply outbox completions")
			}
			if err := st.applyCompletions(db, st.tables.Inbox, req.InboxCompletions); err != nil {
				return errors.Wrap(err, "apply inbox completions")
			}
			if err := st.applyCompletions(db, st.tables.Inbox, req.ReceptorCompletions); err != nil {
				return errors.Wrap(err, "apply receptor completions")
			}
			if err := st.applyCheckpointCompletions(db, req.PerspectiveCompletions); err != nil {
				return errors.Wrap(err, "apply perspective completions")
			}

			if err := st.applyFailures(db, st.tables.Outbox, req.OutboxFailures); err != nil {
				return errors.Wrap(err, "apply outbox failures")
			}
			if err := st.applyFailures(db, st.tables.Inbox, req.InboxFailures); err != nil {
				return errors.Wrap(err, "apply inbox failures")
			}
			if err := st.applyFailures(db, st.tables.Inbox, req.ReceptorFailures); err != nil {
				return errors.Wrap(err, "apply receptor failures")
			}
			if err := st.applyCheckpointFailures(db, req.PerspectiveFailures); err != nil {
				return errors.Wrap(err, "apply perspective failures")
			}

			admittedOutbox, err := st.ingestOutbox(db, req.Instance.InstanceID, req.NewOutboxMessages, req.PartitionCount, req.LeaseSeconds)
			if err != nil {
				return errors.Wrap(err, "ingest outbox")
			}
			admittedInbox, err := st.ingestInbox(db, req.Instance.InstanceID, req.NewInboxMessages, req.PartitionCount, req.LeaseSeconds)
			if err != nil {
				return errors.Wrap(err, "ingest inbox")
			}

			if err := st.renewLeases(db, st.tables.Outbox, req.Instance.InstanceID, req.RenewOutboxLeaseIDs, req.LeaseSeconds); err != nil {
				return errors.Wrap(err, "renew outbox leases")
			}
			if err := st.renewLeases(db, st.tables.Inbox, req.Instance.InstanceID, req.RenewInboxLeaseIDs, req.LeaseSeconds); err != nil {
				return errors.Wrap(err, "renew inbox leases")
			}

			// A message admitted this call is already leased to the calling
			// instance, so it belongs in this response regardless of whether
			// the claim step below runs at all.
			resp.OutboxWork = append(resp.OutboxWork, admittedOutbox...)
			resp.InboxWork = append(resp.InboxWork, admittedInbox...)

			if req.Flags.Has(FlagSkipClaim) {
				return nil
			}

			live, err := st.liveInstances(db)
			if err != nil {
				return errors.Wrap(err, "list live instances")
			}
			owned := partition.Owned(req.Instance.InstanceID, live, req.PartitionCount, req.MaxPartitionsPerInstance)

			claimedOutbox, err := st.claimOutbox(db, req.Instance.InstanceID, owned, req.LeaseSeconds, req.ClaimBatchSize)
			if err != nil {
				return errors.Wrap(err, "claim outbox")
			}
			resp.OutboxWork = append(resp.OutboxWork, claimedOutbox...)

			claimedInbox, err := st.claimInbox(db, req.Instance.InstanceID, owned, req.LeaseSeconds, req.ClaimBatchSize)
			if err != nil {
				return errors.Wrap(err, "claim inbox")
			}
			resp.InboxWork = append(resp.InboxWork, claimedInbox...)

			resp.PerspectiveWork, err = st.claimCheckpoints(db, req.Instance.InstanceID, owned, req.LeaseSeconds, req.ClaimBatchSize)
			if err != nil {
				return errors.Wrap(err, "claim perspective checkpoints")
			}

			return nil
		})
	})

	return resp, err
}

// heartbeat is step 1: upsert the calling instance's row with a fresh
// last_heartbeat_at.
func (st *Store) heartbeat(db session.DbSession, instance InstanceIdentity) error {
	metadata := instance.Metadata
	if metadata == nil {
		metadata = []byte(`{}`)
	}
	sql := `
		INSERT INTO ` + st.tables.ServiceInstances + ` (instance_id, service_name, host_name, process_id, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (instance_id) DO UPDATE SET
			last_heartbeat_at = now(),
			service_name = EXCLUDED.service_name,
			host_name = EXCLUDED.host_name,
			process_id = EXCLUDED.process_id,
			metadata = EXCLUDED.metadata
	`
	_, err := db.Connection().Exec(sql, instance.InstanceID, instance.ServiceName, instance.HostName, instance.ProcessID, metadata)
	return err
}

// reapStaleInstances is step 2: delete instances whose heartbeat has gone
// silent and release whatever they had leased.
func (st *Store) reapStaleInstances(db session.DbSession, staleThresholdSeconds int) ([]uuid.UUID, error) {
	sql := fmt.Sprintf(`
		DELETE FROM %s
		WHERE last_heartbeat_at < now() - make_interval(secs => %d)
		RETURNING instance_id
	`, st.tables.ServiceInstances, staleThresholdSeconds)

	rows, err := db.Connection().Query(sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deleted []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		deleted = append(deleted, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(deleted) == 0 {
		return nil, nil
	}

	for _, table := range []string{st.tables.Outbox, st.tables.Inbox, st.tables.Checkpoints} {
		sql := `UPDATE ` + table + ` SET instance_id = NULL, lease_expiry = NULL WHERE instance_id = ANY($1)`
		if _, err := db.Connection().Exec(sql, deleted); err != nil {
			return nil, err
		}
	}

	return deleted, nil
}

// applyCompletions is step 3: bitwise-OR the reported status into each
// row and clear its lease. Idempotent: applying the same completion twice
// leaves the same final status.
func (st *Store) applyCompletions(db session.DbSession, table string, completions []MessageCompletion) error {
	sql := `UPDATE ` + table + ` SET status = status | $2, instance_id = NULL, lease_expiry = NULL WHERE message_id = $1`
	for _, c := range completions {
		if _, err := db.Connection().Exec(sql, c.MessageID, int(c.CompletedStatus)); err != nil {
			return err
		}
	}
	return nil
}

// applyFailures is step 4: mark Failed, record the error, increment
// attempts, clear the lease, and cascade-release later messages in the
// same stream held by this instance.
func (st *Store) applyFailures(db session.DbSession, table string, failures []MessageFailure) error {
	// RETURNING sees the row after SET, so the lease holder is read from
	// prev (the row as it was before the update) for the cascade below.
	sql := `
		WITH prev AS (
			SELECT message_id, instance_id FROM ` + table + ` WHERE message_id = $1 FOR UPDATE
		)
		UPDATE ` + table + ` t
		SET status = (t.status | $2 | ` + fmt.Sprint(int(StatusFailed)) + `),
			error = $3,
			attempts = t.attempts + 1,
			instance_id = NULL,
			lease_expiry = NULL
		FROM prev
		WHERE t.message_id = prev.message_id
		RETURNING t.stream_id, prev.instance_id, t.sequence_order
	`
	cascadeSQL := `
		UPDATE ` + table + `
		SET instance_id = NULL, lease_expiry = NULL
		WHERE stream_id = $1 AND sequence_order > $2 AND instance_id = $3
	`

	for _, f := range failures {
		row := db.Connection().QueryRow(sql, f.MessageID, int(f.CompletedStatus), f.Error)
		var streamID *uuid.UUID
		var instanceID *uuid.UUID
		var sequenceOrder int64
		if err := row.Scan(&streamID, &instanceID, &sequenceOrder); err != nil {
			if err == pgx.ErrNoRows {
				continue
			}
			return err
		}
		if streamID == nil || instanceID == nil {
			continue
		}
		if _, err := db.Connection().Exec(cascadeSQL, *streamID, sequenceOrder, *instanceID); err != nil {
			return err
		}
	}
	return nil
}

func (st *Store) applyCheckpointCompletions(db session.DbSession, completions []CheckpointCompletion) error {
	sql := `
		UPDATE ` + st.tables.Checkpoints + `
		SET status = status | $3, instance_id = NULL, lease_expiry = NULL,
			last_event_id = COALESCE($4, last_event_id)
		WHERE stream_id = $1 AND perspective_name = $2
	`
	for _, c := range completions {
		if _, err := db.Connection().Exec(sql, c.StreamID, c.PerspectiveName, int(c.CompletedStatus), c.LastEventID); err != nil {
			return err
		}
	}
	return nil
}

func (st *Store) applyCheckpointFailures(db session.DbSession, failures []CheckpointFailure) error {
	sql := `
		UPDATE ` + st.tables.Checkpoints + `
		SET status = (status | $3 | ` + fmt.Sprint(int(StatusFailed)) + `), instance_id = NULL, lease_expiry = NULL
		WHERE stream_id = $1 AND perspective_name = $2
	`
	for _, f := range failures {
		if _, err := db.Connection().Exec(sql, f.StreamID, f.PerspectiveName, int(f.CompletedStatus)); err != nil {
			return err
		}
	}
	return nil
}

// ingestOutbox is step 5 for outbox: dedup-gate every new message, insert
// it with an immediate lease to the admitting instance, and upsert stream
// ownership. It returns a WorkItem for every message newly admitted this
// call (already leased to me), since the claim step later in the same
// transaction will never re-select a row whose lease it just granted.
// Messages rejected as duplicates are silently dropped, same as a retry
// of an already-applied completion.
func (st *Store) ingestOutbox(db session.DbSession, me uuid.UUID, messages []NewOutboxMessage, partitionCount, leaseSeconds int) ([]WorkItem, error) {
	items := make([]WorkItem, 0, len(messages))
	for _, m := range messages {
		created, err := st.admitDedup(db, m.MessageID)
		if err != nil {
			return nil, err
		}
		if !created {
			continue
		}

		partitionNumber, err := st.partitionForStream(db, m.StreamID, partitionCount)
		if err != nil {
			return nil, err
		}

		sql := `
			INSERT INTO ` + st.tables.Outbox + ` (
				message_id, destination, envelope_type, envelope_data, metadata, scope,
				stream_id, partition_number, is_event, status, instance_id, lease_expiry
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now() + make_interval(secs => $12)
			)
			ON CONFLICT (message_id) DO NOTHING
			RETURNING sequence_order
		`
		metadata := m.Metadata
		if metadata == nil {
			metadata = []byte(`{}`)
		}
		row := db.Connection().QueryRow(sql,
			m.MessageID, m.Destination, m.EnvelopeType, m.EnvelopeData, metadata, m.Scope,
			m.StreamID, partitionNumber, m.IsEvent, int(StatusStored), me, leaseSeconds,
		)
		var sequenceOrder int64
		if err := row.Scan(&sequenceOrder); err != nil {
			if err == pgx.ErrNoRows {
				// admitDedup is the sole admission gate; a conflict here means
				// the row already existed despite a fresh dedup entry. Treat it
				// the same as a duplicate: nothing to report for this message.
				continue
			}
			return nil, err
		}

		if m.StreamID != nil {
			if err := st.upsertActiveStream(db, *m.StreamID, me, *partitionNumber, leaseSeconds); err != nil {
				return nil, err
			}
		}

		items = append(items, WorkItem{
			Source:          SourceOutbox,
			MessageID:       m.MessageID,
			StreamID:        m.StreamID,
			PartitionNumber: partitionNumber,
			EnvelopeType:    m.EnvelopeType,
			EnvelopeData:    m.EnvelopeData,
			Metadata:        metadata,
			Status:          StatusStored,
			SequenceOrder:   sequenceOrder,
			Destination:     m.Destination,
		})
	}
	return items, nil
}

// ingestInbox mirrors ingestOutbox for messages arriving from a transport.
func (st *Store) ingestInbox(db session.DbSession, me uuid.UUID, messages []NewInboxMessage, partitionCount, leaseSeconds int) ([]WorkItem, error) {
	items := make([]WorkItem, 0, len(messages))
	for _, m := range messages {
		created, err := st.admitDedup(db, m.MessageID)
		if err != nil {
			return nil, err
		}
		if !created {
			continue
		}

		partitionNumber, err := st.partitionForStream(db, m.StreamID, partitionCount)
		if err != nil {
			return nil, err
		}

		sql := `
			INSERT INTO ` + st.tables.Inbox + ` (
				message_id, handler_name, envelope_type, envelope_data, metadata, scope,
				stream_id, partition_number, is_event, status, instance_id, lease_expiry
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now() + make_interval(secs => $12)
			)
			ON CONFLICT (message_id) DO NOTHING
			RETURNING sequence_order
		`
		metadata := m.Metadata
		if metadata == nil {
			metadata = []byte(`{}`)
		}
		row := db.Connection().QueryRow(sql,
			m.MessageID, m.HandlerName, m.EnvelopeType, m.EnvelopeData, metadata, m.Scope,
			m.StreamID, partitionNumber, m.IsEvent, int(StatusStored), me, leaseSeconds,
		)
		var sequenceOrder int64
		if err := row.Scan(&sequenceOrder); err != nil {
			if err == pgx.ErrNoRows {
				continue
			}
			return nil, err
		}

		if m.StreamID != nil {
			if err := st.upsertActiveStream(db, *m.StreamID, me, *partitionNumber, leaseSeconds); err != nil {
				return nil, err
			}
		}

		items = append(items, WorkItem{
			Source:          SourceInbox,
			MessageID:       m.MessageID,
			StreamID:        m.StreamID,
			PartitionNumber: partitionNumber,
			EnvelopeType:    m.EnvelopeType,
			EnvelopeData:    m.EnvelopeData,
			Metadata:        metadata,
			Status:          StatusStored,
			SequenceOrder:   sequenceOrder,
			HandlerName:     m.HandlerName,
		})
	}
	return items, nil
}

// admitDedup is the sole gate for admitting a message: a duplicate insert
// affects zero rows and the message is rejected for good, even days later.
func (st *Store) admitDedup(db session.DbSession, messageID uuid.UUID) (bool, error) {
	sql := `INSERT INTO ` + st.tables.Deduplication + ` (message_id) VALUES ($1) ON CONFLICT DO NOTHING`
	result, err := db.Connection().Exec(sql, messageID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (st *Store) partitionForStream(db session.DbSession, streamID *uuid.UUID, partitionCount int) (*int, error) {
	if streamID == nil {
		return nil, nil
	}
	row := db.Connection().QueryRow(`SELECT hashtext($1::text) % $2`, *streamID, partitionCount)
	var p int
	if err := row.Scan(&p); err != nil {
		return nil, err
	}
	if p < 0 {
		p += partitionCount
	}
	return &p, nil
}

func (st *Store) upsertActiveStream(db session.DbSession, streamID uuid.UUID, instanceID uuid.UUID, partitionNumber int, leaseSeconds int) error {
	sql := `
		INSERT INTO ` + st.tables.ActiveStreams + ` (stream_id, assigned_instance_id, lease_expiry, partition_number, last_activity_at)
		VALUES ($1, $2, now() + make_interval(secs => $3), $4, now())
		ON CONFLICT (stream_id) DO UPDATE SET
			assigned_instance_id = EXCLUDED.assigned_instance_id,
			lease_expiry = EXCLUDED.lease_expiry,
			partition_number = EXCLUDED.partition_number,
			last_activity_at = now()
	`
	_, err := db.Connection().Exec(sql, streamID, instanceID, leaseSeconds, partitionNumber)
	return err
}

// renewLeases is step 6: extend the lease on ids still owned by me,
// leaving anything already reclaimed by another instance untouched.
func (st *Store) renewLeases(db session.DbSession, table string, me uuid.UUID, messageIDs []uuid.UUID, leaseSeconds int) error {
	if len(messageIDs) == 0 {
		return nil
	}
	sql := `
		UPDATE ` + table + `
		SET lease_expiry = now() + make_interval(secs => $1)
		WHERE message_id = ANY($2) AND instance_id = $3
	`
	_, err := db.Connection().Exec(sql, leaseSeconds, messageIDs, me)
	return err
}

func (st *Store) liveInstances(db session.DbSession) ([]uuid.UUID, error) {
	rows, err := db.Connection().Query(`SELECT instance_id FROM ` + st.tables.ServiceInstances)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// claimOutbox is the outbox half of step 7: claim up to claimBatchSize
// rows not yet published-or-failed in owned partitions whose lease is
// free, skipping any message whose stream has an earlier unfinished
// message still leased.
func (st *Store) claimOutbox(db session.DbSession, me uuid.UUID, owned []int, leaseSeconds, claimBatchSize int) ([]WorkItem, error) {
	sql := fmt.Sprintf(`
		WITH candidates AS (
			SELECT message_id FROM %[1]s o
			WHERE (o.status & %[2]d) = 0
			  AND (instance_id IS NULL OR lease_expiry < now())
			  AND (partition_number IS NULL OR partition_number = ANY($1))
			  AND NOT EXISTS (
				SELECT 1 FROM %[1]s earlier
				WHERE earlier.stream_id = o.stream_id
				  AND o.stream_id IS NOT NULL
				  AND earlier.sequence_order < o.sequence_order
				  AND (earlier.status & %[2]d) = 0
				  AND earlier.instance_id IS NOT NULL
			  )
			ORDER BY o.created_at
			LIMIT $2
			FOR UPDATE OF o SKIP LOCKED
		)
		UPDATE %[1]s o
		SET instance_id = $3, lease_expiry = now() + make_interval(secs => $4)
		FROM candidates
		WHERE o.message_id = candidates.message_id
		RETURNING o.message_id, o.stream_id, o.partition_number, o.envelope_type,
			o.envelope_data, o.metadata, o.status, o.sequence_order, o.destination
	`, st.tables.Outbox, outboxClaimableMask)

	rows, err := db.Connection().Query(sql, owned, claimBatchSize, me, leaseSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []WorkItem
	for rows.Next() {
		var item WorkItem
		var status int
		item.Source = SourceOutbox
		if err := rows.Scan(&item.MessageID, &item.StreamID, &item.PartitionNumber, &item.EnvelopeType,
			&item.EnvelopeData, &item.Metadata, &status, &item.SequenceOrder, &item.Destination); err != nil {
			return nil, err
		}
		item.Status = Status(status)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (st *Store) claimInbox(db session.DbSession, me uuid.UUID, owned []int, leaseSeconds, claimBatchSize int) ([]WorkItem, error) {
	sql := fmt.Sprintf(`
		WITH candidates AS (
			SELECT message_id FROM %[1]s i
			WHERE (i.status & %[2]d) = 0
			  AND (i.instance_id IS NULL OR i.lease_expiry < now())
			  AND (i.partition_number IS NULL OR i.partition_number = ANY($1))
			  AND NOT EXISTS (
				SELECT 1 FROM %[1]s earlier
				WHERE earlier.stream_id = i.stream_id
				  AND i.stream_id IS NOT NULL
				  AND earlier.sequence_order < i.sequence_order
				  AND (earlier.status & %[2]d) = 0
				  AND earlier.instance_id IS NOT NULL
			  )
			ORDER BY i.created_at
			LIMIT $2
			FOR UPDATE OF i SKIP LOCKED
		)
		UPDATE %[1]s i
		SET instance_id = $3, lease_expiry = now() + make_interval(secs => $4)
		FROM candidates
		WHERE i.message_id = candidates.message_id
		RETURNING i.message_id, i.stream_id, i.partition_number, i.envelope_type,
			i.envelope_data, i.metadata, i.status, i.sequence_order, i.handler_name
	`, st.tables.Inbox, inboxClaimableMask)

	rows, err := db.Connection().Query(sql, owned, claimBatchSize, me, leaseSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []WorkItem
	for rows.Next() {
		var item WorkItem
		var status int
		item.Source = SourceInbox
		if err := rows.Scan(&item.MessageID, &item.StreamID, &item.PartitionNumber, &item.EnvelopeType,
			&item.EnvelopeData, &item.Metadata, &status, &item.SequenceOrder, &item.HandlerName); err != nil {
			return nil, err
		}
		item.Status = Status(status)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (st *Store) claimCheckpoints(db session.DbSession, me uuid.UUID, owned []int, leaseSeconds, claimBatchSize int) ([]WorkItem, error) {
	sql := fmt.Sprintf(`
		WITH candidates AS (
			SELECT c.stream_id, c.perspective_name FROM %[1]s c
			JOIN %[2]s a ON a.stream_id = c.stream_id
			WHERE (c.status & %[3]d) = 0
			  AND (c.instance_id IS NULL OR c.lease_expiry < now())
			  AND a.partition_number = ANY($1)
			ORDER BY c.stream_id
			LIMIT $2
			FOR UPDATE OF c SKIP LOCKED
		)
		UPDATE %[1]s c
		SET instance_id = $3, lease_expiry = now() + make_interval(secs => $4)
		FROM candidates
		WHERE c.stream_id = candidates.stream_id AND c.perspective_name = candidates.perspective_name
		RETURNING c.stream_id, c.perspective_name, c.last_event_id, c.status
	`, st.tables.Checkpoints, st.tables.ActiveStreams, checkpointClaimableMask)

	rows, err := db.Connection().Query(sql, owned, claimBatchSize, me, leaseSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []WorkItem
	for rows.Next() {
		var item WorkItem
		var status int
		var streamID uuid.UUID
		var lastEventID *uuid.UUID
		item.Source = SourcePerspective
		if err := rows.Scan(&streamID, &item.PerspectiveName, &lastEventID, &status); err != nil {
			return nil, err
		}
		item.StreamID = &streamID
		item.Status = Status(status)
		if lastEventID != nil {
			item.MessageID = *lastEventID
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

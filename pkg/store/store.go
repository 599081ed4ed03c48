package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Store provides event log and stream state access on top of a shared
// PostgreSQL pool. Mutating operations take the reducer transaction's Querier
// so that staging and sequence allocation commit (or abort) atomically with
// the rest of the reducer's effects.
type Store struct {
	db *sql.DB
}

// New creates a Store over the shared database pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying pool for callers that open their own transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EnsureStream provisions a stream if it does not exist yet and keeps its
// confirmed-read flag in line with configuration. Called at startup for every
// configured stream; streams persist for the system's lifetime.
func (s *Store) EnsureStream(ctx context.Context, streamID, ownerScope string, confirmedRead bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO streams (stream_id, owner_scope, confirmed_read)
		VALUES ($1, $2, $3)
		ON CONFLICT (stream_id) DO UPDATE SET confirmed_read = EXCLUDED.confirmed_read`,
		streamID, ownerScope, confirmedRead)
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", streamID, err)
	}
	return nil
}

// Streams returns all provisioned streams with their current heads.
func (s *Store) Streams(ctx context.Context) ([]Stream, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stream_id, owner_scope, confirmed_read, head_seq, min_retained_seq
		FROM streams ORDER BY stream_id`)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	var out []Stream
	for rows.Next() {
		var st Stream
		if err := rows.Scan(&st.StreamID, &st.OwnerScope, &st.ConfirmedRead, &st.HeadSeq, &st.MinRetainedSeq); err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Append stages one event on a stream inside the given transaction.
//
// The stream's head row is locked FOR UPDATE, which serializes all appends to
// the stream and guarantees dense, strictly increasing sequences. When an
// idempotency key is supplied and already bound to a committed event with the
// same payload hash, the prior event is returned with Replayed set and
// nothing is staged. A key bound to a different payload hash fails with
// ErrConflictingIdempotency.
func (s *Store) Append(ctx context.Context, tx Querier, txnID, streamID string, payload json.RawMessage, rowKey string, tombstone bool, idempotencyKey string, committedAt time.Time) (AppendResult, error) {
	hash, err := HashPayload(payload)
	if err != nil {
		return AppendResult{}, err
	}

	var headSeq int64
	err = tx.QueryRowContext(ctx,
		`SELECT head_seq FROM streams WHERE stream_id = $1 FOR UPDATE`,
		streamID).Scan(&headSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return AppendResult{}, fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}
	if err != nil {
		return AppendResult{}, fmt.Errorf("lock stream head %s: %w", streamID, err)
	}

	if idempotencyKey != "" {
		var prior Event
		var priorKey sql.NullString
		err = tx.QueryRowContext(ctx, `
			SELECT stream_id, seq, row_key, tombstone, payload, payload_hash, idempotency_key, txn_id, committed_at
			FROM events WHERE stream_id = $1 AND idempotency_key = $2`,
			streamID, idempotencyKey).Scan(
			&prior.StreamID, &prior.Seq, &prior.RowKey, &prior.Tombstone,
			&prior.Payload, &prior.PayloadHash, &priorKey, &prior.TxnID, &prior.CommittedAt)
		switch {
		case err == nil:
			if prior.PayloadHash != hash {
				return AppendResult{}, fmt.Errorf("%w: stream %s key %s", ErrConflictingIdempotency, streamID, idempotencyKey)
			}
			prior.IdempotencyKey = idempotencyKey
			return AppendResult{Event: prior, Replayed: true}, nil
		case errors.Is(err, sql.ErrNoRows):
			// First use of the key; fall through to stage.
		default:
			return AppendResult{}, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	seq := headSeq + 1
	if _, err := tx.ExecContext(ctx,
		`UPDATE streams SET head_seq = $2 WHERE stream_id = $1`, streamID, seq); err != nil {
		return AppendResult{}, fmt.Errorf("advance stream head %s: %w", streamID, err)
	}

	var keyArg any
	if idempotencyKey != "" {
		keyArg = idempotencyKey
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (stream_id, seq, row_key, tombstone, payload, payload_hash, idempotency_key, txn_id, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		streamID, seq, rowKey, tombstone, []byte(payload), hash, keyArg, txnID, committedAt)
	if err != nil {
		return AppendResult{}, fmt.Errorf("stage event %s/%d: %w", streamID, seq, err)
	}

	return AppendResult{Event: Event{
		StreamID:       streamID,
		Seq:            seq,
		RowKey:         rowKey,
		Tombstone:      tombstone,
		Payload:        payload,
		PayloadHash:    hash,
		IdempotencyKey: idempotencyKey,
		TxnID:          txnID,
		CommittedAt:    committedAt,
	}}, nil
}

// Range returns at most limit committed events with seq > fromSeq on a
// stream, in ascending sequence order. Uncommitted events are invisible by
// construction: the insert only becomes visible once its transaction commits.
func (s *Store) Range(ctx context.Context, q Querier, streamID string, fromSeq int64, limit int) ([]Event, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT stream_id, seq, row_key, tombstone, payload, payload_hash, COALESCE(idempotency_key, ''), txn_id, committed_at
		FROM events
		WHERE stream_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3`,
		streamID, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("range %s from %d: %w", streamID, fromSeq, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.StreamID, &ev.Seq, &ev.RowKey, &ev.Tombstone,
			&ev.Payload, &ev.PayloadHash, &ev.IdempotencyKey, &ev.TxnID, &ev.CommittedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Head returns the committed head sequence and retention floor of a stream.
func (s *Store) Head(ctx context.Context, q Querier, streamID string) (head, minRetained int64, err error) {
	err = q.QueryRowContext(ctx,
		`SELECT head_seq, min_retained_seq FROM streams WHERE stream_id = $1`,
		streamID).Scan(&head, &minRetained)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("stream head %s: %w", streamID, err)
	}
	return head, minRetained, nil
}

// TxnEvents returns all events appended by one transaction in append order.
func (s *Store) TxnEvents(ctx context.Context, txnID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stream_id, seq, row_key, tombstone, payload, payload_hash, COALESCE(idempotency_key, ''), txn_id, committed_at
		FROM events WHERE txn_id = $1
		ORDER BY stream_id, seq`, txnID)
	if err != nil {
		return nil, fmt.Errorf("events for txn %s: %w", txnID, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.StreamID, &ev.Seq, &ev.RowKey, &ev.Tombstone,
			&ev.Payload, &ev.PayloadHash, &ev.IdempotencyKey, &ev.TxnID, &ev.CommittedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Package outbox drains committed events selected for export to the
// external substrate. Export is failure-isolated: substrate outages grow the
// queue (bounded by the disk budget enforced at enqueue) and never touch
// reducer latency or fan-out.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Entry states.
const (
	StatePending = "pending"
	StateSent    = "sent"
	StateFailed  = "failed"
)

// Entry is one queued export.
type Entry struct {
	EntryID       string    `json:"entry_id"`
	StreamID      string    `json:"stream_id"`
	SourceSeq     int64     `json:"source_seq"`
	PolicyTag     string    `json:"policy_tag"`
	State         string    `json:"state"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	Proof         string    `json:"proof,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Substrate publishes one event to the external event substrate and returns
// an opaque proof pointer.
type Substrate interface {
	Publish(ctx context.Context, entry Entry, payload json.RawMessage, payloadHash string) (proof string, err error)
}

// claimNext leases the oldest pending entry, in commit order, once it is due.
// An oldest entry that is not yet due holds back the entries behind it, so
// retries never let later entries overtake it. SKIP LOCKED keeps concurrent
// workers off the same entry; the lease keeps a crashed worker's entry
// invisible only until its attempt deadline passes.
func claimNext(ctx context.Context, db *sql.DB, lease time.Duration) (*Entry, error) {
	row := db.QueryRowContext(ctx, `
		UPDATE outbox_entries SET next_attempt_at = now() + $1::interval
		WHERE entry_id = (
			SELECT entry_id FROM outbox_entries
			WHERE state = 'pending'
			ORDER BY created_at, entry_id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND next_attempt_at <= now()
		RETURNING entry_id, stream_id, source_seq, policy_tag, state, attempts, next_attempt_at, COALESCE(proof, ''), created_at`,
		fmt.Sprintf("%d milliseconds", lease.Milliseconds()))

	var e Entry
	err := row.Scan(&e.EntryID, &e.StreamID, &e.SourceSeq, &e.PolicyTag, &e.State,
		&e.Attempts, &e.NextAttemptAt, &e.Proof, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim outbox entry: %w", err)
	}
	return &e, nil
}

// Depths reports pending and failed queue depths for health and metrics.
func Depths(ctx context.Context, db *sql.DB) (pending, failed int64, err error) {
	err = db.QueryRowContext(ctx, `
		SELECT count(*) FILTER (WHERE state = 'pending'),
		       count(*) FILTER (WHERE state = 'failed')
		FROM outbox_entries`).Scan(&pending, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("outbox depths: %w", err)
	}
	return pending, failed, nil
}

// FailedEntries lists permanently failed entries for operator triage.
func FailedEntries(ctx context.Context, db *sql.DB, limit int) ([]Entry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT entry_id, stream_id, source_seq, policy_tag, state, attempts, next_attempt_at, COALESCE(proof, ''), created_at
		FROM outbox_entries WHERE state = 'failed'
		ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed outbox entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EntryID, &e.StreamID, &e.SourceSeq, &e.PolicyTag, &e.State,
			&e.Attempts, &e.NextAttemptAt, &e.Proof, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RetryFailed re-arms a failed entry for another attempt cycle.
func RetryFailed(ctx context.Context, db *sql.DB, entryID string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE outbox_entries SET state = 'pending', attempts = 0, next_attempt_at = now()
		WHERE entry_id = $1 AND state = 'failed'`, entryID)
	if err != nil {
		return fmt.Errorf("retry outbox entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New("no failed entry with that id")
	}
	return nil
}

// PruneSent deletes sent entries older than ttl; successful exports only
// need to survive long enough for triage.
func PruneSent(ctx context.Context, db *sql.DB, ttl time.Duration) (int64, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM outbox_entries WHERE state = 'sent' AND created_at < now() - $1::interval`,
		fmt.Sprintf("%d milliseconds", ttl.Milliseconds()))
	if err != nil {
		return 0, fmt.Errorf("prune sent outbox entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

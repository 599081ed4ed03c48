package store

import (
	"context"
	"fmt"
	"time"
)

// Prune enforces a per-stream retention window measured in events. History
// older than window events behind the head is deleted and the stream's
// retention floor advances, which is what turns an aged-out resume watermark
// into a stale cursor.
//
// The delete removes whole event rows, idempotency keys included: a key whose
// event has been pruned is no longer recognised, and re-issuing it appends a
// new event. Sequence numbers are never reused, since head_seq only advances.
func (s *Store) Prune(ctx context.Context, streamID string, window int64) (int64, error) {
	if window <= 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var head, minRetained int64
	err = tx.QueryRowContext(ctx,
		`SELECT head_seq, min_retained_seq FROM streams WHERE stream_id = $1 FOR UPDATE`,
		streamID).Scan(&head, &minRetained)
	if err != nil {
		return 0, fmt.Errorf("lock stream %s for prune: %w", streamID, err)
	}

	floor := head - window + 1
	if floor <= minRetained {
		return 0, tx.Commit()
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE stream_id = $1 AND seq < $2`, streamID, floor)
	if err != nil {
		return 0, fmt.Errorf("prune events %s: %w", streamID, err)
	}
	deleted, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx,
		`UPDATE streams SET min_retained_seq = $2 WHERE stream_id = $1`, streamID, floor); err != nil {
		return 0, fmt.Errorf("advance retention floor %s: %w", streamID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune %s: %w", streamID, err)
	}
	return deleted, nil
}

// ExpirePresence finds presence rows not refreshed since the cutoff and
// returns them so the caller can emit deletion deltas through the reducer
// engine. The delete itself happens through upsert_presence tombstones; this
// only reports which rows aged out.
func (s *Store) ExpirePresence(ctx context.Context, cutoff time.Time) ([]PresenceRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT principal, device_id, status, updated_at
		FROM presence WHERE updated_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("expired presence scan: %w", err)
	}
	defer rows.Close()

	var out []PresenceRow
	for rows.Next() {
		var p PresenceRow
		if err := rows.Scan(&p.Principal, &p.DeviceID, &p.Status, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan presence row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PresenceRow is one live presence record.
type PresenceRow struct {
	Principal string    `json:"principal"`
	DeviceID  string    `json:"device_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

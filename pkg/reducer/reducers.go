package reducer

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// appendEvent appends one caller-supplied event to a stream, idempotent on
// the optional key.
func (e *Engine) appendEvent(ctx context.Context, txc *TxnContext, input json.RawMessage) error {
	var p AppendEventParams
	if err := decodeParams(input, &p); err != nil {
		return err
	}
	if p.StreamID == "" {
		return Errorf(CodeInvalidRequest, "stream_id is required")
	}
	if len(p.Payload) == 0 {
		return Errorf(CodeInvalidRequest, "payload is required")
	}
	_, err := txc.Append(ctx, p.StreamID, p.Payload, p.RowKey, p.Tombstone, p.IdempotencyKey)
	return err
}

// ackWatermark advances a connection's resume watermark. The ack names a
// committed sequence; anything beyond the stream head is rejected.
func (e *Engine) ackWatermark(ctx context.Context, txc *TxnContext, input json.RawMessage) error {
	var p AckWatermarkParams
	if err := decodeParams(input, &p); err != nil {
		return err
	}
	if p.StreamID == "" || p.ConnID == "" {
		return Errorf(CodeInvalidRequest, "stream_id and conn_id are required")
	}
	if p.Seq < 0 {
		return Errorf(CodeInvalidRequest, "seq must be non-negative")
	}
	if !txc.Caller.AllowsStream(p.StreamID) {
		return Errorf(CodeUnauthorized, "claim scope does not cover stream %s", p.StreamID)
	}

	head, _, err := e.st.Head(ctx, txc.Tx(), p.StreamID)
	if err != nil {
		return err
	}
	if p.Seq > head {
		return Errorf(CodeInvalidRequest, "seq %d exceeds committed head %d of %s", p.Seq, head, p.StreamID)
	}

	_, err = txc.Tx().ExecContext(ctx, `
		INSERT INTO watermarks (conn_id, stream_id, last_applied_seq, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conn_id, stream_id)
		DO UPDATE SET last_applied_seq = GREATEST(watermarks.last_applied_seq, EXCLUDED.last_applied_seq),
		              updated_at = EXCLUDED.updated_at`,
		p.ConnID, p.StreamID, p.Seq, txc.Clock)
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}

// upsertPresence replaces a presence row and emits the delta on the presence
// stream. Status "offline" tombstones the row; the disconnect sweep issues
// the same call when a device misses its grace window.
func (e *Engine) upsertPresence(ctx context.Context, txc *TxnContext, input json.RawMessage) error {
	var p UpsertPresenceParams
	if err := decodeParams(input, &p); err != nil {
		return err
	}
	if p.Principal == "" || p.DeviceID == "" || p.Status == "" {
		return Errorf(CodeInvalidRequest, "principal, device_id, and status are required")
	}

	rowKey := p.Principal + "/" + p.DeviceID
	payload, err := json.Marshal(map[string]string{
		"principal": p.Principal,
		"device":    p.DeviceID,
		"status":    p.Status,
	})
	if err != nil {
		return fmt.Errorf("encode presence payload: %w", err)
	}

	offline := p.Status == PresenceStatusOffline
	if _, err := txc.Append(ctx, StreamPresence, payload, rowKey, offline, ""); err != nil {
		return err
	}

	if offline {
		_, err = txc.Tx().ExecContext(ctx,
			`DELETE FROM presence WHERE principal = $1 AND device_id = $2`,
			p.Principal, p.DeviceID)
	} else {
		_, err = txc.Tx().ExecContext(ctx, `
			INSERT INTO presence (principal, device_id, status, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (principal, device_id)
			DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
			p.Principal, p.DeviceID, p.Status, txc.Clock)
	}
	if err != nil {
		return fmt.Errorf("write presence row: %w", err)
	}
	return nil
}

// publishCapability replaces a principal's capability advertisement.
func (e *Engine) publishCapability(ctx context.Context, txc *TxnContext, input json.RawMessage) error {
	var p PublishCapabilityParams
	if err := decodeParams(input, &p); err != nil {
		return err
	}
	if p.Principal == "" {
		return Errorf(CodeInvalidRequest, "principal is required")
	}
	if len(p.Capability) == 0 {
		return Errorf(CodeInvalidRequest, "capability is required")
	}

	if _, err := txc.Append(ctx, StreamCapabilities, p.Capability, p.Principal, false, ""); err != nil {
		return err
	}

	_, err := txc.Tx().ExecContext(ctx, `
		INSERT INTO capabilities (principal, blob, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (principal)
		DO UPDATE SET blob = EXCLUDED.blob, updated_at = EXCLUDED.updated_at`,
		p.Principal, []byte(p.Capability), txc.Clock)
	if err != nil {
		return fmt.Errorf("write capability row: %w", err)
	}
	return nil
}

// allowedTransitions is the assignment state machine. canceled is reachable
// from any non-terminal state; completed, failed, and canceled are terminal.
var allowedTransitions = map[string]map[string]bool{
	AssignmentOpen:     {AssignmentAssigned: true, AssignmentCanceled: true},
	AssignmentAssigned: {AssignmentRunning: true, AssignmentCanceled: true},
	AssignmentRunning:  {AssignmentCompleted: true, AssignmentFailed: true, AssignmentCanceled: true},
}

// openAssignment transitions an assignment from open to assigned. A request
// never seen before is implicitly open; re-assignment is rejected.
func (e *Engine) openAssignment(ctx context.Context, txc *TxnContext, input json.RawMessage) error {
	var p OpenAssignmentParams
	if err := decodeParams(input, &p); err != nil {
		return err
	}
	if p.RequestID == "" || p.ProviderPrincipal == "" {
		return Errorf(CodeInvalidRequest, "request_id and provider_principal are required")
	}

	prior := AssignmentOpen
	var existing string
	err := txc.Tx().QueryRowContext(ctx,
		`SELECT state FROM assignments WHERE request_id = $1 FOR UPDATE`,
		p.RequestID).Scan(&existing)
	switch {
	case err == nil:
		if existing != AssignmentOpen {
			return Errorf(CodeIllegalTransition, "assignment %s is %s, not open", p.RequestID, existing)
		}
	case errors.Is(err, sql.ErrNoRows):
		// First sight of the request: implicitly open.
	default:
		return fmt.Errorf("load assignment: %w", err)
	}

	if err := e.writeAssignment(ctx, txc, p.RequestID, p.ProviderPrincipal, prior, AssignmentAssigned, ""); err != nil {
		return err
	}
	return nil
}

// updateAssignment applies one transition from the allowed-transition table.
func (e *Engine) updateAssignment(ctx context.Context, txc *TxnContext, input json.RawMessage) error {
	var p UpdateAssignmentParams
	if err := decodeParams(input, &p); err != nil {
		return err
	}
	if p.RequestID == "" || p.NewState == "" {
		return Errorf(CodeInvalidRequest, "request_id and new_state are required")
	}
	switch p.NewState {
	case AssignmentAssigned, AssignmentRunning, AssignmentCompleted, AssignmentFailed, AssignmentCanceled:
	default:
		return Errorf(CodeInvalidRequest, "unknown assignment state %q", p.NewState)
	}

	var prior, provider string
	err := txc.Tx().QueryRowContext(ctx,
		`SELECT state, provider_principal FROM assignments WHERE request_id = $1 FOR UPDATE`,
		p.RequestID).Scan(&prior, &provider)
	if errors.Is(err, sql.ErrNoRows) {
		return Errorf(CodeNotFound, "assignment %s not found", p.RequestID)
	}
	if err != nil {
		return fmt.Errorf("load assignment: %w", err)
	}

	if !allowedTransitions[prior][p.NewState] {
		return Errorf(CodeIllegalTransition, "assignment %s cannot go %s -> %s", p.RequestID, prior, p.NewState)
	}

	return e.writeAssignment(ctx, txc, p.RequestID, provider, prior, p.NewState, p.Reason)
}

// writeAssignment updates the assignment row and appends the transition event.
func (e *Engine) writeAssignment(ctx context.Context, txc *TxnContext, requestID, provider, prior, next, reason string) error {
	payload, err := json.Marshal(map[string]string{
		"request_id":  requestID,
		"provider":    provider,
		"prior_state": prior,
		"new_state":   next,
		"reason":      reason,
	})
	if err != nil {
		return fmt.Errorf("encode assignment payload: %w", err)
	}
	if _, err := txc.Append(ctx, StreamAssignments, payload, requestID, false, ""); err != nil {
		return err
	}

	_, err = txc.Tx().ExecContext(ctx, `
		INSERT INTO assignments (request_id, provider_principal, state, reason, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (request_id)
		DO UPDATE SET state = EXCLUDED.state, reason = EXCLUDED.reason, updated_at = EXCLUDED.updated_at`,
		requestID, provider, next, reason, txc.Clock)
	if err != nil {
		return fmt.Errorf("write assignment row: %w", err)
	}
	return nil
}

// enqueueOutbox adds an export entry for a committed event, idempotent on
// (stream, seq, tag). Export never gates commit: the entry only queues work.
func (e *Engine) enqueueOutbox(ctx context.Context, txc *TxnContext, input json.RawMessage) error {
	var p EnqueueOutboxParams
	if err := decodeParams(input, &p); err != nil {
		return err
	}
	if p.StreamID == "" || p.PolicyTag == "" {
		return Errorf(CodeInvalidRequest, "stream_id and policy_tag are required")
	}
	if p.SourceSeq <= 0 {
		return Errorf(CodeInvalidRequest, "source_seq must be positive")
	}
	if !txc.Caller.AllowsStream(p.StreamID) {
		return Errorf(CodeUnauthorized, "claim scope does not cover stream %s", p.StreamID)
	}

	head, _, err := e.st.Head(ctx, txc.Tx(), p.StreamID)
	if err != nil {
		return err
	}
	if p.SourceSeq > head {
		return Errorf(CodeInvalidRequest, "source_seq %d exceeds committed head %d", p.SourceSeq, head)
	}

	var exists bool
	if err := txc.Tx().QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM outbox_entries
		WHERE stream_id = $1 AND source_seq = $2 AND policy_tag = $3)`,
		p.StreamID, p.SourceSeq, p.PolicyTag).Scan(&exists); err != nil {
		return fmt.Errorf("check outbox entry: %w", err)
	}
	if exists {
		return nil
	}

	if e.opts.OutboxBudget > 0 {
		var pending int64
		if err := txc.Tx().QueryRowContext(ctx,
			`SELECT count(*) FROM outbox_entries WHERE state = 'pending'`).Scan(&pending); err != nil {
			return fmt.Errorf("count pending outbox entries: %w", err)
		}
		if pending >= e.opts.OutboxBudget {
			return Errorf(CodeBudgetExhausted, "outbox at capacity (%d pending)", pending)
		}
	}

	_, err = txc.Tx().ExecContext(ctx, `
		INSERT INTO outbox_entries (entry_id, stream_id, source_seq, policy_tag, state, attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, $5, $5)
		ON CONFLICT (stream_id, source_seq, policy_tag) DO NOTHING`,
		txc.Nonce, p.StreamID, p.SourceSeq, p.PolicyTag, txc.Clock)
	if err != nil {
		return fmt.Errorf("enqueue outbox entry: %w", err)
	}
	return nil
}

// markOutboxSent transitions an outbox entry to sent and records the proof
// pointer returned by the external substrate.
func (e *Engine) markOutboxSent(ctx context.Context, txc *TxnContext, input json.RawMessage) error {
	var p MarkOutboxSentParams
	if err := decodeParams(input, &p); err != nil {
		return err
	}
	if p.EntryID == "" || p.Proof == "" {
		return Errorf(CodeInvalidRequest, "entry_id and proof are required")
	}

	res, err := txc.Tx().ExecContext(ctx, `
		UPDATE outbox_entries SET state = 'sent', proof = $2
		WHERE entry_id = $1 AND state <> 'sent'`,
		p.EntryID, p.Proof)
	if err != nil {
		return fmt.Errorf("mark outbox sent: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var state string
		err := txc.Tx().QueryRowContext(ctx,
			`SELECT state FROM outbox_entries WHERE entry_id = $1`, p.EntryID).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return Errorf(CodeNotFound, "outbox entry %s not found", p.EntryID)
		}
		// Already sent: idempotent no-op.
	}
	return nil
}

// decodeParams strictly decodes reducer input; unknown fields are rejected
// so every frame is validated by shape before handling.
func decodeParams(input json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return Errorf(CodeInvalidRequest, "malformed params: %v", err)
	}
	return nil
}

// Package reducer implements the transactional reducer engine: the fixed set
// of procedures that are the transport's whole write API. Each call runs as
// one snapshot-isolated transaction against the store, produces a
// deterministic effect set, and publishes exactly one transaction record to
// the live fan-out on commit.
package reducer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentmesh/relay/pkg/claims"
	"github.com/agentmesh/relay/pkg/store"
)

// Well-known stream names owned by the transport's row-state reducers.
const (
	StreamPresence     = "presence"
	StreamCapabilities = "capabilities"
	StreamAssignments  = "assignment_events"
)

// Reducer names. The registry is closed: unknown names fail with
// UnknownReducer.
const (
	NameAppendEvent       = "append_event"
	NameAckWatermark      = "ack_watermark"
	NameUpsertPresence    = "upsert_presence"
	NamePublishCapability = "publish_capability"
	NameOpenAssignment    = "open_assignment"
	NameUpdateAssignment  = "update_assignment"
	NameEnqueueOutbox     = "enqueue_outbox"
	NameMarkOutboxSent    = "mark_outbox_sent"
)

// TxnContext carries everything a reducer may read besides the transactional
// store: the injected clock and nonce (recorded on the commit so replay
// reproduces identical effects) and the immutable caller claim. Reducers must
// not reach for wall-clock time or entropy directly.
type TxnContext struct {
	TxnID  string
	Clock  time.Time
	Nonce  string
	Caller *claims.Claim

	tx      store.Querier
	st      *store.Store
	effects []store.Event
	// replayOf is set when an idempotency key matched a prior committed
	// event; the whole call then returns the prior outcome unchanged.
	replayOf string
}

// Append stages one event on a stream after checking the caller's scope. All
// reducer writes that need a delta go through here, so the emit order of
// effects is the canonical order within the transaction.
func (txc *TxnContext) Append(ctx context.Context, streamID string, payload json.RawMessage, rowKey string, tombstone bool, idempotencyKey string) (store.Event, error) {
	if !txc.Caller.AllowsStream(streamID) {
		return store.Event{}, Errorf(CodeUnauthorized, "claim scope does not cover stream %s", streamID)
	}
	res, err := txc.st.Append(ctx, txc.tx, txc.TxnID, streamID, payload, rowKey, tombstone, idempotencyKey, txc.Clock)
	if err != nil {
		return store.Event{}, err
	}
	if res.Replayed {
		txc.replayOf = res.Event.TxnID
		return res.Event, nil
	}
	txc.effects = append(txc.effects, res.Event)
	return res.Event, nil
}

// Tx exposes the transaction for reducers' row mutations.
func (txc *TxnContext) Tx() store.Querier { return txc.tx }

// EffectRef is one appended event reference returned to the caller.
type EffectRef struct {
	StreamID string `json:"stream_id"`
	Seq      int64  `json:"seq"`
}

// Result is a successful reducer outcome.
type Result struct {
	TxnID      string      `json:"txn_id"`
	CommitHash string      `json:"commit_hash"`
	Effects    []EffectRef `json:"effects,omitempty"`
	// Replayed is true when the call was an idempotent re-issue and the
	// returned outcome is the prior one.
	Replayed bool `json:"replayed,omitempty"`
}

// Effect is one committed event as carried on a transaction record.
type Effect struct {
	StreamID      string          `json:"stream_id"`
	Seq           int64           `json:"seq"`
	RowKey        string          `json:"row_key,omitempty"`
	Tombstone     bool            `json:"tombstone,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	PayloadHash   string          `json:"payload_hash"`
	ConfirmedRead bool            `json:"-"`
}

// TxnRecord is the atomic effect set of one committed reducer call, published
// to the live fan-out exactly once.
type TxnRecord struct {
	TxnID       string
	ReducerName string
	CommitHash  string
	CommittedAt time.Time
	Effects     []Effect
}

// TxnSink receives one record per committed transaction. Records of racing
// commits may arrive out of sequence order. Implemented by the live
// subscription manager, which restores per-stream order.
type TxnSink interface {
	PublishTxn(rec *TxnRecord)
}

// reducerFn executes one reducer's body inside the transaction.
type reducerFn func(ctx context.Context, txc *TxnContext, input json.RawMessage) error

// --- Reducer input structs (canonical byte-serializable) ---

// AppendEventParams is the input of append_event.
type AppendEventParams struct {
	StreamID       string          `json:"stream_id"`
	Payload        json.RawMessage `json:"payload"`
	RowKey         string          `json:"row_key,omitempty"`
	Tombstone      bool            `json:"tombstone,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// AckWatermarkParams is the input of ack_watermark.
type AckWatermarkParams struct {
	StreamID string `json:"stream_id"`
	Seq      int64  `json:"seq"`
	ConnID   string `json:"conn_id"`
}

// UpsertPresenceParams is the input of upsert_presence.
type UpsertPresenceParams struct {
	Principal string `json:"principal"`
	DeviceID  string `json:"device_id"`
	Status    string `json:"status"`
}

// PublishCapabilityParams is the input of publish_capability.
type PublishCapabilityParams struct {
	Principal  string          `json:"principal"`
	Capability json.RawMessage `json:"capability"`
}

// OpenAssignmentParams is the input of open_assignment.
type OpenAssignmentParams struct {
	RequestID         string `json:"request_id"`
	ProviderPrincipal string `json:"provider_principal"`
}

// UpdateAssignmentParams is the input of update_assignment.
type UpdateAssignmentParams struct {
	RequestID string `json:"request_id"`
	NewState  string `json:"new_state"`
	Reason    string `json:"reason,omitempty"`
}

// EnqueueOutboxParams is the input of enqueue_outbox.
type EnqueueOutboxParams struct {
	StreamID  string `json:"stream_id"`
	SourceSeq int64  `json:"source_seq"`
	PolicyTag string `json:"policy_tag"`
}

// MarkOutboxSentParams is the input of mark_outbox_sent.
type MarkOutboxSentParams struct {
	EntryID string `json:"entry_id"`
	Proof   string `json:"proof"`
}

// PresenceStatusOffline is the status value that tombstones a presence row.
const PresenceStatusOffline = "offline"

// Assignment states.
const (
	AssignmentOpen      = "open"
	AssignmentAssigned  = "assigned"
	AssignmentRunning   = "running"
	AssignmentCompleted = "completed"
	AssignmentFailed    = "failed"
	AssignmentCanceled  = "canceled"
)

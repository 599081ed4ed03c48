// Package live implements the subscription side of the transport: framed
// WebSocket connections, atomic initial snapshots, ordered delta fan-out,
// watermark resume, and the confirmed-read delivery gate.
package live

import (
	"encoding/json"
	"fmt"

	"github.com/agentmesh/relay/pkg/store"
)

// ProtocolV1 is the supported wire protocol version.
const ProtocolV1 = "v1"

// Client → server frame types.
const (
	FrameSubscribe   = "subscribe"
	FrameReducerCall = "reducer_call"
	FrameHeartbeat   = "heartbeat"
)

// Server → client frame types.
const (
	FrameSubscribeApplied       = "subscribe_applied"
	FrameTxnUpdate              = "txn_update"
	FrameReducerResult          = "reducer_result"
	FrameStaleCursor            = "stale_cursor"
	FrameSlowConsumerDisconnect = "slow_consumer_disconnect"
	FrameClaimExpired           = "claim_expired"
	FrameError                  = "error"
)

// QuerySet is one declared predicate over a stream: all rows, or a fixed set
// of row keys. Predicates are stable; the same query over the same state
// selects the same rows.
type QuerySet struct {
	Stream string   `json:"stream"`
	Keys   []string `json:"keys,omitempty"`
}

// ClientFrame is the tagged union of client → server frames. Every frame is
// validated by shape before handling.
type ClientFrame struct {
	Type     string `json:"type"`
	FrameSeq int64  `json:"frame_seq"`

	// subscribe
	QuerySets        []QuerySet       `json:"query_sets,omitempty"`
	ResumeWatermarks map[string]int64 `json:"resume_watermarks,omitempty"`
	ProtocolVersion  string           `json:"protocol_version,omitempty"`

	// reducer_call
	ReducerName    string          `json:"reducer_name,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	RequestID      string          `json:"request_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Validate checks the frame's shape for its declared type.
func (f *ClientFrame) Validate() error {
	switch f.Type {
	case FrameSubscribe:
		if len(f.QuerySets) == 0 {
			return fmt.Errorf("subscribe requires at least one query set")
		}
		for _, q := range f.QuerySets {
			if q.Stream == "" {
				return fmt.Errorf("query set missing stream")
			}
		}
	case FrameReducerCall:
		if f.ReducerName == "" {
			return fmt.Errorf("reducer_call requires reducer_name")
		}
		if f.RequestID == "" {
			return fmt.Errorf("reducer_call requires request_id")
		}
	case FrameHeartbeat:
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	return nil
}

// EffectFrame is one delivered event inside a transaction update.
type EffectFrame struct {
	Seq       int64           `json:"seq"`
	RowKey    string          `json:"row_key,omitempty"`
	Tombstone bool            `json:"tombstone,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// ServerFrame is the tagged union of server → client frames.
type ServerFrame struct {
	Type     string `json:"type"`
	FrameSeq int64  `json:"frame_seq"`

	// subscribe_applied
	ConnID    string                  `json:"conn_id,omitempty"`
	Horizon   map[string]int64        `json:"horizon,omitempty"`
	Snapshots []*store.StreamSnapshot `json:"snapshots,omitempty"`

	// txn_update
	TxnID      string                   `json:"txn_id,omitempty"`
	CommitHash string                   `json:"commit_hash,omitempty"`
	Effects    map[string][]EffectFrame `json:"effects,omitempty"`

	// reducer_result
	RequestID string          `json:"request_id,omitempty"`
	OK        *bool           `json:"ok,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`

	// stale_cursor
	Stream string `json:"stream,omitempty"`

	// error (also reducer_result errors)
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

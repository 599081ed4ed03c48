package live

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/agentmesh/relay/pkg/claims"
	"github.com/agentmesh/relay/pkg/reducer"
	"github.com/agentmesh/relay/pkg/store"
)

// streamQuery is a connection's merged predicate for one stream.
type streamQuery struct {
	all  bool
	keys map[string]bool
}

func (q *streamQuery) matches(rowKey string) bool {
	if q.all {
		return true
	}
	return rowKey != "" && q.keys[rowKey]
}

// Conn is one live subscriber connection. The read loop is the sole
// goroutine processing client frames; the writer goroutine is the sole
// writer to the socket; the dispatcher reaches in only through offerTxn.
type Conn struct {
	ID     string
	claim  *claims.Claim
	sock   *websocket.Conn
	mgr    *Manager
	ctx    context.Context
	cancel context.CancelFunc
	outCh  chan *ServerFrame

	mu      sync.Mutex
	queries map[string]*streamQuery
	cursor  map[string]int64
	// gated buffers dispatcher deliveries while a subscribe computes its
	// snapshot, so SubscribeApplied always precedes the deltas that follow
	// its horizon.
	gated     bool
	pending   []*reducer.TxnRecord
	closed    bool
	versionOK bool

	slow     atomic.Bool
	frameSeq int64 // writer-owned
}

// run starts the writer and claim-expiry watchdog, then serves the read loop
// until the socket closes.
func (c *Conn) run() {
	go c.writer()

	grace := c.mgr.cfg.ClaimExpiryGrace
	watchdog := time.AfterFunc(time.Until(c.claim.Expiry)+grace, func() {
		c.sendDirect(&ServerFrame{Type: FrameClaimExpired})
		c.close(websocket.StatusNormalClosure, "claim expired")
	})
	defer watchdog.Stop()

	for {
		readCtx, cancel := context.WithTimeout(c.ctx, c.mgr.cfg.ConnectionIdleTimeout)
		_, data, err := c.sock.Read(readCtx)
		cancel()
		if err != nil {
			if readCtx.Err() == context.DeadlineExceeded && c.ctx.Err() == nil {
				slog.Debug("Connection idle timeout", "conn_id", c.ID)
			}
			c.close(websocket.StatusNormalClosure, "")
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.enqueue(&ServerFrame{Type: FrameError, Code: string(reducer.CodeInvalidRequest), Message: "malformed frame"})
			continue
		}
		if err := frame.Validate(); err != nil {
			c.enqueue(&ServerFrame{Type: FrameError, Code: string(reducer.CodeInvalidRequest), Message: err.Error()})
			continue
		}

		switch frame.Type {
		case FrameHeartbeat:
			// The read itself extended the idle deadline.
		case FrameSubscribe:
			c.handleSubscribe(&frame)
		case FrameReducerCall:
			c.handleReducerCall(&frame)
		}
	}
}

// handleSubscribe validates scope, registers the query sets, computes an
// atomic snapshot at a single commit horizon, and replays any resumable
// watermark suffixes. Aged-out watermarks surface as exactly one StaleCursor.
func (c *Conn) handleSubscribe(f *ClientFrame) {
	if !c.versionOK {
		if f.ProtocolVersion != ProtocolV1 {
			c.sendDirect(&ServerFrame{
				Type: FrameError, Code: string(reducer.CodeInvalidRequest),
				Message: "unsupported protocol version " + f.ProtocolVersion,
			})
			c.close(websocket.StatusPolicyViolation, "unsupported protocol version")
			return
		}
		c.versionOK = true
	}

	if c.claim.Expired(time.Now()) {
		c.enqueue(&ServerFrame{Type: FrameError, Code: string(reducer.CodeClaimExpired), Message: "claim expired"})
		return
	}
	for _, q := range f.QuerySets {
		if !c.claim.AllowsStream(q.Stream) {
			c.enqueue(&ServerFrame{
				Type: FrameError, Code: string(reducer.CodeUnauthorized),
				Message: "claim scope does not cover stream " + q.Stream,
			})
			return
		}
	}

	// Gate dispatcher deliveries and register the queries before reading the
	// snapshot: everything committed after this point is either visible at
	// the horizon or buffered for post-snapshot delivery, so nothing is lost
	// and the cursor filter drops anything at or below the horizon.
	c.mu.Lock()
	c.gated = true
	for _, q := range f.QuerySets {
		sq := c.queries[q.Stream]
		if sq == nil {
			sq = &streamQuery{keys: make(map[string]bool)}
			c.queries[q.Stream] = sq
		}
		if len(q.Keys) == 0 {
			sq.all = true
		}
		for _, k := range q.Keys {
			sq.keys[k] = true
		}
	}
	c.mu.Unlock()
	c.mgr.addToIndex(c, f.QuerySets)

	applied, stale, suffix, err := c.computeSubscribe(f)
	if err != nil {
		c.dropStreams(f.QuerySets)
		c.ungate(nil)
		if errors.Is(err, store.ErrUnknownStream) {
			c.enqueue(&ServerFrame{Type: FrameError, Code: string(reducer.CodeUnknownStream), Message: err.Error()})
			return
		}
		slog.Error("Subscribe snapshot failed", "conn_id", c.ID, "error", err)
		c.enqueue(&ServerFrame{Type: FrameError, Code: string(reducer.CodeInternal), Message: "snapshot failed"})
		return
	}

	c.enqueue(applied)
	for _, s := range stale {
		c.enqueue(&ServerFrame{Type: FrameStaleCursor, Stream: s})
	}
	for _, fr := range suffix {
		c.enqueue(fr)
	}
	c.ungate(applied.Horizon)
}

// computeSubscribe reads heads, snapshots, and resume suffixes inside one
// repeatable-read transaction, so the horizon is a single commit frontier
// across every stream in the query set.
func (c *Conn) computeSubscribe(f *ClientFrame) (applied *ServerFrame, stale []string, suffix []*ServerFrame, err error) {
	ctx, cancel := context.WithTimeout(c.ctx, 15*time.Second)
	defer cancel()

	tx, err := c.mgr.st.DB().BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	applied = &ServerFrame{
		Type:    FrameSubscribeApplied,
		ConnID:  c.ID,
		Horizon: make(map[string]int64),
	}

	seen := make(map[string]bool)
	for _, q := range f.QuerySets {
		if seen[q.Stream] {
			continue
		}
		seen[q.Stream] = true

		head, minRetained, err := c.mgr.st.Head(ctx, tx, q.Stream)
		if err != nil {
			if errors.Is(err, store.ErrUnknownStream) {
				stale = nil
				return nil, nil, nil, err
			}
			return nil, nil, nil, err
		}

		watermark, resuming := f.ResumeWatermarks[q.Stream]
		if resuming {
			if watermark+1 < minRetained {
				stale = append(stale, q.Stream)
				continue
			}
			frames, err := c.resumeSuffix(ctx, tx, q.Stream, watermark, head)
			if err != nil {
				return nil, nil, nil, err
			}
			suffix = append(suffix, frames...)
			applied.Horizon[q.Stream] = head
			continue
		}

		snap, err := c.mgr.st.Snapshot(ctx, tx, q.Stream, head)
		if err != nil {
			return nil, nil, nil, err
		}
		applied.Horizon[q.Stream] = head
		applied.Snapshots = append(applied.Snapshots, snap)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, nil, err
	}

	// Streams that came back stale are not subscribed; the client must
	// re-subscribe for a fresh snapshot.
	if len(stale) > 0 {
		staleSet := make(map[string]bool, len(stale))
		for _, s := range stale {
			staleSet[s] = true
		}
		c.mu.Lock()
		for _, s := range stale {
			delete(c.queries, s)
		}
		c.mu.Unlock()
		c.mgr.dropFromIndex(c, staleSet)
	}
	return applied, stale, suffix, nil
}

// resumeSuffix replays committed events after the watermark up to the
// horizon, grouped into one update frame per producing transaction.
func (c *Conn) resumeSuffix(ctx context.Context, tx store.Querier, stream string, from, to int64) ([]*ServerFrame, error) {
	var frames []*ServerFrame
	hashes := make(map[string]string)

	for cursor := from; cursor < to; {
		events, err := c.mgr.st.Range(ctx, tx, stream, cursor, 500)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			break
		}
		for _, ev := range events {
			if ev.Seq > to {
				return frames, nil
			}
			hash, ok := hashes[ev.TxnID]
			if !ok {
				if err := tx.QueryRowContext(ctx,
					`SELECT commit_hash FROM transactions WHERE txn_id = $1`, ev.TxnID).Scan(&hash); err != nil {
					return nil, err
				}
				hashes[ev.TxnID] = hash
			}

			last := len(frames) - 1
			if last < 0 || frames[last].TxnID != ev.TxnID {
				frames = append(frames, &ServerFrame{
					Type:       FrameTxnUpdate,
					TxnID:      ev.TxnID,
					CommitHash: hash,
					Effects:    make(map[string][]EffectFrame),
				})
				last++
			}
			frames[last].Effects[stream] = append(frames[last].Effects[stream], EffectFrame{
				Seq:       ev.Seq,
				RowKey:    ev.RowKey,
				Tombstone: ev.Tombstone,
				Payload:   ev.Payload,
			})
			cursor = ev.Seq
		}
	}
	return frames, nil
}

// ungate applies the new cursors, replays buffered deliveries through the
// cursor filter, and reopens direct dispatch. The buffered frames are
// enqueued while still holding the lock, so a delivery racing the ungate
// cannot jump ahead of them in the outgoing queue.
func (c *Conn) ungate(horizon map[string]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for stream, h := range horizon {
		if cur, ok := c.cursor[stream]; !ok || h > cur {
			c.cursor[stream] = h
		}
	}
	buffered := c.pending
	c.pending = nil
	c.gated = false
	for _, rec := range buffered {
		if fr := c.buildTxnFrame(rec); fr != nil {
			c.enqueue(fr)
		}
	}
}

// dropStreams removes freshly registered queries after a failed subscribe.
func (c *Conn) dropStreams(queries []QuerySet) {
	set := make(map[string]bool, len(queries))
	c.mu.Lock()
	for _, q := range queries {
		set[q.Stream] = true
		delete(c.queries, q.Stream)
	}
	c.mu.Unlock()
	c.mgr.dropFromIndex(c, set)
}

// handleReducerCall invokes the engine and answers with a reducer_result
// frame. The result's effects reach the client through the normal fan-out.
func (c *Conn) handleReducerCall(f *ClientFrame) {
	fail := func(code reducer.Code, msg string) {
		ok := false
		c.enqueue(&ServerFrame{
			Type: FrameReducerResult, RequestID: f.RequestID,
			OK: &ok, Code: string(code), Message: msg,
		})
	}

	if c.claim.Expired(time.Now()) {
		fail(reducer.CodeClaimExpired, "claim expired")
		return
	}

	params := f.Params
	if f.IdempotencyKey != "" && f.ReducerName == reducer.NameAppendEvent {
		merged, err := injectIdempotencyKey(params, f.IdempotencyKey)
		if err != nil {
			fail(reducer.CodeInvalidRequest, err.Error())
			return
		}
		params = merged
	}

	res, err := c.mgr.engine.Call(c.ctx, c.claim, f.ReducerName, params)
	if err != nil {
		re := reducer.AsError(err)
		fail(re.Code, re.Message)
		return
	}

	ok := true
	result, _ := json.Marshal(res)
	c.enqueue(&ServerFrame{
		Type: FrameReducerResult, RequestID: f.RequestID,
		OK: &ok, Result: result,
	})
}

func injectIdempotencyKey(params json.RawMessage, key string) (json.RawMessage, error) {
	var m map[string]any
	if len(params) == 0 {
		m = make(map[string]any)
	} else if err := json.Unmarshal(params, &m); err != nil {
		return nil, errors.New("malformed params")
	}
	if _, present := m["idempotency_key"]; !present {
		m["idempotency_key"] = key
	}
	out, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// offerTxn is the dispatcher's entry point: filter the record through this
// connection's queries and cursors, or buffer it while a subscribe is in
// flight.
func (c *Conn) offerTxn(rec *reducer.TxnRecord) {
	c.mu.Lock()
	if c.gated {
		c.pending = append(c.pending, rec)
		c.mu.Unlock()
		return
	}
	frame := c.buildTxnFrame(rec)
	c.mu.Unlock()

	if frame != nil {
		c.enqueue(frame)
	}
}

// buildTxnFrame filters a record down to this connection's matching effects
// and advances the per-stream cursors. Caller holds c.mu.
func (c *Conn) buildTxnFrame(rec *reducer.TxnRecord) *ServerFrame {
	var effects map[string][]EffectFrame
	for _, ef := range rec.Effects {
		q := c.queries[ef.StreamID]
		if q == nil || !q.matches(ef.RowKey) {
			continue
		}
		if ef.Seq <= c.cursor[ef.StreamID] {
			continue
		}
		if effects == nil {
			effects = make(map[string][]EffectFrame)
		}
		effects[ef.StreamID] = append(effects[ef.StreamID], EffectFrame{
			Seq:       ef.Seq,
			RowKey:    ef.RowKey,
			Tombstone: ef.Tombstone,
			Payload:   ef.Payload,
		})
		c.cursor[ef.StreamID] = ef.Seq
	}
	if effects == nil {
		return nil
	}
	return &ServerFrame{
		Type:       FrameTxnUpdate,
		TxnID:      rec.TxnID,
		CommitHash: rec.CommitHash,
		Effects:    effects,
	}
}

// enqueue pushes a frame into the bounded outgoing buffer. Overflow trips
// the slow-consumer disconnect so fan-out to other connections is never
// held back.
func (c *Conn) enqueue(frame *ServerFrame) {
	select {
	case c.outCh <- frame:
	default:
		c.failSlow()
	}
}

// failSlow disconnects a consumer that cannot keep up.
func (c *Conn) failSlow() {
	if !c.slow.CompareAndSwap(false, true) {
		return
	}
	slog.Warn("Slow consumer disconnect", "conn_id", c.ID, "principal", c.claim.Principal)
	if c.mgr.observer != nil {
		c.mgr.observer("slow_consumer")
	}
	go func() {
		c.sendDirect(&ServerFrame{Type: FrameSlowConsumerDisconnect})
		c.close(websocket.StatusPolicyViolation, "slow consumer")
	}()
}

// writer is the sole socket writer: it assigns outgoing frame sequence
// numbers and applies the write timeout.
func (c *Conn) writer() {
	for {
		select {
		case frame := <-c.outCh:
			c.frameSeq++
			frame.FrameSeq = c.frameSeq
			data, err := json.Marshal(frame)
			if err != nil {
				slog.Warn("Frame marshal failed", "conn_id", c.ID, "error", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(c.ctx, c.mgr.cfg.WriteTimeout)
			err = c.sock.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.close(websocket.StatusNormalClosure, "")
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// sendDirect writes a frame outside the queue, for terminal notifications
// whose queue may be full or already torn down.
func (c *Conn) sendDirect(frame *ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.Background(), c.mgr.cfg.WriteTimeout)
	defer cancel()
	_ = c.sock.Write(writeCtx, websocket.MessageText, data)
}

func (c *Conn) close(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	_ = c.sock.Close(code, reason)
}

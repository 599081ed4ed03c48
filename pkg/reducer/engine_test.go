package reducer_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/relay/pkg/claims"
	"github.com/agentmesh/relay/pkg/reducer"
	"github.com/agentmesh/relay/pkg/store"
	testdb "github.com/agentmesh/relay/test/database"
)

// recordingSink captures published transaction records.
type recordingSink struct {
	mu   sync.Mutex
	recs []*reducer.TxnRecord
}

func (s *recordingSink) PublishTxn(rec *reducer.TxnRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func testClaim() *claims.Claim {
	return &claims.Claim{
		Principal: "alice",
		Device:    "dev-1",
		Streams:   []string{"*"},
		Reducers:  []string{"*"},
		Nonce:     "n-1",
		Expiry:    time.Now().Add(time.Hour),
	}
}

type engineFixture struct {
	st     *store.Store
	engine *reducer.Engine
	sink   *recordingSink
}

func setupEngine(t *testing.T, opts reducer.Options) *engineFixture {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	client := testdb.NewTestClient(t)
	st := store.New(client.DB())

	ctx := context.Background()
	for _, stream := range []string{"orders", reducer.StreamPresence, reducer.StreamCapabilities, reducer.StreamAssignments} {
		require.NoError(t, st.EnsureStream(ctx, stream, "", false))
	}

	engine := reducer.NewEngine(st, opts)
	sink := &recordingSink{}
	engine.SetSink(sink)
	return &engineFixture{st: st, engine: engine, sink: sink}
}

func call(t *testing.T, f *engineFixture, claim *claims.Claim, name string, params any) (*reducer.Result, error) {
	t.Helper()
	input, err := json.Marshal(params)
	require.NoError(t, err)
	return f.engine.Call(context.Background(), claim, name, input)
}

func requireCode(t *testing.T, err error, code reducer.Code) {
	t.Helper()
	require.Error(t, err)
	re := reducer.AsError(err)
	assert.Equal(t, code, re.Code)
}

func TestAppendEventCommitsAndPublishes(t *testing.T) {
	f := setupEngine(t, reducer.Options{})

	res, err := call(t, f, testClaim(), reducer.NameAppendEvent, reducer.AppendEventParams{
		StreamID: "orders",
		Payload:  json.RawMessage(`{"amount": 10}`),
	})
	require.NoError(t, err)

	require.Len(t, res.Effects, 1)
	assert.Equal(t, "orders", res.Effects[0].StreamID)
	assert.Equal(t, int64(1), res.Effects[0].Seq)
	assert.NotEmpty(t, res.CommitHash)
	assert.Equal(t, 1, f.sink.count())

	events, err := f.st.Range(context.Background(), f.st.DB(), "orders", 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, res.TxnID, events[0].TxnID)
}

func TestIdempotentAppendReturnsPriorOutcome(t *testing.T) {
	f := setupEngine(t, reducer.Options{})
	params := reducer.AppendEventParams{
		StreamID:       "orders",
		Payload:        json.RawMessage(`{"amount": 10}`),
		IdempotencyKey: "k1",
	}

	first, err := call(t, f, testClaim(), reducer.NameAppendEvent, params)
	require.NoError(t, err)

	second, err := call(t, f, testClaim(), reducer.NameAppendEvent, params)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.TxnID, second.TxnID)
	assert.Equal(t, first.CommitHash, second.CommitHash)
	assert.Equal(t, first.Effects, second.Effects)

	// The replay publishes nothing: no subscriber sees a second update.
	assert.Equal(t, 1, f.sink.count())

	events, err := f.st.Range(context.Background(), f.st.DB(), "orders", 0, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestConflictingIdempotencyKey(t *testing.T) {
	f := setupEngine(t, reducer.Options{})

	_, err := call(t, f, testClaim(), reducer.NameAppendEvent, reducer.AppendEventParams{
		StreamID: "orders", Payload: json.RawMessage(`{"amount": 10}`), IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	_, err = call(t, f, testClaim(), reducer.NameAppendEvent, reducer.AppendEventParams{
		StreamID: "orders", Payload: json.RawMessage(`{"amount": 99}`), IdempotencyKey: "k1",
	})
	requireCode(t, err, reducer.CodeConflictingIdempotency)
}

func TestUnknownReducerAndStream(t *testing.T) {
	f := setupEngine(t, reducer.Options{})

	_, err := call(t, f, testClaim(), "no_such_reducer", map[string]any{})
	requireCode(t, err, reducer.CodeUnknownReducer)

	_, err = call(t, f, testClaim(), reducer.NameAppendEvent, reducer.AppendEventParams{
		StreamID: "no-such-stream", Payload: json.RawMessage(`{}`),
	})
	requireCode(t, err, reducer.CodeUnknownStream)
}

func TestScopeEnforcement(t *testing.T) {
	f := setupEngine(t, reducer.Options{})

	narrow := testClaim()
	narrow.Streams = []string{"presence"}
	narrow.Reducers = []string{reducer.NameAppendEvent}

	_, err := call(t, f, narrow, reducer.NameAppendEvent, reducer.AppendEventParams{
		StreamID: "orders", Payload: json.RawMessage(`{}`),
	})
	requireCode(t, err, reducer.CodeUnauthorized)

	_, err = call(t, f, narrow, reducer.NameUpsertPresence, reducer.UpsertPresenceParams{
		Principal: "alice", DeviceID: "dev-1", Status: "online",
	})
	requireCode(t, err, reducer.CodeUnauthorized)
}

func TestExpiredClaimRejected(t *testing.T) {
	f := setupEngine(t, reducer.Options{})

	expired := testClaim()
	expired.Expiry = time.Now().Add(-time.Second)

	_, err := call(t, f, expired, reducer.NameAppendEvent, reducer.AppendEventParams{
		StreamID: "orders", Payload: json.RawMessage(`{}`),
	})
	requireCode(t, err, reducer.CodeClaimExpired)
}

func TestInvalidParamsRejected(t *testing.T) {
	f := setupEngine(t, reducer.Options{})

	_, err := call(t, f, testClaim(), reducer.NameAppendEvent, map[string]any{
		"stream_id": "orders", "payload": map[string]any{}, "bogus_field": true,
	})
	requireCode(t, err, reducer.CodeInvalidRequest)

	_, err = call(t, f, testClaim(), reducer.NameAppendEvent, reducer.AppendEventParams{
		Payload: json.RawMessage(`{}`),
	})
	requireCode(t, err, reducer.CodeInvalidRequest)
}

func TestExecutionBudgetThrottles(t *testing.T) {
	f := setupEngine(t, reducer.Options{ExecutionBudget: time.Nanosecond})

	_, err := call(t, f, testClaim(), reducer.NameAppendEvent, reducer.AppendEventParams{
		StreamID: "orders", Payload: json.RawMessage(`{}`),
	})
	requireCode(t, err, reducer.CodeThrottled)

	// No partial effects leaked.
	events, rangeErr := f.st.Range(context.Background(), f.st.DB(), "orders", 0, 10)
	require.NoError(t, rangeErr)
	assert.Empty(t, events)
}

func TestUpsertPresenceLifecycle(t *testing.T) {
	f := setupEngine(t, reducer.Options{})
	ctx := context.Background()

	res, err := call(t, f, testClaim(), reducer.NameUpsertPresence, reducer.UpsertPresenceParams{
		Principal: "bob", DeviceID: "dev-1", Status: "online",
	})
	require.NoError(t, err)
	require.Len(t, res.Effects, 1)
	assert.Equal(t, reducer.StreamPresence, res.Effects[0].StreamID)

	var status string
	require.NoError(t, f.st.DB().QueryRowContext(ctx,
		`SELECT status FROM presence WHERE principal = 'bob' AND device_id = 'dev-1'`).Scan(&status))
	assert.Equal(t, "online", status)

	// Going offline tombstones the row and deletes it.
	res, err = call(t, f, testClaim(), reducer.NameUpsertPresence, reducer.UpsertPresenceParams{
		Principal: "bob", DeviceID: "dev-1", Status: reducer.PresenceStatusOffline,
	})
	require.NoError(t, err)

	events, err := f.st.Range(ctx, f.st.DB(), reducer.StreamPresence, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[1].Tombstone)

	var count int
	require.NoError(t, f.st.DB().QueryRowContext(ctx,
		`SELECT count(*) FROM presence WHERE principal = 'bob'`).Scan(&count))
	assert.Zero(t, count)
}

func TestPublishCapabilityReplaces(t *testing.T) {
	f := setupEngine(t, reducer.Options{})
	ctx := context.Background()

	_, err := call(t, f, testClaim(), reducer.NamePublishCapability, reducer.PublishCapabilityParams{
		Principal: "bob", Capability: json.RawMessage(`{"compute": "gpu"}`),
	})
	require.NoError(t, err)

	_, err = call(t, f, testClaim(), reducer.NamePublishCapability, reducer.PublishCapabilityParams{
		Principal: "bob", Capability: json.RawMessage(`{"compute": "cpu"}`),
	})
	require.NoError(t, err)

	var blob []byte
	require.NoError(t, f.st.DB().QueryRowContext(ctx,
		`SELECT blob FROM capabilities WHERE principal = 'bob'`).Scan(&blob))
	assert.JSONEq(t, `{"compute": "cpu"}`, string(blob))

	events, err := f.st.Range(ctx, f.st.DB(), reducer.StreamCapabilities, 0, 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestAssignmentLifecycle(t *testing.T) {
	f := setupEngine(t, reducer.Options{})

	_, err := call(t, f, testClaim(), reducer.NameOpenAssignment, reducer.OpenAssignmentParams{
		RequestID: "req-1", ProviderPrincipal: "provider-1",
	})
	require.NoError(t, err)

	// Re-assignment is rejected.
	_, err = call(t, f, testClaim(), reducer.NameOpenAssignment, reducer.OpenAssignmentParams{
		RequestID: "req-1", ProviderPrincipal: "provider-2",
	})
	requireCode(t, err, reducer.CodeIllegalTransition)

	_, err = call(t, f, testClaim(), reducer.NameUpdateAssignment, reducer.UpdateAssignmentParams{
		RequestID: "req-1", NewState: reducer.AssignmentRunning,
	})
	require.NoError(t, err)

	_, err = call(t, f, testClaim(), reducer.NameUpdateAssignment, reducer.UpdateAssignmentParams{
		RequestID: "req-1", NewState: reducer.AssignmentCompleted,
	})
	require.NoError(t, err)

	// Terminal states reject further transitions; no event is appended.
	before, err := f.st.Range(context.Background(), f.st.DB(), reducer.StreamAssignments, 0, 100)
	require.NoError(t, err)

	_, err = call(t, f, testClaim(), reducer.NameUpdateAssignment, reducer.UpdateAssignmentParams{
		RequestID: "req-1", NewState: reducer.AssignmentRunning, Reason: "retry",
	})
	requireCode(t, err, reducer.CodeIllegalTransition)

	after, err := f.st.Range(context.Background(), f.st.DB(), reducer.StreamAssignments, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))

	// Every transition appended one event carrying prior and new state.
	require.Len(t, after, 3)
	var last map[string]string
	require.NoError(t, json.Unmarshal(after[2].Payload, &last))
	assert.Equal(t, reducer.AssignmentRunning, last["prior_state"])
	assert.Equal(t, reducer.AssignmentCompleted, last["new_state"])
}

func TestUpdateAssignmentNotFound(t *testing.T) {
	f := setupEngine(t, reducer.Options{})

	_, err := call(t, f, testClaim(), reducer.NameUpdateAssignment, reducer.UpdateAssignmentParams{
		RequestID: "ghost", NewState: reducer.AssignmentRunning,
	})
	requireCode(t, err, reducer.CodeNotFound)
}

func TestAckWatermark(t *testing.T) {
	f := setupEngine(t, reducer.Options{})
	ctx := context.Background()

	_, err := call(t, f, testClaim(), reducer.NameAppendEvent, reducer.AppendEventParams{
		StreamID: "orders", Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	_, err = call(t, f, testClaim(), reducer.NameAckWatermark, reducer.AckWatermarkParams{
		StreamID: "orders", Seq: 1, ConnID: "conn-1",
	})
	require.NoError(t, err)

	var wm int64
	require.NoError(t, f.st.DB().QueryRowContext(ctx,
		`SELECT last_applied_seq FROM watermarks WHERE conn_id = 'conn-1' AND stream_id = 'orders'`).Scan(&wm))
	assert.Equal(t, int64(1), wm)

	// Acks never regress.
	_, err = call(t, f, testClaim(), reducer.NameAckWatermark, reducer.AckWatermarkParams{
		StreamID: "orders", Seq: 0, ConnID: "conn-1",
	})
	require.NoError(t, err)
	require.NoError(t, f.st.DB().QueryRowContext(ctx,
		`SELECT last_applied_seq FROM watermarks WHERE conn_id = 'conn-1' AND stream_id = 'orders'`).Scan(&wm))
	assert.Equal(t, int64(1), wm)

	// Beyond the committed head is rejected.
	_, err = call(t, f, testClaim(), reducer.NameAckWatermark, reducer.AckWatermarkParams{
		StreamID: "orders", Seq: 99, ConnID: "conn-1",
	})
	requireCode(t, err, reducer.CodeInvalidRequest)
}

func TestEnqueueOutboxIdempotentAndBudget(t *testing.T) {
	f := setupEngine(t, reducer.Options{OutboxBudget: 1})
	ctx := context.Background()

	_, err := call(t, f, testClaim(), reducer.NameAppendEvent, reducer.AppendEventParams{
		StreamID: "orders", Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	_, err = call(t, f, testClaim(), reducer.NameAppendEvent, reducer.AppendEventParams{
		StreamID: "orders", Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	_, err = call(t, f, testClaim(), reducer.NameEnqueueOutbox, reducer.EnqueueOutboxParams{
		StreamID: "orders", SourceSeq: 1, PolicyTag: "bridge",
	})
	require.NoError(t, err)

	// Same (stream, seq, tag) is a no-op.
	_, err = call(t, f, testClaim(), reducer.NameEnqueueOutbox, reducer.EnqueueOutboxParams{
		StreamID: "orders", SourceSeq: 1, PolicyTag: "bridge",
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, f.st.DB().QueryRowContext(ctx,
		`SELECT count(*) FROM outbox_entries`).Scan(&count))
	assert.Equal(t, 1, count)

	// Budget of one pending entry is now exhausted.
	_, err = call(t, f, testClaim(), reducer.NameEnqueueOutbox, reducer.EnqueueOutboxParams{
		StreamID: "orders", SourceSeq: 2, PolicyTag: "bridge",
	})
	requireCode(t, err, reducer.CodeBudgetExhausted)
}

func TestEnqueueOutboxRejectsUncommittedSeq(t *testing.T) {
	f := setupEngine(t, reducer.Options{})

	_, err := call(t, f, testClaim(), reducer.NameEnqueueOutbox, reducer.EnqueueOutboxParams{
		StreamID: "orders", SourceSeq: 7, PolicyTag: "bridge",
	})
	requireCode(t, err, reducer.CodeInvalidRequest)
}

func TestMarkOutboxSent(t *testing.T) {
	f := setupEngine(t, reducer.Options{})
	ctx := context.Background()

	_, err := call(t, f, testClaim(), reducer.NameAppendEvent, reducer.AppendEventParams{
		StreamID: "orders", Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	_, err = call(t, f, testClaim(), reducer.NameEnqueueOutbox, reducer.EnqueueOutboxParams{
		StreamID: "orders", SourceSeq: 1, PolicyTag: "bridge",
	})
	require.NoError(t, err)

	var entryID string
	require.NoError(t, f.st.DB().QueryRowContext(ctx,
		`SELECT entry_id FROM outbox_entries`).Scan(&entryID))

	_, err = call(t, f, testClaim(), reducer.NameMarkOutboxSent, reducer.MarkOutboxSentParams{
		EntryID: entryID, Proof: "substrate/123-0",
	})
	require.NoError(t, err)

	var state, proof string
	require.NoError(t, f.st.DB().QueryRowContext(ctx,
		`SELECT state, proof FROM outbox_entries WHERE entry_id = $1`, entryID).Scan(&state, &proof))
	assert.Equal(t, "sent", state)
	assert.Equal(t, "substrate/123-0", proof)

	_, err = call(t, f, testClaim(), reducer.NameMarkOutboxSent, reducer.MarkOutboxSentParams{
		EntryID: "00000000-0000-0000-0000-000000000000", Proof: "x",
	})
	requireCode(t, err, reducer.CodeNotFound)
}

// TestReplayReproducesCommitHashes rebuilds the store from the transaction
// log with recorded clocks and nonces injected and verifies every commit
// hash matches byte for byte.
func TestReplayReproducesCommitHashes(t *testing.T) {
	f := setupEngine(t, reducer.Options{})
	ctx := context.Background()

	_, err := call(t, f, testClaim(), reducer.NameAppendEvent, reducer.AppendEventParams{
		StreamID: "orders", Payload: json.RawMessage(`{"amount": 10}`), IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	_, err = call(t, f, testClaim(), reducer.NameUpsertPresence, reducer.UpsertPresenceParams{
		Principal: "bob", DeviceID: "dev-1", Status: "online",
	})
	require.NoError(t, err)
	_, err = call(t, f, testClaim(), reducer.NameOpenAssignment, reducer.OpenAssignmentParams{
		RequestID: "req-1", ProviderPrincipal: "provider-1",
	})
	require.NoError(t, err)
	_, err = call(t, f, testClaim(), reducer.NameUpdateAssignment, reducer.UpdateAssignmentParams{
		RequestID: "req-1", NewState: reducer.AssignmentRunning,
	})
	require.NoError(t, err)

	log, err := f.engine.LoggedTxns(ctx)
	require.NoError(t, err)
	require.Len(t, log, 4)

	// Wipe the store and replay against empty tables.
	_, err = f.st.DB().ExecContext(ctx, `
		TRUNCATE outbox_entries, assignments, capabilities, presence, watermarks, transactions, events, streams`)
	require.NoError(t, err)
	for _, stream := range []string{"orders", reducer.StreamPresence, reducer.StreamCapabilities, reducer.StreamAssignments} {
		require.NoError(t, f.st.EnsureStream(ctx, stream, "", false))
	}

	mismatches, err := f.engine.Replay(ctx, log)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

package reducer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/agentmesh/relay/pkg/claims"
	"github.com/agentmesh/relay/pkg/store"
)

// Options tunes engine execution.
type Options struct {
	// MaxAttempts bounds retries on serialization conflicts before the call
	// returns Throttled.
	MaxAttempts int
	// ExecutionBudget bounds one attempt's wall time; exceeding it aborts the
	// transaction with Throttled.
	ExecutionBudget time.Duration
	// OutboxBudget caps pending outbox entries; enqueue_outbox returns
	// BudgetExhausted once reached.
	OutboxBudget int64
	// ConfirmedReadStreams flags streams whose deliveries are gated on
	// durable-commit acknowledgment.
	ConfirmedReadStreams map[string]bool
}

// Engine executes the fixed reducer set as repeatable-read (snapshot
// isolation) transactions.
type Engine struct {
	db       *sql.DB
	st       *store.Store
	opts     Options
	registry map[string]reducerFn
	sink     TxnSink
	observer func(name string, code Code)
}

// NewEngine creates the engine over the shared store.
func NewEngine(st *store.Store, opts Options) *Engine {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.ExecutionBudget <= 0 {
		opts.ExecutionBudget = 5 * time.Second
	}
	e := &Engine{
		db:   st.DB(),
		st:   st,
		opts: opts,
	}
	e.registry = map[string]reducerFn{
		NameAppendEvent:       e.appendEvent,
		NameAckWatermark:      e.ackWatermark,
		NameUpsertPresence:    e.upsertPresence,
		NamePublishCapability: e.publishCapability,
		NameOpenAssignment:    e.openAssignment,
		NameUpdateAssignment:  e.updateAssignment,
		NameEnqueueOutbox:     e.enqueueOutbox,
		NameMarkOutboxSent:    e.markOutboxSent,
	}
	return e
}

// SetSink wires the committed-transaction sink (the live manager). Must be
// set before serving calls; commits without a sink are not published.
func (e *Engine) SetSink(sink TxnSink) {
	e.sink = sink
}

// SetObserver wires a per-call outcome callback (metrics).
func (e *Engine) SetObserver(fn func(name string, code Code)) {
	e.observer = fn
}

// Reducers returns the registered reducer names.
func (e *Engine) Reducers() []string {
	names := make([]string, 0, len(e.registry))
	for n := range e.registry {
		names = append(names, n)
	}
	return names
}

// Call executes one reducer invocation for the given caller claim. On
// success the transaction record has been committed and handed to the sink;
// on failure no effects leak. The returned error is always a *Error.
func (e *Engine) Call(ctx context.Context, claim *claims.Claim, name string, input json.RawMessage) (*Result, error) {
	res, err := e.call(ctx, claim, name, input, injected{}, true)
	if e.observer != nil {
		code := Code("ok")
		if err != nil {
			code = AsError(err).Code
		}
		e.observer(name, code)
	}
	return res, err
}

// injected carries replay-time overrides for txn identity, clock, and nonce.
// Zero value means "mint fresh".
type injected struct {
	txnID string
	clock time.Time
	nonce string
}

func (e *Engine) call(ctx context.Context, claim *claims.Claim, name string, input json.RawMessage, inj injected, publish bool) (*Result, error) {
	if claim == nil {
		return nil, Errorf(CodeUnauthorized, "missing claim")
	}
	if claim.Expired(time.Now()) {
		return nil, Errorf(CodeClaimExpired, "claim expired at %s", claim.Expiry.Format(time.RFC3339))
	}
	fn, ok := e.registry[name]
	if !ok {
		return nil, Errorf(CodeUnknownReducer, "no reducer named %q", name)
	}
	if !claim.AllowsReducer(name) {
		return nil, Errorf(CodeUnauthorized, "claim scope does not cover reducer %s", name)
	}
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	canonicalInput, err := store.CanonicalJSON(input)
	if err != nil {
		return nil, Errorf(CodeInvalidRequest, "malformed reducer input: %v", err)
	}

	var lastErr error
	for attempt := 0; attempt < e.opts.MaxAttempts; attempt++ {
		res, err := e.attempt(ctx, claim, name, fn, canonicalInput, inj, publish)
		if err == nil {
			return res, nil
		}
		if isSerializationFailure(err) {
			lastErr = err
			continue
		}
		return nil, e.mapError(err)
	}
	slog.Warn("Reducer retries exhausted", "reducer", name, "attempts", e.opts.MaxAttempts, "error", lastErr)
	return nil, Errorf(CodeThrottled, "serialization conflicts exhausted %d attempts", e.opts.MaxAttempts)
}

// attempt runs one transactional execution of the reducer.
func (e *Engine) attempt(ctx context.Context, claim *claims.Claim, name string, fn reducerFn, canonicalInput []byte, inj injected, publish bool) (*Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.opts.ExecutionBudget)
	defer cancel()

	startedAt := time.Now().UTC()

	txc := &TxnContext{
		TxnID:  inj.txnID,
		Clock:  inj.clock,
		Nonce:  inj.nonce,
		Caller: claim,
		st:     e.st,
	}
	if txc.TxnID == "" {
		txc.TxnID = uuid.New().String()
	}
	if txc.Clock.IsZero() {
		txc.Clock = startedAt.Truncate(time.Microsecond)
	}
	if txc.Nonce == "" {
		txc.Nonce = uuid.New().String()
	}

	tx, err := e.db.BeginTx(attemptCtx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded {
			return nil, Errorf(CodeThrottled, "reducer %s exceeded execution budget", name)
		}
		return nil, fmt.Errorf("begin reducer txn: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	txc.tx = tx

	if err := fn(attemptCtx, txc, canonicalInput); err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded {
			return nil, Errorf(CodeThrottled, "reducer %s exceeded execution budget", name)
		}
		return nil, err
	}

	// An idempotency replay returns the prior outcome unchanged: nothing is
	// committed, no transaction record is published.
	if txc.replayOf != "" {
		_ = tx.Rollback()
		return e.priorResult(attemptCtx, txc.replayOf)
	}

	hash := commitHash(name, canonicalInput, txc.Clock.UnixNano(), txc.Nonce, txc.effects)

	_, err = tx.ExecContext(attemptCtx, `
		INSERT INTO transactions (txn_id, reducer_name, caller_principal, input, txn_clock, txn_nonce, commit_hash, started_at, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		txc.TxnID, name, claim.Principal, canonicalInput, txc.Clock, txc.Nonce, hash, startedAt, txc.Clock)
	if err != nil {
		return nil, fmt.Errorf("record transaction: %w", err)
	}

	// pg_notify is transactional: it fires only after COMMIT is durable, so
	// its arrival on the listener is the durable-commit acknowledgment that
	// releases confirmed-read deliveries.
	notify, _ := json.Marshal(map[string]string{"txn_id": txc.TxnID})
	if _, err := tx.ExecContext(attemptCtx, `SELECT pg_notify('relay_txn', $1)`, string(notify)); err != nil {
		return nil, fmt.Errorf("notify commit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded {
			return nil, Errorf(CodeThrottled, "reducer %s exceeded execution budget", name)
		}
		return nil, fmt.Errorf("commit reducer txn: %w", err)
	}

	rec := &TxnRecord{
		TxnID:       txc.TxnID,
		ReducerName: name,
		CommitHash:  hash,
		CommittedAt: txc.Clock,
		Effects:     e.toEffects(txc.effects),
	}
	if publish && e.sink != nil {
		e.sink.PublishTxn(rec)
	}

	result := &Result{TxnID: txc.TxnID, CommitHash: hash}
	for _, ev := range txc.effects {
		result.Effects = append(result.Effects, EffectRef{StreamID: ev.StreamID, Seq: ev.Seq})
	}
	return result, nil
}

func (e *Engine) toEffects(events []store.Event) []Effect {
	out := make([]Effect, 0, len(events))
	for _, ev := range events {
		out = append(out, Effect{
			StreamID:      ev.StreamID,
			Seq:           ev.Seq,
			RowKey:        ev.RowKey,
			Tombstone:     ev.Tombstone,
			Payload:       ev.Payload,
			PayloadHash:   ev.PayloadHash,
			ConfirmedRead: e.opts.ConfirmedReadStreams[ev.StreamID],
		})
	}
	return out
}

// priorResult reconstructs the outcome of an already committed transaction
// for idempotent re-issues.
func (e *Engine) priorResult(ctx context.Context, txnID string) (*Result, error) {
	var hash string
	err := e.db.QueryRowContext(ctx,
		`SELECT commit_hash FROM transactions WHERE txn_id = $1`, txnID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, Errorf(CodeInternal, "prior transaction %s not found", txnID)
	}
	if err != nil {
		return nil, fmt.Errorf("load prior transaction: %w", err)
	}

	events, err := e.st.TxnEvents(ctx, txnID)
	if err != nil {
		return nil, err
	}
	res := &Result{TxnID: txnID, CommitHash: hash, Replayed: true}
	for _, ev := range events {
		res.Effects = append(res.Effects, EffectRef{StreamID: ev.StreamID, Seq: ev.Seq})
	}
	return res, nil
}

// mapError folds store sentinels into the typed taxonomy.
func (e *Engine) mapError(err error) error {
	switch {
	case errors.Is(err, store.ErrUnknownStream):
		return Errorf(CodeUnknownStream, "%v", err)
	case errors.Is(err, store.ErrConflictingIdempotency):
		return Errorf(CodeConflictingIdempotency, "%v", err)
	case errors.Is(err, store.ErrSeqAhead):
		return Errorf(CodeInvalidRequest, "%v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return Errorf(CodeThrottled, "execution budget exceeded")
	default:
		return AsError(err)
	}
}

// isSerializationFailure reports whether the error is a PostgreSQL
// serialization or deadlock failure worth retrying.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

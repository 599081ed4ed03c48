package reducer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentmesh/relay/pkg/claims"
)

// LoggedTxn is one committed transaction as recorded in the log, sufficient
// to re-execute the reducer deterministically.
type LoggedTxn struct {
	TxnID       string
	ReducerName string
	Caller      string
	Input       json.RawMessage
	Clock       time.Time
	Nonce       string
	CommitHash  string
}

// LoggedTxns returns all committed transactions in commit order.
func (e *Engine) LoggedTxns(ctx context.Context) ([]LoggedTxn, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT txn_id, reducer_name, caller_principal, input, txn_clock, txn_nonce, commit_hash
		FROM transactions ORDER BY committed_at, txn_id`)
	if err != nil {
		return nil, fmt.Errorf("load transaction log: %w", err)
	}
	defer rows.Close()

	var out []LoggedTxn
	for rows.Next() {
		var t LoggedTxn
		if err := rows.Scan(&t.TxnID, &t.ReducerName, &t.Caller, &t.Input, &t.Clock, &t.Nonce, &t.CommitHash); err != nil {
			return nil, fmt.Errorf("scan logged txn: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ReplayMismatch reports one transaction whose replay diverged.
type ReplayMismatch struct {
	TxnID        string
	LoggedHash   string
	ReplayedHash string
}

// Replay re-executes a transaction log against this engine's (fresh) store
// with each transaction's recorded clock and nonce injected, and returns any
// commit-hash divergences. Identical hashes across the board prove the
// reducers are deterministic functions of their logged inputs.
//
// Replayed commits are not published to the sink: replay rebuilds state, it
// does not re-deliver it.
func (e *Engine) Replay(ctx context.Context, log []LoggedTxn) ([]ReplayMismatch, error) {
	var mismatches []ReplayMismatch
	system := claims.System()

	for _, t := range log {
		caller := *system
		caller.Principal = t.Caller
		res, err := e.call(ctx, &caller, t.ReducerName, t.Input, injected{
			txnID: t.TxnID,
			clock: t.Clock,
			nonce: t.Nonce,
		}, false)
		if err != nil {
			return mismatches, fmt.Errorf("replay txn %s (%s): %w", t.TxnID, t.ReducerName, err)
		}
		if res.CommitHash != t.CommitHash {
			mismatches = append(mismatches, ReplayMismatch{
				TxnID:        t.TxnID,
				LoggedHash:   t.CommitHash,
				ReplayedHash: res.CommitHash,
			})
		}
	}
	return mismatches, nil
}

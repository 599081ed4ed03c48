package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// commitChannel is the NOTIFY channel reducer commits announce themselves on.
// pg_notify fires only after COMMIT, so a notification's arrival is the
// durable-commit acknowledgment that releases confirmed-read deliveries.
const commitChannel = "relay_txn"

// CommitListener holds a dedicated PostgreSQL connection in LISTEN mode and
// feeds durable-commit acknowledgments to the subscription manager. The
// receive loop is the sole goroutine that touches the pgx connection.
type CommitListener struct {
	connString string
	manager    *Manager

	connMu sync.Mutex
	conn   *pgx.Conn

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewCommitListener creates a listener over its own dedicated connection.
func NewCommitListener(connString string, manager *Manager) *CommitListener {
	return &CommitListener{connString: connString, manager: manager}
}

// Start establishes the LISTEN connection and begins receiving.
func (l *CommitListener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("failed to connect for LISTEN: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+commitChannel); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("LISTEN %s failed: %w", commitChannel, err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	slog.Info("Commit listener started")
	return nil
}

// receiveLoop waits for commit notifications and dispatches them. Connection
// loss triggers reconnect with backoff; while disconnected, the manager's
// durability recheck keeps confirmed-read streams from wedging.
func (l *CommitListener) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()
		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Commit NOTIFY receive error", "error", err)
			l.reconnect(ctx)
			continue
		}

		var payload struct {
			TxnID string `json:"txn_id"`
		}
		if err := json.Unmarshal([]byte(notification.Payload), &payload); err != nil || payload.TxnID == "" {
			slog.Warn("Malformed commit notification", "payload", notification.Payload)
			continue
		}
		l.manager.ConfirmDurable(payload.TxnID)
	}
}

// reconnect re-establishes the LISTEN connection with exponential backoff.
func (l *CommitListener) reconnect(ctx context.Context) {
	l.connMu.Lock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
	l.connMu.Unlock()

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			slog.Error("Commit listener reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		if _, err := conn.Exec(ctx, "LISTEN "+commitChannel); err != nil {
			slog.Error("Re-LISTEN failed", "error", err)
			_ = conn.Close(ctx)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}

		l.connMu.Lock()
		l.conn = conn
		l.connMu.Unlock()
		slog.Info("Commit listener reconnected")
		return
	}
}

// Stop signals the receive loop to exit, waits for it, then closes the
// connection.
func (l *CommitListener) Stop(ctx context.Context) {
	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}

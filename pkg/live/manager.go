package live

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/agentmesh/relay/pkg/claims"
	"github.com/agentmesh/relay/pkg/config"
	"github.com/agentmesh/relay/pkg/reducer"
	"github.com/agentmesh/relay/pkg/store"
)

// durabilityRecheck bounds how long a confirmed-read transaction waits for
// its NOTIFY acknowledgment before the dispatcher falls back to checking
// commit visibility directly (a missed NOTIFY after a listener reconnect
// must not wedge the stream).
const durabilityRecheck = 10 * time.Second

// ReducerCaller is the engine surface the manager needs.
type ReducerCaller interface {
	Call(ctx context.Context, claim *claims.Claim, name string, input json.RawMessage) (*reducer.Result, error)
}

// Manager owns every live connection: it validates claims, computes
// subscription snapshots, and fans committed transaction records out to
// matching connections in per-stream sequence order.
//
// Fan-out runs on a single dispatcher goroutine, decoupled from reducer
// execution by a buffered channel; per-connection delivery is decoupled from
// the dispatcher by each connection's bounded outgoing buffer.
type Manager struct {
	st     *store.Store
	engine ReducerCaller
	cfg    *config.LiveConfig

	mu    sync.RWMutex
	conns map[string]*Conn

	// index maps stream → row key → conn id → conn. Key "" collects
	// whole-stream subscriptions.
	idxMu sync.RWMutex
	index map[string]map[string]map[string]*Conn

	txCh      chan *reducer.TxnRecord
	confirmCh chan string
	stopCh    chan struct{}
	stopOnce  sync.Once
	done      chan struct{}

	// Dispatcher-owned state; only the dispatcher goroutine touches these.
	lastSeq map[string]int64
	held    []*heldTxn
	durable map[string]bool

	// observer is an optional metrics hook invoked per delivered transaction
	// and per slow-consumer disconnect.
	observer func(event string)
}

type heldTxn struct {
	rec          *reducer.TxnRecord
	needsConfirm bool
	heldSince    time.Time
}

// NewManager creates the subscription manager.
func NewManager(st *store.Store, engine ReducerCaller, cfg *config.LiveConfig) *Manager {
	return &Manager{
		st:        st,
		engine:    engine,
		cfg:       cfg,
		conns:     make(map[string]*Conn),
		index:     make(map[string]map[string]map[string]*Conn),
		txCh:      make(chan *reducer.TxnRecord, 1024),
		confirmCh: make(chan string, 1024),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		lastSeq:   make(map[string]int64),
		durable:   make(map[string]bool),
	}
}

// SetObserver wires a metrics callback.
func (m *Manager) SetObserver(fn func(event string)) {
	m.observer = fn
}

// Start initializes the dispatcher's per-stream cursors from the committed
// heads and launches the fan-out loop.
func (m *Manager) Start(ctx context.Context) error {
	streams, err := m.st.Streams(ctx)
	if err != nil {
		return err
	}
	for _, st := range streams {
		m.lastSeq[st.StreamID] = st.HeadSeq
	}
	go m.run()
	slog.Info("Subscription manager started", "streams", len(streams))
	return nil
}

// Stop terminates the dispatcher and closes every connection.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.done

	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}
}

// PublishTxn hands a committed transaction record to the dispatcher.
// Implements reducer.TxnSink.
func (m *Manager) PublishTxn(rec *reducer.TxnRecord) {
	select {
	case m.txCh <- rec:
	case <-m.stopCh:
	}
}

// ConfirmDurable marks a transaction's commit as durably acknowledged,
// releasing any confirmed-read deliveries gated on it. Called by the NOTIFY
// listener.
func (m *Manager) ConfirmDurable(txnID string) {
	select {
	case m.confirmCh <- txnID:
	case <-m.stopCh:
	}
}

// ActiveConnections returns the number of live connections.
func (m *Manager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// run is the dispatcher loop: strict per-stream sequence ordering, plus the
// confirmed-read durability gate.
func (m *Manager) run() {
	defer close(m.done)

	ticker := time.NewTicker(durabilityRecheck / 2)
	defer ticker.Stop()

	for {
		select {
		case rec := <-m.txCh:
			m.ingest(rec)
		case txnID := <-m.confirmCh:
			m.durable[txnID] = true
			m.drain()
		case <-ticker.C:
			m.recheckDurability()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) ingest(rec *reducer.TxnRecord) {
	h := &heldTxn{rec: rec, heldSince: time.Now()}
	for _, ef := range rec.Effects {
		if ef.ConfirmedRead && !m.durable[rec.TxnID] {
			h.needsConfirm = true
			break
		}
	}
	m.held = append(m.held, h)
	m.drain()
}

// drain delivers every held transaction whose sequences are next in line on
// all affected streams and whose durability gate (if any) is open. A blocked
// transaction also blocks later sequences on its streams, which is what
// keeps delivery order equal to commit order.
func (m *Manager) drain() {
	for progressed := true; progressed; {
		progressed = false
		for i, h := range m.held {
			if h == nil {
				continue
			}
			if h.needsConfirm && !m.durable[h.rec.TxnID] {
				continue
			}
			if !m.seqReady(h.rec) {
				continue
			}
			m.deliver(h.rec)
			delete(m.durable, h.rec.TxnID)
			m.held[i] = nil
			progressed = true
		}
	}
	// Compact delivered slots.
	kept := m.held[:0]
	for _, h := range m.held {
		if h != nil {
			kept = append(kept, h)
		}
	}
	m.held = kept
}

func (m *Manager) seqReady(rec *reducer.TxnRecord) bool {
	first := make(map[string]int64)
	for _, ef := range rec.Effects {
		if cur, ok := first[ef.StreamID]; !ok || ef.Seq < cur {
			first[ef.StreamID] = ef.Seq
		}
	}
	for stream, seq := range first {
		if seq != m.lastSeq[stream]+1 {
			return false
		}
	}
	return true
}

func (m *Manager) deliver(rec *reducer.TxnRecord) {
	for _, ef := range rec.Effects {
		if ef.Seq > m.lastSeq[ef.StreamID] {
			m.lastSeq[ef.StreamID] = ef.Seq
		}
	}

	targets := m.matchingConns(rec)
	for _, c := range targets {
		c.offerTxn(rec)
	}
	if m.observer != nil {
		m.observer("txn_delivered")
	}
}

// matchingConns unions the index entries for every effect in the record.
func (m *Manager) matchingConns(rec *reducer.TxnRecord) []*Conn {
	m.idxMu.RLock()
	defer m.idxMu.RUnlock()

	seen := make(map[string]*Conn)
	for _, ef := range rec.Effects {
		keys := m.index[ef.StreamID]
		if keys == nil {
			continue
		}
		for id, c := range keys[""] {
			seen[id] = c
		}
		if ef.RowKey != "" {
			for id, c := range keys[ef.RowKey] {
				seen[id] = c
			}
		}
	}
	out := make([]*Conn, 0, len(seen))
	for _, c := range seen {
		out = append(out, c)
	}
	return out
}

// recheckDurability resolves confirmed-read transactions whose NOTIFY ack
// never arrived: visibility of the transaction row in a fresh read proves
// the commit is durable.
func (m *Manager) recheckDurability() {
	cutoff := time.Now().Add(-durabilityRecheck)
	for _, h := range m.held {
		if h == nil || !h.needsConfirm || m.durable[h.rec.TxnID] || h.heldSince.After(cutoff) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		var one int
		err := m.st.DB().QueryRowContext(ctx,
			`SELECT 1 FROM transactions WHERE txn_id = $1`, h.rec.TxnID).Scan(&one)
		cancel()
		switch {
		case err == nil:
			m.durable[h.rec.TxnID] = true
		case errors.Is(err, sql.ErrNoRows):
			// Not visible yet; keep waiting.
		default:
			slog.Warn("Durability recheck failed", "txn_id", h.rec.TxnID, "error", err)
		}
	}
	m.drain()
}

// --- connection registry and index ---

func (m *Manager) register(c *Conn) {
	m.mu.Lock()
	m.conns[c.ID] = c
	m.mu.Unlock()
}

func (m *Manager) unregister(c *Conn) {
	m.mu.Lock()
	delete(m.conns, c.ID)
	m.mu.Unlock()
	m.dropFromIndex(c, nil)
	m.schedulePresenceSweep(c)
}

// addToIndex registers a connection's query sets for fan-out.
func (m *Manager) addToIndex(c *Conn, queries []QuerySet) {
	m.idxMu.Lock()
	defer m.idxMu.Unlock()
	for _, q := range queries {
		keys := m.index[q.Stream]
		if keys == nil {
			keys = make(map[string]map[string]*Conn)
			m.index[q.Stream] = keys
		}
		if len(q.Keys) == 0 {
			addConn(keys, "", c)
			continue
		}
		for _, k := range q.Keys {
			addConn(keys, k, c)
		}
	}
}

// dropFromIndex removes a connection from the fan-out index; streams nil
// means all.
func (m *Manager) dropFromIndex(c *Conn, streams map[string]bool) {
	m.idxMu.Lock()
	defer m.idxMu.Unlock()
	for stream, keys := range m.index {
		if streams != nil && !streams[stream] {
			continue
		}
		for k, conns := range keys {
			delete(conns, c.ID)
			if len(conns) == 0 {
				delete(keys, k)
			}
		}
		if len(keys) == 0 {
			delete(m.index, stream)
		}
	}
}

func addConn(keys map[string]map[string]*Conn, key string, c *Conn) {
	if keys[key] == nil {
		keys[key] = make(map[string]*Conn)
	}
	keys[key][c.ID] = c
}

// schedulePresenceSweep tombstones the device's presence rows once the
// disconnect grace passes with no reconnect, emitting the deletion delta.
func (m *Manager) schedulePresenceSweep(c *Conn) {
	principal, device := c.claim.Principal, c.claim.Device
	time.AfterFunc(m.cfg.PresenceDisconnectGrace, func() {
		if m.deviceConnected(principal, device) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var one int
		err := m.st.DB().QueryRowContext(ctx,
			`SELECT 1 FROM presence WHERE principal = $1 AND device_id = $2`,
			principal, device).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return
		}
		if err != nil {
			slog.Warn("Presence sweep lookup failed", "principal", principal, "error", err)
			return
		}

		input, _ := json.Marshal(reducer.UpsertPresenceParams{
			Principal: principal,
			DeviceID:  device,
			Status:    reducer.PresenceStatusOffline,
		})
		if _, err := m.engine.Call(ctx, claims.System(), reducer.NameUpsertPresence, input); err != nil {
			slog.Warn("Presence sweep failed", "principal", principal, "device", device, "error", err)
		}
	})
}

func (m *Manager) deviceConnected(principal, device string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.conns {
		if c.claim.Principal == principal && c.claim.Device == device {
			return true
		}
	}
	return false
}

// HandleConnection runs the lifecycle of one authenticated WebSocket
// connection. Blocks until the connection closes.
func (m *Manager) HandleConnection(parentCtx context.Context, sock *websocket.Conn, claim *claims.Claim) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Conn{
		ID:      uuid.New().String(),
		claim:   claim,
		sock:    sock,
		mgr:     m,
		ctx:     ctx,
		cancel:  cancel,
		outCh:   make(chan *ServerFrame, m.cfg.SlowConsumerBufferLimit),
		queries: make(map[string]*streamQuery),
		cursor:  make(map[string]int64),
	}

	m.register(c)
	defer m.unregister(c)

	c.run()
}

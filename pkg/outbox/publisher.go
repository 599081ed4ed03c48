package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentmesh/relay/pkg/claims"
	"github.com/agentmesh/relay/pkg/config"
	"github.com/agentmesh/relay/pkg/reducer"
	"github.com/agentmesh/relay/pkg/store"
)

// ReducerCaller is the engine surface the publisher needs to acknowledge
// sends through the authoritative write path.
type ReducerCaller interface {
	Call(ctx context.Context, claim *claims.Claim, name string, input json.RawMessage) (*reducer.Result, error)
}

// Publisher drains pending outbox entries to the external substrate with
// per-attempt deadlines and capped exponential backoff. Entries that exhaust
// their attempts move to failed and stay for operator triage.
type Publisher struct {
	st        *store.Store
	engine    ReducerCaller
	substrate Substrate
	cfg       *config.OutboxConfig

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// NewPublisher creates the draining publisher. A nil substrate disables
// draining; entries queue until an operator configures one.
func NewPublisher(st *store.Store, engine ReducerCaller, substrate Substrate, cfg *config.OutboxConfig) *Publisher {
	return &Publisher{
		st:        st,
		engine:    engine,
		substrate: substrate,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the draining workers. Safe to call once.
func (p *Publisher) Start(ctx context.Context) {
	if p.started || p.substrate == nil {
		if p.substrate == nil {
			slog.Info("Outbox publisher disabled: no substrate configured")
		}
		return
	}
	p.started = true

	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, fmt.Sprintf("outbox-%d", i))
	}
	slog.Info("Outbox publisher started", "workers", p.cfg.WorkerCount)
}

// Stop signals workers to finish their current attempts and waits.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Publisher) runWorker(ctx context.Context, id string) {
	defer p.wg.Done()
	log := slog.With("worker_id", id)
	log.Info("Outbox worker started")

	for {
		select {
		case <-p.stopCh:
			log.Info("Outbox worker shutting down")
			return
		case <-ctx.Done():
			return
		default:
			worked, err := p.drainOne(ctx)
			if err != nil {
				log.Error("Outbox drain error", "error", err)
				p.sleep(time.Second)
				continue
			}
			if !worked {
				p.sleep(p.cfg.PollInterval)
			}
		}
	}
}

func (p *Publisher) sleep(d time.Duration) {
	select {
	case <-p.stopCh:
	case <-time.After(d):
	}
}

// drainOne claims the next due entry, attempts the external publish, and
// settles the entry. Returns false when the queue had nothing due.
func (p *Publisher) drainOne(ctx context.Context) (bool, error) {
	lease := p.cfg.AttemptTimeout + 5*time.Second
	entry, err := claimNext(ctx, p.st.DB(), lease)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}

	payload, payloadHash, err := p.sourceEvent(ctx, entry)
	if err != nil {
		// The source event aged out of retention before export: permanent.
		p.fail(ctx, entry, fmt.Sprintf("source event unavailable: %v", err))
		return true, nil
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	proof, err := p.substrate.Publish(attemptCtx, *entry, payload, payloadHash)
	cancel()
	if err != nil {
		p.retryOrFail(ctx, entry, err)
		return true, nil
	}

	input, _ := json.Marshal(reducer.MarkOutboxSentParams{EntryID: entry.EntryID, Proof: proof})
	if _, err := p.engine.Call(ctx, claims.System(), reducer.NameMarkOutboxSent, input); err != nil {
		// The publish succeeded; the next attempt writes the record again,
		// and its source (stream, seq) lets consumers drop the duplicate.
		return true, fmt.Errorf("mark sent %s: %w", entry.EntryID, err)
	}
	return true, nil
}

func (p *Publisher) sourceEvent(ctx context.Context, entry *Entry) (json.RawMessage, string, error) {
	events, err := p.st.Range(ctx, p.st.DB(), entry.StreamID, entry.SourceSeq-1, 1)
	if err != nil {
		return nil, "", err
	}
	if len(events) == 0 || events[0].Seq != entry.SourceSeq {
		return nil, "", fmt.Errorf("event %s/%d not found", entry.StreamID, entry.SourceSeq)
	}
	return events[0].Payload, events[0].PayloadHash, nil
}

// retryOrFail schedules the next attempt or moves the entry to failed once
// attempts are exhausted.
func (p *Publisher) retryOrFail(ctx context.Context, entry *Entry, cause error) {
	attempts := entry.Attempts + 1
	if attempts >= p.cfg.MaxAttempts {
		p.fail(ctx, entry, cause.Error())
		return
	}

	delay := p.nextDelay(attempts)
	_, err := p.st.DB().ExecContext(ctx, `
		UPDATE outbox_entries SET attempts = $2, next_attempt_at = now() + $3::interval
		WHERE entry_id = $1 AND state = 'pending'`,
		entry.EntryID, attempts, fmt.Sprintf("%d milliseconds", delay.Milliseconds()))
	if err != nil {
		slog.Error("Outbox retry schedule failed", "entry_id", entry.EntryID, "error", err)
		return
	}
	slog.Warn("Outbox publish failed, retry scheduled",
		"entry_id", entry.EntryID, "attempts", attempts, "delay", delay, "error", cause)
}

func (p *Publisher) fail(ctx context.Context, entry *Entry, cause string) {
	_, err := p.st.DB().ExecContext(ctx, `
		UPDATE outbox_entries SET state = 'failed', attempts = $2
		WHERE entry_id = $1 AND state = 'pending'`,
		entry.EntryID, entry.Attempts+1)
	if err != nil {
		slog.Error("Outbox fail transition failed", "entry_id", entry.EntryID, "error", err)
		return
	}
	slog.Error("Outbox entry permanently failed", "entry_id", entry.EntryID, "cause", cause)
}

// nextDelay walks the exponential schedule to the given attempt count.
func (p *Publisher) nextDelay(attempts int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.BackoffInitial
	bo.MaxInterval = p.cfg.BackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	delay := bo.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = bo.NextBackOff()
	}
	if delay > p.cfg.BackoffMax {
		delay = p.cfg.BackoffMax
	}
	return delay
}

// DB exposes the pool for health checks and triage queries.
func (p *Publisher) DB() *sql.DB { return p.st.DB() }

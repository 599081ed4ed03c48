// Package cleanup enforces retention: per-stream history pruning, sent
// outbox expiry, and the presence safety-net sweep.
package cleanup

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/agentmesh/relay/pkg/claims"
	"github.com/agentmesh/relay/pkg/config"
	"github.com/agentmesh/relay/pkg/outbox"
	"github.com/agentmesh/relay/pkg/reducer"
	"github.com/agentmesh/relay/pkg/store"
)

// ReducerCaller is the engine surface the sweep needs.
type ReducerCaller interface {
	Call(ctx context.Context, claim *claims.Claim, name string, input json.RawMessage) (*reducer.Result, error)
}

// Service periodically enforces retention policies:
//   - prunes per-stream history beyond the retention window
//   - deletes sent outbox entries past their TTL
//   - tombstones presence rows whose device never came back
//
// All operations are idempotent and safe to run from multiple nodes.
type Service struct {
	cfg    *config.RetentionConfig
	live   *config.LiveConfig
	st     *store.Store
	engine ReducerCaller
	// windows holds per-stream retention overrides.
	windows map[string]int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service.
func NewService(cfg *config.RetentionConfig, live *config.LiveConfig, streams []config.StreamConfig, st *store.Store, engine ReducerCaller) *Service {
	windows := make(map[string]int64)
	for _, sc := range streams {
		if sc.RetentionWindowEvents > 0 {
			windows[sc.StreamID] = sc.RetentionWindowEvents
		}
	}
	return &Service{cfg: cfg, live: live, st: st, engine: engine, windows: windows}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"window_events", s.cfg.WindowEvents,
		"sent_outbox_ttl", s.cfg.SentOutboxTTL,
		"interval", s.cfg.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.pruneStreams(ctx)
	s.pruneSentOutbox(ctx)
	s.sweepStalePresence(ctx)
}

func (s *Service) pruneStreams(ctx context.Context) {
	streams, err := s.st.Streams(ctx)
	if err != nil {
		slog.Error("Retention: stream listing failed", "error", err)
		return
	}
	for _, st := range streams {
		window := s.cfg.WindowEvents
		if w, ok := s.windows[st.StreamID]; ok {
			window = w
		}
		deleted, err := s.st.Prune(ctx, st.StreamID, window)
		if err != nil {
			slog.Error("Retention: prune failed", "stream", st.StreamID, "error", err)
			continue
		}
		if deleted > 0 {
			slog.Info("Retention: pruned stream history", "stream", st.StreamID, "deleted", deleted)
		}
	}
}

func (s *Service) pruneSentOutbox(ctx context.Context) {
	count, err := outbox.PruneSent(ctx, s.st.DB(), s.cfg.SentOutboxTTL)
	if err != nil {
		slog.Error("Retention: sent outbox prune failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned sent outbox entries", "count", count)
	}
}

// sweepStalePresence tombstones presence rows whose device stayed silent far
// past the disconnect grace. The live manager handles the common case on
// disconnect; this catches rows orphaned by a node crash.
func (s *Service) sweepStalePresence(ctx context.Context) {
	cutoff := time.Now().Add(-10 * s.live.PresenceDisconnectGrace)
	rows, err := s.st.ExpirePresence(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: presence scan failed", "error", err)
		return
	}
	for _, row := range rows {
		input, _ := json.Marshal(reducer.UpsertPresenceParams{
			Principal: row.Principal,
			DeviceID:  row.DeviceID,
			Status:    reducer.PresenceStatusOffline,
		})
		if _, err := s.engine.Call(ctx, claims.System(), reducer.NameUpsertPresence, input); err != nil {
			slog.Warn("Retention: presence sweep failed",
				"principal", row.Principal, "device", row.DeviceID, "error", err)
		}
	}
}

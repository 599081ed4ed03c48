package cleanup

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/relay/pkg/claims"
	"github.com/agentmesh/relay/pkg/config"
	"github.com/agentmesh/relay/pkg/reducer"
	"github.com/agentmesh/relay/pkg/store"
	testdb "github.com/agentmesh/relay/test/database"
)

func setupService(t *testing.T) (*Service, *store.Store, *reducer.Engine) {
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

	engine := reducer.NewEngine(st, reducer.Options{})
	retention := &config.RetentionConfig{
		WindowEvents:    3,
		SentOutboxTTL:   time.Hour,
		CleanupInterval: time.Hour,
	}
	live := config.DefaultLiveConfig()
	live.PresenceDisconnectGrace = 10 * time.Millisecond
	streams := []config.StreamConfig{{StreamID: reducer.StreamPresence, RetentionWindowEvents: 100}}
	return NewService(retention, live, streams, st, engine), st, engine
}

func TestRunAllPrunesStreams(t *testing.T) {
	svc, st, engine := setupService(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		input, _ := json.Marshal(reducer.AppendEventParams{
			StreamID: "orders", Payload: json.RawMessage(`{"n": 1}`),
		})
		_, err := engine.Call(ctx, claims.System(), reducer.NameAppendEvent, input)
		require.NoError(t, err)
	}

	svc.runAll(ctx)

	head, minRetained, err := st.Head(ctx, st.DB(), "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(10), head)
	assert.Equal(t, int64(8), minRetained)
}

func TestRunAllSweepsStalePresence(t *testing.T) {
	svc, st, engine := setupService(t)
	ctx := context.Background()

	input, _ := json.Marshal(reducer.UpsertPresenceParams{
		Principal: "bob", DeviceID: "dev-1", Status: "online",
	})
	_, err := engine.Call(ctx, claims.System(), reducer.NameUpsertPresence, input)
	require.NoError(t, err)

	// Age the row past ten grace periods.
	_, err = st.DB().ExecContext(ctx,
		`UPDATE presence SET updated_at = now() - interval '1 hour'`)
	require.NoError(t, err)

	svc.runAll(ctx)

	var count int
	require.NoError(t, st.DB().QueryRowContext(ctx,
		`SELECT count(*) FROM presence`).Scan(&count))
	assert.Zero(t, count)

	// The sweep emitted a tombstone delta on the presence stream.
	events, err := st.Range(ctx, st.DB(), reducer.StreamPresence, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[1].Tombstone)
}
